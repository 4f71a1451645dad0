// Package review lists, closes and purges the pull requests of past sessions.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/holon-run/slam/pkg/batch"
	"github.com/holon-run/slam/pkg/discovery"
	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/outcome"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

// DefaultPrefix selects every session created with the default prefix.
const DefaultPrefix = session.DefaultPrefix

// Group is the set of open pull requests sharing one head branch.
type Group struct {
	Head         string
	PullRequests []hosting.PullRequest
}

// Listing is the result of List.
type Listing struct {
	Groups []Group
	// Failed holds the repositories that could not be listed.
	Failed []outcome.Outcome
}

// Len returns the number of pull requests listed.
func (l *Listing) Len() int {
	n := 0
	for _, g := range l.Groups {
		n += len(g.PullRequests)
	}
	return n
}

// Prefixes normalises operator patterns. A trailing * is accepted and
// ignored; no patterns means DefaultPrefix.
func Prefixes(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		p = strings.TrimSuffix(strings.TrimSpace(p), "*")
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{DefaultPrefix}
	}
	return out
}

func hasPrefix(head string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(head, p) {
			return true
		}
	}
	return false
}

// List returns the open pull requests of targets whose head starts with one
// of prefixes, grouped by head. Repositories that cannot be listed are
// reported in Failed; authentication and rate-limit failures abort.
func List(ctx context.Context, client hosting.Client, targets []target.RepoTarget, prefixes []string, limit int) (*Listing, error) {
	prefixes = Prefixes(prefixes)
	if limit <= 0 {
		limit = batch.DefaultLimit
	}

	perRepo := make([][]hosting.PullRequest, len(targets))
	var (
		mu     sync.Mutex
		failed = make(map[int]outcome.Outcome)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, t := range targets {
		g.Go(func() error {
			prs, err := client.ListPullRequests(gctx, t.Slug, hosting.ListOptions{State: hosting.StateOpen})
			if err != nil {
				err = fmt.Errorf("failed to list pull requests of %s: %w", t.Slug, err)
				if outcome.IsFatal(err) || errors.Is(err, context.Canceled) {
					return err
				}
				log.Warn("skipping repository", "repo", t.Slug, "error", err)
				mu.Lock()
				failed[i] = outcome.Failed(t.Slug, outcome.DiscoveryError, err.Error())
				mu.Unlock()
				return nil
			}
			for _, pr := range prs {
				if hasPrefix(pr.HeadBranch, prefixes) {
					if pr.Repo == "" {
						pr.Repo = t.Slug
					}
					perRepo[i] = append(perRepo[i], pr)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	listing := &Listing{}
	byHead := make(map[string]*Group)
	for i, prs := range perRepo {
		if o, ok := failed[i]; ok {
			listing.Failed = append(listing.Failed, o)
		}
		for _, pr := range prs {
			grp, ok := byHead[pr.HeadBranch]
			if !ok {
				grp = &Group{Head: pr.HeadBranch}
				byHead[pr.HeadBranch] = grp
			}
			grp.PullRequests = append(grp.PullRequests, pr)
		}
	}
	for _, grp := range byHead {
		listing.Groups = append(listing.Groups, *grp)
	}
	sort.Slice(listing.Groups, func(i, j int) bool {
		return listing.Groups[i].Head < listing.Groups[j].Head
	})
	return listing, nil
}

// DeleteOp closes the pull request whose head is exactly name and deletes
// its branch. Repositories without an open one are skipped.
func DeleteOp(strategy discovery.Strategy, client hosting.Client, name session.ID) batch.Op {
	return func(ctx context.Context, repo target.RepoTarget) (outcome.Outcome, error) {
		ref, err := strategy.FindMatch(ctx, repo, name)
		if errors.Is(err, discovery.ErrNoMatch) {
			return outcome.Skipped(repo.Slug, outcome.ReasonNoMatch), nil
		}
		if err != nil {
			return outcome.Outcome{}, err
		}
		if ref.State != discovery.StateOpen {
			return outcome.Skipped(repo.Slug, outcome.ReasonClosed).WithPR(ref.Number, ref.URL), nil
		}
		if err := closeAndDelete(ctx, client, repo.Slug, ref.Number, ref.HeadBranch); err != nil {
			return outcome.Outcome{}, err
		}
		return outcome.Closed(repo.Slug, ref.Number, ref.URL), nil
	}
}

// PurgeOp closes every open pull request of a repository whose head starts
// with one of prefixes and that was last updated before cutoff. Each stale
// head is resolved again through strategy, so a head whose newest pull
// request is still active or already finished is left alone.
func PurgeOp(strategy discovery.Strategy, client hosting.Client, prefixes []string, cutoff time.Time) batch.Op {
	prefixes = Prefixes(prefixes)
	return func(ctx context.Context, repo target.RepoTarget) (outcome.Outcome, error) {
		prs, err := client.ListPullRequests(ctx, repo.Slug, hosting.ListOptions{State: hosting.StateOpen})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return outcome.Outcome{}, err
			}
			return outcome.Outcome{}, outcome.Wrap(outcome.DiscoveryError, fmt.Errorf("failed to list pull requests of %s: %w", repo.Slug, err))
		}

		var closed []string
		var last discovery.Ref
		seen := make(map[string]bool)
		for _, pr := range prs {
			if seen[pr.HeadBranch] || !hasPrefix(pr.HeadBranch, prefixes) || !pr.UpdatedAt.Before(cutoff) {
				continue
			}
			seen[pr.HeadBranch] = true

			ref, err := strategy.FindMatch(ctx, repo, session.ID(pr.HeadBranch))
			if errors.Is(err, discovery.ErrNoMatch) {
				continue
			}
			if err != nil {
				return outcome.Outcome{}, err
			}
			if ref.State != discovery.StateOpen || ref.Number != pr.Number {
				log.Debug("head has newer activity, keeping it", "repo", repo.Slug, "head", pr.HeadBranch, "ref", ref.String())
				continue
			}
			if err := closeAndDelete(ctx, client, repo.Slug, ref.Number, ref.HeadBranch); err != nil {
				return outcome.Outcome{}, err
			}
			closed = append(closed, fmt.Sprintf("#%d %s", ref.Number, ref.HeadBranch))
			last = ref
		}
		if len(closed) == 0 {
			return outcome.Skipped(repo.Slug, outcome.ReasonNoMatch), nil
		}
		o := outcome.Closed(repo.Slug, last.Number, last.URL)
		o.Message = strings.Join(closed, ", ")
		return o, nil
	}
}

func closeAndDelete(ctx context.Context, client hosting.Client, slug string, number int, branch string) error {
	if err := client.ClosePullRequest(ctx, slug, number); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return outcome.Wrap(outcome.PublishRejected, fmt.Errorf("%s#%d: close: %w", slug, number, err))
	}
	log.Info("closed pull request", "repo", slug, "number", number)

	if err := client.DeleteBranch(ctx, slug, branch); err != nil && !hosting.IsNotFound(err) {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return outcome.Wrap(outcome.PublishRejected, fmt.Errorf("%s: delete branch %s: %w", slug, branch, err))
	}
	return nil
}
