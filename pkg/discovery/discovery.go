// Package discovery finds the pull request a session created in a repository.
//
// Two strategies implement Strategy: Local inspects a checkout for the session
// branch before asking the host, Remote asks the host directly and can index a
// whole owner with one search.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/outcome"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

// ErrNoMatch is returned when no pull request has the session as its head.
var ErrNoMatch = errors.New("no pull request matches the session")

// State is the lifecycle state of a discovered pull request.
type State string

const (
	StateOpen   State = "open"
	StateMerged State = "merged"
	StateClosed State = "closed"
)

// Ref is a pull request found by discovery. Refs are only built from host
// data and always carry the session as HeadBranch.
type Ref struct {
	Repo       string
	Number     int
	HeadBranch string
	State      State
	URL        string
	UpdatedAt  time.Time
}

func (r Ref) String() string {
	return fmt.Sprintf("%s#%d (%s, %s)", r.Repo, r.Number, r.HeadBranch, r.State)
}

func stateOf(pr hosting.PullRequest) State {
	switch {
	case pr.Merged:
		return StateMerged
	case pr.State == hosting.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

func refFrom(pr hosting.PullRequest) Ref {
	return Ref{
		Repo:       pr.Repo,
		Number:     pr.Number,
		HeadBranch: pr.HeadBranch,
		State:      stateOf(pr),
		URL:        pr.URL,
		UpdatedAt:  pr.UpdatedAt,
	}
}

// Strategy finds the pull request whose head is exactly sid.
//
// FindMatch returns ErrNoMatch when there is none. Other failures carry
// MissingLocalCheckout or DiscoveryError, or a fatal hosting kind.
type Strategy interface {
	FindMatch(ctx context.Context, repo target.RepoTarget, sid session.ID) (Ref, error)
}

// choose applies the tie-break to the pull requests of one repository:
// the most recently updated open PR, else the most recently updated merged or
// closed PR. PRs whose head is not sid are ignored.
func choose(repo string, prs []hosting.PullRequest, sid session.ID) (Ref, error) {
	var open, done []hosting.PullRequest
	for _, pr := range prs {
		if !sid.Matches(pr.HeadBranch) {
			continue
		}
		if pr.State == hosting.StateOpen && !pr.Merged {
			open = append(open, pr)
		} else {
			done = append(done, pr)
		}
	}

	pick := func(prs []hosting.PullRequest) hosting.PullRequest {
		sort.SliceStable(prs, func(i, j int) bool { return prs[i].UpdatedAt.After(prs[j].UpdatedAt) })
		return prs[0]
	}

	switch {
	case len(open) > 0:
		if len(open) > 1 {
			numbers := make([]int, len(open))
			for i, pr := range open {
				numbers[i] = pr.Number
			}
			log.Warn("multiple open pull requests for session, using most recently updated",
				"repo", repo, "session", sid, "numbers", numbers)
		}
		return refFrom(pick(open)), nil
	case len(done) > 0:
		return refFrom(pick(done)), nil
	default:
		return Ref{}, ErrNoMatch
	}
}

// findInRepo asks the host for every PR of repo whose head is sid.
func findInRepo(ctx context.Context, client hosting.Client, repo string, sid session.ID) (Ref, error) {
	prs, err := client.ListPullRequests(ctx, repo, hosting.ListOptions{Head: string(sid), State: hosting.StateAll})
	if err != nil {
		return Ref{}, accessError(repo, err)
	}
	for i := range prs {
		if prs[i].Repo == "" {
			prs[i].Repo = repo
		}
	}
	return choose(repo, prs, sid)
}

func accessError(repo string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return outcome.Wrap(outcome.DiscoveryError, fmt.Errorf("failed to list pull requests of %s: %w", repo, err))
}
