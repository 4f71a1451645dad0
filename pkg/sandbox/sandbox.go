// Package sandbox keeps a directory of checkouts, one per repository under
// root/owner/name, in step with the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/holon-run/slam/pkg/git"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

// Status describes what happened to one checkout.
type Status struct {
	Repo   string
	Dir    string
	Branch string
	// Before and After are the HEAD commits around the refresh. Before is
	// empty for a fresh clone.
	Before string
	After  string
	Cloned bool
	// Pruned lists session branches deleted because their remote is gone.
	Pruned []string
	// Kept lists session branches whose remote is gone but that hold
	// commits git would lose.
	Kept []string
	Err  error
}

// Changed reports whether HEAD moved.
func (s Status) Changed() bool {
	return s.Before != s.After
}

// Short returns the abbreviated After commit.
func (s Status) Short() string {
	if len(s.After) > 7 {
		return s.After[:7]
	}
	return s.After
}

// Sandbox clones and refreshes checkouts.
type Sandbox struct {
	Root string
	// Prefix selects the local branches pruned on refresh.
	Prefix string
	Token  string
	// CloneURL returns the URL cloned for slug; the default is the
	// github.com https URL.
	CloneURL func(slug string) string
	// Limit bounds concurrent repositories.
	Limit int
}

// New returns a Sandbox rooted at root.
func New(root string) *Sandbox {
	return &Sandbox{Root: root, Prefix: session.DefaultPrefix, Limit: 4}
}

// Dir returns the checkout directory of t.
func (s *Sandbox) Dir(t target.RepoTarget) string {
	return filepath.Join(s.Root, filepath.FromSlash(t.Slug))
}

// Setup clones every target that has no checkout yet and refreshes the rest.
// Statuses are returned in target order; per-repository failures are
// recorded in Status.Err.
func (s *Sandbox) Setup(ctx context.Context, targets []target.RepoTarget) ([]Status, error) {
	return s.each(ctx, targets, func(ctx context.Context, t target.RepoTarget) Status {
		dir := s.Dir(t)
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			st := s.Refresh(ctx, dir)
			st.Repo = t.Slug
			return st
		}
		return s.clone(ctx, t, dir)
	})
}

// RefreshAll refreshes the checkout of every target with a LocalPath.
func (s *Sandbox) RefreshAll(ctx context.Context, targets []target.RepoTarget) ([]Status, error) {
	return s.each(ctx, targets, func(ctx context.Context, t target.RepoTarget) Status {
		if t.LocalPath == "" {
			return Status{Repo: t.Slug, Err: fmt.Errorf("%s has no local checkout", t.Slug)}
		}
		st := s.Refresh(ctx, t.LocalPath)
		st.Repo = t.Slug
		return st
	})
}

func (s *Sandbox) each(ctx context.Context, targets []target.RepoTarget, fn func(context.Context, target.RepoTarget) Status) ([]Status, error) {
	out := make([]Status, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	limit := s.Limit
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i, t := range targets {
		g.Go(func() error {
			out[i] = fn(gctx, t)
			if out[i].Err != nil {
				log.Warn("sandbox repository failed", "repo", t.Slug, "error", out[i].Err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, ctx.Err()
}

func (s *Sandbox) clone(ctx context.Context, t target.RepoTarget, dir string) Status {
	st := Status{Repo: t.Slug, Dir: dir, Cloned: true}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		st.Err = fmt.Errorf("failed to create %s: %w", filepath.Dir(dir), err)
		return st
	}

	url := "https://github.com/" + t.Slug + ".git"
	if s.CloneURL != nil {
		url = s.CloneURL(t.Slug)
	}
	log.Info("cloning repository", "repo", t.Slug, "dir", dir)
	res, err := git.Clone(ctx, git.CloneOptions{Source: url, Dest: dir, Quiet: true, Token: s.Token})
	if err != nil {
		os.RemoveAll(dir)
		st.Err = err
		return st
	}
	st.Branch = res.Branch
	st.After = res.HEAD
	return st
}

// Refresh brings the checkout at dir back to the tip of its default branch:
// fetch with prune, hard reset, checkout the default branch, fast-forward,
// and delete local session branches whose remote branch is gone.
func (s *Sandbox) Refresh(ctx context.Context, dir string) Status {
	st := Status{Dir: dir}

	inspect, err := git.Open(dir)
	if err != nil {
		st.Err = err
		return st
	}
	gc := git.NewClient(dir)
	gc.Options.Token = s.Token

	if st.Before, err = gc.HeadSHA(ctx); err != nil {
		st.Err = err
		return st
	}
	if err := gc.Fetch(ctx, "origin", true); err != nil {
		st.Err = fmt.Errorf("failed to fetch: %w", err)
		return st
	}

	st.Branch = inspect.DefaultBranch()
	if err := gc.ResetHard(ctx, ""); err != nil {
		st.Err = fmt.Errorf("failed to reset: %w", err)
		return st
	}
	if err := gc.Checkout(ctx, st.Branch); err != nil {
		st.Err = fmt.Errorf("failed to checkout %s: %w", st.Branch, err)
		return st
	}
	if err := gc.PullFastForward(ctx); err != nil {
		st.Err = fmt.Errorf("failed to pull %s: %w", st.Branch, err)
		return st
	}
	if st.After, err = gc.HeadSHA(ctx); err != nil {
		st.Err = err
		return st
	}

	st.Pruned, st.Kept, err = s.pruneSessionBranches(ctx, gc, dir)
	if err != nil {
		st.Err = err
	}
	return st
}

func (s *Sandbox) pruneSessionBranches(ctx context.Context, gc *git.Client, dir string) ([]string, []string, error) {
	prefix := s.Prefix
	if prefix == "" {
		prefix = session.DefaultPrefix
	}

	// Reopen so the refs written by fetch --prune are visible.
	inspect, err := git.Open(dir)
	if err != nil {
		return nil, nil, err
	}
	local, err := inspect.Branches()
	if err != nil {
		return nil, nil, err
	}
	remote, err := inspect.RemoteBranches("origin")
	if err != nil {
		return nil, nil, err
	}
	onRemote := make(map[string]bool, len(remote))
	for _, b := range remote {
		onRemote[b] = true
	}

	var pruned, kept []string
	for _, b := range local {
		if !strings.HasPrefix(b, prefix) || onRemote[b] {
			continue
		}
		if err := gc.DeleteBranch(ctx, b, false); err != nil {
			if errors.Is(err, context.Canceled) {
				return pruned, kept, err
			}
			log.Debug("keeping unmerged session branch", "dir", dir, "branch", b, "error", err)
			kept = append(kept, b)
			continue
		}
		log.Info("deleted local session branch", "dir", dir, "branch", b)
		pruned = append(pruned, b)
	}
	return pruned, kept, nil
}
