package discovery

import (
	"context"
	"fmt"

	"github.com/holon-run/slam/pkg/git"
	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/outcome"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

// Local requires a checkout and only asks the host about repositories whose
// checkout has the session branch.
type Local struct {
	Client hosting.Client
}

// NewLocal returns a Local strategy.
func NewLocal(client hosting.Client) *Local {
	return &Local{Client: client}
}

func (l *Local) FindMatch(ctx context.Context, repo target.RepoTarget, sid session.ID) (Ref, error) {
	if repo.LocalPath == "" {
		return Ref{}, outcome.Errorf(outcome.MissingLocalCheckout, "%s has no local checkout", repo.Slug)
	}

	checkout, err := git.Open(repo.LocalPath)
	if err != nil {
		return Ref{}, outcome.Wrap(outcome.MissingLocalCheckout, fmt.Errorf("%s: %w", repo.Slug, err))
	}

	has, err := checkout.HasBranch(string(sid))
	if err != nil {
		return Ref{}, outcome.Wrap(outcome.DiscoveryError, fmt.Errorf("%s: %w", repo.Slug, err))
	}
	if !has {
		log.Debug("session branch not in checkout", "repo", repo.Slug, "path", repo.LocalPath, "session", sid)
		return Ref{}, ErrNoMatch
	}

	return findInRepo(ctx, l.Client, repo.Slug, sid)
}

var _ Strategy = (*Local)(nil)
