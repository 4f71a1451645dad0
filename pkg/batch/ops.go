package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/holon-run/slam/pkg/discovery"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/mutation"
	"github.com/holon-run/slam/pkg/outcome"
	"github.com/holon-run/slam/pkg/publisher"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

// Publisher publishes one change set.
type Publisher interface {
	Publish(ctx context.Context, repo target.RepoTarget, sid session.ID, cs *mutation.ChangeSet) (publisher.Result, error)
}

// Approver drives one discovered pull request to a terminal state.
type Approver interface {
	Execute(ctx context.Context, ref discovery.Ref, sid session.ID) (outcome.Outcome, error)
}

// Previewer reports what a change would touch without applying it.
type Previewer interface {
	Preview(repo target.RepoTarget) ([]string, string, error)
}

// CreateOp applies the change to a repository and publishes the result.
func CreateOp(applier mutation.Applier, pub Publisher, sid session.ID) Op {
	return func(ctx context.Context, repo target.RepoTarget) (outcome.Outcome, error) {
		cs, err := applier.Apply(ctx, repo, sid)
		if err != nil {
			if outcome.KindOf(err) == outcome.InternalError && !errors.Is(err, context.Canceled) {
				err = outcome.Wrap(outcome.MutationError, err)
			}
			return outcome.Outcome{}, err
		}
		if cs != nil && cs.Temporary && cs.WorkDir != "" {
			defer os.RemoveAll(cs.WorkDir)
		}

		res, err := pub.Publish(ctx, repo, sid, cs)
		if err != nil {
			return outcome.Outcome{}, err
		}
		for _, a := range res.Actions {
			log.Debug("publish action", "repo", repo.Slug, "type", a.Type, "description", a.Description)
		}
		return res.Outcome, nil
	}
}

// ApproveOp finds the session's pull request in a repository and approves
// and merges it. A repository without one is Skipped("closed").
func ApproveOp(strategy discovery.Strategy, approver Approver, sid session.ID) Op {
	return func(ctx context.Context, repo target.RepoTarget) (outcome.Outcome, error) {
		ref, err := strategy.FindMatch(ctx, repo, sid)
		if errors.Is(err, discovery.ErrNoMatch) {
			// Approve reports "closed" here, not ReasonNoMatch: nothing is left to merge.
			o := outcome.Skipped(repo.Slug, outcome.ReasonClosed)
			o.Message = fmt.Sprintf("no pull request with head %s", sid)
			return o, nil
		}
		if err != nil {
			return outcome.Outcome{}, err
		}
		log.Debug("discovered pull request", "repo", repo.Slug, "ref", ref.String())
		return approver.Execute(ctx, ref, sid)
	}
}

// PreviewOp lists the files a change would touch. Nothing is written.
// Without a previewer, or for a repository with no checkout to inspect, the
// repository is only reported as selected.
func PreviewOp(p Previewer) Op {
	return func(ctx context.Context, repo target.RepoTarget) (outcome.Outcome, error) {
		if p == nil || repo.LocalPath == "" {
			return outcome.Skipped(repo.Slug, outcome.ReasonDryRun), nil
		}
		files, diff, err := p.Preview(repo)
		if err != nil {
			return outcome.Outcome{}, err
		}
		if len(files) == 0 {
			return outcome.Skipped(repo.Slug, outcome.ReasonNoChange), nil
		}
		if diff != "" {
			log.Info("previewed change", "repo", repo.Slug, "diff", diff)
		}
		o := outcome.Skipped(repo.Slug, outcome.ReasonDryRun)
		o.Message = strings.Join(files, ", ")
		return o, nil
	}
}
