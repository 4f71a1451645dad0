// Package mutation produces the commit a create run publishes.
//
// The batch treats an Applier as opaque; FileApplier is the implementation
// shipped with the CLI.
package mutation

import (
	"context"

	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

// ChangeSet is a committed change on the session branch of one repository.
type ChangeSet struct {
	Repo string
	// Branch is the session branch holding CommitRef.
	Branch     string
	BaseBranch string
	CommitRef  string
	Summary    string
	Files      []string
	// Diff is a line diff of the edited files, for display.
	Diff string
	// WorkDir is the checkout the commit lives in.
	WorkDir string
	// Temporary is set when WorkDir was cloned for this run and may be removed.
	Temporary bool
}

// Applier applies a change to one repository.
//
// Apply returns a nil ChangeSet and nil error when the repository needs no
// change. Failures are tagged MutationError or MissingLocalCheckout.
type Applier interface {
	Apply(ctx context.Context, repo target.RepoTarget, sid session.ID) (*ChangeSet, error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, repo target.RepoTarget, sid session.ID) (*ChangeSet, error)

func (f ApplierFunc) Apply(ctx context.Context, repo target.RepoTarget, sid session.ID) (*ChangeSet, error) {
	return f(ctx, repo, sid)
}
