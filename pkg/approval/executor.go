// Package approval approves and merges the pull request a session created.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/holon-run/slam/pkg/discovery"
	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/outcome"
	"github.com/holon-run/slam/pkg/session"
)

// Executor approves and merges discovered pull requests.
//
// Each decision follows a fresh read of the pull request, so calling Execute
// again after a partial failure never approves twice or merges twice.
type Executor struct {
	Client      hosting.Client
	MergeMethod hosting.MergeMethod
	// DeleteBranch removes the head branch after a successful merge.
	DeleteBranch bool
	// ReviewBody is the approval comment.
	ReviewBody string

	group singleflight.Group
	mu    sync.Mutex
	login string
}

// NewExecutor returns an Executor that merges with method.
func NewExecutor(client hosting.Client, method hosting.MergeMethod) *Executor {
	return &Executor{Client: client, MergeMethod: method}
}

// Execute drives ref to a terminal state.
//
//	open, not approved by the operator  -> approve, merge   -> Merged
//	open, approved by the operator      -> merge            -> Merged
//	merged                              -> nothing          -> Approved
//	closed without merge                -> nothing          -> Skipped("closed")
//	host reports conflicts              -> approve only     -> MergeConflict
func (e *Executor) Execute(ctx context.Context, ref discovery.Ref, sid session.ID) (outcome.Outcome, error) {
	if !sid.Matches(ref.HeadBranch) {
		return outcome.Outcome{}, outcome.Errorf(outcome.SessionMismatch,
			"%s#%d: head %s is not session %s", ref.Repo, ref.Number, ref.HeadBranch, sid)
	}

	pr, done, err := e.refresh(ctx, ref, sid)
	if err != nil || done != nil {
		return deref(done), err
	}

	approved, err := e.approvedByOperator(ctx, pr)
	if err != nil {
		return outcome.Outcome{}, err
	}
	if !approved {
		body := e.ReviewBody
		if body == "" {
			body = "Approved for session " + string(sid)
		}
		if err := e.Client.Approve(ctx, pr.Repo, pr.Number, body); err != nil {
			return outcome.Outcome{}, rejected(pr, "approve", err)
		}
		log.Info("approved pull request", "repo", pr.Repo, "number", pr.Number)
	} else {
		log.Debug("already approved by operator", "repo", pr.Repo, "number", pr.Number)
	}

	// The approval may have raced a merge or a close elsewhere.
	pr, done, err = e.refresh(ctx, ref, sid)
	if err != nil || done != nil {
		return deref(done), err
	}
	if pr.HasConflicts() {
		return outcome.Outcome{}, outcome.Errorf(outcome.MergeConflict,
			"%s#%d: host reports conflicts (%s)", pr.Repo, pr.Number, pr.MergeableState)
	}

	method := e.MergeMethod
	if method == "" {
		method = hosting.MergeSquash
	}
	if _, err := e.Client.Merge(ctx, pr.Repo, pr.Number, method); err != nil {
		if hosting.IsConflict(err) {
			return outcome.Outcome{}, outcome.Wrap(outcome.MergeConflict, fmt.Errorf("%s#%d: %w", pr.Repo, pr.Number, err))
		}
		return outcome.Outcome{}, rejected(pr, "merge", err)
	}
	log.Info("merged pull request", "repo", pr.Repo, "number", pr.Number, "method", method)

	if e.DeleteBranch {
		if err := e.Client.DeleteBranch(ctx, pr.Repo, pr.HeadBranch); err != nil && !hosting.IsNotFound(err) {
			log.Warn("failed to delete merged branch", "repo", pr.Repo, "branch", pr.HeadBranch, "error", err)
		}
	}

	return outcome.Merged(pr.Repo, pr.Number, pr.URL), nil
}

// refresh re-reads the pull request. A non-nil outcome means nothing is left
// to do.
func (e *Executor) refresh(ctx context.Context, ref discovery.Ref, sid session.ID) (*hosting.PullRequest, *outcome.Outcome, error) {
	pr, err := e.Client.GetPullRequest(ctx, ref.Repo, ref.Number)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, nil, err
		}
		return nil, nil, outcome.Wrap(outcome.ApprovalRejected, fmt.Errorf("%s#%d: read pull request: %w", ref.Repo, ref.Number, err))
	}
	if pr.Repo == "" {
		pr.Repo = ref.Repo
	}
	if !sid.Matches(pr.HeadBranch) {
		return nil, nil, outcome.Errorf(outcome.SessionMismatch,
			"%s#%d: head %s is not session %s", pr.Repo, pr.Number, pr.HeadBranch, sid)
	}

	switch {
	case pr.Merged:
		o := outcome.Approved(pr.Repo, pr.Number, pr.URL)
		return nil, &o, nil
	case pr.State != hosting.StateOpen:
		o := outcome.Skipped(pr.Repo, outcome.ReasonClosed).WithPR(pr.Number, pr.URL)
		return nil, &o, nil
	}
	return pr, nil, nil
}

// approvedByOperator reports whether the operator's latest effective review
// is an approval.
func (e *Executor) approvedByOperator(ctx context.Context, pr *hosting.PullRequest) (bool, error) {
	login, err := e.operator(ctx)
	if err != nil {
		return false, err
	}
	reviews, err := e.Client.ListReviews(ctx, pr.Repo, pr.Number)
	if err != nil {
		return false, rejected(pr, "list reviews", err)
	}

	approved := false
	for _, r := range reviews {
		if r.Author != login {
			continue
		}
		switch r.State {
		case hosting.ReviewApproved:
			approved = true
		case hosting.ReviewChangesRequested, hosting.ReviewDismissed:
			approved = false
		}
	}
	return approved, nil
}

// operator returns the authenticated login, asking the host once per Executor
// however many units ask concurrently.
func (e *Executor) operator(ctx context.Context) (string, error) {
	e.mu.Lock()
	login := e.login
	e.mu.Unlock()
	if login != "" {
		return login, nil
	}

	v, err, _ := e.group.Do("login", func() (any, error) {
		login, err := e.Client.CurrentUser(ctx)
		if err != nil {
			return "", err
		}
		e.mu.Lock()
		e.login = login
		e.mu.Unlock()
		return login, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", outcome.Wrap(outcome.ApprovalRejected, fmt.Errorf("read operator identity: %w", err))
	}
	return v.(string), nil
}

func rejected(pr *hosting.PullRequest, step string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return outcome.Wrap(outcome.ApprovalRejected, fmt.Errorf("%s#%d: %s: %w", pr.Repo, pr.Number, step, err))
}

func deref(o *outcome.Outcome) outcome.Outcome {
	if o == nil {
		return outcome.Outcome{}
	}
	return *o
}
