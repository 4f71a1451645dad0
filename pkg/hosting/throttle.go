package hosting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/holon-run/slam/pkg/log"
)

// Budget is the shared permit pool every hosting call draws from.
// Permits refill continuously at the configured rate; a host retry hint
// pauses the whole pool until the hinted time.
type Budget struct {
	limiter *rate.Limiter

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewBudget creates a budget refilling perSecond permits up to burst.
// perSecond <= 0 disables the rate limit but keeps pause handling.
func NewBudget(perSecond float64, burst int) *Budget {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Budget{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a permit is available or ctx is done.
func (b *Budget) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		d := time.Until(b.pausedUntil)
		b.mu.Unlock()
		if d <= 0 {
			break
		}

		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return b.limiter.Wait(ctx)
}

// PauseFor stops handing out permits for d. Overlapping pauses keep the later deadline.
func (b *Budget) PauseFor(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)

	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.pausedUntil) {
		b.pausedUntil = until
		log.Info("hosting budget paused", "for", d.Round(time.Millisecond))
	}
}

// RetryPolicy bounds per-call retries of transient failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	bo.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
}

// Throttled decorates a Client so that every call first takes a permit from
// the shared Budget and transient failures are retried with capped
// exponential backoff. Non-transient failures are returned immediately.
type Throttled struct {
	next   Client
	budget *Budget
	retry  RetryPolicy
}

// NewThrottled wraps next. A nil budget means unlimited.
func NewThrottled(next Client, budget *Budget, retry RetryPolicy) *Throttled {
	if budget == nil {
		budget = NewBudget(0, 1)
	}
	return &Throttled{next: next, budget: budget, retry: retry}
}

func (t *Throttled) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := t.budget.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		if hint := RetryAfter(err); hint > 0 {
			t.budget.PauseFor(hint)
		}
		log.Debug("hosting call failed, retrying", "op", op, "attempt", attempt, "error", err)
		return err
	}, t.retry.backOff(ctx))

	if err != nil && IsRateLimited(err) {
		return &Error{
			Kind:    KindRateLimited,
			Message: fmt.Sprintf("%s: rate limit still exceeded after %d attempts", op, attempt),
			Err:     err,
		}
	}
	return err
}

func (t *Throttled) CurrentUser(ctx context.Context) (string, error) {
	var login string
	err := t.do(ctx, "current_user", func(ctx context.Context) error {
		var err error
		login, err = t.next.CurrentUser(ctx)
		return err
	})
	return login, err
}

func (t *Throttled) ListOwnerRepos(ctx context.Context, owner string) ([]Repository, error) {
	var repos []Repository
	err := t.do(ctx, "list_owner_repos", func(ctx context.Context) error {
		var err error
		repos, err = t.next.ListOwnerRepos(ctx, owner)
		return err
	})
	return repos, err
}

func (t *Throttled) GetRepository(ctx context.Context, slug string) (*Repository, error) {
	var repo *Repository
	err := t.do(ctx, "get_repository", func(ctx context.Context) error {
		var err error
		repo, err = t.next.GetRepository(ctx, slug)
		return err
	})
	return repo, err
}

func (t *Throttled) GetBranch(ctx context.Context, slug, name string) (*Branch, error) {
	var branch *Branch
	err := t.do(ctx, "get_branch", func(ctx context.Context) error {
		var err error
		branch, err = t.next.GetBranch(ctx, slug, name)
		return err
	})
	return branch, err
}

func (t *Throttled) CreateBranch(ctx context.Context, slug, name, sha string) error {
	return t.do(ctx, "create_branch", func(ctx context.Context) error {
		return t.next.CreateBranch(ctx, slug, name, sha)
	})
}

func (t *Throttled) UpdateBranch(ctx context.Context, slug, name, sha string, force bool) error {
	return t.do(ctx, "update_branch", func(ctx context.Context) error {
		return t.next.UpdateBranch(ctx, slug, name, sha, force)
	})
}

func (t *Throttled) DeleteBranch(ctx context.Context, slug, name string) error {
	return t.do(ctx, "delete_branch", func(ctx context.Context) error {
		return t.next.DeleteBranch(ctx, slug, name)
	})
}

func (t *Throttled) IsAncestor(ctx context.Context, slug, base, head string) (bool, error) {
	var ok bool
	err := t.do(ctx, "is_ancestor", func(ctx context.Context) error {
		var err error
		ok, err = t.next.IsAncestor(ctx, slug, base, head)
		return err
	})
	return ok, err
}

func (t *Throttled) ListPullRequests(ctx context.Context, slug string, opts ListOptions) ([]PullRequest, error) {
	var prs []PullRequest
	err := t.do(ctx, "list_pull_requests", func(ctx context.Context) error {
		var err error
		prs, err = t.next.ListPullRequests(ctx, slug, opts)
		return err
	})
	return prs, err
}

func (t *Throttled) SearchPullRequests(ctx context.Context, owner, head string, maxPages int) (*SearchResult, error) {
	var res *SearchResult
	err := t.do(ctx, "search_pull_requests", func(ctx context.Context) error {
		var err error
		res, err = t.next.SearchPullRequests(ctx, owner, head, maxPages)
		return err
	})
	return res, err
}

func (t *Throttled) GetPullRequest(ctx context.Context, slug string, number int) (*PullRequest, error) {
	var pr *PullRequest
	err := t.do(ctx, "get_pull_request", func(ctx context.Context) error {
		var err error
		pr, err = t.next.GetPullRequest(ctx, slug, number)
		return err
	})
	return pr, err
}

func (t *Throttled) CreatePullRequest(ctx context.Context, slug string, newPR NewPullRequest) (*PullRequest, error) {
	var pr *PullRequest
	err := t.do(ctx, "create_pull_request", func(ctx context.Context) error {
		var err error
		pr, err = t.next.CreatePullRequest(ctx, slug, newPR)
		return err
	})
	return pr, err
}

func (t *Throttled) ClosePullRequest(ctx context.Context, slug string, number int) error {
	return t.do(ctx, "close_pull_request", func(ctx context.Context) error {
		return t.next.ClosePullRequest(ctx, slug, number)
	})
}

func (t *Throttled) ListReviews(ctx context.Context, slug string, number int) ([]Review, error) {
	var reviews []Review
	err := t.do(ctx, "list_reviews", func(ctx context.Context) error {
		var err error
		reviews, err = t.next.ListReviews(ctx, slug, number)
		return err
	})
	return reviews, err
}

func (t *Throttled) Approve(ctx context.Context, slug string, number int, body string) error {
	return t.do(ctx, "approve", func(ctx context.Context) error {
		return t.next.Approve(ctx, slug, number, body)
	})
}

func (t *Throttled) Merge(ctx context.Context, slug string, number int, method MergeMethod) (*MergeResult, error) {
	var res *MergeResult
	err := t.do(ctx, "merge", func(ctx context.Context) error {
		var err error
		res, err = t.next.Merge(ctx, slug, number, method)
		return err
	})
	return res, err
}

var _ Client = (*Throttled)(nil)
