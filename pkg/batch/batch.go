// Package batch runs one unit of work per repository on a bounded pool and
// collects exactly one outcome per repository, in catalog order.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/outcome"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

// DefaultLimit is the worker count used when none is configured.
const DefaultLimit = 4

// Status summarises a batch.
type Status string

const (
	AllSucceeded   Status = "all_succeeded"
	PartialFailure Status = "partial_failure"
	Aborted        Status = "aborted"
)

// Op is the unit of work applied to each repository. An error is converted
// into the repository's outcome; fatal errors also abort the batch.
type Op func(ctx context.Context, repo target.RepoTarget) (outcome.Outcome, error)

// Result is the ordered set of outcomes of one run.
type Result struct {
	Operation string            `json:"operation"`
	Session   session.ID        `json:"session"`
	Status    Status            `json:"status"`
	Outcomes  []outcome.Outcome `json:"outcomes"`
	// AbortError is the error that stopped dispatch, if any.
	AbortError string    `json:"abort_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	abortErr error
}

// Err returns the error that aborted the batch, or nil.
func (r *Result) Err() error {
	return r.abortErr
}

// Counts tallies outcomes by status.
func (r *Result) Counts() map[outcome.Status]int {
	counts := make(map[outcome.Status]int)
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// Options configure Run.
type Options struct {
	// Limit bounds the number of repositories worked on at once.
	Limit     int
	Operation string
	Session   session.ID
}

// Run applies op to every target with at most opts.Limit units in flight.
//
// Every target gets one outcome. A fatal error (authentication, rate limit
// exhaustion, catalog) cancels the run: units already in flight see a
// cancelled context, and targets never dispatched are Skipped("aborted").
// Cancelling ctx has the same effect.
func Run(ctx context.Context, targets []target.RepoTarget, op Op, opts Options) *Result {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	res := &Result{
		Operation: opts.Operation,
		Session:   opts.Session,
		Outcomes:  make([]outcome.Outcome, len(targets)),
		StartedAt: time.Now(),
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		abortErr error
	)
	finished := make([]bool, len(targets))
	sem := semaphore.NewWeighted(int64(limit))

	for i, t := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}

		wg.Add(1)
		go func(i int, t target.RepoTarget) {
			defer wg.Done()
			defer sem.Release(1)

			o, fatal := runUnit(ctx, t, op)
			mu.Lock()
			res.Outcomes[i] = o
			finished[i] = true
			if fatal != nil && abortErr == nil {
				abortErr = fatal
				log.Error("aborting batch", "repo", t.Slug, "error", fatal)
				cancel(fatal)
			}
			mu.Unlock()
		}(i, t)
	}
	wg.Wait()

	for i, t := range targets {
		if !finished[i] {
			res.Outcomes[i] = outcome.Skipped(t.Slug, outcome.ReasonAborted)
		}
	}

	if abortErr == nil && ctx.Err() != nil {
		abortErr = context.Cause(ctx)
	}
	res.abortErr = abortErr
	res.Status = status(res.Outcomes, abortErr)
	if abortErr != nil {
		res.AbortError = abortErr.Error()
	}
	res.FinishedAt = time.Now()
	return res
}

// runUnit runs op for one target. The returned error is non-nil only when it
// must abort the batch.
func runUnit(ctx context.Context, t target.RepoTarget, op Op) (o outcome.Outcome, fatal error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("unit panicked", "repo", t.Slug, "panic", r, "stack", string(debug.Stack()))
			o = outcome.Failed(t.Slug, outcome.InternalError, fmt.Sprintf("panic: %v", r))
			fatal = nil
		}
	}()

	o, err := op(ctx, t)
	if err != nil {
		o = outcome.FromError(t.Slug, err)
		if o.Status == outcome.StatusFailed {
			log.Warn("unit failed", "repo", t.Slug, "kind", o.Kind, "error", err)
		}
		if outcome.IsFatal(err) {
			return o, err
		}
		return o, nil
	}
	if o.Repo == "" {
		o.Repo = t.Slug
	}
	if o.Status == "" {
		return outcome.Failed(t.Slug, outcome.InternalError, "unit returned no outcome"), nil
	}
	return o, nil
}

func status(outcomes []outcome.Outcome, abortErr error) Status {
	if abortErr != nil {
		return Aborted
	}
	for _, o := range outcomes {
		if !o.Success() {
			return PartialFailure
		}
	}
	return AllSucceeded
}

// ExitCode maps a result to the process exit status: 0 when every outcome
// succeeded, 1 on partial failure, 2 when the run was aborted.
func (r *Result) ExitCode() int {
	switch r.Status {
	case AllSucceeded:
		return 0
	case PartialFailure:
		return 1
	default:
		return 2
	}
}

