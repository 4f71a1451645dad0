package outcome

import (
	"context"
	"errors"
	"fmt"

	"github.com/holon-run/slam/pkg/hosting"
)

// ErrorKind classifies a failure.
type ErrorKind string

// Fatal kinds abort the whole batch.
const (
	CatalogError      ErrorKind = "CatalogError"
	AuthError         ErrorKind = "AuthError"
	RateLimitExceeded ErrorKind = "RateLimitExceeded"
)

// Per-repository kinds are recorded in that repository's outcome.
const (
	MissingLocalCheckout ErrorKind = "MissingLocalCheckout"
	MutationError        ErrorKind = "MutationError"
	PublishRejected      ErrorKind = "PublishRejected"
	DivergedBranch       ErrorKind = "DivergedBranch"
	DiscoveryError       ErrorKind = "DiscoveryError"
	MergeConflict        ErrorKind = "MergeConflict"
	ApprovalRejected     ErrorKind = "ApprovalRejected"
	SessionMismatch      ErrorKind = "SessionMismatch"
	// InternalError covers panics and failures nothing else classified.
	InternalError ErrorKind = "InternalError"
)

// Fatal reports whether k stops further dispatch.
func (k ErrorKind) Fatal() bool {
	switch k {
	case CatalogError, AuthError, RateLimitExceeded:
		return true
	}
	return false
}

// Error carries an ErrorKind alongside the underlying error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf formats a new error tagged with kind.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err.
//
// Hosting authentication and rate-limit failures are fatal wherever they
// occur, so they win over any per-repository kind wrapped around them.
// Otherwise the outermost *Error decides; anything else is InternalError.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case hosting.IsUnauthorized(err):
		return AuthError
	case hosting.IsRateLimited(err):
		return RateLimitExceeded
	}

	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return InternalError
}

// IsFatal reports whether err should abort the batch.
func IsFatal(err error) bool {
	return err != nil && KindOf(err).Fatal()
}

// FromError converts an error returned by a unit into that unit's outcome.
func FromError(repo string, err error) Outcome {
	if errors.Is(err, context.Canceled) {
		return Skipped(repo, ReasonAborted)
	}
	return Failed(repo, KindOf(err), err.Error())
}
