package hosting

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a hosting failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindUnauthorized
	KindForbidden
	// KindConflict covers merge conflicts and non-fast-forward ref updates.
	KindConflict
	KindValidation
	KindRateLimited
	// KindTransient covers network failures and 5xx responses.
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a classified hosting failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	// RetryAfter is the host's hint for when to try again, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("hosting %s error (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("hosting %s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindForStatus maps an HTTP status to an ErrorKind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusConflict, status == http.StatusMethodNotAllowed:
		return KindConflict
	case status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}

// KindOf returns the ErrorKind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindUnknown
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsUnauthorized returns true if the host rejected the credentials.
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }

// IsForbidden returns true if the credentials lack permission for the operation.
func IsForbidden(err error) bool { return KindOf(err) == KindForbidden }

// IsConflict returns true for merge conflicts and rejected ref updates.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsRateLimited returns true if the host throttled the request.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

// IsTransient returns true if retrying the same call may succeed.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// RetryAfter extracts the host retry hint from err.
func RetryAfter(err error) time.Duration {
	var he *Error
	if errors.As(err, &he) {
		return he.RetryAfter
	}
	return 0
}
