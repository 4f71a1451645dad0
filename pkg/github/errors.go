package github

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/holon-run/slam/pkg/hosting"
)

// classifyError converts a go-github error into a *hosting.Error so callers
// can branch on the kind without knowing about GitHub.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	// Cancellation is the caller's decision, not a host failure.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &hosting.Error{
			Kind:       hosting.KindRateLimited,
			StatusCode: statusOf(rateErr.Response),
			Message:    op + ": " + rateErr.Message,
			RetryAfter: untilReset(rateErr.Rate.Reset.Time),
			Err:        err,
		}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &hosting.Error{
			Kind:       hosting.KindRateLimited,
			StatusCode: statusOf(abuseErr.Response),
			Message:    op + ": " + abuseErr.Message,
			RetryAfter: abuseErr.GetRetryAfter(),
			Err:        err,
		}
	}

	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return &hosting.Error{
			Kind:       hosting.KindTransient,
			StatusCode: http.StatusAccepted,
			Message:    op + ": result is still being computed",
			Err:        err,
		}
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		status := statusOf(respErr.Response)
		kind := hosting.KindForStatus(status)
		msg := respErr.Message
		if status == http.StatusForbidden && strings.Contains(strings.ToLower(msg), "rate limit") {
			kind = hosting.KindRateLimited
		}
		return &hosting.Error{
			Kind:       kind,
			StatusCode: status,
			Message:    op + ": " + errorDetail(respErr),
			RetryAfter: retryAfterHeader(respErr.Response),
			Err:        err,
		}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return &hosting.Error{Kind: hosting.KindTransient, Message: op + ": " + err.Error(), Err: err}
	}

	return &hosting.Error{Kind: hosting.KindUnknown, Message: op + ": " + err.Error(), Err: err}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func untilReset(reset time.Time) time.Duration {
	if reset.IsZero() {
		return 0
	}
	if d := time.Until(reset); d > 0 {
		return d
	}
	return 0
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				return untilReset(time.Unix(unix, 0))
			}
		}
	}
	return 0
}

// errorDetail joins the top-level message with any field errors.
func errorDetail(e *github.ErrorResponse) string {
	parts := []string{e.Message}
	for _, fe := range e.Errors {
		if fe.Message != "" {
			parts = append(parts, fe.Message)
		} else if fe.Code != "" {
			parts = append(parts, fe.Field+" "+fe.Code)
		}
	}
	return strings.Join(parts, ": ")
}
