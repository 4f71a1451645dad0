package outcome

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/holon-run/slam/pkg/hosting"
)

func TestKindOf(t *testing.T) {
	unauthorized := &hosting.Error{Kind: hosting.KindUnauthorized, StatusCode: http.StatusUnauthorized}
	rateLimited := &hosting.Error{Kind: hosting.KindRateLimited, StatusCode: http.StatusTooManyRequests}
	forbidden := &hosting.Error{Kind: hosting.KindForbidden, StatusCode: http.StatusForbidden}

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"tagged", Errorf(DivergedBranch, "branch moved"), DivergedBranch},
		{"wrapped tag", fmt.Errorf("publish: %w", Wrap(PublishRejected, forbidden)), PublishRejected},
		{"hosting 401", unauthorized, AuthError},
		{"401 inside per-repo kind", Wrap(DiscoveryError, unauthorized), AuthError},
		{"rate limit inside per-repo kind", Wrap(PublishRejected, rateLimited), RateLimitExceeded},
		{"plain error", errors.New("boom"), InternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFatalKinds(t *testing.T) {
	fatal := map[ErrorKind]bool{
		CatalogError:         true,
		AuthError:            true,
		RateLimitExceeded:    true,
		MissingLocalCheckout: false,
		MutationError:        false,
		PublishRejected:      false,
		DivergedBranch:       false,
		DiscoveryError:       false,
		MergeConflict:        false,
		ApprovalRejected:     false,
		SessionMismatch:      false,
		InternalError:        false,
	}
	for kind, want := range fatal {
		if got := kind.Fatal(); got != want {
			t.Errorf("%s.Fatal() = %v, want %v", kind, got, want)
		}
	}
}

func TestFromError(t *testing.T) {
	o := FromError("org/a", Errorf(MergeConflict, "head conflicts with main"))
	if o.Status != StatusFailed || o.Kind != MergeConflict || o.Message != "head conflicts with main" {
		t.Errorf("FromError() = %+v", o)
	}
	if o.Success() {
		t.Error("failed outcome reported as success")
	}

	o = FromError("org/a", fmt.Errorf("list prs: %w", context.Canceled))
	if o.Status != StatusSkipped || o.Reason != ReasonAborted {
		t.Errorf("FromError(canceled) = %+v, want skipped (aborted)", o)
	}
	if !o.Success() {
		t.Error("skipped outcome should be success-class")
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		o    Outcome
		want string
	}{
		{Created("org/a", 7, "u"), "org/a: created #7"},
		{Skipped("org/b", ReasonPRExists), "org/b: skipped (pr exists)"},
		{Failed("org/c", DivergedBranch, "remote moved"), "org/c: failed [DivergedBranch] remote moved"},
		{Approved("org/d", 0, ""), "org/d: approved"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
