// Package hosting defines the narrow capability slam needs from a code-hosting
// service: repository listing, branch refs, and pull request review/merge.
//
// The GitHub implementation lives in pkg/github; tests use hostingtest.Fake.
package hosting

import (
	"context"
	"time"
)

// PR states as reported by the host. A merged PR has State "closed" and Merged set.
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateAll    = "all"
)

// MergeMethod selects how a pull request is merged.
type MergeMethod string

const (
	MergeSquash MergeMethod = "squash"
	MergeCommit MergeMethod = "merge"
	MergeRebase MergeMethod = "rebase"
)

// ParseMergeMethod validates a merge method name. Empty means squash.
func ParseMergeMethod(s string) (MergeMethod, error) {
	switch MergeMethod(s) {
	case "", MergeSquash:
		return MergeSquash, nil
	case MergeCommit, MergeRebase:
		return MergeMethod(s), nil
	default:
		return "", &Error{Kind: KindValidation, Message: "unknown merge method " + s}
	}
}

// Review states.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
	ReviewDismissed        = "DISMISSED"
)

// Repository is a hosted repository.
type Repository struct {
	Slug          string
	DefaultBranch string
	Archived      bool
	CloneURL      string
}

// Branch is a remote branch head.
type Branch struct {
	Name string
	SHA  string
}

// PullRequest is the subset of pull request state slam reasons about.
type PullRequest struct {
	Repo       string
	Number     int
	Title      string
	URL        string
	Author     string
	HeadBranch string
	HeadSHA    string
	BaseBranch string
	State      string
	Merged     bool
	// Mergeable is nil while the host is still computing mergeability.
	Mergeable      *bool
	MergeableState string
	UpdatedAt      time.Time
}

// HasConflicts reports whether the host says the PR cannot merge cleanly.
func (p PullRequest) HasConflicts() bool {
	if p.MergeableState == "dirty" {
		return true
	}
	return p.Mergeable != nil && !*p.Mergeable
}

// Review is a single review left on a pull request.
type Review struct {
	ID          int64
	Author      string
	State       string
	SubmittedAt time.Time
}

// NewPullRequest contains the fields needed to open a pull request.
type NewPullRequest struct {
	Title string
	Head  string
	Base  string
	Body  string
}

// ListOptions filters ListPullRequests.
type ListOptions struct {
	// Head is the exact head branch name; empty lists every PR.
	Head string
	// State is StateOpen, StateClosed or StateAll; empty means open.
	State string
}

// SearchHit is one search match. The head qualifier of a search is not an
// exact match, so callers confirm hits with GetPullRequest.
type SearchHit struct {
	Repo   string
	Number int
}

// SearchResult is the outcome of an owner-wide pull request search.
type SearchResult struct {
	Hits []SearchHit
	// Total is the match count reported by the host.
	Total int
	// Incomplete is set when the page cap was hit before all matches were read.
	Incomplete bool
}

// MergeResult describes a completed merge.
type MergeResult struct {
	SHA     string
	Message string
}

// Client is the hosting capability consumed by discovery, publishing and approval.
type Client interface {
	// CurrentUser returns the login of the authenticated operator.
	CurrentUser(ctx context.Context) (string, error)

	ListOwnerRepos(ctx context.Context, owner string) ([]Repository, error)
	GetRepository(ctx context.Context, slug string) (*Repository, error)

	// GetBranch returns a KindNotFound error when the branch does not exist.
	GetBranch(ctx context.Context, slug, name string) (*Branch, error)
	CreateBranch(ctx context.Context, slug, name, sha string) error
	// UpdateBranch moves a branch; force=false fails unless the move is a fast-forward.
	UpdateBranch(ctx context.Context, slug, name, sha string, force bool) error
	DeleteBranch(ctx context.Context, slug, name string) error
	// IsAncestor reports whether base is reachable from head.
	IsAncestor(ctx context.Context, slug, base, head string) (bool, error)

	ListPullRequests(ctx context.Context, slug string, opts ListOptions) ([]PullRequest, error)
	// SearchPullRequests lists PRs across every repository of owner whose head
	// may be head. At most maxPages pages are read.
	SearchPullRequests(ctx context.Context, owner, head string, maxPages int) (*SearchResult, error)
	GetPullRequest(ctx context.Context, slug string, number int) (*PullRequest, error)
	CreatePullRequest(ctx context.Context, slug string, pr NewPullRequest) (*PullRequest, error)
	ClosePullRequest(ctx context.Context, slug string, number int) error

	ListReviews(ctx context.Context, slug string, number int) ([]Review, error)
	Approve(ctx context.Context, slug string, number int, body string) error
	Merge(ctx context.Context, slug string, number int, method MergeMethod) (*MergeResult, error)
}
