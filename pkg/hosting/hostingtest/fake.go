// Package hostingtest provides an in-memory hosting.Client for tests.
package hostingtest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holon-run/slam/pkg/hosting"
)

// Operation names recorded in Calls and matched by FailNext/FailWith.
const (
	OpCurrentUser       = "current_user"
	OpListOwnerRepos    = "list_owner_repos"
	OpGetRepository     = "get_repository"
	OpGetBranch         = "get_branch"
	OpCreateBranch      = "create_branch"
	OpUpdateBranch      = "update_branch"
	OpDeleteBranch      = "delete_branch"
	OpIsAncestor        = "is_ancestor"
	OpListPullRequests  = "list_pull_requests"
	OpSearchPRs         = "search_pull_requests"
	OpGetPullRequest    = "get_pull_request"
	OpCreatePullRequest = "create_pull_request"
	OpClosePullRequest  = "close_pull_request"
	OpListReviews       = "list_reviews"
	OpApprove           = "approve"
	OpMerge             = "merge"
)

// Call is one recorded invocation.
type Call struct {
	Op   string
	Slug string
}

type repoState struct {
	repo     hosting.Repository
	branches map[string]string
	parents  map[string]string
	prs      []*hosting.PullRequest
	reviews  map[int][]hosting.Review
}

// Fake is a concurrency-safe in-memory host.
type Fake struct {
	// User is the login returned by CurrentUser.
	User string
	// SearchPageSize is the page size used by SearchPullRequests.
	SearchPageSize int
	// OnCall, when set, runs before every call without holding the lock.
	OnCall func(op, slug string)

	mu       sync.Mutex
	repos    map[string]*repoState
	nextPR   int
	nextSHA  int
	reviewID int64
	clock    time.Time
	calls    []Call
	once     map[string][]error
	sticky   map[string]error
}

// NewFake creates an empty host whose operator login is user.
func NewFake(user string) *Fake {
	return &Fake{
		User:           user,
		SearchPageSize: 100,
		repos:          make(map[string]*repoState),
		nextPR:         1,
		clock:          time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC),
		once:           make(map[string][]error),
		sticky:         make(map[string]error),
	}
}

// StatusError builds a classified hosting error for the given HTTP status.
func StatusError(status int, msg string) error {
	return &hosting.Error{Kind: hosting.KindForStatus(status), StatusCode: status, Message: msg}
}

// AddRepo registers slug with a default branch pointing at a fresh commit.
// It returns the commit SHA.
func (f *Fake) AddRepo(slug, defaultBranch string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if defaultBranch == "" {
		defaultBranch = "main"
	}
	sha := f.newSHALocked()
	f.repos[slug] = &repoState{
		repo: hosting.Repository{
			Slug:          slug,
			DefaultBranch: defaultBranch,
			CloneURL:      "https://github.com/" + slug + ".git",
		},
		branches: map[string]string{defaultBranch: sha},
		parents:  map[string]string{},
		reviews:  map[int][]hosting.Review{},
	}
	return sha
}

// SetArchived marks slug archived.
func (f *Fake) SetArchived(slug string, archived bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mustRepoLocked(slug).repo.Archived = archived
}

// AddCommit records sha as a child of parent in slug's history.
// An empty sha allocates one; the SHA is returned.
func (f *Fake) AddCommit(slug, parent, sha string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sha == "" {
		sha = f.newSHALocked()
	}
	f.mustRepoLocked(slug).parents[sha] = parent
	return sha
}

// SetBranch points branch name at sha.
func (f *Fake) SetBranch(slug, name, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mustRepoLocked(slug).branches[name] = sha
}

// Branch returns the SHA of a branch and whether it exists.
func (f *Fake) Branch(slug, name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sha, ok := f.mustRepoLocked(slug).branches[name]
	return sha, ok
}

// AddPullRequest stores pr and returns its number. Repo, State and UpdatedAt
// are filled in when empty.
func (f *Fake) AddPullRequest(slug string, pr hosting.PullRequest) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addPullRequestLocked(slug, pr).Number
}

// AddReview records a review on a PR.
func (f *Fake) AddReview(slug string, number int, author, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs := f.mustRepoLocked(slug)
	f.reviewID++
	rs.reviews[number] = append(rs.reviews[number], hosting.Review{
		ID:          f.reviewID,
		Author:      author,
		State:       state,
		SubmittedAt: f.tickLocked(),
	})
}

// PullRequests returns copies of every PR in slug.
func (f *Fake) PullRequests(slug string) []hosting.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs := f.mustRepoLocked(slug)
	out := make([]hosting.PullRequest, 0, len(rs.prs))
	for _, pr := range rs.prs {
		out = append(out, *pr)
	}
	return out
}

// SetPullRequest applies mutate to PR number in slug.
func (f *Fake) SetPullRequest(slug string, number int, mutate func(pr *hosting.PullRequest)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range f.mustRepoLocked(slug).prs {
		if pr.Number == number {
			mutate(pr)
			return
		}
	}
	panic(fmt.Sprintf("hostingtest: no PR #%d in %s", number, slug))
}

// Reviews returns the reviews recorded on a PR.
func (f *Fake) Reviews(slug string, number int) []hosting.Review {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hosting.Review(nil), f.mustRepoLocked(slug).reviews[number]...)
}

// FailNext queues one-shot errors for op on slug. An empty slug matches any repository.
func (f *Fake) FailNext(op, slug string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + "|" + slug
	f.once[key] = append(f.once[key], errs...)
}

// FailWith makes every op call on slug fail with err. A nil err clears it.
func (f *Fake) FailWith(op, slug string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + "|" + slug
	if err == nil {
		delete(f.sticky, key)
		return
	}
	f.sticky[key] = err
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount counts calls of op, optionally restricted to slug.
func (f *Fake) CallCount(op, slug string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op && (slug == "" || c.Slug == slug) {
			n++
		}
	}
	return n
}

func (f *Fake) enter(op, slug string) error {
	if f.OnCall != nil {
		f.OnCall(op, slug)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Slug: slug})

	for _, key := range []string{op + "|" + slug, op + "|"} {
		if queue := f.once[key]; len(queue) > 0 {
			f.once[key] = queue[1:]
			return queue[0]
		}
	}
	for _, key := range []string{op + "|" + slug, op + "|"} {
		if err, ok := f.sticky[key]; ok {
			return err
		}
	}
	return nil
}

func (f *Fake) newSHALocked() string {
	f.nextSHA++
	return fmt.Sprintf("%040x", f.nextSHA)
}

func (f *Fake) tickLocked() time.Time {
	f.clock = f.clock.Add(time.Minute)
	return f.clock
}

func (f *Fake) mustRepoLocked(slug string) *repoState {
	rs, ok := f.repos[slug]
	if !ok {
		panic("hostingtest: unknown repository " + slug)
	}
	return rs
}

func (f *Fake) repoLocked(slug string) (*repoState, error) {
	rs, ok := f.repos[slug]
	if !ok {
		return nil, StatusError(http.StatusNotFound, "repository "+slug+" not found")
	}
	return rs, nil
}

func (f *Fake) addPullRequestLocked(slug string, pr hosting.PullRequest) *hosting.PullRequest {
	rs := f.mustRepoLocked(slug)
	pr.Repo = slug
	if pr.Number == 0 {
		pr.Number = f.nextPR
		f.nextPR++
	}
	if pr.State == "" {
		pr.State = hosting.StateOpen
	}
	if pr.UpdatedAt.IsZero() {
		pr.UpdatedAt = f.tickLocked()
	}
	if pr.URL == "" {
		pr.URL = fmt.Sprintf("https://github.com/%s/pull/%d", slug, pr.Number)
	}
	stored := pr
	rs.prs = append(rs.prs, &stored)
	return &stored
}

func (f *Fake) findPRLocked(slug string, number int) (*hosting.PullRequest, error) {
	rs, err := f.repoLocked(slug)
	if err != nil {
		return nil, err
	}
	for _, pr := range rs.prs {
		if pr.Number == number {
			return pr, nil
		}
	}
	return nil, StatusError(http.StatusNotFound, fmt.Sprintf("pull request #%d not found", number))
}

func isAncestorLocked(rs *repoState, base, head string) bool {
	seen := map[string]bool{}
	for cur := head; cur != "" && !seen[cur]; cur = rs.parents[cur] {
		if cur == base {
			return true
		}
		seen[cur] = true
	}
	return false
}

func (f *Fake) CurrentUser(ctx context.Context) (string, error) {
	if err := f.enter(OpCurrentUser, ""); err != nil {
		return "", err
	}
	return f.User, nil
}

func (f *Fake) ListOwnerRepos(ctx context.Context, owner string) ([]hosting.Repository, error) {
	if err := f.enter(OpListOwnerRepos, owner); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []hosting.Repository
	for slug, rs := range f.repos {
		if strings.HasPrefix(slug, owner+"/") {
			out = append(out, rs.repo)
		}
	}
	if len(out) == 0 {
		return nil, StatusError(http.StatusNotFound, "owner "+owner+" not found")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (f *Fake) GetRepository(ctx context.Context, slug string) (*hosting.Repository, error) {
	if err := f.enter(OpGetRepository, slug); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	rs, err := f.repoLocked(slug)
	if err != nil {
		return nil, err
	}
	repo := rs.repo
	return &repo, nil
}

func (f *Fake) GetBranch(ctx context.Context, slug, name string) (*hosting.Branch, error) {
	if err := f.enter(OpGetBranch, slug); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	rs, err := f.repoLocked(slug)
	if err != nil {
		return nil, err
	}
	sha, ok := rs.branches[name]
	if !ok {
		return nil, StatusError(http.StatusNotFound, "branch "+name+" not found")
	}
	return &hosting.Branch{Name: name, SHA: sha}, nil
}

func (f *Fake) CreateBranch(ctx context.Context, slug, name, sha string) error {
	if err := f.enter(OpCreateBranch, slug); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	rs, err := f.repoLocked(slug)
	if err != nil {
		return err
	}
	if rs.repo.Archived {
		return StatusError(http.StatusForbidden, "repository is archived")
	}
	if _, ok := rs.branches[name]; ok {
		return StatusError(http.StatusUnprocessableEntity, "Reference already exists")
	}
	rs.branches[name] = sha
	return nil
}

func (f *Fake) UpdateBranch(ctx context.Context, slug, name, sha string, force bool) error {
	if err := f.enter(OpUpdateBranch, slug); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	rs, err := f.repoLocked(slug)
	if err != nil {
		return err
	}
	if rs.repo.Archived {
		return StatusError(http.StatusForbidden, "repository is archived")
	}
	cur, ok := rs.branches[name]
	if !ok {
		return StatusError(http.StatusUnprocessableEntity, "Reference does not exist")
	}
	if !force && !isAncestorLocked(rs, cur, sha) {
		return &hosting.Error{Kind: hosting.KindConflict, StatusCode: http.StatusUnprocessableEntity, Message: "Update is not a fast forward"}
	}
	rs.branches[name] = sha
	return nil
}

func (f *Fake) DeleteBranch(ctx context.Context, slug, name string) error {
	if err := f.enter(OpDeleteBranch, slug); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	rs, err := f.repoLocked(slug)
	if err != nil {
		return err
	}
	if _, ok := rs.branches[name]; !ok {
		return StatusError(http.StatusUnprocessableEntity, "Reference does not exist")
	}
	delete(rs.branches, name)
	return nil
}

func (f *Fake) IsAncestor(ctx context.Context, slug, base, head string) (bool, error) {
	if err := f.enter(OpIsAncestor, slug); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	rs, err := f.repoLocked(slug)
	if err != nil {
		return false, err
	}
	return isAncestorLocked(rs, base, head), nil
}

func matchesState(pr *hosting.PullRequest, state string) bool {
	switch state {
	case "", hosting.StateOpen:
		return pr.State == hosting.StateOpen
	case hosting.StateClosed:
		return pr.State == hosting.StateClosed
	default:
		return true
	}
}

func (f *Fake) ListPullRequests(ctx context.Context, slug string, opts hosting.ListOptions) ([]hosting.PullRequest, error) {
	if err := f.enter(OpListPullRequests, slug); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	rs, err := f.repoLocked(slug)
	if err != nil {
		return nil, err
	}
	var out []hosting.PullRequest
	for _, pr := range rs.prs {
		if opts.Head != "" && pr.HeadBranch != opts.Head {
			continue
		}
		if !matchesState(pr, opts.State) {
			continue
		}
		out = append(out, *pr)
	}
	return out, nil
}

func (f *Fake) SearchPullRequests(ctx context.Context, owner, head string, maxPages int) (*hosting.SearchResult, error) {
	if err := f.enter(OpSearchPRs, owner); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	// Like the real head qualifier, longer branch names match too.
	var all []hosting.SearchHit
	for slug, rs := range f.repos {
		if !strings.HasPrefix(slug, owner+"/") {
			continue
		}
		for _, pr := range rs.prs {
			if strings.HasPrefix(pr.HeadBranch, head) {
				all = append(all, hosting.SearchHit{Repo: slug, Number: pr.Number})
			}
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Repo != all[j].Repo {
			return all[i].Repo < all[j].Repo
		}
		return all[i].Number < all[j].Number
	})

	res := &hosting.SearchResult{Total: len(all)}
	limit := maxPages * f.SearchPageSize
	if maxPages > 0 && len(all) > limit {
		all = all[:limit]
		res.Incomplete = true
	}
	res.Hits = all
	return res, nil
}

func (f *Fake) GetPullRequest(ctx context.Context, slug string, number int) (*hosting.PullRequest, error) {
	if err := f.enter(OpGetPullRequest, slug); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	pr, err := f.findPRLocked(slug, number)
	if err != nil {
		return nil, err
	}
	out := *pr
	return &out, nil
}

func (f *Fake) CreatePullRequest(ctx context.Context, slug string, newPR hosting.NewPullRequest) (*hosting.PullRequest, error) {
	if err := f.enter(OpCreatePullRequest, slug); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	rs, err := f.repoLocked(slug)
	if err != nil {
		return nil, err
	}
	if rs.repo.Archived {
		return nil, StatusError(http.StatusForbidden, "repository is archived")
	}
	sha, ok := rs.branches[newPR.Head]
	if !ok {
		return nil, StatusError(http.StatusUnprocessableEntity, "head branch does not exist")
	}
	for _, pr := range rs.prs {
		if pr.HeadBranch == newPR.Head && pr.State == hosting.StateOpen {
			return nil, StatusError(http.StatusUnprocessableEntity, "A pull request already exists for "+newPR.Head)
		}
	}
	mergeable := true
	pr := f.addPullRequestLocked(slug, hosting.PullRequest{
		Title:          newPR.Title,
		Author:         "slam-bot",
		HeadBranch:     newPR.Head,
		HeadSHA:        sha,
		BaseBranch:     newPR.Base,
		Mergeable:      &mergeable,
		MergeableState: "clean",
	})
	out := *pr
	return &out, nil
}

func (f *Fake) ClosePullRequest(ctx context.Context, slug string, number int) error {
	if err := f.enter(OpClosePullRequest, slug); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	pr, err := f.findPRLocked(slug, number)
	if err != nil {
		return err
	}
	pr.State = hosting.StateClosed
	pr.UpdatedAt = f.tickLocked()
	return nil
}

func (f *Fake) ListReviews(ctx context.Context, slug string, number int) ([]hosting.Review, error) {
	if err := f.enter(OpListReviews, slug); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.findPRLocked(slug, number); err != nil {
		return nil, err
	}
	return append([]hosting.Review(nil), f.repos[slug].reviews[number]...), nil
}

func (f *Fake) Approve(ctx context.Context, slug string, number int, body string) error {
	if err := f.enter(OpApprove, slug); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	pr, err := f.findPRLocked(slug, number)
	if err != nil {
		return err
	}
	if pr.State != hosting.StateOpen {
		return StatusError(http.StatusUnprocessableEntity, "pull request is closed")
	}
	if pr.Author == f.User {
		return StatusError(http.StatusUnprocessableEntity, "Can not approve your own pull request")
	}
	f.reviewID++
	f.repos[slug].reviews[number] = append(f.repos[slug].reviews[number], hosting.Review{
		ID:          f.reviewID,
		Author:      f.User,
		State:       hosting.ReviewApproved,
		SubmittedAt: f.tickLocked(),
	})
	return nil
}

func (f *Fake) Merge(ctx context.Context, slug string, number int, method hosting.MergeMethod) (*hosting.MergeResult, error) {
	if err := f.enter(OpMerge, slug); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	pr, err := f.findPRLocked(slug, number)
	if err != nil {
		return nil, err
	}
	if pr.State != hosting.StateOpen || pr.HasConflicts() {
		return nil, StatusError(http.StatusMethodNotAllowed, "Pull Request is not mergeable")
	}
	rs := f.repos[slug]
	sha := f.newSHALocked()
	rs.parents[sha] = rs.branches[pr.BaseBranch]
	rs.branches[pr.BaseBranch] = sha
	pr.State = hosting.StateClosed
	pr.Merged = true
	pr.UpdatedAt = f.tickLocked()
	return &hosting.MergeResult{SHA: sha, Message: "Pull Request successfully merged"}, nil
}

var _ hosting.Client = (*Fake)(nil)
