package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/log"
)

const perPage = 100

// CurrentUser returns the login of the authenticated user.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	user, _, err := c.GitHubClient().Users.Get(ctx, "")
	if err != nil {
		return "", classifyError("get current user", err)
	}
	return user.GetLogin(), nil
}

// ListOwnerRepos lists every repository of an organization, falling back to
// the user endpoint when owner is not an organization.
func (c *Client) ListOwnerRepos(ctx context.Context, owner string) ([]hosting.Repository, error) {
	repos, err := c.listOrgRepos(ctx, owner)
	if hosting.IsNotFound(err) {
		log.Debug("owner is not an organization, listing user repositories", "owner", owner)
		repos, err = c.listUserRepos(ctx, owner)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(repos, func(i, j int) bool { return repos[i].Slug < repos[j].Slug })
	return repos, nil
}

func (c *Client) listOrgRepos(ctx context.Context, owner string) ([]hosting.Repository, error) {
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var all []hosting.Repository
	for {
		repos, resp, err := c.GitHubClient().Repositories.ListByOrg(ctx, owner, opts)
		if err != nil {
			return nil, classifyError("list organization repositories", err)
		}
		for _, r := range repos {
			all = append(all, convertRepository(r))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *Client) listUserRepos(ctx context.Context, owner string) ([]hosting.Repository, error) {
	opts := &github.RepositoryListByUserOptions{
		Type:        "owner",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var all []hosting.Repository
	for {
		repos, resp, err := c.GitHubClient().Repositories.ListByUser(ctx, owner, opts)
		if err != nil {
			return nil, classifyError("list user repositories", err)
		}
		for _, r := range repos {
			all = append(all, convertRepository(r))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GetRepository fetches a repository by slug.
func (c *Client) GetRepository(ctx context.Context, slug string) (*hosting.Repository, error) {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return nil, &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	r, _, err := c.GitHubClient().Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, classifyError("get repository "+slug, err)
	}
	out := convertRepository(r)
	return &out, nil
}

// GetBranch returns the head of a branch. A missing branch is a KindNotFound error.
func (c *Client) GetBranch(ctx context.Context, slug, name string) (*hosting.Branch, error) {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return nil, &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	ref, _, err := c.GitHubClient().Git.GetRef(ctx, owner, repo, "heads/"+name)
	if err != nil {
		return nil, classifyError("get branch "+name, err)
	}
	// The ref endpoint falls back to prefix matches; only an exact ref counts.
	if ref.GetRef() != "refs/heads/"+name {
		return nil, &hosting.Error{Kind: hosting.KindNotFound, StatusCode: http.StatusNotFound, Message: "branch " + name + " not found"}
	}
	return &hosting.Branch{Name: name, SHA: ref.GetObject().GetSHA()}, nil
}

// CreateBranch creates refs/heads/name at sha.
func (c *Client) CreateBranch(ctx context.Context, slug, name, sha string) error {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	_, _, err = c.GitHubClient().Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.Ptr("refs/heads/" + name),
		Object: &github.GitObject{SHA: github.Ptr(sha)},
	})
	return classifyError("create branch "+name, err)
}

// UpdateBranch moves refs/heads/name to sha. Without force, GitHub rejects
// non-fast-forward moves with 422; that is reported as KindConflict.
func (c *Client) UpdateBranch(ctx context.Context, slug, name, sha string, force bool) error {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	_, _, err = c.GitHubClient().Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.Ptr("refs/heads/" + name),
		Object: &github.GitObject{SHA: github.Ptr(sha)},
	}, force)
	err = classifyError("update branch "+name, err)
	var he *hosting.Error
	if !force && errors.As(err, &he) && he.Kind == hosting.KindValidation &&
		strings.Contains(strings.ToLower(he.Message), "fast forward") {
		he.Kind = hosting.KindConflict
	}
	return err
}

// DeleteBranch deletes refs/heads/name.
func (c *Client) DeleteBranch(ctx context.Context, slug, name string) error {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	_, err = c.GitHubClient().Git.DeleteRef(ctx, owner, repo, "heads/"+name)
	return classifyError("delete branch "+name, err)
}

// IsAncestor reports whether base is reachable from head.
func (c *Client) IsAncestor(ctx context.Context, slug, base, head string) (bool, error) {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return false, &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	cmp, _, err := c.GitHubClient().Repositories.CompareCommits(ctx, owner, repo, base, head, &github.ListOptions{PerPage: 1})
	if err != nil {
		return false, classifyError("compare commits", err)
	}
	switch cmp.GetStatus() {
	case "ahead", "identical":
		return true, nil
	default:
		return false, nil
	}
}

// ListPullRequests lists PRs of a repository. When opts.Head is set only PRs
// whose head branch equals it exactly are returned.
func (c *Client) ListPullRequests(ctx context.Context, slug string, opts hosting.ListOptions) ([]hosting.PullRequest, error) {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return nil, &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	state := opts.State
	if state == "" {
		state = hosting.StateOpen
	}
	listOpts := &github.PullRequestListOptions{
		State:       state,
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	if opts.Head != "" {
		listOpts.Head = owner + ":" + opts.Head
	}

	var all []hosting.PullRequest
	for {
		prs, resp, err := c.GitHubClient().PullRequests.List(ctx, owner, repo, listOpts)
		if err != nil {
			return nil, classifyError("list pull requests", err)
		}
		for _, pr := range prs {
			if opts.Head != "" && pr.GetHead().GetRef() != opts.Head {
				continue
			}
			all = append(all, convertPullRequest(slug, pr))
		}
		if resp.NextPage == 0 {
			break
		}
		listOpts.Page = resp.NextPage
	}
	return all, nil
}

// SearchPullRequests searches every repository of owner for PRs whose head
// branch may be head. The head qualifier is not an exact match, so hits are
// returned unconfirmed. At most maxPages pages are read; Incomplete is set
// when matches remain unread or GitHub reports a partial index.
func (c *Client) SearchPullRequests(ctx context.Context, owner, head string, maxPages int) (*hosting.SearchResult, error) {
	query := fmt.Sprintf("is:pr user:%s head:%s", owner, head)
	opts := &github.SearchOptions{
		Sort:        "updated",
		Order:       "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	res := &hosting.SearchResult{}
	seen := 0
	for page := 1; ; page++ {
		if maxPages > 0 && page > maxPages {
			res.Incomplete = true
			break
		}

		found, resp, err := c.GitHubClient().Search.Issues(ctx, query, opts)
		if err != nil {
			return nil, classifyError("search pull requests", err)
		}
		res.Total = found.GetTotal()
		if found.GetIncompleteResults() {
			res.Incomplete = true
		}

		for _, issue := range found.Issues {
			seen++
			slug := slugFromRepositoryURL(issue.GetRepositoryURL())
			if slug == "" || !issue.IsPullRequest() {
				continue
			}
			res.Hits = append(res.Hits, hosting.SearchHit{Repo: slug, Number: issue.GetNumber()})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if res.Incomplete {
		log.Warn("pull request search incomplete", "owner", owner, "head", head, "read", seen, "total", res.Total)
	}
	return res, nil
}

// slugFromRepositoryURL converts https://api.github.com/repos/<owner>/<repo>.
func slugFromRepositoryURL(u string) string {
	i := strings.Index(u, "/repos/")
	if i < 0 {
		return ""
	}
	slug := u[i+len("/repos/"):]
	if _, _, err := SplitSlug(slug); err != nil {
		return ""
	}
	return slug
}

// GetPullRequest fetches a single PR including mergeability.
func (c *Client) GetPullRequest(ctx context.Context, slug string, number int) (*hosting.PullRequest, error) {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return nil, &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	pr, _, err := c.GitHubClient().PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, classifyError(fmt.Sprintf("get pull request #%d", number), err)
	}
	out := convertPullRequest(slug, pr)
	return &out, nil
}

// CreatePullRequest opens a PR from a branch of the same repository.
func (c *Client) CreatePullRequest(ctx context.Context, slug string, newPR hosting.NewPullRequest) (*hosting.PullRequest, error) {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return nil, &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	pr, _, err := c.GitHubClient().PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(newPR.Title),
		Head:  github.Ptr(newPR.Head),
		Base:  github.Ptr(newPR.Base),
		Body:  github.Ptr(newPR.Body),
	})
	if err != nil {
		return nil, classifyError("create pull request", err)
	}
	out := convertPullRequest(slug, pr)
	return &out, nil
}

// ClosePullRequest closes a PR without merging it.
func (c *Client) ClosePullRequest(ctx context.Context, slug string, number int) error {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	_, _, err = c.GitHubClient().PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{
		State: github.Ptr(hosting.StateClosed),
	})
	return classifyError(fmt.Sprintf("close pull request #%d", number), err)
}

// ListReviews lists every review on a PR.
func (c *Client) ListReviews(ctx context.Context, slug string, number int) ([]hosting.Review, error) {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return nil, &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	opts := &github.ListOptions{PerPage: perPage}
	var all []hosting.Review
	for {
		reviews, resp, err := c.GitHubClient().PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, classifyError("list reviews", err)
		}
		for _, r := range reviews {
			all = append(all, hosting.Review{
				ID:          r.GetID(),
				Author:      r.GetUser().GetLogin(),
				State:       r.GetState(),
				SubmittedAt: r.GetSubmittedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// Approve submits an approving review.
func (c *Client) Approve(ctx context.Context, slug string, number int, body string) error {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	req := &github.PullRequestReviewRequest{Event: github.Ptr("APPROVE")}
	if body != "" {
		req.Body = github.Ptr(body)
	}
	_, _, err = c.GitHubClient().PullRequests.CreateReview(ctx, owner, repo, number, req)
	return classifyError(fmt.Sprintf("approve pull request #%d", number), err)
}

// Merge merges a PR. GitHub answers 405 when the PR cannot be merged; that
// and a response with merged=false are reported as KindConflict.
func (c *Client) Merge(ctx context.Context, slug string, number int, method hosting.MergeMethod) (*hosting.MergeResult, error) {
	owner, repo, err := SplitSlug(slug)
	if err != nil {
		return nil, &hosting.Error{Kind: hosting.KindValidation, Message: err.Error()}
	}

	res, _, err := c.GitHubClient().PullRequests.Merge(ctx, owner, repo, number, "", &github.PullRequestOptions{
		MergeMethod: string(method),
	})
	if err != nil {
		return nil, classifyError(fmt.Sprintf("merge pull request #%d", number), err)
	}
	if !res.GetMerged() {
		return nil, &hosting.Error{Kind: hosting.KindConflict, Message: res.GetMessage()}
	}
	return &hosting.MergeResult{SHA: res.GetSHA(), Message: res.GetMessage()}, nil
}

var _ hosting.Client = (*Client)(nil)
