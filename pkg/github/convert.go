package github

import (
	"github.com/google/go-github/v68/github"

	"github.com/holon-run/slam/pkg/hosting"
)

// convertRepository converts a github.Repository to our Repository type
func convertRepository(r *github.Repository) hosting.Repository {
	branch := r.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	return hosting.Repository{
		Slug:          r.GetFullName(),
		DefaultBranch: branch,
		Archived:      r.GetArchived(),
		CloneURL:      r.GetCloneURL(),
	}
}

// convertPullRequest converts a github.PullRequest to our PullRequest type
func convertPullRequest(slug string, pr *github.PullRequest) hosting.PullRequest {
	out := hosting.PullRequest{
		Repo:           slug,
		Number:         pr.GetNumber(),
		Title:          pr.GetTitle(),
		URL:            pr.GetHTMLURL(),
		State:          pr.GetState(),
		Merged:         pr.GetMerged() || pr.MergedAt != nil,
		Mergeable:      pr.Mergeable,
		MergeableState: pr.GetMergeableState(),
		UpdatedAt:      pr.GetUpdatedAt().Time,
	}

	if user := pr.GetUser(); user != nil {
		out.Author = user.GetLogin()
	}
	if head := pr.GetHead(); head != nil {
		out.HeadBranch = head.GetRef()
		out.HeadSHA = head.GetSHA()
	}
	if base := pr.GetBase(); base != nil {
		out.BaseBranch = base.GetRef()
	}

	return out
}
