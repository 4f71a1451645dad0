// Package publisher pushes a session branch and opens its pull request.
//
// Every step checks the host first, so publishing the same change set twice
// leaves one branch and one pull request.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/holon-run/slam/pkg/git"
	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/mutation"
	"github.com/holon-run/slam/pkg/outcome"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

// Publisher publishes change sets to a hosting service.
type Publisher struct {
	Client hosting.Client
	// Title is the pull request title; the session id is used when empty.
	Title string
	// Body is prepended to the generated pull request description.
	Body string
	// Remote is the git remote pushed to from checkouts (default "origin").
	Remote string
	// Token authenticates git pushes.
	Token string
}

// New returns a Publisher using client.
func New(client hosting.Client) *Publisher {
	return &Publisher{Client: client, Remote: "origin"}
}

// Publish makes sure the session branch points at cs.CommitRef and that one
// open pull request uses it as head.
//
// A nil cs yields Skipped("no change"). An existing open pull request yields
// Skipped("pr exists"). Errors carry DivergedBranch, PublishRejected or
// SessionMismatch; hosting authentication and rate-limit errors stay fatal.
func (p *Publisher) Publish(ctx context.Context, repo target.RepoTarget, sid session.ID, cs *mutation.ChangeSet) (Result, error) {
	var res Result
	if cs == nil {
		res.Outcome = outcome.Skipped(repo.Slug, outcome.ReasonNoChange)
		return res, nil
	}
	branch := cs.Branch
	if branch == "" {
		branch = string(sid)
	}
	if !sid.Matches(branch) {
		return res, outcome.Errorf(outcome.SessionMismatch, "%s: change set is on %s, session is %s", repo.Slug, branch, sid)
	}
	if cs.CommitRef == "" {
		return res, outcome.Errorf(outcome.PublishRejected, "%s: change set has no commit", repo.Slug)
	}

	if cs.WorkDir != "" {
		if err := p.pushBranch(ctx, &res, repo, branch, cs); err != nil {
			return res, err
		}
	} else {
		if err := p.ensureBranch(ctx, &res, repo, branch, cs.CommitRef); err != nil {
			return res, err
		}
	}

	pr, created, err := p.ensurePullRequest(ctx, &res, repo, branch, cs)
	if err != nil {
		return res, err
	}
	if created {
		res.Outcome = outcome.Created(repo.Slug, pr.Number, pr.URL)
	} else {
		res.Outcome = outcome.Skipped(repo.Slug, outcome.ReasonPRExists).WithPR(pr.Number, pr.URL)
	}
	return res, nil
}

// pushBranch pushes the session branch from the checkout. A hosted branch
// that is not an ancestor of the commit is DivergedBranch; git refuses such
// non-fast-forward updates as well.
func (p *Publisher) pushBranch(ctx context.Context, res *Result, repo target.RepoTarget, branch string, cs *mutation.ChangeSet) error {
	gc := git.NewClient(cs.WorkDir)
	gc.Options.Token = p.Token

	remote := p.Remote
	if remote == "" {
		remote = "origin"
	}

	hosted, err := p.hostedTip(ctx, gc, cs.WorkDir, remote, branch)
	if err != nil {
		return err
	}
	if hosted == cs.CommitRef {
		res.add(NewAction(ActionBranchCurrent, branch+" already at "+short(hosted)))
		return nil
	}
	if hosted != "" {
		inspect, err := git.Open(cs.WorkDir)
		if err != nil {
			return outcome.Wrap(outcome.PublishRejected, fmt.Errorf("%s: %w", repo.Slug, err))
		}
		ok, err := inspect.IsAncestor(hosted, cs.CommitRef)
		if err != nil {
			return outcome.Wrap(outcome.PublishRejected, fmt.Errorf("%s: %w", repo.Slug, err))
		}
		if !ok {
			return outcome.Errorf(outcome.DivergedBranch, "%s: %s is at %s, which is not an ancestor of %s", repo.Slug, branch, short(hosted), short(cs.CommitRef))
		}
	}

	if err := gc.Push(ctx, git.PushOptions{Remote: remote, Branch: branch}); err != nil {
		if errors.Is(err, git.ErrNonFastForward) {
			return outcome.Wrap(outcome.DivergedBranch, fmt.Errorf("%s: %s has commits not in %s: %w", repo.Slug, branch, short(cs.CommitRef), err))
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return outcome.Wrap(outcome.PublishRejected, fmt.Errorf("%s: %w", repo.Slug, err))
	}

	action := NewAction(ActionPushedBranch, fmt.Sprintf("Pushed %s to %s", branch, remote))
	action.AddMetadata("commit", cs.CommitRef)
	res.add(action)
	log.Debug("pushed branch", "repo", repo.Slug, "branch", branch, "commit", short(cs.CommitRef))
	return nil
}

// hostedTip returns the commit the remote branch is at, or "" when the remote
// has no such branch.
func (p *Publisher) hostedTip(ctx context.Context, gc *git.Client, dir, remote, branch string) (string, error) {
	found, err := gc.FetchBranch(ctx, remote, branch)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", outcome.Wrap(outcome.PublishRejected, fmt.Errorf("fetch %s: %w", branch, err))
	}
	if !found {
		return "", nil
	}
	inspect, err := git.Open(dir)
	if err != nil {
		return "", outcome.Wrap(outcome.PublishRejected, err)
	}
	sha, err := inspect.Resolve("refs/remotes/" + remote + "/" + branch)
	if err != nil {
		return "", outcome.Wrap(outcome.PublishRejected, err)
	}
	return sha, nil
}

// ensureBranch moves the hosted branch through the API when the commit is
// already on the host.
func (p *Publisher) ensureBranch(ctx context.Context, res *Result, repo target.RepoTarget, branch, sha string) error {
	current, err := p.Client.GetBranch(ctx, repo.Slug, branch)
	switch {
	case hosting.IsNotFound(err):
		if err := p.Client.CreateBranch(ctx, repo.Slug, branch, sha); err != nil {
			return rejected(repo.Slug, "create branch", err)
		}
		action := NewAction(ActionCreatedBranch, "Created branch "+branch)
		action.AddMetadata("commit", sha)
		res.add(action)
		return nil
	case err != nil:
		return rejected(repo.Slug, "read branch", err)
	}

	if current.SHA == sha {
		res.add(NewAction(ActionBranchCurrent, branch+" already at "+short(sha)))
		return nil
	}

	ok, err := p.Client.IsAncestor(ctx, repo.Slug, current.SHA, sha)
	if err != nil {
		return rejected(repo.Slug, "compare commits", err)
	}
	if !ok {
		return outcome.Errorf(outcome.DivergedBranch, "%s: %s is at %s, which is not an ancestor of %s", repo.Slug, branch, short(current.SHA), short(sha))
	}

	if err := p.Client.UpdateBranch(ctx, repo.Slug, branch, sha, false); err != nil {
		if hosting.IsConflict(err) {
			return outcome.Wrap(outcome.DivergedBranch, fmt.Errorf("%s: %w", repo.Slug, err))
		}
		return rejected(repo.Slug, "update branch", err)
	}
	action := NewAction(ActionUpdatedBranch, fmt.Sprintf("Fast-forwarded %s from %s", branch, short(current.SHA)))
	action.AddMetadata("commit", sha)
	res.add(action)
	return nil
}

func (p *Publisher) ensurePullRequest(ctx context.Context, res *Result, repo target.RepoTarget, branch string, cs *mutation.ChangeSet) (*hosting.PullRequest, bool, error) {
	if existing, err := p.findOpen(ctx, repo.Slug, branch); err != nil {
		return nil, false, err
	} else if existing != nil {
		res.add(prAction(ActionFoundPR, "Found", existing))
		return existing, false, nil
	}

	base := cs.BaseBranch
	if base == "" {
		base = repo.DefaultBranch
	}
	if base == "" {
		info, err := p.Client.GetRepository(ctx, repo.Slug)
		if err != nil {
			return nil, false, rejected(repo.Slug, "read repository", err)
		}
		base = info.DefaultBranch
	}

	pr, err := p.Client.CreatePullRequest(ctx, repo.Slug, hosting.NewPullRequest{
		Title: p.title(branch, cs),
		Head:  branch,
		Base:  base,
		Body:  FormatPRBody(p.Body, branch, cs),
	})
	if err != nil {
		// Another run may have opened it since we looked.
		if hosting.KindOf(err) == hosting.KindValidation {
			if existing, ferr := p.findOpen(ctx, repo.Slug, branch); ferr == nil && existing != nil {
				res.add(prAction(ActionFoundPR, "Found", existing))
				return existing, false, nil
			}
		}
		return nil, false, rejected(repo.Slug, "create pull request", err)
	}

	res.add(prAction(ActionCreatedPR, "Created", pr))
	log.Info("created pull request", "repo", repo.Slug, "number", pr.Number, "url", pr.URL)
	return pr, true, nil
}

func (p *Publisher) findOpen(ctx context.Context, slug, branch string) (*hosting.PullRequest, error) {
	prs, err := p.Client.ListPullRequests(ctx, slug, hosting.ListOptions{Head: branch, State: hosting.StateOpen})
	if err != nil {
		return nil, rejected(slug, "list pull requests", err)
	}
	for i := range prs {
		if prs[i].HeadBranch == branch && prs[i].State == hosting.StateOpen {
			return &prs[i], nil
		}
	}
	return nil, nil
}

func (p *Publisher) title(branch string, cs *mutation.ChangeSet) string {
	if p.Title != "" {
		return p.Title
	}
	return branch + ": " + mutation.DefaultCommitMessage
}

// FormatPRBody builds the pull request description.
func FormatPRBody(intro, branch string, cs *mutation.ChangeSet) string {
	var sb strings.Builder
	if intro != "" {
		sb.WriteString(strings.TrimSpace(intro))
		sb.WriteString("\n\n")
	}
	if cs.Summary != "" {
		sb.WriteString(cs.Summary)
		sb.WriteString("\n\n")
	}
	if len(cs.Files) > 0 {
		sb.WriteString("Files:\n")
		for _, f := range cs.Files {
			sb.WriteString("- `" + f + "`\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Session: `" + branch + "`\n")
	return sb.String()
}

func prAction(actionType, verb string, pr *hosting.PullRequest) Action {
	action := NewAction(actionType, fmt.Sprintf("%s PR #%d", verb, pr.Number))
	action.AddMetadata("pr_number", strconv.Itoa(pr.Number))
	action.AddMetadata("pr_url", pr.URL)
	return action
}

// rejected tags a hosting failure as PublishRejected, naming missing
// permissions explicitly. Authentication and rate-limit failures still
// classify as fatal through outcome.KindOf.
func rejected(slug, step string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if hosting.IsForbidden(err) {
		return outcome.Wrap(outcome.PublishRejected, fmt.Errorf("%s: %s: permission denied: %w", slug, step, err))
	}
	return outcome.Wrap(outcome.PublishRejected, fmt.Errorf("%s: %s: %w", slug, step, err))
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
