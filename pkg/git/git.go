// Package git wraps the git binary for the operations that change a checkout
// (branch, commit, push, fetch, reset) and uses go-git for read-only
// inspection (see inspect.go).
package git

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrNonFastForward is returned by Push when the remote branch has commits
// the local branch does not contain.
var ErrNonFastForward = errors.New("remote branch is not an ancestor of the local branch")

// Client represents a git client for operations on a repository.
type Client struct {
	// Dir is the working directory of the git repository.
	Dir string

	// Options provides optional git configuration.
	Options *ClientOptions
}

// ClientOptions holds configuration for git operations.
type ClientOptions struct {
	// UserName is the git user name for commits.
	UserName string

	// UserEmail is the git user email for commits.
	UserEmail string

	// Quiet suppresses output from git commands.
	Quiet bool

	// DryRun makes every command fail with a description instead of running.
	DryRun bool

	// Token authenticates https remotes on github.com. It is passed per
	// command and never written to .git/config.
	Token string
}

// DefaultClientOptions returns the default client options.
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		Quiet:  true,
		DryRun: false,
	}
}

// NewClient creates a new git client for the given directory.
func NewClient(dir string) *Client {
	return &Client{
		Dir:     dir,
		Options: DefaultClientOptions(),
	}
}

// CloneOptions specifies options for cloning a repository.
type CloneOptions struct {
	// Source is the repository URL or path to clone from.
	Source string

	// Dest is the destination directory.
	Dest string

	// Ref is the reference to checkout after clone (optional).
	Ref string

	// Depth specifies shallow clone depth (0 for full history).
	Depth int

	// Quiet suppresses output.
	Quiet bool

	// Token authenticates the clone; see ClientOptions.Token.
	Token string
}

// CloneResult holds the result of a clone operation.
type CloneResult struct {
	// HEAD is the checked out commit SHA.
	HEAD string

	// Branch is the checked out branch name.
	Branch string
}

// execCommand executes a git command in c.Dir.
func (c *Client) execCommand(ctx context.Context, args ...string) ([]byte, error) {
	if c.Options != nil && c.Options.DryRun {
		return nil, fmt.Errorf("dry run: git %s (dir: %s)", strings.Join(args, " "), c.Dir)
	}

	cmdArgs := []string{"-C", c.Dir}
	if c.Options != nil {
		cmdArgs = append(cmdArgs, authArgs(c.Options.Token)...)
	}
	cmdArgs = append(cmdArgs, args...)
	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}

	return output, nil
}

// authArgs returns the config override that sends token to github.com.
func authArgs(token string) []string {
	if token == "" {
		return nil
	}
	basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
	return []string{"-c", "http.https://github.com/.extraheader=Authorization: Basic " + basic}
}

// quietFlag returns the --quiet flag if enabled.
func (c *Client) quietFlag() []string {
	if c.Options != nil && c.Options.Quiet {
		return []string{"--quiet"}
	}
	return nil
}

// Clone clones a repository.
func Clone(ctx context.Context, opts CloneOptions) (*CloneResult, error) {
	args := append(authArgs(opts.Token), "clone")
	if opts.Quiet {
		args = append(args, "--quiet")
	}
	if opts.Depth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", opts.Depth))
	}
	if opts.Ref != "" {
		args = append(args, "--branch", opts.Ref)
	}
	args = append(args, opts.Source, opts.Dest)

	cmd := exec.CommandContext(ctx, "git", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git clone failed: %w: %s", err, strings.TrimSpace(string(output)))
	}

	client := NewClient(opts.Dest)
	client.Options.Token = opts.Token
	head, err := client.HeadSHA(ctx)
	if err != nil {
		return nil, fmt.Errorf("git clone succeeded but HEAD is unreadable: %w", err)
	}
	branch, err := client.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}

	return &CloneResult{HEAD: head, Branch: branch}, nil
}

// HeadSHA returns the current HEAD SHA.
func (c *Client) HeadSHA(ctx context.Context) (string, error) {
	return c.RevParse(ctx, "HEAD")
}

// RevParse resolves a revision to a full SHA.
func (c *Client) RevParse(ctx context.Context, rev string) (string, error) {
	output, err := c.execCommand(ctx, "rev-parse", "--verify", rev+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// CurrentBranch returns the checked out branch, or "" for a detached HEAD.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	output, err := c.execCommand(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read current branch: %w", err)
	}
	branch := strings.TrimSpace(string(output))
	if branch == "HEAD" {
		return "", nil
	}
	return branch, nil
}

// Checkout checks out a reference (branch, tag, or commit).
func (c *Client) Checkout(ctx context.Context, ref string) error {
	args := append([]string{"checkout"}, c.quietFlag()...)
	args = append(args, ref)
	_, err := c.execCommand(ctx, args...)
	return err
}

// CreateBranch creates name at startPoint and checks it out.
func (c *Client) CreateBranch(ctx context.Context, name, startPoint string) error {
	args := append([]string{"checkout"}, c.quietFlag()...)
	args = append(args, "-b", name)
	if startPoint != "" {
		args = append(args, startPoint)
	}
	_, err := c.execCommand(ctx, args...)
	return err
}

// DeleteBranch deletes a local branch. force allows deleting unmerged work.
func (c *Client) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.execCommand(ctx, "branch", flag, name)
	return err
}

// AddAll stages all changes, including deletions.
func (c *Client) AddAll(ctx context.Context) error {
	_, err := c.execCommand(ctx, "add", "-A")
	return err
}

// CommitAuthor represents the author of a commit.
type CommitAuthor struct {
	Name  string
	Email string
	When  time.Time
}

// CommitOptions specifies options for creating a commit.
type CommitOptions struct {
	// Message is the commit message.
	Message string

	// Author is the commit author (defaults to config).
	Author *CommitAuthor

	// AllowEmpty allows creating a commit with no changes.
	AllowEmpty bool
}

// CommitWith creates a commit and returns its SHA.
func (c *Client) CommitWith(ctx context.Context, opts CommitOptions) (string, error) {
	args := []string{}
	if c.Options != nil && c.Options.UserName != "" {
		args = append(args, "-c", "user.name="+c.Options.UserName)
	}
	if c.Options != nil && c.Options.UserEmail != "" {
		args = append(args, "-c", "user.email="+c.Options.UserEmail)
	}
	args = append(args, "commit")
	args = append(args, c.quietFlag()...)

	if opts.AllowEmpty {
		args = append(args, "--allow-empty")
	}
	if opts.Author != nil {
		args = append(args, "--author", fmt.Sprintf("%s <%s>", opts.Author.Name, opts.Author.Email))
		if !opts.Author.When.IsZero() {
			args = append(args, "--date", opts.Author.When.Format(time.RFC3339))
		}
	}
	args = append(args, "-m", opts.Message)

	if _, err := c.execCommand(ctx, args...); err != nil {
		return "", fmt.Errorf("commit failed: %w", err)
	}

	return c.HeadSHA(ctx)
}

// PushOptions specifies options for pushing to a remote.
type PushOptions struct {
	// Remote is the remote name (default: "origin").
	Remote string

	// Branch is the branch to push.
	Branch string

	// SetUpstream sets the upstream branch.
	SetUpstream bool
}

// Push pushes a branch without force. A rejection because the remote moved
// is reported as ErrNonFastForward.
func (c *Client) Push(ctx context.Context, opts PushOptions) error {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.Branch == "" {
		return fmt.Errorf("branch name is required for push")
	}

	args := append([]string{"push"}, c.quietFlag()...)
	if opts.SetUpstream {
		args = append(args, "-u")
	}
	args = append(args, opts.Remote, "refs/heads/"+opts.Branch+":refs/heads/"+opts.Branch)

	output, err := c.execCommand(ctx, args...)
	if err != nil {
		if isNonFastForward(string(output)) {
			return fmt.Errorf("push %s: %w", opts.Branch, ErrNonFastForward)
		}
		return fmt.Errorf("push failed: %w", err)
	}

	return nil
}

func isNonFastForward(output string) bool {
	for _, marker := range []string{"non-fast-forward", "fetch first", "[rejected]"} {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// Fetch fetches from remote, pruning deleted remote branches when prune is set.
func (c *Client) Fetch(ctx context.Context, remote string, prune bool) error {
	if remote == "" {
		remote = "origin"
	}
	args := append([]string{"fetch"}, c.quietFlag()...)
	if prune {
		args = append(args, "--prune")
	}
	args = append(args, remote)
	_, err := c.execCommand(ctx, args...)
	return err
}

// FetchBranch updates refs/remotes/<remote>/<branch> from remote. It reports
// false without error when the remote has no such branch.
func (c *Client) FetchBranch(ctx context.Context, remote, branch string) (bool, error) {
	if remote == "" {
		remote = "origin"
	}
	args := append([]string{"fetch"}, c.quietFlag()...)
	args = append(args, remote, "+refs/heads/"+branch+":refs/remotes/"+remote+"/"+branch)
	output, err := c.execCommand(ctx, args...)
	if err != nil {
		if strings.Contains(string(output), "couldn't find remote ref") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PullFastForward fast-forwards the current branch from its upstream.
func (c *Client) PullFastForward(ctx context.Context) error {
	args := append([]string{"pull"}, c.quietFlag()...)
	args = append(args, "--ff-only")
	_, err := c.execCommand(ctx, args...)
	return err
}

// ResetHard resets the index and working tree to ref and removes untracked files.
func (c *Client) ResetHard(ctx context.Context, ref string) error {
	args := append([]string{"reset"}, c.quietFlag()...)
	args = append(args, "--hard")
	if ref != "" {
		args = append(args, ref)
	}
	if _, err := c.execCommand(ctx, args...); err != nil {
		return err
	}
	_, err := c.execCommand(ctx, "clean", "-fd")
	return err
}

// IsClean returns true if the working directory has no uncommitted changes,
// staged changes, or untracked files.
func (c *Client) IsClean(ctx context.Context) bool {
	statuses, err := c.GetWorkingTreeStatus(ctx)
	return err == nil && len(statuses) == 0
}

// FileStatus represents the status of a single file in the working tree.
type FileStatus struct {
	// Path is the file path.
	Path string

	// Status is the human-readable status (e.g., "modified", "added", "deleted").
	Status string

	// StatusCode is the raw status code from git status.
	StatusCode string
}

// GetWorkingTreeStatus parses git status --porcelain into file-level entries.
func (c *Client) GetWorkingTreeStatus(ctx context.Context) ([]FileStatus, error) {
	output, err := c.execCommand(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to get working tree status: %w", err)
	}

	return parseFileStatus(string(output)), nil
}

// parseFileStatus parses git status --porcelain output into FileStatus entries.
func parseFileStatus(output string) []FileStatus {
	var statuses []FileStatus

	for _, line := range strings.Split(output, "\n") {
		if len(strings.TrimSpace(line)) == 0 || len(line) < 4 {
			continue
		}

		statusCode := line[0:2]
		filePath := line[3:]
		// "R  old -> new": the new name is the canonical path.
		if _, after, ok := strings.Cut(filePath, " -> "); ok {
			filePath = after
		}

		statuses = append(statuses, FileStatus{
			Path:       filePath,
			Status:     decodeStatusCode(statusCode),
			StatusCode: statusCode,
		})
	}

	return statuses
}

// decodeStatusCode converts a porcelain status pair to a short description.
func decodeStatusCode(code string) string {
	switch {
	case code == "??":
		return "untracked"
	case strings.Contains(code, "U"), code == "AA", code == "DD":
		return "unmerged"
	case strings.Contains(code, "D"):
		return "deleted"
	case strings.Contains(code, "R"):
		return "renamed"
	case strings.Contains(code, "A"):
		return "added"
	case strings.Contains(code, "M"):
		return "modified"
	default:
		return "unknown_" + code
	}
}

// DescribeDirty summarizes the working tree state for error messages.
func (c *Client) DescribeDirty(ctx context.Context) string {
	statuses, err := c.GetWorkingTreeStatus(ctx)
	if err != nil {
		return err.Error()
	}

	parts := make([]string, 0, len(statuses))
	for i, s := range statuses {
		if i == 5 {
			parts = append(parts, fmt.Sprintf("and %d more", len(statuses)-i))
			break
		}
		parts = append(parts, s.Path+" ("+s.Status+")")
	}
	return fmt.Sprintf("%d changed file(s): %s", len(statuses), strings.Join(parts, ", "))
}
