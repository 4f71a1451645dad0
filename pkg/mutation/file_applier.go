package mutation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/holon-run/slam/pkg/git"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/outcome"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

// DefaultCommitMessage is used when FileApplier.Message is empty.
const DefaultCommitMessage = "Automated update generated by SLAM"

// FileApplier edits the files of a checkout that match Files, commits the
// result on the session branch, and returns to the branch it started on.
type FileApplier struct {
	// Files are gitignore-style patterns relative to the repository root.
	// A pattern without a slash matches at any depth; ** spans directories.
	Files   []string
	Change  Change
	Message string

	// UserName and UserEmail override the committer identity.
	UserName  string
	UserEmail string

	// Clone makes repositories without a checkout get a temporary clone
	// under WorkRoot (the system temp dir when empty).
	Clone    bool
	WorkRoot string
	// CloneURL returns the URL to clone; the default is the github.com https URL.
	CloneURL func(repo target.RepoTarget) string
	// Token authenticates clones and pushes from temporary checkouts.
	Token string

	patterns []gitignore.Pattern
}

// NewFileApplier validates patterns and returns an applier.
func NewFileApplier(files []string, change Change, message string) (*FileApplier, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("at least one file pattern is required")
	}
	a := &FileApplier{Files: files, Change: change, Message: message}
	if err := a.compile(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *FileApplier) compile() error {
	a.patterns = a.patterns[:0]
	for _, p := range a.Files {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "!") {
			return fmt.Errorf("invalid file pattern %q", p)
		}
		a.patterns = append(a.patterns, gitignore.ParsePattern(p, nil))
	}
	return nil
}

func (a *FileApplier) matches(rel string) bool {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, p := range a.patterns {
		if p.Match(parts, false) == gitignore.Exclude {
			return true
		}
	}
	return false
}

// Match lists the files of dir that the patterns select, relative and sorted.
func (a *FileApplier) Match(dir string) ([]string, error) {
	if len(a.patterns) == 0 {
		if err := a.compile(); err != nil {
			return nil, err
		}
	}

	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if a.matches(rel) {
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	sort.Strings(out)
	return out, nil
}

// Preview returns the files the change would touch and their diff without
// modifying the checkout.
func (a *FileApplier) Preview(repo target.RepoTarget) ([]string, string, error) {
	if repo.LocalPath == "" {
		return nil, "", outcome.Errorf(outcome.MissingLocalCheckout, "%s has no local checkout", repo.Slug)
	}
	files, err := a.Match(repo.LocalPath)
	if err != nil {
		return nil, "", outcome.Wrap(outcome.MutationError, err)
	}
	changed, diff, err := a.edit(repo.LocalPath, files, false)
	if err != nil {
		return nil, "", outcome.Wrap(outcome.MutationError, err)
	}
	return changed, diff, nil
}

func (a *FileApplier) Apply(ctx context.Context, repo target.RepoTarget, sid session.ID) (*ChangeSet, error) {
	dir, temporary, err := a.checkout(ctx, repo)
	if err != nil {
		return nil, err
	}
	cs, err := a.apply(ctx, repo, dir, sid)
	if temporary && (err != nil || cs == nil) {
		os.RemoveAll(dir)
	}
	if cs != nil {
		cs.Temporary = temporary
	}
	return cs, err
}

func (a *FileApplier) checkout(ctx context.Context, repo target.RepoTarget) (string, bool, error) {
	if repo.LocalPath != "" {
		return repo.LocalPath, false, nil
	}
	if !a.Clone {
		return "", false, outcome.Errorf(outcome.MissingLocalCheckout, "%s has no local checkout", repo.Slug)
	}

	dir, err := os.MkdirTemp(a.WorkRoot, "slam-")
	if err != nil {
		return "", false, outcome.Wrap(outcome.MutationError, err)
	}
	url := "https://github.com/" + repo.Slug + ".git"
	if a.CloneURL != nil {
		url = a.CloneURL(repo)
	}
	log.Debug("cloning repository", "repo", repo.Slug, "dir", dir)
	if _, err := git.Clone(ctx, git.CloneOptions{Source: url, Dest: dir, Quiet: true, Token: a.Token}); err != nil {
		os.RemoveAll(dir)
		return "", false, outcome.Wrap(outcome.MutationError, fmt.Errorf("%s: %w", repo.Slug, err))
	}
	return dir, true, nil
}

func (a *FileApplier) apply(ctx context.Context, repo target.RepoTarget, dir string, sid session.ID) (*ChangeSet, error) {
	inspect, err := git.Open(dir)
	if err != nil {
		return nil, outcome.Wrap(outcome.MissingLocalCheckout, fmt.Errorf("%s: %w", repo.Slug, err))
	}

	gc := git.NewClient(dir)
	gc.Options.UserName = a.UserName
	gc.Options.UserEmail = a.UserEmail
	gc.Options.Token = a.Token

	if !gc.IsClean(ctx) {
		return nil, outcome.Errorf(outcome.MutationError, "%s: worktree is not clean: %s", repo.Slug, gc.DescribeDirty(ctx))
	}

	base := repo.DefaultBranch
	if base == "" {
		base = inspect.DefaultBranch()
	}
	branch := string(sid)

	original, err := gc.CurrentBranch(ctx)
	if err != nil {
		return nil, outcome.Wrap(outcome.MutationError, err)
	}
	restore := func() {
		if original == "" || original == branch {
			return
		}
		if err := gc.Checkout(ctx, original); err != nil {
			log.Warn("failed to restore branch", "repo", repo.Slug, "branch", original, "error", err)
		}
	}

	exists, err := inspect.HasBranch(branch)
	if err != nil {
		return nil, outcome.Wrap(outcome.MutationError, err)
	}
	hosted := false
	if !exists {
		if hosted, err = a.fetchSessionBranch(ctx, gc, inspect, repo, branch); err != nil {
			return nil, err
		}
	}
	switch {
	case exists:
		err = gc.Checkout(ctx, branch)
	case hosted:
		// Continue from what an earlier run pushed.
		err = gc.CreateBranch(ctx, branch, "origin/"+branch)
	default:
		err = gc.CreateBranch(ctx, branch, base)
	}
	if err != nil {
		restore()
		return nil, outcome.Wrap(outcome.MutationError, fmt.Errorf("%s: failed to switch to %s: %w", repo.Slug, branch, err))
	}

	files, err := a.Match(dir)
	if err != nil {
		restore()
		return nil, outcome.Wrap(outcome.MutationError, err)
	}
	changed, diff, err := a.edit(dir, files, true)
	if err != nil {
		// Leave nothing half-edited on the session branch.
		if rerr := gc.ResetHard(ctx, "HEAD"); rerr != nil {
			log.Warn("failed to reset after edit error", "repo", repo.Slug, "error", rerr)
		}
		restore()
		return nil, outcome.Wrap(outcome.MutationError, fmt.Errorf("%s: %w", repo.Slug, err))
	}

	if len(changed) == 0 {
		return a.noChange(ctx, gc, repo, dir, base, branch, exists || hosted, exists, restore)
	}

	if err := gc.AddAll(ctx); err != nil {
		restore()
		return nil, outcome.Wrap(outcome.MutationError, err)
	}
	message := a.Message
	if message == "" {
		message = DefaultCommitMessage
	}
	sha, err := gc.CommitWith(ctx, git.CommitOptions{Message: message})
	if err != nil {
		restore()
		return nil, outcome.Wrap(outcome.MutationError, fmt.Errorf("%s: %w", repo.Slug, err))
	}
	restore()

	log.Info("committed change", "repo", repo.Slug, "branch", branch, "commit", sha, "files", len(changed))
	return &ChangeSet{
		Repo:       repo.Slug,
		Branch:     branch,
		BaseBranch: base,
		CommitRef:  sha,
		Summary:    fmt.Sprintf("%s in %d file(s)", a.Change, len(changed)),
		Files:      changed,
		Diff:       diff,
		WorkDir:    dir,
	}, nil
}

// noChange handles a run that edited nothing. A session branch that already
// carries commits from an earlier run, locally or on origin, is handed on so
// publishing can resume; a local branch created just now is removed again.
func (a *FileApplier) noChange(ctx context.Context, gc *git.Client, repo target.RepoTarget, dir, base, branch string, existed, local bool, restore func()) (*ChangeSet, error) {
	head, err := gc.RevParse(ctx, branch)
	if err != nil {
		restore()
		return nil, outcome.Wrap(outcome.MutationError, err)
	}
	baseSHA, err := gc.RevParse(ctx, base)
	if err != nil {
		restore()
		return nil, outcome.Wrap(outcome.MutationError, err)
	}

	if existed && head != baseSHA {
		restore()
		log.Info("resuming existing session branch", "repo", repo.Slug, "branch", branch, "commit", head)
		return &ChangeSet{
			Repo:       repo.Slug,
			Branch:     branch,
			BaseBranch: base,
			CommitRef:  head,
			Summary:    "existing commit on " + branch,
			WorkDir:    dir,
		}, nil
	}

	// Leave the branch before deleting it.
	if cur, _ := gc.CurrentBranch(ctx); cur == branch {
		if err := gc.Checkout(ctx, base); err != nil {
			return nil, outcome.Wrap(outcome.MutationError, err)
		}
	}
	restore()
	if !local {
		if err := gc.DeleteBranch(ctx, branch, true); err != nil {
			log.Warn("failed to delete unused session branch", "repo", repo.Slug, "branch", branch, "error", err)
		}
	}
	log.Debug("no change", "repo", repo.Slug)
	return nil, nil
}

// fetchSessionBranch reports whether origin already has the session branch,
// refreshing origin/<branch> first. Checkouts without an origin remote have
// nothing to resume.
func (a *FileApplier) fetchSessionBranch(ctx context.Context, gc *git.Client, inspect *git.Repo, repo target.RepoTarget, branch string) (bool, error) {
	if _, err := inspect.RemoteURL("origin"); err != nil {
		return false, nil
	}
	found, err := gc.FetchBranch(ctx, "origin", branch)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, err
		}
		return false, outcome.Wrap(outcome.MutationError, fmt.Errorf("%s: fetch %s: %w", repo.Slug, branch, err))
	}
	if found {
		log.Debug("resuming session branch from origin", "repo", repo.Slug, "branch", branch)
	}
	return found, nil
}

// edit applies the change to files under dir. With write unset nothing on
// disk changes. It returns the files that changed and their diff.
func (a *FileApplier) edit(dir string, files []string, write bool) ([]string, string, error) {
	var (
		changed []string
		diffs   strings.Builder
	)
	for _, rel := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))

		if a.Change.Kind == Delete {
			if write {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return nil, "", fmt.Errorf("failed to delete %s: %w", rel, err)
				}
			}
			changed = append(changed, rel)
			diffs.WriteString("deleted " + rel + "\n")
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", rel, err)
		}
		updated, ok := a.Change.Edit(string(data))
		if !ok {
			continue
		}
		if write {
			info, err := os.Stat(path)
			if err != nil {
				return nil, "", err
			}
			if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
				return nil, "", fmt.Errorf("failed to write %s: %w", rel, err)
			}
		}
		changed = append(changed, rel)
		diffs.WriteString(lineDiff(rel, string(data), updated))
	}
	return changed, diffs.String(), nil
}

var _ Applier = (*FileApplier)(nil)
