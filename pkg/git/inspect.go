package git

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrNotRepository is returned by Open when dir is not a git checkout.
var ErrNotRepository = errors.New("not a git repository")

// Repo is a read-only view of a local checkout.
type Repo struct {
	Dir  string
	repo *gogit.Repository
}

// Open opens the checkout rooted at dir.
func Open(dir string) (*Repo, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotRepository)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory: %w", dir, ErrNotRepository)
	}

	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{EnableDotGitCommonDir: true})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", dir, ErrNotRepository)
		}
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	return &Repo{Dir: dir, repo: repo}, nil
}

// Branches returns the sorted names of all local branches.
func (r *Repo) Branches() ([]string, error) {
	iter, err := r.repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer iter.Close()

	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// HasBranch reports whether a local branch with exactly this name exists.
func (r *Repo) HasBranch(name string) (bool, error) {
	_, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read branch %s: %w", name, err)
	}
	return true, nil
}

// RemoteBranches returns the branch names tracked under refs/remotes/<remote>/.
func (r *Repo) RemoteBranches(remote string) ([]string, error) {
	iter, err := r.repo.References()
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	defer iter.Close()

	prefix := "refs/remotes/" + remote + "/"
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		if strings.HasPrefix(name, prefix) && name != prefix+"HEAD" {
			names = append(names, strings.TrimPrefix(name, prefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list remote branches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// RemoteURL returns the first URL of the named remote.
func (r *Repo) RemoteURL(name string) (string, error) {
	remote, err := r.repo.Remote(name)
	if err != nil {
		return "", fmt.Errorf("remote %s: %w", name, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %s has no URL", name)
	}
	return urls[0], nil
}

// DefaultBranch returns the branch origin/HEAD points at. Without that ref
// it falls back to a local main or master, then to the checked out branch.
func (r *Repo) DefaultBranch() string {
	if ref, err := r.repo.Reference(plumbing.NewRemoteHEADReferenceName("origin"), false); err == nil {
		if target := ref.Target(); target.IsRemote() {
			return strings.TrimPrefix(target.String(), "refs/remotes/origin/")
		}
	}

	for _, candidate := range []string{"main", "master"} {
		if ok, _ := r.HasBranch(candidate); ok {
			return candidate
		}
	}

	if head, err := r.repo.Head(); err == nil && head.Name().IsBranch() {
		return head.Name().Short()
	}
	return "main"
}

// Resolve returns the commit SHA a revision points at.
func (r *Repo) Resolve(rev string) (string, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	return hash.String(), nil
}

// IsAncestor reports whether base is reachable from head.
func (r *Repo) IsAncestor(base, head string) (bool, error) {
	baseHash, err := r.repo.ResolveRevision(plumbing.Revision(base))
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", base, err)
	}
	headHash, err := r.repo.ResolveRevision(plumbing.Revision(head))
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", head, err)
	}
	if *baseHash == *headHash {
		return true, nil
	}

	baseCommit, err := r.repo.CommitObject(*baseHash)
	if err != nil {
		return false, fmt.Errorf("failed to read commit %s: %w", base, err)
	}
	headCommit, err := r.repo.CommitObject(*headHash)
	if err != nil {
		return false, fmt.Errorf("failed to read commit %s: %w", head, err)
	}
	return baseCommit.IsAncestor(headCommit)
}

// FindRepositories walks root and returns every directory containing a .git
// entry, sorted. The walk does not descend into a repository once found.
func FindRepositories(root string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
			found = append(found, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	sort.Strings(found)
	return found, nil
}
