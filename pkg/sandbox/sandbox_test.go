package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/holon-run/slam/pkg/git/gittest"
	"github.com/holon-run/slam/pkg/target"
)

// newRemote returns a bare repository with one commit on main and a working
// clone used to push further commits to it.
func newRemote(t *testing.T) (upstream, bare string) {
	t.Helper()
	return gittest.NewCheckout(t, "")
}

func newSandbox(t *testing.T, remotes map[string]string) *Sandbox {
	t.Helper()
	s := New(t.TempDir())
	s.CloneURL = func(slug string) string { return remotes[slug] }
	return s
}

func TestSetup_ClonesMissingCheckouts(t *testing.T) {
	upA, bareA := newRemote(t)
	_, bareB := newRemote(t)
	s := newSandbox(t, map[string]string{"org/a": bareA, "org/b": bareB})

	targets := []target.RepoTarget{{Slug: "org/a"}, {Slug: "org/b"}}
	statuses, err := s.Setup(context.Background(), targets)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}

	for i, st := range statuses {
		if st.Err != nil {
			t.Fatalf("%s: %v", st.Repo, st.Err)
		}
		if st.Repo != targets[i].Slug || !st.Cloned {
			t.Errorf("status %d = %+v", i, st)
		}
		if _, err := os.Stat(filepath.Join(s.Root, targets[i].Slug, ".git")); err != nil {
			t.Errorf("%s not cloned under root: %v", st.Repo, err)
		}
	}
	if want := gittest.Run(t, upA, "rev-parse", "HEAD"); statuses[0].After != want {
		t.Errorf("After = %s, want %s", statuses[0].After, want)
	}
	if statuses[0].Branch != "main" {
		t.Errorf("Branch = %q, want main", statuses[0].Branch)
	}
}

func TestSetup_RefreshesExistingCheckouts(t *testing.T) {
	up, bare := newRemote(t)
	s := newSandbox(t, map[string]string{"org/a": bare})
	targets := []target.RepoTarget{{Slug: "org/a"}}

	if _, err := s.Setup(context.Background(), targets); err != nil {
		t.Fatalf("first Setup() error: %v", err)
	}
	want := gittest.CommitFile(t, up, "CHANGELOG.md", "v2\n", "second commit")
	gittest.Run(t, up, "push", "--quiet", "origin", "main")

	statuses, err := s.Setup(context.Background(), targets)
	if err != nil {
		t.Fatalf("second Setup() error: %v", err)
	}
	st := statuses[0]
	if st.Err != nil {
		t.Fatalf("refresh failed: %v", st.Err)
	}
	if st.Cloned {
		t.Error("existing checkout was cloned again")
	}
	if !st.Changed() || st.After != want {
		t.Errorf("After = %s (changed %v), want %s", st.After, st.Changed(), want)
	}
	if len(st.Short()) != 7 {
		t.Errorf("Short() = %q", st.Short())
	}
}

func TestSetup_CloneFailure(t *testing.T) {
	s := newSandbox(t, map[string]string{"org/a": filepath.Join(t.TempDir(), "missing")})

	statuses, err := s.Setup(context.Background(), []target.RepoTarget{{Slug: "org/a"}})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if statuses[0].Err == nil {
		t.Fatal("expected clone error")
	}
	if _, err := os.Stat(filepath.Join(s.Root, "org", "a")); !os.IsNotExist(err) {
		t.Errorf("failed clone left a directory behind: %v", err)
	}
}

func TestRefresh_ResetsToDefaultBranch(t *testing.T) {
	_, bare := newRemote(t)
	s := newSandbox(t, map[string]string{"org/a": bare})
	if _, err := s.Setup(context.Background(), []target.RepoTarget{{Slug: "org/a"}}); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(s.Root, "org", "a")

	gittest.Run(t, dir, "checkout", "--quiet", "-b", "scratch")
	gittest.WriteFile(t, dir, "README.md", "local edit\n")
	gittest.WriteFile(t, dir, "untracked.txt", "junk\n")

	st := s.Refresh(context.Background(), dir)
	if st.Err != nil {
		t.Fatalf("Refresh() error: %v", st.Err)
	}
	if branch := gittest.Run(t, dir, "rev-parse", "--abbrev-ref", "HEAD"); branch != "main" {
		t.Errorf("checked out %q, want main", branch)
	}
	if out := gittest.Run(t, dir, "status", "--porcelain"); out != "" {
		t.Errorf("worktree not clean after refresh:\n%s", out)
	}
	if st.Changed() {
		t.Errorf("HEAD moved from %s to %s without upstream changes", st.Before, st.After)
	}
}

func TestRefresh_PrunesSessionBranches(t *testing.T) {
	_, bare := newRemote(t)
	s := newSandbox(t, map[string]string{"org/a": bare})
	if _, err := s.Setup(context.Background(), []target.RepoTarget{{Slug: "org/a"}}); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(s.Root, "org", "a")
	gittest.Run(t, dir, "config", "user.name", "Test User")
	gittest.Run(t, dir, "config", "user.email", "test@example.com")

	// Merged into main, then deleted on the remote.
	gittest.Run(t, dir, "branch", "SLAM-2025-03-01")
	gittest.Run(t, dir, "push", "--quiet", "origin", "SLAM-2025-03-01")
	gittest.Run(t, bare, "branch", "-D", "SLAM-2025-03-01")

	// Holds a commit main lacks, then deleted on the remote.
	gittest.Run(t, dir, "checkout", "--quiet", "-b", "SLAM-2025-03-02")
	gittest.CommitFile(t, dir, "x.txt", "x\n", "unmerged work")
	gittest.Run(t, dir, "push", "--quiet", "origin", "SLAM-2025-03-02")
	gittest.Run(t, bare, "branch", "-D", "SLAM-2025-03-02")

	// Still on the remote.
	gittest.Run(t, dir, "checkout", "--quiet", "main")
	gittest.Run(t, dir, "branch", "SLAM-2025-03-04")
	gittest.Run(t, dir, "push", "--quiet", "origin", "SLAM-2025-03-04")

	// Not a session branch.
	gittest.Run(t, dir, "branch", "feature")

	st := s.Refresh(context.Background(), dir)
	if st.Err != nil {
		t.Fatalf("Refresh() error: %v", st.Err)
	}
	if want := []string{"SLAM-2025-03-01"}; !reflect.DeepEqual(st.Pruned, want) {
		t.Errorf("Pruned = %q, want %q", st.Pruned, want)
	}
	if want := []string{"SLAM-2025-03-02"}; !reflect.DeepEqual(st.Kept, want) {
		t.Errorf("Kept = %q, want %q", st.Kept, want)
	}
	branches := gittest.Run(t, dir, "branch", "--format=%(refname:short)")
	if want := "SLAM-2025-03-02\nSLAM-2025-03-04\nfeature\nmain"; branches != want {
		t.Errorf("branches =\n%s\nwant\n%s", branches, want)
	}
}

func TestRefreshAll_RequiresCheckout(t *testing.T) {
	s := New(t.TempDir())
	statuses, err := s.RefreshAll(context.Background(), []target.RepoTarget{{Slug: "org/a"}})
	if err != nil {
		t.Fatalf("RefreshAll() error: %v", err)
	}
	if statuses[0].Err == nil {
		t.Error("expected an error for a target without a checkout")
	}
}
