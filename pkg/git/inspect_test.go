package git

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/holon-run/slam/pkg/git/gittest"
)

func TestOpen(t *testing.T) {
	if _, err := Open(gittest.NewRepo(t)); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tests := map[string]string{
		"empty directory": t.TempDir(),
		"missing path":    filepath.Join(t.TempDir(), "nope"),
	}
	for name, dir := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Open(dir); !errors.Is(err, ErrNotRepository) {
				t.Errorf("Open(%s) error = %v, want ErrNotRepository", dir, err)
			}
		})
	}
}

func TestRepo_Branches(t *testing.T) {
	dir := gittest.NewRepo(t)
	gittest.Run(t, dir, "branch", "SLAM-2025-03-04")
	gittest.Run(t, dir, "branch", "SLAM-2025-03-04-extra")

	repo, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	branches, err := repo.Branches()
	if err != nil {
		t.Fatalf("Branches failed: %v", err)
	}
	want := []string{"SLAM-2025-03-04", "SLAM-2025-03-04-extra", "main"}
	if !reflect.DeepEqual(branches, want) {
		t.Errorf("Branches = %v, want %v", branches, want)
	}

	if ok, err := repo.HasBranch("SLAM-2025-03-04"); err != nil || !ok {
		t.Errorf("HasBranch(exact) = %v, %v", ok, err)
	}
	if ok, err := repo.HasBranch("SLAM-2025"); err != nil || ok {
		t.Errorf("HasBranch(prefix) = %v, %v; want false", ok, err)
	}
}

func TestRepo_RemoteAndDefaultBranch(t *testing.T) {
	work, _ := gittest.NewCheckout(t, "git@github.com:org/a.git")
	repo, err := Open(work)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	url, err := repo.RemoteURL("origin")
	if err != nil {
		t.Fatalf("RemoteURL failed: %v", err)
	}
	if url != "git@github.com:org/a.git" {
		t.Errorf("RemoteURL = %q", url)
	}

	if got := repo.DefaultBranch(); got != "main" {
		t.Errorf("DefaultBranch = %q, want main", got)
	}

	if _, err := repo.RemoteURL("upstream"); err == nil {
		t.Error("expected error for a missing remote")
	}
}

func TestRepo_DefaultBranchWithoutOrigin(t *testing.T) {
	dir := t.TempDir()
	gittest.Init(t, dir)
	gittest.Run(t, dir, "symbolic-ref", "HEAD", "refs/heads/trunk")
	gittest.CommitFile(t, dir, "a.txt", "a\n", "init")

	repo, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := repo.DefaultBranch(); got != "trunk" {
		t.Errorf("DefaultBranch = %q, want trunk", got)
	}
}

func TestRepo_IsAncestor(t *testing.T) {
	dir := gittest.NewRepo(t)
	base := gittest.Run(t, dir, "rev-parse", "HEAD")
	gittest.Run(t, dir, "checkout", "--quiet", "-b", "side")
	side := gittest.CommitFile(t, dir, "s.txt", "s\n", "side")
	gittest.Run(t, dir, "checkout", "--quiet", "main")
	other := gittest.CommitFile(t, dir, "o.txt", "o\n", "other")

	repo, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tests := []struct {
		base, head string
		want       bool
	}{
		{base, side, true},
		{base, base, true},
		{side, base, false},
		{side, other, false},
	}
	for _, tt := range tests {
		got, err := repo.IsAncestor(tt.base, tt.head)
		if err != nil {
			t.Fatalf("IsAncestor failed: %v", err)
		}
		if got != tt.want {
			t.Errorf("IsAncestor(%s, %s) = %v, want %v", tt.base[:7], tt.head[:7], got, tt.want)
		}
	}

	if sha, err := repo.Resolve("side"); err != nil || sha != side {
		t.Errorf("Resolve(side) = %s, %v", sha, err)
	}
}

func TestFindRepositories(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"org/a", "org/b", "other/c"} {
		gittest.Init(t, filepath.Join(root, name))
	}
	// Not repositories.
	if err := os.MkdirAll(filepath.Join(root, "org", "plain"), 0o755); err != nil {
		t.Fatal(err)
	}
	gittest.Init(t, filepath.Join(root, ".hidden", "d"))
	// Nested repositories inside a repository are not reported.
	gittest.Init(t, filepath.Join(root, "org", "a", "vendor", "nested"))

	found, err := FindRepositories(root)
	if err != nil {
		t.Fatalf("FindRepositories failed: %v", err)
	}
	want := []string{
		filepath.Join(root, "org", "a"),
		filepath.Join(root, "org", "b"),
		filepath.Join(root, "other", "c"),
	}
	if !reflect.DeepEqual(found, want) {
		t.Errorf("FindRepositories = %v, want %v", found, want)
	}

	if _, err := FindRepositories(filepath.Join(root, "missing")); err == nil {
		t.Error("expected error for a missing root")
	}
}
