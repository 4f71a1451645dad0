// Package gittest builds throwaway git repositories for tests using the git binary.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Run runs git -C dir args... and returns trimmed stdout+stderr, failing the test on error.
func Run(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test User",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test User",
		"GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v, output: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// Init initializes dir as a repository whose unborn branch is main.
func Init(t *testing.T, dir string) {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	Run(t, dir, "init", "--quiet")
	Run(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	Run(t, dir, "config", "user.name", "Test User")
	Run(t, dir, "config", "user.email", "test@example.com")
	Run(t, dir, "config", "commit.gpgsign", "false")
}

// NewRepo creates a repository with one commit on main and returns its path.
func NewRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	Init(t, dir)
	CommitFile(t, dir, "README.md", "test readme\n", "initial commit")
	return dir
}

// NewBare creates a bare repository whose HEAD points at main.
func NewBare(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	Run(t, dir, "init", "--bare", "--quiet")
	Run(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	return dir
}

// WriteFile writes content to dir/name, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()

	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// CommitFile writes a file, commits it, and returns the new HEAD SHA.
func CommitFile(t *testing.T, dir, name, content, message string) string {
	t.Helper()

	WriteFile(t, dir, name, content)
	Run(t, dir, "add", "-A")
	Run(t, dir, "commit", "--quiet", "-m", message)
	return Run(t, dir, "rev-parse", "HEAD")
}

// NewCheckout creates a bare "remote" and a working clone of it whose origin
// is the bare repository and whose origin/HEAD is main. It returns the working
// directory and the bare repository path.
func NewCheckout(t *testing.T, originURL string) (work, bare string) {
	t.Helper()

	bare = NewBare(t)
	work = filepath.Join(t.TempDir(), "work")
	Init(t, work)
	CommitFile(t, work, "README.md", "test readme\n", "initial commit")
	Run(t, work, "remote", "add", "origin", bare)
	Run(t, work, "push", "--quiet", "-u", "origin", "main")
	Run(t, work, "remote", "set-head", "origin", "main")
	if originURL != "" {
		// Pushes still go to the bare repository.
		Run(t, work, "remote", "set-url", "origin", originURL)
		Run(t, work, "remote", "set-url", "--push", "origin", bare)
	}
	return work, bare
}
