// Package session derives the branch name that correlates a create run with
// the approve run that follows it.
package session

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultPrefix starts every generated session id.
const DefaultPrefix = "SLAM"

// ID is used verbatim as the branch name and pull request head.
type ID string

func (id ID) String() string { return string(id) }

// Clock returns the current time.
type Clock func() time.Time

// Options controls derivation.
type Options struct {
	// Explicit, when set, is validated and used as is.
	Explicit string
	// Prefix defaults to DefaultPrefix.
	Prefix string
	// Suffix is appended as -<suffix> when set.
	Suffix string
	// Clock defaults to time.Now.
	Clock Clock
}

// Branch names allowed by the hosts slam talks to, restricted to characters
// that need no quoting in refs, URLs or search queries.
var (
	safePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)
	partPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Derive returns the session id for a run.
//
// Without an explicit value the id is <prefix>-<YYYY-MM-DD>[-<suffix>] in the
// local date, so runs on the same day share an id and a second run resumes
// what the first started.
func Derive(opts Options) (ID, error) {
	if opts.Explicit != "" {
		if err := Validate(opts.Explicit); err != nil {
			return "", err
		}
		return ID(opts.Explicit), nil
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !partPattern.MatchString(prefix) {
		return "", fmt.Errorf("invalid session prefix %q", prefix)
	}
	if opts.Suffix != "" && !partPattern.MatchString(opts.Suffix) {
		return "", fmt.Errorf("invalid session suffix %q", opts.Suffix)
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	id := prefix + "-" + clock().Format(time.DateOnly)
	if opts.Suffix != "" {
		id += "-" + opts.Suffix
	}
	return ID(id), nil
}

// Validate checks that name is a safe branch name.
func Validate(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("session id is empty")
	case len(name) > 200:
		return fmt.Errorf("session id %q is longer than 200 characters", name)
	case !safePattern.MatchString(name):
		return fmt.Errorf("session id %q may only contain letters, digits, '.', '_', '-' and '/'", name)
	case strings.Contains(name, ".."), strings.Contains(name, "//"),
		strings.HasSuffix(name, "/"), strings.HasSuffix(name, "."),
		strings.HasSuffix(name, ".lock"), strings.Contains(name, "/."):
		return fmt.Errorf("session id %q is not a valid branch name", name)
	}
	return nil
}

// Matches reports whether head is exactly this session's branch.
func (id ID) Matches(head string) bool {
	return head == string(id)
}
