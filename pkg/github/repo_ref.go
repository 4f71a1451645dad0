package github

import (
	"fmt"
	"regexp"
	"strings"
)

// RepoRef identifies a repository by owner and name.
type RepoRef struct {
	Owner string
	Repo  string
}

var (
	// https://github.com/<owner>/<repo>[.git]
	httpsRepoPattern = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+?)(?:\.git)?/?$`)
	// git@github.com:<owner>/<repo>[.git]
	scpRepoPattern = regexp.MustCompile(`^[\w.-]+@[^:]+:([^/]+)/([^/]+?)(?:\.git)?$`)
	// ssh://git@github.com[:port]/<owner>/<repo>[.git]
	sshRepoPattern = regexp.MustCompile(`^ssh://[^/]+/([^/]+)/([^/]+?)(?:\.git)?/?$`)
	// <owner>/<repo>
	slugPattern = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)/([A-Za-z0-9._-]+)$`)
	namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// ParseRepoRef parses a repository reference.
// Supported formats:
//   - https://github.com/<owner>/<repo>[.git]
//   - git@github.com:<owner>/<repo>[.git]
//   - ssh://git@github.com/<owner>/<repo>[.git]
//   - <owner>/<repo>
//   - <repo> (requires defaultOwner)
func ParseRepoRef(ref, defaultOwner string) (*RepoRef, error) {
	ref = strings.TrimSpace(ref)

	for _, p := range []*regexp.Regexp{httpsRepoPattern, scpRepoPattern, sshRepoPattern, slugPattern} {
		if m := p.FindStringSubmatch(ref); m != nil {
			return &RepoRef{Owner: m[1], Repo: m[2]}, nil
		}
	}

	if namePattern.MatchString(ref) {
		if defaultOwner == "" {
			return nil, fmt.Errorf("repository %q has no owner (use owner/repo or set an owner)", ref)
		}
		return &RepoRef{Owner: defaultOwner, Repo: ref}, nil
	}

	return nil, fmt.Errorf("invalid repository reference: %q (supported: owner/repo, https or ssh clone URLs)", ref)
}

// SplitSlug splits "owner/repo".
func SplitSlug(slug string) (owner, repo string, err error) {
	m := slugPattern.FindStringSubmatch(slug)
	if m == nil {
		return "", "", fmt.Errorf("invalid repository slug %q (expected owner/repo)", slug)
	}
	return m[1], m[2], nil
}

// Slug returns "owner/repo".
func (r *RepoRef) Slug() string {
	return r.Owner + "/" + r.Repo
}

// URL returns the GitHub web URL of the repository.
func (r *RepoRef) URL() string {
	return fmt.Sprintf("https://github.com/%s/%s", r.Owner, r.Repo)
}
