package target

import (
	"fmt"
	"path"
	"strings"
)

// Filter narrows targets by patterns, trying four levels in order and
// returning the first level that matches anything:
//
//  1. exact repository name
//  2. repository name prefix
//  3. exact slug
//  4. slug prefix
//
// Input order is preserved. No patterns returns targets unchanged.
func Filter(targets []RepoTarget, patterns []string) []RepoTarget {
	if len(patterns) == 0 {
		return targets
	}

	levels := []func(t RepoTarget, p string) bool{
		func(t RepoTarget, p string) bool { return t.Name() == p },
		func(t RepoTarget, p string) bool { return strings.HasPrefix(t.Name(), p) },
		func(t RepoTarget, p string) bool { return t.Slug == p },
		func(t RepoTarget, p string) bool { return strings.HasPrefix(t.Slug, p) },
	}

	for _, match := range levels {
		var out []RepoTarget
		for _, t := range targets {
			for _, p := range patterns {
				if match(t, p) {
					out = append(out, t)
					break
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// GlobFilter keeps targets whose repository name matches pattern.
func GlobFilter(targets []RepoTarget, pattern string) ([]RepoTarget, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}

	var out []RepoTarget
	for _, t := range targets {
		if ok, _ := path.Match(pattern, t.Name()); ok {
			out = append(out, t)
		}
	}
	return out, nil
}
