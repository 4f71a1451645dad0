package mutation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ChangeKind selects how matched files are edited.
type ChangeKind string

const (
	// Substitute replaces every occurrence of a literal string.
	Substitute ChangeKind = "sub"
	// RegexReplace replaces every regular expression match; the replacement
	// may reference groups as $1 or ${name}.
	RegexReplace ChangeKind = "regex"
	// Delete removes matched files.
	Delete ChangeKind = "delete"
)

// Change is one edit applied to every matched file.
type Change struct {
	Kind        ChangeKind
	Pattern     string
	Replacement string

	re *regexp.Regexp
}

// NewChange validates and compiles a change.
func NewChange(kind ChangeKind, pattern, replacement string) (Change, error) {
	c := Change{Kind: kind, Pattern: pattern, Replacement: replacement}
	switch kind {
	case Substitute:
		if pattern == "" {
			return Change{}, fmt.Errorf("substitution pattern is empty")
		}
	case RegexReplace:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Change{}, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		c.re = re
	case Delete:
	default:
		return Change{}, fmt.Errorf("unknown change kind %q", kind)
	}
	return c, nil
}

// Edit returns the new content and whether it differs from content.
// Delete never edits content.
func (c Change) Edit(content string) (string, bool) {
	var updated string
	switch c.Kind {
	case Substitute:
		if !strings.Contains(content, c.Pattern) {
			return content, false
		}
		updated = strings.ReplaceAll(content, c.Pattern, c.Replacement)
	case RegexReplace:
		if !c.re.MatchString(content) {
			return content, false
		}
		updated = c.re.ReplaceAllString(content, c.Replacement)
	default:
		return content, false
	}
	return updated, updated != content
}

func (c Change) String() string {
	switch c.Kind {
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("%s %q -> %q", c.Kind, c.Pattern, c.Replacement)
	}
}

// lineDiff renders the changed lines of one file.
func lineDiff(name, before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", name, name)
	for _, d := range diffs {
		var mark string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			mark = "-"
		case diffmatchpatch.DiffInsert:
			mark = "+"
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(mark + strings.TrimSuffix(line, "\n") + "\n")
		}
	}
	return sb.String()
}
