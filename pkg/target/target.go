// Package target resolves the catalog of repositories a run operates on.
package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/holon-run/slam/pkg/git"
	"github.com/holon-run/slam/pkg/github"
	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/outcome"
)

// RepoTarget is one repository under management. Identity is the slug.
type RepoTarget struct {
	Slug string `json:"slug"`
	// LocalPath is the checkout directory, empty when the repo has none.
	LocalPath     string `json:"local_path,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// Owner returns the owner half of the slug.
func (t RepoTarget) Owner() string {
	owner, _, _ := strings.Cut(t.Slug, "/")
	return owner
}

// Name returns the repository half of the slug.
func (t RepoTarget) Name() string {
	_, name, _ := strings.Cut(t.Slug, "/")
	return name
}

// Kind identifies which source produced a catalog.
type Kind string

const (
	KindExplicit   Kind = "explicit"
	KindOwner      Kind = "owner"
	KindFilesystem Kind = "filesystem"
)

// Catalog is the resolved, ordered, duplicate-free set of targets for one run.
type Catalog struct {
	Targets []RepoTarget
	Kind    Kind
	// Owner is set when every target belongs to one owner listed through the host.
	Owner string
	// Local reports that the source requires local-mode discovery.
	Local bool
}

// Len returns the number of targets.
func (c *Catalog) Len() int { return len(c.Targets) }

// Slugs returns the target slugs in catalog order.
func (c *Catalog) Slugs() []string {
	out := make([]string, len(c.Targets))
	for i, t := range c.Targets {
		out[i] = t.Slug
	}
	return out
}

// Config selects and shapes the catalog source.
//
// Exactly one source is used, in this order: explicit slugs (Repos and
// ReposFile), then Owner, then Root. When Root is set alongside another
// source it only supplies local checkouts laid out as <root>/<owner>/<name>.
type Config struct {
	Repos     []string
	ReposFile string
	Owner     string
	Root      string
	// Glob restricts owner listings by repository name (path.Match syntax).
	Glob string
	// Filters narrow the resolved set; see Filter.
	Filters []string
	// IncludeArchived keeps archived repositories in owner listings.
	IncludeArchived bool
}

// OwnerLister lists the repositories of an owner.
type OwnerLister interface {
	ListOwnerRepos(ctx context.Context, owner string) ([]hosting.Repository, error)
}

// Resolve builds the catalog described by cfg. lister may be nil unless
// cfg selects the owner source. Every failure is a CatalogError, except hosting
// authentication and rate-limit failures, which keep their own fatal kind.
func Resolve(ctx context.Context, cfg Config, lister OwnerLister) (*Catalog, error) {
	var (
		cat *Catalog
		err error
	)

	switch {
	case len(cfg.Repos) > 0 || cfg.ReposFile != "":
		cat, err = resolveExplicit(cfg)
	case cfg.Owner != "":
		cat, err = resolveOwner(ctx, cfg, lister)
	case cfg.Root != "":
		cat, err = resolveFilesystem(cfg.Root)
	default:
		return nil, outcome.Errorf(outcome.CatalogError, "no repository source configured: use --repo, --owner, --root or a repos file")
	}
	if err != nil {
		return nil, err
	}

	if cat.Kind != KindFilesystem && cfg.Root != "" {
		attachCheckouts(cat, cfg.Root)
	}

	if len(cfg.Filters) > 0 {
		cat.Targets = Filter(cat.Targets, cfg.Filters)
	}
	if len(cat.Targets) == 0 {
		return nil, outcome.Errorf(outcome.CatalogError, "no repositories matched the %s source", cat.Kind)
	}

	log.Debug("resolved catalog", "kind", cat.Kind, "count", len(cat.Targets), "local", cat.Local)
	return cat, nil
}

func resolveExplicit(cfg Config) (*Catalog, error) {
	slugs := append([]string(nil), cfg.Repos...)
	if cfg.ReposFile != "" {
		fromFile, err := LoadReposFile(cfg.ReposFile)
		if err != nil {
			return nil, outcome.Wrap(outcome.CatalogError, err)
		}
		slugs = append(slugs, fromFile...)
	}

	var targets []RepoTarget
	for _, s := range slugs {
		ref, err := github.ParseRepoRef(s, cfg.Owner)
		if err != nil {
			return nil, outcome.Wrap(outcome.CatalogError, err)
		}
		targets = append(targets, RepoTarget{Slug: ref.Slug()})
	}

	return &Catalog{Targets: dedupe(targets), Kind: KindExplicit, Owner: commonOwner(targets)}, nil
}

func resolveOwner(ctx context.Context, cfg Config, lister OwnerLister) (*Catalog, error) {
	if lister == nil {
		return nil, outcome.Errorf(outcome.CatalogError, "owner %s requires a hosting client", cfg.Owner)
	}

	repos, err := lister.ListOwnerRepos(ctx, cfg.Owner)
	if err != nil {
		if hosting.IsUnauthorized(err) || hosting.IsRateLimited(err) {
			return nil, err
		}
		return nil, outcome.Wrap(outcome.CatalogError, fmt.Errorf("failed to list repositories of %s: %w", cfg.Owner, err))
	}

	var targets []RepoTarget
	for _, r := range repos {
		if r.Archived && !cfg.IncludeArchived {
			log.Debug("skipping archived repository", "repo", r.Slug)
			continue
		}
		targets = append(targets, RepoTarget{Slug: r.Slug, DefaultBranch: r.DefaultBranch})
	}
	if cfg.Glob != "" {
		if targets, err = GlobFilter(targets, cfg.Glob); err != nil {
			return nil, outcome.Wrap(outcome.CatalogError, err)
		}
	}

	return &Catalog{Targets: dedupe(targets), Kind: KindOwner, Owner: cfg.Owner}, nil
}

func resolveFilesystem(root string) (*Catalog, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, outcome.Wrap(outcome.CatalogError, fmt.Errorf("checkout root: %w", err))
	}
	if !info.IsDir() {
		return nil, outcome.Errorf(outcome.CatalogError, "checkout root %s is not a directory", root)
	}

	dirs, err := git.FindRepositories(root)
	if err != nil {
		return nil, outcome.Wrap(outcome.CatalogError, err)
	}

	var targets []RepoTarget
	for _, dir := range dirs {
		t, err := targetFromCheckout(root, dir)
		if err != nil {
			log.Warn("ignoring checkout", "path", dir, "error", err)
			continue
		}
		targets = append(targets, t)
	}

	return &Catalog{Targets: dedupe(targets), Kind: KindFilesystem, Owner: commonOwner(targets), Local: true}, nil
}

// targetFromCheckout derives the slug from the origin remote, falling back
// to the <owner>/<name> directory layout under root.
func targetFromCheckout(root, dir string) (RepoTarget, error) {
	repo, err := git.Open(dir)
	if err != nil {
		return RepoTarget{}, err
	}

	var slug string
	if url, err := repo.RemoteURL("origin"); err == nil {
		if ref, err := github.ParseRepoRef(url, ""); err == nil {
			slug = ref.Slug()
		}
	}
	if slug == "" {
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			return RepoTarget{}, err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 2 {
			return RepoTarget{}, errors.New("no origin remote and not laid out as <owner>/<name>")
		}
		slug = parts[0] + "/" + parts[1]
	}

	return RepoTarget{Slug: slug, LocalPath: dir, DefaultBranch: repo.DefaultBranch()}, nil
}

// attachCheckouts fills LocalPath for targets that have a checkout at
// <root>/<owner>/<name>. Targets without one keep an empty LocalPath.
func attachCheckouts(cat *Catalog, root string) {
	for i := range cat.Targets {
		t := &cat.Targets[i]
		dir := filepath.Join(root, t.Owner(), t.Name())
		repo, err := git.Open(dir)
		if err != nil {
			continue
		}
		t.LocalPath = dir
		if t.DefaultBranch == "" {
			t.DefaultBranch = repo.DefaultBranch()
		}
	}
}

func dedupe(targets []RepoTarget) []RepoTarget {
	seen := make(map[string]bool, len(targets))
	out := targets[:0]
	for _, t := range targets {
		if seen[t.Slug] {
			continue
		}
		seen[t.Slug] = true
		out = append(out, t)
	}
	return out
}

func commonOwner(targets []RepoTarget) string {
	owner := ""
	for i, t := range targets {
		if i == 0 {
			owner = t.Owner()
			continue
		}
		if t.Owner() != owner {
			return ""
		}
	}
	return owner
}
