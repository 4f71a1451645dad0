package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/holon-run/slam/pkg/batch"
	"github.com/holon-run/slam/pkg/config"
	"github.com/holon-run/slam/pkg/github"
	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/outcome"
	"github.com/holon-run/slam/pkg/report"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

// APIURLEnv overrides the GitHub API base URL, for GitHub Enterprise.
const APIURLEnv = "SLAM_GITHUB_API_URL"

// Discovery and publish modes.
const (
	modeLocal  = "local"
	modeRemote = "remote"
)

func exitCodeFor(err error) int {
	if outcome.IsFatal(err) {
		return 2
	}
	return 1
}

func cfg() *config.ProjectConfig {
	if projectCfg == nil {
		projectCfg = &config.ProjectConfig{}
	}
	return projectCfg
}

// newHost builds the throttled GitHub client shared by every unit of a run.
func newHost() (hosting.Client, string, error) {
	token, source := github.GetTokenFromEnv()
	if token == "" {
		return nil, "", outcome.Errorf(outcome.AuthError, "%s or %s environment variable is required", github.SlamTokenEnv, github.TokenEnv)
	}
	log.Debug("using GitHub token", "source", source)

	var opts []github.ClientOption
	if url := strings.TrimSpace(os.Getenv(APIURLEnv)); url != "" {
		opts = append(opts, github.WithBaseURL(url))
	}
	client := github.NewClient(token, opts...)

	c := cfg()
	retry := hosting.DefaultRetryPolicy()
	if c.Retry.MaxAttempts > 0 {
		retry.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.InitialInterval > 0 {
		retry.InitialInterval = c.Retry.InitialInterval
	}
	if c.Retry.MaxInterval > 0 {
		retry.MaxInterval = c.Retry.MaxInterval
	}
	budget := hosting.NewBudget(c.RatePerSecond(), c.RateBurst())
	return hosting.NewThrottled(client, budget, retry), token, nil
}

// catalogFlags select the repositories of a run.
type catalogFlags struct {
	owner           string
	repos           []string
	reposFile       string
	root            string
	glob            string
	filters         []string
	includeArchived bool
}

func (f *catalogFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.owner, "owner", "", "Organization or user whose repositories are targeted")
	fs.StringArrayVar(&f.repos, "repo", nil, "Repository slug owner/name (repeatable)")
	fs.StringVar(&f.reposFile, "repos-file", "", "yaml file listing repository slugs")
	fs.StringVar(&f.root, "root", "", "Directory of local checkouts laid out as <root>/<owner>/<name>")
	fs.StringVar(&f.glob, "glob", "", "Restrict owner listings to repository names matching this glob")
	fs.StringArrayVar(&f.filters, "filter", nil, "Keep repositories matching name, name prefix, slug or slug prefix (repeatable)")
	fs.BoolVar(&f.includeArchived, "include-archived", false, "Keep archived repositories in owner listings")
}

func (f *catalogFlags) config() target.Config {
	c := cfg()
	owner, _ := c.ResolveOwner(f.owner)
	reposFile, _ := c.ResolveReposFile(f.reposFile)
	root, _ := c.ResolveRoot(f.root)

	tc := target.Config{
		Repos:           f.repos,
		ReposFile:       reposFile,
		Root:            root,
		Glob:            f.glob,
		Filters:         f.filters,
		IncludeArchived: f.includeArchived,
	}
	// A configured owner only drives the listing when nothing more specific was given.
	if f.owner != "" || (len(f.repos) == 0 && reposFile == "" && f.root == "") {
		tc.Owner = owner
	}
	return tc
}

// needsHost reports whether resolving the catalog calls the host.
func (f *catalogFlags) needsHost() bool {
	tc := f.config()
	return len(tc.Repos) == 0 && tc.ReposFile == "" && tc.Owner != ""
}

func (f *catalogFlags) resolve(ctx context.Context, lister target.OwnerLister) (*target.Catalog, error) {
	return target.Resolve(ctx, f.config(), lister)
}

// sessionFlags derive the session id of a run.
type sessionFlags struct {
	branch string
	prefix string
	suffix string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.branch, "branch", "", "Session id used verbatim as branch and pull request head")
	fs.StringVar(&f.prefix, "prefix", "", "Prefix of generated session ids (default SLAM)")
	fs.StringVar(&f.suffix, "suffix", "", "Suffix appended to generated session ids")
}

func (f *sessionFlags) derive() (session.ID, error) {
	c := cfg()
	prefix, _ := c.ResolveSessionPrefix(f.prefix)
	suffix, _ := c.ResolveSessionSuffix(f.suffix)
	sid, err := session.Derive(session.Options{Explicit: f.branch, Prefix: prefix, Suffix: suffix})
	if err != nil {
		return "", fmt.Errorf("invalid session: %w", err)
	}
	return sid, nil
}

// runFlags are the execution settings shared by batch commands.
type runFlags struct {
	concurrency int
	reportJSON  string
	verbose     bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVarP(&f.concurrency, "concurrency", "j", 0, "Repositories worked on at once (default 4)")
	fs.StringVar(&f.reportJSON, "report-json", "", "Also write the result as JSON to this file")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Show outcome details for skipped repositories")
}

// execute runs op over the catalog, prints the report and returns an
// exitError unless every outcome succeeded.
func (f *runFlags) execute(cmd *cobra.Command, name string, sid session.ID, cat *target.Catalog, op batch.Op) error {
	limit, _ := cfg().ResolveConcurrency(f.concurrency)
	log.Info("starting batch", "operation", name, "session", sid, "repositories", cat.Len(), "concurrency", limit)

	start := time.Now()
	res := batch.Run(cmd.Context(), cat.Targets, op, batch.Options{Limit: limit, Operation: name, Session: sid})
	log.Info("batch finished", "operation", name, "status", res.Status, "elapsed", time.Since(start).Round(time.Millisecond))

	r := report.New(cmd.OutOrStdout())
	r.Verbose = f.verbose
	code := r.Print(res)

	if f.reportJSON != "" {
		if err := report.WriteJSON(f.reportJSON, res); err != nil {
			return &exitError{code: max(code, 1), err: err}
		}
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}
