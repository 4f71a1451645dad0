package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/holon-run/slam/pkg/discovery"
	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/review"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "List, approve, delete or purge session pull requests",
}

var (
	reviewLsCatalog catalogFlags
	reviewLsLimit   int
)

var reviewLsCmd = &cobra.Command{
	Use:   "ls [PATTERN...]",
	Short: "List open pull requests whose head branch starts with a pattern (default SLAM)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		host, _, err := newHost()
		if err != nil {
			return err
		}
		cat, err := reviewLsCatalog.resolve(ctx, host)
		if err != nil {
			return err
		}
		limit, _ := cfg().ResolveConcurrency(reviewLsLimit)
		listing, err := review.List(ctx, host, cat.Targets, args, limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		head := color.New(color.FgMagenta, color.Bold).SprintFunc()
		dim := color.New(color.Faint).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		for _, g := range listing.Groups {
			fmt.Fprintf(out, "%s (%d)\n", head(g.Head), len(g.PullRequests))
			for _, pr := range g.PullRequests {
				fmt.Fprintf(out, "  %s #%d %s  %s\n", pr.Repo, pr.Number, pr.Title, dim(pr.URL))
			}
		}
		for _, o := range listing.Failed {
			fmt.Fprintf(out, "%s %s: %s\n", red("error"), o.Repo, o.Message)
		}
		if listing.Len() == 0 {
			fmt.Fprintln(out, "No matching pull requests found.")
		}
		if len(listing.Failed) > 0 {
			return &exitError{code: 1}
		}
		return nil
	},
}

var reviewApproveOpts approveOptions

var reviewApproveCmd = &cobra.Command{
	Use:   "approve NAME",
	Short: "Approve and merge the pull requests whose head is exactly NAME",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.Validate(args[0]); err != nil {
			return fmt.Errorf("invalid session: %w", err)
		}
		if reviewApproveOpts.mode == "" {
			reviewApproveOpts.mode = modeRemote
		}
		return runApprove(cmd, &reviewApproveOpts, session.ID(args[0]))
	},
}

var (
	reviewDeleteCatalog catalogFlags
	reviewDeleteRun     runFlags
)

var reviewDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Close the pull requests whose head is exactly NAME and delete their branches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.Validate(args[0]); err != nil {
			return fmt.Errorf("invalid session: %w", err)
		}
		sid := session.ID(args[0])

		host, _, err := newHost()
		if err != nil {
			return err
		}
		cat, err := reviewDeleteCatalog.resolve(cmd.Context(), host)
		if err != nil {
			return err
		}
		return reviewDeleteRun.execute(cmd, "delete", sid, cat, review.DeleteOp(remoteStrategy(host, cat), host, sid))
	},
}

var (
	reviewPurgeCatalog   catalogFlags
	reviewPurgeRun       runFlags
	reviewPurgeOlderThan time.Duration
)

var reviewPurgeCmd = &cobra.Command{
	Use:   "purge [PATTERN...]",
	Short: "Close session pull requests not updated recently and delete their branches",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _, err := newHost()
		if err != nil {
			return err
		}
		cat, err := reviewPurgeCatalog.resolve(cmd.Context(), host)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-reviewPurgeOlderThan)
		return reviewPurgeRun.execute(cmd, "purge", "", cat, review.PurgeOp(remoteStrategy(host, cat), host, args, cutoff))
	},
}

// remoteStrategy is the discovery used by delete and purge, which act on
// hosted pull requests whatever checkouts exist.
func remoteStrategy(host hosting.Client, cat *target.Catalog) discovery.Strategy {
	pages, _ := cfg().ResolveMaxSearchPages(0)
	return discovery.NewRemote(host, searchOwner(cat), pages)
}

func init() {
	reviewLsCatalog.register(reviewLsCmd)
	reviewLsCmd.Flags().IntVarP(&reviewLsLimit, "concurrency", "j", 0, "Repositories listed at once (default 4)")

	reviewApproveOpts.catalog.register(reviewApproveCmd)
	reviewApproveOpts.register(reviewApproveCmd)

	reviewDeleteCatalog.register(reviewDeleteCmd)
	reviewDeleteRun.register(reviewDeleteCmd)

	reviewPurgeCatalog.register(reviewPurgeCmd)
	reviewPurgeRun.register(reviewPurgeCmd)
	reviewPurgeCmd.Flags().DurationVar(&reviewPurgeOlderThan, "older-than", 14*24*time.Hour, "Only purge pull requests not updated for this long")

	reviewCmd.AddCommand(reviewLsCmd, reviewApproveCmd, reviewDeleteCmd, reviewPurgeCmd)
	rootCmd.AddCommand(reviewCmd)
}
