package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/holon-run/slam/pkg/sandbox"
	"github.com/holon-run/slam/pkg/target"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Maintain a directory of checkouts laid out as <root>/<owner>/<name>",
}

var (
	sandboxSetupCatalog catalogFlags
	sandboxRefreshRoot  string
	sandboxRefreshFilt  []string
	sandboxLimit        int
)

var sandboxSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Clone the selected repositories under the root, refreshing those already there",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		host, token, err := newHost()
		if err != nil {
			return err
		}
		root, err := sandboxRoot(sandboxSetupCatalog.root)
		if err != nil {
			return err
		}
		// The root is the destination here, never a catalog source.
		tc := sandboxSetupCatalog.config()
		tc.Root = ""
		if tc.Owner == "" && len(tc.Repos) == 0 && tc.ReposFile == "" {
			tc.Owner, _ = cfg().ResolveOwner("")
		}
		cat, err := target.Resolve(cmd.Context(), tc, host)
		if err != nil {
			return err
		}

		sb := sandbox.New(root)
		sb.Token = token
		sb.Prefix, _ = cfg().ResolveSessionPrefix("")
		sb.Limit, _ = cfg().ResolveConcurrency(sandboxLimit)
		statuses, err := sb.Setup(cmd.Context(), cat.Targets)
		return printSandbox(cmd.OutOrStdout(), statuses, err)
	},
}

var sandboxRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch, reset and fast-forward every checkout under the root to its default branch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := sandboxRoot(sandboxRefreshRoot)
		if err != nil {
			return err
		}
		cat, err := target.Resolve(cmd.Context(), target.Config{Root: root, Filters: sandboxRefreshFilt}, nil)
		if err != nil {
			return err
		}

		sb := sandbox.New(root)
		sb.Prefix, _ = cfg().ResolveSessionPrefix("")
		sb.Limit, _ = cfg().ResolveConcurrency(sandboxLimit)
		statuses, err := sb.RefreshAll(cmd.Context(), cat.Targets)
		return printSandbox(cmd.OutOrStdout(), statuses, err)
	},
}

func sandboxRoot(flag string) (string, error) {
	root, _ := cfg().ResolveRoot(flag)
	if root != "" {
		return root, nil
	}
	return os.Getwd()
}

func printSandbox(out io.Writer, statuses []sandbox.Status, runErr error) error {
	branch := color.New(color.FgMagenta).SprintFunc()
	changed := color.New(color.FgGreen, color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	failed := 0
	for _, st := range statuses {
		if st.Err != nil {
			failed++
			fmt.Fprintf(out, "%s %s: %v\n", red("error"), st.Repo, st.Err)
			continue
		}
		sha := dim(st.Short())
		if st.Changed() {
			sha = changed(st.Short())
		}
		line := fmt.Sprintf("%s %s %s", branch(fmt.Sprintf("%-8s", st.Branch)), sha, st.Repo)
		if st.Cloned {
			line += " " + dim("(cloned)")
		}
		if len(st.Pruned) > 0 {
			line += " " + dim("pruned "+strings.Join(st.Pruned, ","))
		}
		fmt.Fprintln(out, line)
	}

	switch {
	case runErr != nil:
		return &exitError{code: 2, err: runErr}
	case failed > 0:
		return &exitError{code: 1}
	}
	return nil
}

func init() {
	sandboxSetupCatalog.register(sandboxSetupCmd)
	sandboxRefreshCmd.Flags().StringVar(&sandboxRefreshRoot, "root", "", "Directory of checkouts (default: configured root, else the current directory)")
	sandboxRefreshCmd.Flags().StringArrayVar(&sandboxRefreshFilt, "filter", nil, "Keep repositories matching name, name prefix, slug or slug prefix (repeatable)")
	sandboxCmd.PersistentFlags().IntVarP(&sandboxLimit, "concurrency", "j", 0, "Repositories handled at once (default 4)")

	sandboxCmd.AddCommand(sandboxSetupCmd, sandboxRefreshCmd)
	rootCmd.AddCommand(sandboxCmd)
}
