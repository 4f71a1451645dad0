package main

import (
	"github.com/spf13/cobra"

	"github.com/holon-run/slam/pkg/approval"
	"github.com/holon-run/slam/pkg/batch"
	"github.com/holon-run/slam/pkg/discovery"
	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/session"
	"github.com/holon-run/slam/pkg/target"
)

// approveOptions are the settings of one approve run.
type approveOptions struct {
	catalog      catalogFlags
	session      sessionFlags
	run          runFlags
	mode         string
	mergeMethod  string
	deleteBranch bool
	maxPages     int
}

func (o *approveOptions) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&o.mode, "mode", "", "local finds sessions from checkout branches, remote asks the host (default: local for checkouts found under --root)")
	fs.StringVar(&o.mergeMethod, "merge-method", "", "squash, merge or rebase (default squash)")
	fs.BoolVar(&o.deleteBranch, "delete-branch", false, "Delete the head branch after merging")
	fs.IntVar(&o.maxPages, "max-search-pages", 0, "Pages of owner-wide search results read before falling back to per-repository queries (default 10)")
	o.run.register(cmd)
}

var approveOpts approveOptions

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve and merge the pull requests of a session",
	Long: `Find the pull request whose head branch is exactly the session id in every
selected repository, approve it unless you already have, and merge it.

Already merged pull requests are reported as approved; closed ones and
repositories without a session pull request are skipped. Running approve
again never approves or merges twice.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sid, err := approveOpts.session.derive()
		if err != nil {
			return err
		}
		return runApprove(cmd, &approveOpts, sid)
	},
}

func init() {
	approveOpts.catalog.register(approveCmd)
	approveOpts.session.register(approveCmd)
	approveOpts.register(approveCmd)
	rootCmd.AddCommand(approveCmd)
}

// newStrategy picks the discovery strategy for the catalog.
func newStrategy(mode string, cat *target.Catalog, host hosting.Client, maxPages int) (discovery.Strategy, error) {
	mode, err := resolveMode(mode, cat)
	if err != nil {
		return nil, err
	}
	if mode == modeLocal {
		return discovery.NewLocal(host), nil
	}
	pages, _ := cfg().ResolveMaxSearchPages(maxPages)
	return discovery.NewRemote(host, searchOwner(cat), pages), nil
}

// searchOwner returns the owner whose pull requests may be indexed in one
// search. Explicit and filesystem catalogs are queried repository by repository.
func searchOwner(cat *target.Catalog) string {
	if cat.Kind != target.KindOwner {
		return ""
	}
	return cat.Owner
}

func runApprove(cmd *cobra.Command, o *approveOptions, sid session.ID) error {
	ctx := cmd.Context()

	host, _, err := newHost()
	if err != nil {
		return err
	}
	cat, err := o.catalog.resolve(ctx, host)
	if err != nil {
		return err
	}
	strategy, err := newStrategy(o.mode, cat, host, o.maxPages)
	if err != nil {
		return err
	}

	methodName, _ := cfg().ResolveMergeMethod(o.mergeMethod)
	method, err := hosting.ParseMergeMethod(methodName)
	if err != nil {
		return err
	}
	deleteBranch, _ := cfg().ResolveDeleteBranch(o.deleteBranch, cmd.Flags().Changed("delete-branch"))

	exec := approval.NewExecutor(host, method)
	exec.DeleteBranch = deleteBranch
	log.Debug("approve", "session", sid, "method", method, "delete_branch", deleteBranch, "repositories", cat.Len())

	return o.run.execute(cmd, "approve", sid, cat, batch.ApproveOp(strategy, exec, sid))
}
