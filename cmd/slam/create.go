package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holon-run/slam/pkg/batch"
	"github.com/holon-run/slam/pkg/hosting"
	"github.com/holon-run/slam/pkg/log"
	"github.com/holon-run/slam/pkg/mutation"
	"github.com/holon-run/slam/pkg/publisher"
	"github.com/holon-run/slam/pkg/target"
)

var (
	createCatalog catalogFlags
	createSession sessionFlags
	createRun     runFlags

	createFiles  []string
	createSub    string
	createRegex  string
	createDelete bool
	createCommit string
	createMode   string
	createDryRun bool
	createTitle  string
	createBody   string
)

var createCmd = &cobra.Command{
	Use:   "create [flags] [REPLACEMENT]",
	Short: "Apply a change to every selected repository and open one pull request each",
	Long: `Apply a file change to every selected repository, commit it on the session
branch, push that branch and open a pull request for it.

The change is one of:
  --sub PATTERN REPLACEMENT     replace a literal string
  --regex PATTERN REPLACEMENT   replace regular expression matches
  --delete                      delete the matched files

Without a change, or with --dry-run, the selected repositories and matched
files are listed and nothing is written.

Running create again on the same day reuses the session branch: repositories
whose pull request is already open are reported as "pr exists".`,
	Example: `  slam create --owner acme --files go.mod --sub 'go 1.22' 'go 1.24'
  slam create --root ~/src --files '*.md' --regex 'Copyright \d+' 'Copyright 2025'
  slam create --repo acme/api --repo acme/web --files legacy.cfg --delete`,
	Args: func(cmd *cobra.Command, args []string) error {
		if createSub != "" || createRegex != "" {
			if len(args) != 1 {
				return errors.New("--sub and --regex take a replacement: --sub PATTERN REPLACEMENT")
			}
			return nil
		}
		return cobra.NoArgs(cmd, args)
	},
	RunE: runCreate,
}

func init() {
	createCatalog.register(createCmd)
	createSession.register(createCmd)
	createRun.register(createCmd)

	fs := createCmd.Flags()
	fs.StringArrayVarP(&createFiles, "files", "f", nil, "File pattern to edit, gitignore syntax (repeatable)")
	fs.StringVar(&createSub, "sub", "", "Literal string to replace; the replacement is the positional argument")
	fs.StringVar(&createRegex, "regex", "", "Regular expression to replace; the replacement is the positional argument")
	fs.BoolVar(&createDelete, "delete", false, "Delete the matched files")
	fs.StringVarP(&createCommit, "commit", "m", "", "Commit message (default \"Automated update generated by SLAM\")")
	fs.StringVar(&createMode, "mode", "", "local edits existing checkouts, remote clones into a temporary directory (default: local when checkouts are known)")
	fs.BoolVar(&createDryRun, "dry-run", false, "List repositories and matched files without changing anything")
	fs.StringVar(&createTitle, "title", "", "Pull request title (default: the session id and commit message)")
	fs.StringVar(&createBody, "body", "", "Text placed at the top of the pull request description")
	createCmd.MarkFlagsMutuallyExclusive("sub", "regex", "delete")

	rootCmd.AddCommand(createCmd)
}

func buildChange(args []string) (mutation.Change, bool, error) {
	switch {
	case createSub != "":
		c, err := mutation.NewChange(mutation.Substitute, createSub, args[0])
		return c, true, err
	case createRegex != "":
		c, err := mutation.NewChange(mutation.RegexReplace, createRegex, args[0])
		return c, true, err
	case createDelete:
		c, err := mutation.NewChange(mutation.Delete, "", "")
		return c, true, err
	}
	return mutation.Change{}, false, nil
}

// resolveMode picks local or remote. A filesystem catalog is always local.
func resolveMode(flag string, cat *target.Catalog) (string, error) {
	switch flag {
	case "", modeLocal, modeRemote:
	default:
		return "", fmt.Errorf("unknown --mode %q (want local or remote)", flag)
	}
	if cat.Local {
		if flag == modeRemote {
			log.Warn("repositories found on disk are always handled locally", "mode", modeLocal)
		}
		return modeLocal, nil
	}
	if flag != "" {
		return flag, nil
	}
	for _, t := range cat.Targets {
		if t.LocalPath == "" {
			return modeRemote, nil
		}
	}
	return modeLocal, nil
}

// matchPreviewer lists the files the patterns select.
type matchPreviewer struct {
	applier *mutation.FileApplier
}

func (m matchPreviewer) Preview(repo target.RepoTarget) ([]string, string, error) {
	files, err := m.applier.Match(repo.LocalPath)
	return files, "", err
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	change, hasChange, err := buildChange(args)
	if err != nil {
		return err
	}
	sid, err := createSession.derive()
	if err != nil {
		return err
	}
	if hasChange && len(createFiles) == 0 {
		return errors.New("--files is required with --sub, --regex or --delete")
	}
	preview := createDryRun || !hasChange

	var (
		host  hosting.Client
		token string
	)
	if !preview || createCatalog.needsHost() {
		if host, token, err = newHost(); err != nil {
			return err
		}
	}

	cat, err := createCatalog.resolve(ctx, host)
	if err != nil {
		return err
	}
	mode, err := resolveMode(createMode, cat)
	if err != nil {
		return err
	}
	log.Debug("create", "session", sid, "mode", mode, "repositories", cat.Len())

	var applier *mutation.FileApplier
	if len(createFiles) > 0 {
		message, _ := cfg().ResolveCommitMessage(createCommit)
		if applier, err = mutation.NewFileApplier(createFiles, change, message); err != nil {
			return err
		}
		applier.UserName = cfg().Git.AuthorName
		applier.UserEmail = cfg().Git.AuthorEmail
		applier.Clone = mode == modeRemote
		applier.Token = token
	}

	if preview {
		var p batch.Previewer
		switch {
		case applier != nil && hasChange:
			p = applier
		case applier != nil:
			p = matchPreviewer{applier: applier}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dry run for session %s\n", sid)
		return createRun.execute(cmd, "create", sid, cat, batch.PreviewOp(p))
	}

	pub := publisher.New(host)
	pub.Token = token
	pub.Title = createTitle
	pub.Body = createBody

	return createRun.execute(cmd, "create", sid, cat, batch.CreateOp(applier, pub, sid))
}
