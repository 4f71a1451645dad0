package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/holon-run/slam/pkg/config"
	"github.com/holon-run/slam/pkg/log"
)

var (
	logLevel   string
	projectCfg *config.ProjectConfig
)

var rootCmd = &cobra.Command{
	Use:   "slam",
	Short: "Create and approve the same change across many repositories",
	Long: `slam applies one change to a set of repositories, opens one pull request
per repository on a branch named after the session (SLAM-YYYY-MM-DD by default),
and later approves and merges exactly the pull requests of that session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFromCurrentDir()
		if err != nil {
			return err
		}
		projectCfg = cfg

		level, source := cfg.ResolveLogLevel(logLevel, os.Getenv(log.LevelEnv), log.DefaultLevel)
		if err := log.Setup(level, cmd.ErrOrStderr()); err != nil {
			return err
		}
		log.Debug("log level", "level", level, "source", source)
		return nil
	},
}

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (default warn, env "+log.LevelEnv+")")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(exitCodeFor(err))
}
