package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scmsync",
	Short: "Distributed synchronization engine for mirroring GitLab and SVN repositories",
	Long: `scmsync mirrors GitLab and Subversion repositories into a relational
datastore: a leased job queue, a per-repo distributed sync lock, and a
ten-phase sync executor that advances a monotone cursor on every run.

Get started:
  scmsync migrate   Apply pending database migrations
  scmsync enqueue   Queue a sync job for a repository
  scmsync worker    Run the claim/execute/ack worker loop
  scmsync reaper    Recover orphaned jobs, runs, and locks
  scmsync schedule  Manage cron-driven auto-enqueue entries
  scmsync status    Inspect queue, lock, and circuit breaker state`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.scmsync/config.json; environment variables such as POSTGRES_DSN override it)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		migrateCmd,
		enqueueCmd,
		workerCmd,
		reaperCmd,
		scheduleCmd,
		statusCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}
