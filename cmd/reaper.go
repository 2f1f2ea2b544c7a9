package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scmsync/scmsync/internal/config"
	"github.com/scmsync/scmsync/internal/reaper"
)

var reaperLoop bool

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Recover orphaned jobs, runs, and locks",
	Long: `Sweeps three independent expiry classes: running SyncJobs whose lease
has elapsed, sync_runs rows stuck in "running" past the max run duration,
and sync locks left behind by a worker that vanished mid-heartbeat.

By default runs one pass and exits; --loop keeps sweeping on
reaper.interval until interrupted.`,
	RunE: runReaper,
}

func init() {
	reaperCmd.Flags().BoolVar(&reaperLoop, "loop", false, "keep sweeping on reaper.interval instead of exiting after one pass")
}

func runReaper(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	r := reaper.New(d.db, d.queue, d.lock, cfg.Reaper)

	if !reaperLoop {
		r.RunOnce(context.Background())
		fmt.Println(successStyle.Render("reaper pass complete"))
		return nil
	}

	fmt.Println(successStyle.Render(fmt.Sprintf("reaper loop started (interval %s)", cfg.Reaper.Interval)))
	if err := r.RunLoop(context.Background()); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
