package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scmsync/scmsync/internal/config"
	"github.com/scmsync/scmsync/internal/worker"
)

const shutdownGrace = 10 * time.Second

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the claim/execute/ack worker loop",
	Long: `Starts a single worker process: claims one SyncJob at a time, acquires
its sync lock, renews both leases on a heartbeat, runs the job through
the registered executor, then acks, retries, or deadletters it.

Runs until interrupted (SIGINT/SIGTERM), releasing its current lease and
sync lock immediately instead of waiting out the full TTL.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	loop := worker.NewLoop(d.db, d.queue, d.lock, d.cursor, d.registry, d.breakers, d.execCfg, cfg.Worker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println(successStyle.Render(fmt.Sprintf("worker %s started", cfg.Worker.ID)))

	err = loop.Run(ctx)

	if active := worker.Active(); active != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		active.ReleaseNow(shutdownCtx)
		cancel()
	}

	if err != nil && err != context.Canceled {
		return err
	}
	fmt.Println(dimStyle.Render("worker stopped"))
	return nil
}
