package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scmsync/scmsync/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect queue, lock, and circuit breaker state",
	Long:  `Prints a snapshot of sync_jobs by status, held sync_locks, and open circuit breakers.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	ctx := context.Background()

	fmt.Println(headerStyle.Render("  Queue"))
	var jobCounts []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := d.db.Select(ctx, &jobCounts, `SELECT status, COUNT(*) AS count FROM sync_jobs GROUP BY status`); err != nil {
		return fmt.Errorf("querying job counts: %w", err)
	}
	if len(jobCounts) == 0 {
		fmt.Println(dimStyle.Render("  no jobs"))
	}
	for _, row := range jobCounts {
		fmt.Printf("  %-12s %d\n", row.Status, row.Count)
	}

	fmt.Println()
	fmt.Println(headerStyle.Render("  Held locks"))
	var locks []struct {
		RepoID   int64  `db:"repo_id"`
		JobType  string `db:"job_type"`
		LockedBy string `db:"locked_by"`
	}
	if err := d.db.Select(ctx, &locks,
		`SELECT repo_id, job_type, locked_by FROM sync_locks WHERE locked_by IS NOT NULL`); err != nil {
		return fmt.Errorf("querying locks: %w", err)
	}
	if len(locks) == 0 {
		fmt.Println(dimStyle.Render("  no locks held"))
	}
	for _, row := range locks {
		fmt.Printf("  repo=%d  %-16s  held_by=%s\n", row.RepoID, row.JobType, row.LockedBy)
	}

	fmt.Println()
	fmt.Println(headerStyle.Render("  Circuit breakers"))
	var breakers []struct {
		ProjectKey string `db:"project_key"`
		Scope      string `db:"scope"`
		State      string `db:"state"`
	}
	if err := d.db.Select(ctx, &breakers,
		`SELECT project_key, scope, state FROM circuit_breaker_state WHERE state != 'closed'`); err != nil {
		return fmt.Errorf("querying circuit breakers: %w", err)
	}
	if len(breakers) == 0 {
		fmt.Println(dimStyle.Render("  all circuits closed"))
		return nil
	}
	for _, row := range breakers {
		fmt.Println(warnStyle.Render(fmt.Sprintf("  %s / %s: %s", row.ProjectKey, row.Scope, row.State)))
	}
	return nil
}
