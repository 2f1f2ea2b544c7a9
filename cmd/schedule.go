package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/scmsync/scmsync/internal/config"
	"github.com/scmsync/scmsync/internal/scheduler"
	"github.com/scmsync/scmsync/models"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage cron-driven auto-enqueue entries",
	Long: `Runs the scheduler daemon by default, auto-enqueuing an incremental
SyncJob for each enabled (repo_id, job_type) schedule on its own cron
expression. Use the add/list/delete subcommands to manage entries.`,
	RunE: runScheduleDaemon,
}

var (
	scheduleRepoID  int64
	scheduleJobType string
	scheduleExpr    string
)

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new schedule entry",
	RunE:  runScheduleAdd,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedule entries",
	RunE:  runScheduleList,
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a schedule entry by id",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleDelete,
}

var scheduleImportCmd = &cobra.Command{
	Use:   "import [file.yaml]",
	Short: "Bulk-add schedule entries from a YAML file",
	Long: `Reads a YAML list of schedule entries and adds each one, e.g.:

  - repo_id: 12
    job_type: gitlab_commits
    cron: "0 */6 * * *"
  - repo_id: 12
    job_type: gitlab_mrs
    cron: "@every 1h"
    enabled: false`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleImport,
}

func init() {
	scheduleAddCmd.Flags().Int64Var(&scheduleRepoID, "repo-id", 0, "repository id")
	scheduleAddCmd.Flags().StringVar(&scheduleJobType, "job-type", "", "gitlab_commits, gitlab_mrs, gitlab_reviews, or svn")
	scheduleAddCmd.Flags().StringVar(&scheduleExpr, "cron", "", "cron expression, e.g. \"0 */6 * * *\" or \"@every 1h\"")

	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleDeleteCmd, scheduleImportCmd)
}

// scheduleImportEntry is one row of a bulk-import YAML file. Enabled
// defaults to true when the key is omitted, since *bool is nil rather
// than false in that case.
type scheduleImportEntry struct {
	RepoID  int64  `yaml:"repo_id"`
	JobType string `yaml:"job_type"`
	Cron    string `yaml:"cron"`
	Enabled *bool  `yaml:"enabled"`
}

func runScheduleImport(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	var entries []scheduleImportEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	s := scheduler.New(d.db, d.queue)
	ctx := context.Background()
	for i, e := range entries {
		if e.RepoID == 0 || e.JobType == "" || e.Cron == "" {
			return fmt.Errorf("entry %d: repo_id, job_type, and cron are all required", i)
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		id, err := s.Add(ctx, &models.Schedule{
			RepoID:  e.RepoID,
			JobType: models.JobType(e.JobType),
			Expr:    e.Cron,
			Enabled: enabled,
		})
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("schedule %d created (repo %d, %s)", id, e.RepoID, e.JobType)))
	}
	return nil
}

func runScheduleDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := scheduler.New(d.db, d.queue)
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer s.Stop()

	fmt.Println(successStyle.Render("scheduler started"))
	<-ctx.Done()
	fmt.Println(dimStyle.Render("scheduler stopped"))
	return nil
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	if scheduleRepoID == 0 || scheduleJobType == "" || scheduleExpr == "" {
		return fmt.Errorf("--repo-id, --job-type, and --cron are all required")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	s := scheduler.New(d.db, d.queue)
	id, err := s.Add(context.Background(), &models.Schedule{
		RepoID:  scheduleRepoID,
		JobType: models.JobType(scheduleJobType),
		Expr:    scheduleExpr,
		Enabled: true,
	})
	if err != nil {
		return err
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("schedule %d created", id)))
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	s := scheduler.New(d.db, d.queue)
	list, err := s.List(context.Background())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println(dimStyle.Render("no schedules configured"))
		return nil
	}
	for _, sched := range list {
		fmt.Printf("  %d  repo=%d  %-16s  %-20s  enabled=%v\n", sched.ID, sched.RepoID, sched.JobType, sched.Expr, sched.Enabled)
	}
	return nil
}

func runScheduleDelete(cmd *cobra.Command, args []string) error {
	var id int64
	if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
		return fmt.Errorf("invalid schedule id %q", args[0])
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	s := scheduler.New(d.db, d.queue)
	if err := s.Delete(context.Background(), id); err != nil {
		return err
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("schedule %d deleted", id)))
	return nil
}
