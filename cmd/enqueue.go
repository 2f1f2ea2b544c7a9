package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/scmsync/scmsync/internal/config"
	"github.com/scmsync/scmsync/models"
)

var (
	enqueueRepoURL    string
	enqueueRepoType   string
	enqueueProjectKey string
	enqueueJobType    string
	enqueueMode       string
	enqueuePriority   int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a sync job for a repository",
	Long: `Registers (or reuses) a repository and enqueues a SyncJob for it.

Run with flags for a scriptable, non-interactive enqueue:
  scmsync enqueue --url https://gitlab.example.com/group/proj --repo-type git \
    --project-key group/proj --job-type gitlab_commits --mode backfill

Run with no flags for an interactive wizard.`,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueRepoURL, "url", "", "repository URL")
	enqueueCmd.Flags().StringVar(&enqueueRepoType, "repo-type", "", "git or svn")
	enqueueCmd.Flags().StringVar(&enqueueProjectKey, "project-key", "", "stable project identifier (e.g. group/project)")
	enqueueCmd.Flags().StringVar(&enqueueJobType, "job-type", "", "gitlab_commits, gitlab_mrs, gitlab_reviews, or svn")
	enqueueCmd.Flags().StringVar(&enqueueMode, "mode", "incremental", "incremental or backfill")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "queue priority, lower runs first")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	if enqueueRepoURL == "" {
		if err := runEnqueueWizard(); err != nil {
			return err
		}
	}

	if err := validateEnqueueFlags(); err != nil {
		return err
	}

	ctx := context.Background()
	repo, err := upsertRepo(ctx, d, enqueueRepoURL, models.RepoType(enqueueRepoType), enqueueProjectKey)
	if err != nil {
		return fmt.Errorf("registering repository: %w", err)
	}

	jobType, err := models.ResolveJobType(enqueueJobType, repo.RepoType)
	if err != nil {
		return err
	}

	id, err := d.queue.Enqueue(ctx, &models.SyncJob{
		RepoID:   repo.ID,
		JobType:  jobType,
		Mode:     models.SyncMode(enqueueMode),
		Priority: enqueuePriority,
	})
	if err != nil {
		return fmt.Errorf("enqueuing job: %w", err)
	}

	fmt.Println(successStyle.Render(fmt.Sprintf("Enqueued job %d (repo %d, %s, %s)", id, repo.ID, jobType, enqueueMode)))
	return nil
}

func runEnqueueWizard() error {
	fmt.Println(headerStyle.Render("  scmsync enqueue"))
	var repoType string = "git"
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Repository URL").
				Value(&enqueueRepoURL).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("repository URL cannot be empty")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Repository type").
				Options(huh.NewOption("GitLab (git)", "git"), huh.NewOption("Subversion (svn)", "svn")).
				Value(&repoType),
			huh.NewInput().
				Title("Project key").
				Description("Stable identifier, e.g. group/project").
				Value(&enqueueProjectKey),
			huh.NewSelect[string]().
				Title("Job type").
				Options(
					huh.NewOption("GitLab commits", "gitlab_commits"),
					huh.NewOption("GitLab merge requests", "gitlab_mrs"),
					huh.NewOption("GitLab reviews", "gitlab_reviews"),
					huh.NewOption("SVN revisions", "svn"),
				).
				Value(&enqueueJobType),
			huh.NewSelect[string]().
				Title("Sync mode").
				Options(huh.NewOption("Incremental", "incremental"), huh.NewOption("Full backfill", "backfill")).
				Value(&enqueueMode),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("cancelled: %w", err)
	}
	enqueueRepoType = repoType
	return nil
}

func validateEnqueueFlags() error {
	if enqueueRepoURL == "" {
		return fmt.Errorf("--url is required")
	}
	if enqueueRepoType != "git" && enqueueRepoType != "svn" {
		return fmt.Errorf("--repo-type must be git or svn")
	}
	if enqueueProjectKey == "" {
		return fmt.Errorf("--project-key is required")
	}
	if enqueueJobType == "" {
		return fmt.Errorf("--job-type is required")
	}
	if enqueueMode != string(models.ModeIncremental) && enqueueMode != string(models.ModeBackfill) {
		return fmt.Errorf("--mode must be incremental or backfill")
	}
	return nil
}

// upsertRepo registers the repo on (repo_type, url) if it doesn't
// already exist, returning the persisted row either way.
func upsertRepo(ctx context.Context, d *deps, url string, repoType models.RepoType, projectKey string) (*models.Repository, error) {
	norm := models.NormalizeURL(url)
	existing, err := findRepo(ctx, d, repoType, norm)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	repo := &models.Repository{
		RepoType:   repoType,
		URL:        norm,
		ProjectKey: projectKey,
		CreatedAt:  time.Now().UTC(),
	}
	id, err := d.db.Insert(ctx, "repos", repo)
	if err != nil {
		return nil, err
	}
	repo.ID = id
	return repo, nil
}

func findRepo(ctx context.Context, d *deps, repoType models.RepoType, url string) (*models.Repository, error) {
	var rows []models.Repository
	if err := d.db.Select(ctx, &rows,
		`SELECT id, repo_type, url, project_key, default_branch, created_at FROM repos WHERE repo_type = ? AND url = ?`,
		repoType, url); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
