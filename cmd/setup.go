package cmd

import (
	"fmt"

	"github.com/scmsync/scmsync/internal/config"
	"github.com/scmsync/scmsync/internal/cursor"
	"github.com/scmsync/scmsync/internal/executor"
	"github.com/scmsync/scmsync/internal/executor/gitlabapi"
	"github.com/scmsync/scmsync/internal/executor/svnapi"
	"github.com/scmsync/scmsync/internal/queue"
	"github.com/scmsync/scmsync/internal/store"
	"github.com/scmsync/scmsync/internal/synclock"
)

// deps bundles every collaborator a subcommand might need, assembled
// once from the loaded config. Mirrors the teacher's habit of building
// its gateway/agent dependency graph in one place (cmd/gateway.go,
// cmd/agent.go) rather than scattering `store.New` calls across files.
type deps struct {
	db       store.DB
	queue    *queue.Queue
	lock     *synclock.Manager
	cursor   *cursor.Store
	breakers *store.BreakerStore
	registry *executor.Registry
	execCfg  executor.Config
}

func buildDeps(cfg *config.Config) (*deps, error) {
	db, err := store.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	registry := executor.NewRegistry()

	glClient, err := gitlabapi.New(cfg.GitLab)
	if err != nil {
		return nil, fmt.Errorf("configuring gitlab client: %w", err)
	}
	registry.Register(executor.NewGitLabCommits(db, glClient))
	registry.Register(executor.NewGitLabMRs(db, glClient))
	registry.Register(executor.NewGitLabReviews(db, glClient))
	registry.Register(executor.NewSVNRevisions(db, svnapi.New(cfg.SVN)))

	return &deps{
		db:       db,
		queue:    queue.New(db),
		lock:     synclock.New(db),
		cursor:   cursor.New(db),
		breakers: store.NewBreakerStore(db),
		registry: registry,
		execCfg: executor.Config{
			OverlapSeconds:   cfg.Executor.OverlapSeconds,
			OverlapRevisions: cfg.Executor.OverlapRevisions,
			DiffMode:         string(cfg.Executor.DiffMode),
			Strict:           cfg.SyncMode == "strict",
		},
	}, nil
}
