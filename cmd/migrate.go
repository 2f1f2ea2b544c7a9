package cmd

import (
	"context"
	"fmt"

	"github.com/scmsync/scmsync/internal/config"
	"github.com/scmsync/scmsync/internal/store"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Runs every embedded goose migration against the configured database,
postgres or sqlite depending on database.driver.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := store.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	fmt.Println(successStyle.Render("Migrations applied."))
	return nil
}
