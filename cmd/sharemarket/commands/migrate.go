package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hipo/sharemarket/internal/store/postgres"
	"github.com/hipo/sharemarket/pkg/database"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded postgres schema",
	Long: `Applies every embedded migration not yet recorded in
schema_migrations. Safe to run repeatedly and from several instances.

Example:
  go run ./cmd/sharemarket migrate
  go run ./cmd/sharemarket migrate --status`,
	RunE: runMigrate,
}

var migrateStatus bool

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "list applied versions only")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	db, err := database.New(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if migrateStatus {
		applied, err := db.Applied(ctx)
		if err != nil {
			return err
		}
		PrintInfo(fmt.Sprintf("%d migrations applied", len(applied)))
		PrintList(applied)
		return nil
	}

	migrations, err := postgres.Migrations()
	if err != nil {
		return err
	}

	applied, err := db.Migrate(ctx, migrations)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		PrintSuccess("Schema is up to date")
		return nil
	}
	PrintSuccess(fmt.Sprintf("Applied %d migrations", len(applied)))
	PrintList(applied)
	return nil
}
