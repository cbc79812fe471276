package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/millrun/samplegate/internal/core/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE:  runMigrateStatus,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.MigrateUp(database); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Println("migrations applied")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	statuses, err := db.MigrateStatus(database)
	if err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}

	for _, s := range statuses {
		detail := "pending"
		if s.Applied {
			detail = fmt.Sprintf("applied %s (%dms)", s.AppliedAt.UTC().Format(time.RFC3339), s.ExecutionMs)
		}
		fmt.Printf("%-32s %s\n", s.ID, detail)
	}
	return nil
}
