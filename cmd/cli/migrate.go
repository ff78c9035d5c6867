package cli

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/db"
)

// migrateCmd groups the database migration commands.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
	Long: `Apply or inspect the SQL migrations embedded in the binary. The
server applies pending migrations on startup; these commands are for
running them ahead of time or checking what has been applied.`,
	Example: `  portsweep migrate up
  portsweep migrate status`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrateUp,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which migrations have been applied",
	Args:  cobra.NoArgs,
	RunE:  runMigrateStatus,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	return withDatabase(cmd.Context(), cfg, func(database *db.DB) error {
		applied, err := db.NewMigrator(database.DB).Up(cmd.Context())
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Database is up to date")
			return nil
		}
		for _, name := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", name)
		}
		return nil
	})
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	return withDatabase(cmd.Context(), cfg, func(database *db.DB) error {
		statuses, err := db.NewMigrator(database.DB).Status(cmd.Context())
		if err != nil {
			return err
		}
		return printMigrationStatus(cmd.OutOrStdout(), statuses)
	})
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) error {
	table := tablewriter.NewWriter(w)
	table.Header("Migration", "Status", "Applied At")

	for _, s := range statuses {
		status := "pending"
		appliedAt := "-"
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "modified"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		if err := table.Append([]string{s.Name, status, appliedAt}); err != nil {
			return err
		}
	}
	return table.Render()
}
