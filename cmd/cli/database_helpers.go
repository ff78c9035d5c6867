package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/db"
)

// DatabaseOperation represents a function that operates on a database connection.
type DatabaseOperation func(*db.DB) error

// withDatabase connects using cfg, runs operation and closes the connection.
func withDatabase(ctx context.Context, cfg *config.Config, operation DatabaseOperation) error {
	if !cfg.IsDatabaseEnabled() {
		return fmt.Errorf("no database configured: set database.database in %s or PORTSWEEP_DATABASE_DATABASE",
			getConfigFilePath())
	}

	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return operation(database)
}
