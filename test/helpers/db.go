// Package helpers provides database setup for portsweep integration tests.
// Tests are skipped when no PostgreSQL server is reachable.
package helpers

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/anstrom/portsweep/internal/db"
)

const (
	defaultPostgreSQLPort = 5432
	dbConnectionTimeout   = 5 * time.Second
)

// TestDatabaseConfig returns the connection settings for the test database,
// taken from TEST_DB_* environment variables.
func TestDatabaseConfig() *db.Config {
	return &db.Config{
		Host:            getEnvOrDefault("TEST_DB_HOST", "localhost"),
		Port:            getEnvIntOrDefault("TEST_DB_PORT", defaultPostgreSQLPort),
		Database:        getEnvOrDefault("TEST_DB_NAME", "portsweep_test"),
		Username:        getEnvOrDefault("TEST_DB_USER", "test_user"),
		Password:        getEnvOrDefault("TEST_DB_PASSWORD", "test_password"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// ConnectToTestDatabase connects to the test database and applies the
// migrations. The test is skipped in short mode or when the database is
// unreachable. The connection is closed when the test ends.
func ConnectToTestDatabase(t *testing.T) *db.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbConnectionTimeout)
	defer cancel()

	database, err := db.ConnectAndMigrate(ctx, TestDatabaseConfig())
	if err != nil {
		t.Skipf("Skipping integration test, database unavailable: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
