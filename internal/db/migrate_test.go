package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFilesEmbedded(t *testing.T) {
	files, err := migrationFileNames()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "migrations/001_initial_schema.sql", files[0])
	assert.Equal(t, "001_initial_schema", migrationName(files[0]))

	content, err := migrationFiles.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(content), "CREATE TABLE IF NOT EXISTS scans")
	assert.Contains(t, string(content), "CREATE TABLE IF NOT EXISTS scan_ports")
	assert.Len(t, checksum(content), 64)
}

func newMockMigrator(t *testing.T) (*Migrator, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewMigrator(sqlx.NewDb(sqlDB, "postgres")), mock
}

func TestMigratorUpAppliesPending(t *testing.T) {
	m, mock := newMockMigrator(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name, applied_at, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scans").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("001_initial_schema", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ran, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001_initial_schema"}, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratorUpSkipsApplied(t *testing.T) {
	m, mock := newMockMigrator(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name, applied_at, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "001_initial_schema", time.Now(), "abc"))

	ran, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratorStatus(t *testing.T) {
	m, mock := newMockMigrator(t)
	appliedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name, applied_at, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "001_initial_schema", appliedAt, "stale-checksum"))

	statuses, err := m.Status(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, statuses)

	first := statuses[0]
	assert.Equal(t, "001_initial_schema", first.Name)
	assert.True(t, first.Applied)
	require.NotNil(t, first.AppliedAt)
	assert.Equal(t, appliedAt, *first.AppliedAt)
	assert.True(t, first.Modified)
	assert.NoError(t, mock.ExpectationsWereMet())
}
