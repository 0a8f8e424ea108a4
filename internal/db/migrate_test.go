package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigration(t *testing.T, dir, name, sql string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o600))
}

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "002_add_runs.sql", "CREATE TABLE optimization_runs ();")
	writeMigration(t, dir, "001_initial_schema.sql", "CREATE TABLE candles ();")
	writeMigration(t, dir, "001_initial_schema_down.sql", "DROP TABLE candles;")
	writeMigration(t, dir, "notes.txt", "not a migration")

	m := NewMigrator(nil, dir)
	migrations, err := m.loadMigrations()
	require.NoError(t, err)

	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "initial schema", migrations[0].Description)
	assert.Contains(t, migrations[0].SQL, "candles")
	assert.Equal(t, 2, migrations[1].Version)
	assert.Equal(t, "add runs", migrations[1].Description)
}

func TestLoadMigrationsRejectsBadFilename(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "schema.sql", "CREATE TABLE candles ();")

	_, err := NewMigrator(nil, dir).loadMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid migration filename")
}

func TestLoadMigrationsMissingDir(t *testing.T) {
	_, err := NewMigrator(nil, "/nonexistent/migrations").loadMigrations()
	require.Error(t, err)
}
