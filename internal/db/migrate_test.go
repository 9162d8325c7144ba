package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationNames_SortedAndEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)

	for i, name := range names {
		require.True(t, strings.HasSuffix(name, ".up.sql"), name)
		if i > 0 {
			require.Less(t, names[i-1], name)
		}
		contents, err := migrationFiles.ReadFile("migrations/" + name)
		require.NoError(t, err)
		require.NotEmpty(t, strings.TrimSpace(string(contents)))
	}
}

func TestMigrations_DefineProjectsTable(t *testing.T) {
	contents, err := migrationFiles.ReadFile("migrations/0002_projects.up.sql")
	require.NoError(t, err)

	sql := string(contents)
	require.Contains(t, sql, "CREATE TABLE IF NOT EXISTS projects")
	require.Contains(t, sql, "version    BIGINT,")
	require.Contains(t, sql, "document   JSONB NOT NULL")
}
