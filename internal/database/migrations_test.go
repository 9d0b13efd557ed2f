package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_Embedded(t *testing.T) {
	files, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "migrations/001_extractions.sql", files[0])

	sql, err := migrationFiles.ReadFile(files[0])
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(sql), "CREATE TABLE IF NOT EXISTS extractions"))
}
