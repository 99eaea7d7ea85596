package migrate

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniattend/migrations"
)

func TestEmbeddedMigrations(t *testing.T) {
	names, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"00001_webauthn_credentials.sql", "00002_attendance.sql"}, names)

	for _, n := range names {
		body, err := fs.ReadFile(migrations.FS, n)
		require.NoError(t, err)
		assert.Contains(t, string(body), "-- +goose Up")
		assert.Contains(t, string(body), "-- +goose Down")
	}
}

func TestAttendanceConstraints(t *testing.T) {
	body, err := fs.ReadFile(migrations.FS, "00002_attendance.sql")
	require.NoError(t, err)
	sql := string(body)
	assert.Contains(t, sql, "CHECK (ends_at IS NULL OR ends_at >= starts_at)")
	assert.Contains(t, sql, "UNIQUE (session_id, student_id)")
	assert.Contains(t, sql, "code              CHAR(6) NOT NULL UNIQUE")
}
