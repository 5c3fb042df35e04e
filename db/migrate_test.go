package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()

	tables := []string{
		"schema_migrations",
		"jobs",
		"batch_statuses",
		"batch_outputs",
		"job_outputs",
		"subscriptions",
		"ai_model_usage",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist after migrations", table)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))

	var first int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&first))
	assert.Equal(t, 5, first)

	require.NoError(t, Migrate(db, nil))

	var second int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&second))
	assert.Equal(t, first, second)
}

func TestSubscriptionScheduleConstraints(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO subscriptions
		(id, name, input_filename, input_path, schedule_hour, schedule_minute, created_at, updated_at)
		VALUES ('s1', 'n', 'f.csv', '/tmp/f.csv', 24, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	assert.Error(t, err, "hour 24 must violate the check constraint")
}
