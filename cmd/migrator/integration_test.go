package main

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/traceline-io/traceline/internal/config"
)

// seedTerminalRuns inserts one job with count COMPLETED runs, simulating an
// installation that predates the denormalized lineage tables.
func seedTerminalRuns(ctx context.Context, t *testing.T, db *sql.DB, count int) {
	t.Helper()

	nsUUID := uuid.New()
	jobUUID := uuid.New()
	versionUUID := uuid.New()

	_, err := db.ExecContext(ctx,
		`INSERT INTO namespaces (uuid, name) VALUES ($1, $2)`, nsUUID, "upgrade_test")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO jobs (uuid, namespace_uuid, namespace_name, name, current_version_uuid)
		 VALUES ($1, $2, $3, $4, $5)`,
		jobUUID, nsUUID, "upgrade_test", "nightly_load", versionUUID)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO job_versions (uuid, job_uuid, version, is_current)
		 VALUES ($1, $2, $3, TRUE)`,
		versionUUID, jobUUID, uuid.New())
	require.NoError(t, err)

	base := time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC)

	for i := 0; i < count; i++ {
		started := base.Add(time.Duration(i) * time.Hour)

		_, err = db.ExecContext(ctx,
			`INSERT INTO runs (uuid, job_uuid, job_version_uuid, state, started_at, ended_at, created_at)
			 VALUES ($1, $2, $3, 'COMPLETED', $4, $5, $4)`,
			uuid.New(), jobUUID, versionUUID, started, started.Add(10*time.Minute))
		require.NoError(t, err)
	}
}

// TestMigratorIntegration runs all integration tests for the migration tool.
func TestMigratorIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	connStr, err := testDB.Container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	seedTerminalRuns(ctx, t, testDB.Connection, 3)

	newRunner := func(t *testing.T) MigrationRunner {
		t.Helper()

		cfg, err := LoadConfig()
		require.NoError(t, err)

		runner, err := NewMigrationRunner(cfg)
		require.NoError(t, err)

		t.Cleanup(func() {
			_ = runner.Close()
		})

		return runner
	}

	countLineageRuns := func(t *testing.T) int {
		t.Helper()

		var count int
		require.NoError(t, testDB.Connection.QueryRowContext(ctx,
			`SELECT COUNT(DISTINCT run_uuid) FROM run_lineage`).Scan(&count))

		return count
	}

	t.Run("Up_SkipsBackfillAboveThreshold", func(t *testing.T) {
		t.Setenv("DATABASE_URL", connStr)
		t.Setenv("TRACELINE_BACKFILL_AUTO_THRESHOLD", "1")

		// Too many existing runs for an automatic backfill: the upgrade still
		// succeeds, it just leaves the lineage tables to an explicit backfill.
		require.NoError(t, newRunner(t).Up())

		assert.Zero(t, countLineageRuns(t))

		var checkpoints int
		require.NoError(t, testDB.Connection.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM lineage_backfill_progress`).Scan(&checkpoints))
		assert.Zero(t, checkpoints, "a skipped backfill must not write a checkpoint")
	})

	t.Run("Up_BackfillsBelowThreshold", func(t *testing.T) {
		t.Setenv("DATABASE_URL", connStr)

		require.NoError(t, newRunner(t).Up())

		assert.Equal(t, 3, countLineageRuns(t))

		var completed bool
		require.NoError(t, testDB.Connection.QueryRowContext(ctx,
			`SELECT completed FROM lineage_backfill_progress WHERE id = 1`).Scan(&completed))
		assert.True(t, completed)
	})

	t.Run("Up_RepeatIsIdempotent", func(t *testing.T) {
		t.Setenv("DATABASE_URL", connStr)

		require.NoError(t, newRunner(t).Up())

		assert.Equal(t, 3, countLineageRuns(t))
	})
}
