package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/traceline-io/traceline/internal/config"
)

// Sentinel errors for the lineage backfill migrator.
var (
	// ErrBackfillFailed is returned when the backfill cannot proceed.
	ErrBackfillFailed = errors.New("lineage backfill failed")

	// ErrBackfillThresholdExceeded is returned when the terminal run count
	// exceeds the automatic threshold and the force flag is not set.
	ErrBackfillThresholdExceeded = errors.New(
		"run count exceeds automatic backfill threshold; re-run with force to proceed")

	// ErrBackfillCheckpointCorrupt is returned when the progress row cannot be
	// read. Resuming with an unknown cursor could silently skip runs, so this
	// is fatal rather than a restart-from-zero.
	ErrBackfillCheckpointCorrupt = errors.New("backfill checkpoint unreadable")
)

// Backfill defaults. The threshold keeps migration-time backfills bounded on
// busy installations; larger stores must run the migrator explicitly.
const (
	DefaultBackfillChunkSize = 1000
	DefaultBackfillThreshold = 100000
)

type (
	// BackfillConfig controls a backfill pass.
	BackfillConfig struct {
		// ChunkSize is the number of runs processed between checkpoints.
		ChunkSize int

		// AutoThreshold is the maximum terminal run count an automatic
		// (migration-triggered) backfill will accept.
		AutoThreshold int64

		// Force bypasses the threshold for operator-invoked backfills.
		Force bool
	}

	// BackfillSummary reports the outcome of a backfill pass, including counts
	// carried over from resumed earlier passes.
	BackfillSummary struct {
		Processed int64 `json:"processed"`
		Skipped   int64 `json:"skipped"`
		Resumed   bool  `json:"resumed"`
		Completed bool  `json:"completed"`
	}

	// backfillCheckpoint is the persisted cursor of the singleton progress row.
	backfillCheckpoint struct {
		lastCreatedAt sql.NullTime
		lastRunUUID   uuid.NullUUID
		processed     int64
		skipped       int64
		completed     bool
	}

	// BackfillMigrator populates denormalized lineage for historical runs in
	// resumable chunks.
	//
	// The cursor is keyset pagination over (created_at, uuid), checkpointed to
	// lineage_backfill_progress after every chunk. A crashed or interrupted
	// backfill resumes from the last committed chunk boundary; already
	// populated runs are safe to revisit because population is idempotent.
	BackfillMigrator struct {
		conn        *Connection
		maintenance *MaintenanceService
		cfg         BackfillConfig
		logger      *slog.Logger
	}
)

// NewBackfillMigrator creates a backfill migrator.
// Zero config fields fall back to defaults.
func NewBackfillMigrator(
	conn *Connection,
	maintenance *MaintenanceService,
	cfg BackfillConfig,
) (*BackfillMigrator, error) {
	if conn == nil || maintenance == nil {
		return nil, ErrNoDatabaseConnection
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultBackfillChunkSize
	}

	if cfg.AutoThreshold <= 0 {
		cfg.AutoThreshold = DefaultBackfillThreshold
	}

	return &BackfillMigrator{
		conn:        conn,
		maintenance: maintenance,
		cfg:         cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Run executes the backfill until completion, interruption, or error.
//
// Behavior:
//   - The terminal run count is checked against AutoThreshold unless Force is
//     set; exceeding it returns ErrBackfillThresholdExceeded without touching
//     any data.
//   - A run that cannot be populated is logged and skipped; the pass continues.
//   - An unreadable checkpoint is fatal (ErrBackfillCheckpointCorrupt).
//   - A completed checkpoint short-circuits: re-running a finished backfill is
//     a no-op unless the progress row is reset.
func (m *BackfillMigrator) Run(ctx context.Context) (*BackfillSummary, error) {
	total, err := m.countTerminalRuns(ctx)
	if err != nil {
		return nil, err
	}

	if !m.cfg.Force && total > m.cfg.AutoThreshold {
		return nil, fmt.Errorf("%w: %d runs, threshold %d",
			ErrBackfillThresholdExceeded, total, m.cfg.AutoThreshold)
	}

	checkpoint, err := m.loadCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	summary := &BackfillSummary{
		Processed: checkpoint.processed,
		Skipped:   checkpoint.skipped,
		Resumed:   checkpoint.lastRunUUID.Valid,
		Completed: checkpoint.completed,
	}

	if checkpoint.completed {
		m.logger.Info("Backfill already completed, nothing to do",
			slog.Int64("processed", summary.Processed),
			slog.Int64("skipped", summary.Skipped))

		return summary, nil
	}

	start := time.Now()

	m.logger.Info("Starting lineage backfill",
		slog.Int64("total_runs", total),
		slog.Int("chunk_size", m.cfg.ChunkSize),
		slog.Bool("resumed", summary.Resumed))

	for {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("%w: %w", ErrBackfillFailed, err)
		}

		chunk, err := m.nextChunk(ctx, checkpoint)
		if err != nil {
			return summary, err
		}

		if len(chunk) == 0 {
			break
		}

		for _, run := range chunk {
			if err := m.maintenance.PopulateLineageForRun(ctx, run.uuid); err != nil {
				summary.Skipped++

				m.logger.Warn("Skipping run during backfill",
					slog.String("run_id", run.uuid.String()),
					slog.Any("error", err))

				continue
			}

			summary.Processed++
		}

		last := chunk[len(chunk)-1]
		checkpoint.lastCreatedAt = sql.NullTime{Time: last.createdAt, Valid: true}
		checkpoint.lastRunUUID = uuid.NullUUID{UUID: last.uuid, Valid: true}
		checkpoint.processed = summary.Processed
		checkpoint.skipped = summary.Skipped
		checkpoint.completed = len(chunk) < m.cfg.ChunkSize

		if err := m.saveCheckpoint(ctx, checkpoint); err != nil {
			return summary, err
		}

		m.logger.Info("Backfill chunk committed",
			slog.Int64("processed", summary.Processed),
			slog.Int64("skipped", summary.Skipped),
			slog.Int64("total_runs", total))

		if checkpoint.completed {
			break
		}
	}

	// No chunk at all on the final iteration still means we drained the table.
	if !checkpoint.completed {
		checkpoint.completed = true
		if err := m.saveCheckpoint(ctx, checkpoint); err != nil {
			return summary, err
		}
	}

	summary.Completed = true

	m.logger.Info("Completed lineage backfill",
		slog.Int64("processed", summary.Processed),
		slog.Int64("skipped", summary.Skipped),
		slog.Duration("duration", time.Since(start)))

	return summary, nil
}

// backfillRun is one cursor entry of the keyset scan.
type backfillRun struct {
	uuid      uuid.UUID
	createdAt time.Time
}

// countTerminalRuns counts the runs eligible for backfill.
func (m *BackfillMigrator) countTerminalRuns(ctx context.Context) (int64, error) {
	var total int64

	err := m.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE state IN ('COMPLETED', 'FAILED')`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: count terminal runs: %w", ErrBackfillFailed, err)
	}

	return total, nil
}

// nextChunk fetches the next chunk after the checkpoint cursor. The row
// comparison over (created_at, uuid) gives a total order even when many runs
// share a creation timestamp.
func (m *BackfillMigrator) nextChunk(
	ctx context.Context,
	checkpoint *backfillCheckpoint,
) ([]backfillRun, error) {
	const query = `
		SELECT uuid, created_at
		FROM runs
		WHERE state IN ('COMPLETED', 'FAILED')
		  AND ($1::timestamptz IS NULL OR (created_at, uuid) > ($1, $2))
		ORDER BY created_at, uuid
		LIMIT $3`

	rows, err := m.conn.QueryContext(ctx, query,
		checkpoint.lastCreatedAt, checkpoint.lastRunUUID, m.cfg.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch chunk: %w", ErrBackfillFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var chunk []backfillRun

	for rows.Next() {
		var run backfillRun
		if err := rows.Scan(&run.uuid, &run.createdAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", ErrBackfillFailed, err)
		}

		chunk = append(chunk, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrBackfillFailed, err)
	}

	return chunk, nil
}

// loadCheckpoint reads the singleton progress row, creating it if absent.
func (m *BackfillMigrator) loadCheckpoint(ctx context.Context) (*backfillCheckpoint, error) {
	const query = `
		SELECT last_created_at, last_run_uuid, runs_processed, runs_skipped, completed
		FROM lineage_backfill_progress
		WHERE id = 1`

	var checkpoint backfillCheckpoint

	err := m.conn.QueryRowContext(ctx, query).Scan(
		&checkpoint.lastCreatedAt, &checkpoint.lastRunUUID,
		&checkpoint.processed, &checkpoint.skipped, &checkpoint.completed,
	)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return &backfillCheckpoint{}, nil
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrBackfillCheckpointCorrupt, err)
	default:
		return &checkpoint, nil
	}
}

// saveCheckpoint upserts the singleton progress row.
func (m *BackfillMigrator) saveCheckpoint(ctx context.Context, checkpoint *backfillCheckpoint) error {
	const stmt = `
		INSERT INTO lineage_backfill_progress
		    (id, last_created_at, last_run_uuid, runs_processed, runs_skipped, completed, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
		    last_created_at = EXCLUDED.last_created_at,
		    last_run_uuid   = EXCLUDED.last_run_uuid,
		    runs_processed  = EXCLUDED.runs_processed,
		    runs_skipped    = EXCLUDED.runs_skipped,
		    completed       = EXCLUDED.completed,
		    updated_at      = NOW()`

	_, err := m.conn.ExecContext(ctx, stmt,
		checkpoint.lastCreatedAt, checkpoint.lastRunUUID,
		checkpoint.processed, checkpoint.skipped, checkpoint.completed)
	if err != nil {
		return fmt.Errorf("%w: save checkpoint: %w", ErrBackfillFailed, err)
	}

	return nil
}
