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
	"github.com/traceline-io/traceline/internal/metadata"
)

// Sentinel errors for lineage maintenance operations.
var (
	// ErrRunNotFound is returned when the referenced run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrLineagePopulationFailed is returned when denormalized row population fails.
	ErrLineagePopulationFailed = errors.New("lineage population failed")
)

type (
	// MaintenanceService keeps the denormalized lineage tables consistent with
	// the entity store.
	//
	// Population is idempotent and keyed by run: existing rows for the run are
	// replaced wholesale inside one transaction, so re-delivered terminal
	// events and concurrent triggers converge on the same final rows. An
	// advisory transaction lock on the run id serializes concurrent populators
	// of the same run without blocking unrelated runs.
	MaintenanceService struct {
		conn       *Connection
		partitions *PartitionManager
		logger     *slog.Logger
	}

	// PopulationSummary reports the outcome of a bulk population pass.
	PopulationSummary struct {
		Processed int `json:"processed"`
		Skipped   int `json:"skipped"`
	}
)

// NewMaintenanceService creates a lineage maintenance service.
// Returns ErrNoDatabaseConnection if conn or partitions is nil.
func NewMaintenanceService(conn *Connection, partitions *PartitionManager) (*MaintenanceService, error) {
	if conn == nil || partitions == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &MaintenanceService{
		conn:       conn,
		partitions: partitions,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// PopulateLineageForRun rebuilds the denormalized lineage rows for one run.
//
// Steps:
//  1. Load the run; missing runs return ErrRunNotFound.
//  2. Ensure the monthly partition for the run's date exists (DDL runs outside
//     the data transaction; partition creation is itself idempotent).
//  3. In one transaction: delete the run's existing rows, insert a summary row
//     plus one row per consumed input version and produced output version.
//  4. For root runs that have ended, rebuild parent_run_lineage from the
//     run's entire child subtree, dated by the root's ended_at.
//
// Child runs never populate parent_run_lineage: the parent row's run_date
// derives from the root's ended_at, which a still-running root does not have.
func (s *MaintenanceService) PopulateLineageForRun(ctx context.Context, runID uuid.UUID) error {
	start := time.Now()

	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return err
	}

	runDate := run.RunDate()

	if _, err := s.partitions.EnsurePartitionExists(ctx, "run_lineage", runDate); err != nil {
		return fmt.Errorf("%w: %w", ErrLineagePopulationFailed, err)
	}

	populateParent := run.IsRoot() && run.EndedAt != nil

	var parentDate time.Time

	if populateParent {
		parentDate = run.EndedAt.UTC().Truncate(24 * time.Hour)

		if _, err := s.partitions.EnsurePartitionExists(ctx, "parent_run_lineage", parentDate); err != nil {
			return fmt.Errorf("%w: %w", ErrLineagePopulationFailed, err)
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrLineagePopulationFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize concurrent populators of this run for the transaction's
	// lifetime; the lock releases automatically on commit or rollback.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, runID); err != nil {
		return fmt.Errorf("%w: acquire run lock: %w", ErrLineagePopulationFailed, err)
	}

	if err := s.populateRunRows(ctx, tx, runID, runDate); err != nil {
		return err
	}

	if populateParent {
		if err := s.populateParentRows(ctx, tx, runID, parentDate); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrLineagePopulationFailed, err)
	}

	s.logger.Info("Populated denormalized lineage",
		slog.String("run_id", runID.String()),
		slog.String("run_date", runDate.Format("2006-01-02")),
		slog.Bool("parent_lineage", populateParent),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// populateRunRows replaces the run_lineage rows for a run.
func (s *MaintenanceService) populateRunRows(
	ctx context.Context,
	tx *sql.Tx,
	runID uuid.UUID,
	runDate time.Time,
) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_lineage WHERE run_uuid = $1`, runID); err != nil {
		return fmt.Errorf("%w: delete existing rows: %w", ErrLineagePopulationFailed, err)
	}

	// Summary row: always present, so a run with no dataset versions is still
	// represented.
	const insertSummary = `
		INSERT INTO run_lineage (run_uuid, run_date, job_namespace, job_name,
		                         state, started_at, ended_at)
		SELECT r.uuid, $2, j.namespace_name, j.name, r.state, r.started_at, r.ended_at
		FROM runs r
		JOIN jobs j ON j.uuid = r.job_uuid
		WHERE r.uuid = $1`

	// Input rows: producer is the run that created the consumed version.
	const insertInputs = `
		INSERT INTO run_lineage (run_uuid, run_date, job_namespace, job_name,
		                         state, started_at, ended_at,
		                         dataset_version_uuid, dataset_namespace, dataset_name,
		                         dataset_version, producer_run_uuid)
		SELECT r.uuid, $2, j.namespace_name, j.name, r.state, r.started_at, r.ended_at,
		       dv.uuid, d.namespace_name, d.name, dv.version, dv.run_uuid
		FROM runs r
		JOIN jobs j ON j.uuid = r.job_uuid
		JOIN runs_input_mapping rim ON rim.run_uuid = r.uuid
		JOIN dataset_versions dv ON dv.uuid = rim.dataset_version_uuid
		JOIN datasets d ON d.uuid = dv.dataset_uuid
		WHERE r.uuid = $1`

	// Output rows: the run is its own producer.
	const insertOutputs = `
		INSERT INTO run_lineage (run_uuid, run_date, job_namespace, job_name,
		                         state, started_at, ended_at,
		                         dataset_version_uuid, dataset_namespace, dataset_name,
		                         dataset_version, producer_run_uuid)
		SELECT r.uuid, $2, j.namespace_name, j.name, r.state, r.started_at, r.ended_at,
		       dv.uuid, d.namespace_name, d.name, dv.version, r.uuid
		FROM runs r
		JOIN jobs j ON j.uuid = r.job_uuid
		JOIN dataset_versions dv ON dv.run_uuid = r.uuid
		JOIN datasets d ON d.uuid = dv.dataset_uuid
		WHERE r.uuid = $1`

	for _, stmt := range []string{insertSummary, insertInputs, insertOutputs} {
		if _, err := tx.ExecContext(ctx, stmt, runID, runDate); err != nil {
			return fmt.Errorf("%w: insert rows: %w", ErrLineagePopulationFailed, err)
		}
	}

	return nil
}

// populateParentRows replaces the parent_run_lineage rows for a root run,
// folding its entire child subtree into rows keyed by the root.
func (s *MaintenanceService) populateParentRows(
	ctx context.Context,
	tx *sql.Tx,
	parentRunID uuid.UUID,
	runDate time.Time,
) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM parent_run_lineage WHERE parent_run_uuid = $1`, parentRunID); err != nil {
		return fmt.Errorf("%w: delete existing parent rows: %w", ErrLineagePopulationFailed, err)
	}

	const insert = `
		WITH RECURSIVE family (uuid) AS (
		    SELECT uuid FROM runs WHERE uuid = $1
		    UNION ALL
		    SELECT r.uuid FROM runs r JOIN family f ON r.parent_run_uuid = f.uuid
		),
		touched AS (
		    SELECT rim.run_uuid, dv.uuid AS dataset_version_uuid, dv.dataset_uuid
		    FROM runs_input_mapping rim
		    JOIN dataset_versions dv ON dv.uuid = rim.dataset_version_uuid
		    UNION
		    SELECT dv.run_uuid, dv.uuid, dv.dataset_uuid
		    FROM dataset_versions dv
		    WHERE dv.run_uuid IS NOT NULL
		)
		INSERT INTO parent_run_lineage (parent_run_uuid, run_date, child_run_uuid,
		                                job_namespace, job_name, state,
		                                dataset_version_uuid, dataset_namespace, dataset_name)
		SELECT $1, $2, r.uuid, j.namespace_name, j.name, r.state,
		       t.dataset_version_uuid, d.namespace_name, d.name
		FROM family f
		JOIN runs r ON r.uuid = f.uuid
		JOIN jobs j ON j.uuid = r.job_uuid
		LEFT JOIN touched t ON t.run_uuid = r.uuid
		LEFT JOIN datasets d ON d.uuid = t.dataset_uuid`

	if _, err := tx.ExecContext(ctx, insert, parentRunID, runDate); err != nil {
		return fmt.Errorf("%w: insert parent rows: %w", ErrLineagePopulationFailed, err)
	}

	return nil
}

// PopulateAllExistingRuns rebuilds denormalized lineage for every terminal run.
//
// Each run populates in its own transaction: a corrupt or unpopulatable run is
// logged and skipped, never aborting the pass. Intended for small installs and
// operator-triggered repair; large historical rebuilds should use the backfill
// migrator, which checkpoints progress.
func (s *MaintenanceService) PopulateAllExistingRuns(ctx context.Context) (*PopulationSummary, error) {
	const query = `
		SELECT uuid FROM runs
		WHERE state IN ('COMPLETED', 'FAILED')
		ORDER BY created_at, uuid`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list terminal runs: %w", ErrLineagePopulationFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var runIDs []uuid.UUID

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", ErrLineagePopulationFailed, err)
		}

		runIDs = append(runIDs, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrLineagePopulationFailed, err)
	}

	summary := &PopulationSummary{}

	for _, runID := range runIDs {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("%w: %w", ErrLineagePopulationFailed, err)
		}

		if err := s.PopulateLineageForRun(ctx, runID); err != nil {
			summary.Skipped++

			s.logger.Warn("Skipping run during bulk lineage population",
				slog.String("run_id", runID.String()),
				slog.Any("error", err))

			continue
		}

		summary.Processed++
	}

	s.logger.Info("Completed bulk lineage population",
		slog.Int("processed", summary.Processed),
		slog.Int("skipped", summary.Skipped))

	return summary, nil
}

// loadRun fetches a run or returns ErrRunNotFound.
func (s *MaintenanceService) loadRun(ctx context.Context, runID uuid.UUID) (*metadata.Run, error) {
	const query = `
		SELECT uuid, job_uuid, job_version_uuid, parent_run_uuid,
		       state, started_at, ended_at, created_at
		FROM runs
		WHERE uuid = $1`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: load run %s: %w", ErrLineagePopulationFailed, runID, err)
	}

	return run, nil
}
