package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/traceline-io/traceline/internal/config"
	"github.com/traceline-io/traceline/internal/lineage"
	"github.com/traceline-io/traceline/internal/metadata"
)

// Sentinel errors for traversal queries.
var (
	// ErrTraversalQueryFailed is returned when a lineage traversal query fails.
	ErrTraversalQueryFailed = errors.New("lineage traversal query failed")

	// Compile-time interface assertion: TraversalStore is the storage backend
	// of the lineage read path.
	_ lineage.Store = (*TraversalStore)(nil)
)

// slowTraversalThreshold flags traversals that likely need a tighter depth or
// missing index.
const slowTraversalThreshold = 500 * time.Millisecond

// TraversalStore implements lineage.Store with recursive CTE traversals over
// the normalized entity tables.
//
// All methods are read-only and safe for concurrent use. Graphs are computed
// fresh per query; nothing here touches the denormalized lineage tables.
type TraversalStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewTraversalStore creates a PostgreSQL-backed traversal store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewTraversalStore(conn *Connection) (*TraversalStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &TraversalStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// FindJob implements lineage.Store.
//
// The inner lookup matches the requested identity; the outer join follows
// symlink_target_uuid so a renamed job resolves to its canonical identity.
// Returns (nil, nil) when no such job exists.
func (s *TraversalStore) FindJob(ctx context.Context, namespace, name string) (*metadata.Job, error) {
	const query = `
		SELECT j.uuid, j.namespace_name, j.name,
		       j.current_version_uuid, j.symlink_target_uuid, j.is_hidden,
		       j.created_at, j.updated_at
		FROM jobs source
		JOIN jobs j ON j.uuid = COALESCE(source.symlink_target_uuid, source.uuid)
		WHERE source.namespace_name = $1 AND source.name = $2`

	var (
		job            metadata.Job
		currentVersion uuid.NullUUID
		symlinkTarget  uuid.NullUUID
	)

	err := s.conn.QueryRowContext(ctx, query, namespace, name).Scan(
		&job.UUID, &job.Namespace, &job.Name,
		&currentVersion, &symlinkTarget, &job.IsHidden,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: find job %s:%s: %w", ErrTraversalQueryFailed, namespace, name, err)
	}

	if currentVersion.Valid {
		job.CurrentVersionUUID = &currentVersion.UUID
	}

	if symlinkTarget.Valid {
		job.SymlinkTargetUUID = &symlinkTarget.UUID
	}

	return &job, nil
}

// FindRun implements lineage.Store. Returns (nil, nil) when no such run exists.
func (s *TraversalStore) FindRun(ctx context.Context, runID uuid.UUID) (*metadata.Run, error) {
	const query = `
		SELECT uuid, job_uuid, job_version_uuid, parent_run_uuid,
		       state, started_at, ended_at, created_at
		FROM runs
		WHERE uuid = $1`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: find run %s: %w", ErrTraversalQueryFailed, runID, err)
	}

	return run, nil
}

// FindJobsTouchingDataset implements lineage.Store.
//
// The dataset identity is resolved through dataset_symlinks before looking up
// jobs, and each matching job is resolved through its own symlink target.
func (s *TraversalStore) FindJobsTouchingDataset(
	ctx context.Context,
	namespace, name string,
) ([]uuid.UUID, error) {
	const query = `
		WITH target AS (
		    SELECT uuid FROM datasets WHERE namespace_name = $1 AND name = $2
		    UNION
		    SELECT dataset_uuid FROM dataset_symlinks WHERE namespace_name = $1 AND name = $2
		)
		SELECT DISTINCT COALESCE(j.symlink_target_uuid, j.uuid)
		FROM target t
		JOIN job_versions_io_mapping io ON io.dataset_uuid = t.uuid
		JOIN job_versions jv ON jv.uuid = io.job_version_uuid AND jv.is_current
		JOIN jobs j ON j.uuid = jv.job_uuid
		WHERE NOT j.is_hidden`

	rows, err := s.conn.QueryContext(ctx, query, namespace, name)
	if err != nil {
		return nil, fmt.Errorf("%w: jobs touching dataset %s:%s: %w",
			ErrTraversalQueryFailed, namespace, name, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var jobIDs []uuid.UUID

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", ErrTraversalQueryFailed, err)
		}

		jobIDs = append(jobIDs, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrTraversalQueryFailed, err)
	}

	return jobIDs, nil
}

// GetJobNeighborhood implements lineage.Store.
//
// The job_io relation restricts edges to current job versions that have at
// least one COMPLETED run, so attempted producers and consumers never link
// jobs together. The frontier expands breadth-first through shared datasets,
// bounded by depth; UNION semantics deduplicate revisited (job, depth) pairs
// so cyclic neighborhoods terminate.
func (s *TraversalStore) GetJobNeighborhood(
	ctx context.Context,
	jobIDs []uuid.UUID,
	depth int,
) ([]lineage.JobRow, error) {
	if depth < 0 {
		return nil, lineage.ErrInvalidDepth
	}

	if len(jobIDs) == 0 {
		return nil, nil
	}

	const query = `
		WITH RECURSIVE job_io AS (
		    SELECT COALESCE(j.symlink_target_uuid, j.uuid) AS job_uuid,
		           io.dataset_uuid,
		           io.io_type
		    FROM jobs j
		    JOIN job_versions jv ON jv.job_uuid = j.uuid AND jv.is_current
		    JOIN job_versions_io_mapping io ON io.job_version_uuid = jv.uuid
		    WHERE EXISTS (
		        SELECT 1 FROM runs r
		        WHERE r.job_uuid = j.uuid
		          AND r.job_version_uuid = jv.uuid
		          AND r.state = 'COMPLETED'
		    )
		),
		frontier (job_uuid, depth) AS (
		    SELECT unnest($1::uuid[]), 0
		    UNION
		    SELECT other.job_uuid, f.depth + 1
		    FROM frontier f
		    JOIN job_io mine ON mine.job_uuid = f.job_uuid
		    JOIN job_io other ON other.dataset_uuid = mine.dataset_uuid
		                     AND other.job_uuid <> f.job_uuid
		    WHERE f.depth < $2
		)
		SELECT v.job_uuid, j.namespace_name, j.name,
		       COALESCE(inputs.ids, '{}'), COALESCE(outputs.ids, '{}')
		FROM (SELECT job_uuid, MIN(depth) AS depth FROM frontier GROUP BY job_uuid) v
		JOIN jobs j ON j.uuid = v.job_uuid
		LEFT JOIN LATERAL (
		    SELECT array_agg(DISTINCT dataset_uuid) AS ids
		    FROM job_io
		    WHERE job_uuid = v.job_uuid AND io_type = 'INPUT'
		) inputs ON TRUE
		LEFT JOIN LATERAL (
		    SELECT array_agg(DISTINCT dataset_uuid) AS ids
		    FROM job_io
		    WHERE job_uuid = v.job_uuid AND io_type = 'OUTPUT'
		) outputs ON TRUE
		WHERE NOT j.is_hidden
		ORDER BY j.namespace_name, j.name`

	start := time.Now()

	rows, err := s.conn.QueryContext(ctx, query, pq.Array(jobIDs), depth)
	if err != nil {
		return nil, fmt.Errorf("%w: job neighborhood: %w", ErrTraversalQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var results []lineage.JobRow

	for rows.Next() {
		var row lineage.JobRow

		err := rows.Scan(
			&row.JobUUID, &row.Namespace, &row.Name,
			pq.Array(&row.InputDatasets), pq.Array(&row.OutputDatasets),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", ErrTraversalQueryFailed, err)
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrTraversalQueryFailed, err)
	}

	s.logSlow(ctx, "job neighborhood", start, len(results), depth)

	return results, nil
}

// GetDatasets implements lineage.Store.
func (s *TraversalStore) GetDatasets(
	ctx context.Context,
	datasetIDs []uuid.UUID,
) ([]lineage.DatasetRow, error) {
	if len(datasetIDs) == 0 {
		return nil, nil
	}

	const query = `
		SELECT uuid, namespace_name, name, is_deleted
		FROM datasets
		WHERE uuid = ANY($1::uuid[])`

	rows, err := s.conn.QueryContext(ctx, query, pq.Array(datasetIDs))
	if err != nil {
		return nil, fmt.Errorf("%w: get datasets: %w", ErrTraversalQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var results []lineage.DatasetRow

	for rows.Next() {
		var row lineage.DatasetRow

		if err := rows.Scan(&row.DatasetUUID, &row.Namespace, &row.Name, &row.IsDeleted); err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", ErrTraversalQueryFailed, err)
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrTraversalQueryFailed, err)
	}

	return results, nil
}

// GetLatestRuns implements lineage.Store.
//
// DISTINCT ON picks the most recent run per job by creation time, restricted
// to the job's current version. The lateral aggregations resolve the run's
// consumed input versions and produced output versions to dataset ids.
func (s *TraversalStore) GetLatestRuns(
	ctx context.Context,
	jobIDs []uuid.UUID,
) ([]lineage.LatestRunRow, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}

	const query = `
		SELECT r.job_uuid,
		       r.uuid, r.job_version_uuid, r.parent_run_uuid,
		       r.state, r.started_at, r.ended_at, r.created_at,
		       COALESCE(ins.ids, '{}'), COALESCE(outs.ids, '{}')
		FROM (
		    SELECT DISTINCT ON (runs.job_uuid)
		        runs.job_uuid, runs.uuid, runs.job_version_uuid, runs.parent_run_uuid,
		        runs.state, runs.started_at, runs.ended_at, runs.created_at
		    FROM runs
		    JOIN job_versions jv ON jv.uuid = runs.job_version_uuid AND jv.is_current
		    WHERE runs.job_uuid = ANY($1::uuid[])
		    ORDER BY runs.job_uuid, runs.created_at DESC
		) r
		LEFT JOIN LATERAL (
		    SELECT array_agg(DISTINCT dv.dataset_uuid) AS ids
		    FROM runs_input_mapping rim
		    JOIN dataset_versions dv ON dv.uuid = rim.dataset_version_uuid
		    WHERE rim.run_uuid = r.uuid
		) ins ON TRUE
		LEFT JOIN LATERAL (
		    SELECT array_agg(DISTINCT dv.dataset_uuid) AS ids
		    FROM dataset_versions dv
		    WHERE dv.run_uuid = r.uuid
		) outs ON TRUE`

	rows, err := s.conn.QueryContext(ctx, query, pq.Array(jobIDs))
	if err != nil {
		return nil, fmt.Errorf("%w: latest runs: %w", ErrTraversalQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var results []lineage.LatestRunRow

	for rows.Next() {
		var (
			row       lineage.LatestRunRow
			parentRun uuid.NullUUID
			startedAt sql.NullTime
			endedAt   sql.NullTime
		)

		err := rows.Scan(
			&row.JobUUID,
			&row.Run.UUID, &row.Run.JobVersionUUID, &parentRun,
			&row.Run.State, &startedAt, &endedAt, &row.Run.CreatedAt,
			pq.Array(&row.InputDatasets), pq.Array(&row.OutputDatasets),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", ErrTraversalQueryFailed, err)
		}

		row.Run.JobUUID = row.JobUUID

		if parentRun.Valid {
			row.Run.ParentRunUUID = &parentRun.UUID
		}

		if startedAt.Valid {
			row.Run.StartedAt = &startedAt.Time
		}

		if endedAt.Valid {
			row.Run.EndedAt = &endedAt.Time
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrTraversalQueryFailed, err)
	}

	return results, nil
}

// runLineageQuery is shared by GetRunLineage and GetParentRunLineage.
//
// run_io unions both sides of the run/dataset-version relation: rows a run
// consumed (runs_input_mapping) and rows it produced (dataset_versions).
// The visited set expands to counterpart runs on the opposite side of a
// shared version; the self-join guard keeps merge-style jobs that read their
// own output from recursing onto themselves.
//
// The final projection emits, per visited run, one row per consumed input
// version with its producing run as counterpart. Runs without inputs still
// get a single row with NULL dataset columns so every visited node surfaces.
// NULLIF drops self-referencing counterparts. Facets aggregate latest-first
// per name, optionally restricted to $3.
const runLineageQuery = `
	WITH RECURSIVE run_io AS (
	    SELECT rim.run_uuid, rim.dataset_version_uuid, FALSE AS is_output
	    FROM runs_input_mapping rim
	    UNION ALL
	    SELECT dv.run_uuid, dv.uuid, TRUE
	    FROM dataset_versions dv
	    WHERE dv.run_uuid IS NOT NULL
	),
	visited (run_uuid, depth) AS (
	    SELECT unnest($1::uuid[]), 0
	    UNION
	    SELECT other.run_uuid, v.depth + 1
	    FROM visited v
	    JOIN run_io mine ON mine.run_uuid = v.run_uuid
	    JOIN run_io other ON other.dataset_version_uuid = mine.dataset_version_uuid
	                     AND other.is_output <> mine.is_output
	                     AND other.run_uuid <> v.run_uuid
	    WHERE v.depth < $2
	)
	SELECT v.depth,
	       v.run_uuid,
	       j.namespace_name, j.name,
	       r.state, r.started_at, r.ended_at,
	       edge.dataset_version_uuid,
	       d.namespace_name, d.name,
	       NULLIF(edge.producer_uuid, v.run_uuid),
	       facets.facets
	FROM (SELECT run_uuid, MIN(depth) AS depth FROM visited GROUP BY run_uuid) v
	JOIN runs r ON r.uuid = v.run_uuid
	JOIN jobs j ON j.uuid = r.job_uuid
	LEFT JOIN LATERAL (
	    SELECT rim.dataset_version_uuid, dv.dataset_uuid, dv.run_uuid AS producer_uuid
	    FROM runs_input_mapping rim
	    JOIN dataset_versions dv ON dv.uuid = rim.dataset_version_uuid
	    WHERE rim.run_uuid = v.run_uuid
	) edge ON TRUE
	LEFT JOIN datasets d ON d.uuid = edge.dataset_uuid
	LEFT JOIN LATERAL (
	    SELECT jsonb_object_agg(f.name, f.facet) AS facets
	    FROM (
	        SELECT DISTINCT ON (name) name, facet
	        FROM run_facets
	        WHERE run_uuid = v.run_uuid
	          AND ($3::text[] IS NULL OR name = ANY($3::text[]))
	        ORDER BY name, lineage_event_time DESC
	    ) f
	) facets ON TRUE
	ORDER BY v.depth, j.name, v.run_uuid`

// GetRunLineage implements lineage.Store.
//
// facetNames scopes facet aggregation to a named subset. An unfiltered
// aggregation over a facet-heavy run can approach the storage engine's 256 MB
// per-row ceiling, so callers expose the filter to users rather than always
// fetching everything.
func (s *TraversalStore) GetRunLineage(
	ctx context.Context,
	runIDs []uuid.UUID,
	depth int,
	facetNames []string,
) ([]lineage.RunEdgeRow, error) {
	if depth < 0 {
		return nil, lineage.ErrInvalidDepth
	}

	if len(runIDs) == 0 {
		return nil, nil
	}

	start := time.Now()

	rows, err := s.conn.QueryContext(ctx, runLineageQuery, pq.Array(runIDs), depth, pq.Array(facetNames))
	if err != nil {
		return nil, fmt.Errorf("%w: run lineage: %w", ErrTraversalQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var results []lineage.RunEdgeRow

	for rows.Next() {
		var (
			row            lineage.RunEdgeRow
			startedAt      sql.NullTime
			endedAt        sql.NullTime
			datasetVersion uuid.NullUUID
			datasetNS      sql.NullString
			datasetName    sql.NullString
			counterpart    uuid.NullUUID
			facetsJSON     []byte
		)

		err := rows.Scan(
			&row.Depth, &row.RunUUID,
			&row.JobNamespace, &row.JobName,
			&row.State, &startedAt, &endedAt,
			&datasetVersion, &datasetNS, &datasetName,
			&counterpart, &facetsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", ErrTraversalQueryFailed, err)
		}

		if startedAt.Valid {
			row.StartedAt = &startedAt.Time
		}

		if endedAt.Valid {
			row.EndedAt = &endedAt.Time
		}

		row.DatasetVersionUUID = datasetVersion.UUID
		row.DatasetNamespace = datasetNS.String
		row.DatasetName = datasetName.String

		if counterpart.Valid {
			row.CounterpartUUID = &counterpart.UUID
		}

		if len(facetsJSON) > 0 {
			if err := json.Unmarshal(facetsJSON, &row.Facets); err != nil {
				return nil, fmt.Errorf("%w: failed to decode facets: %w", ErrTraversalQueryFailed, err)
			}
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrTraversalQueryFailed, err)
	}

	s.logSlow(ctx, "run lineage", start, len(results), depth)

	return results, nil
}

// GetParentRunLineage implements lineage.Store.
//
// The parent's entire child subtree seeds the traversal, and every subtree row
// is then rewritten onto the parent's identity. Callers see one logical run
// where the children used to be: child facets merge under the parent, external
// counterparts attach directly to it, and links between family members become
// self-references the graph builder discards.
func (s *TraversalStore) GetParentRunLineage(
	ctx context.Context,
	parentRunID uuid.UUID,
	depth int,
	facetNames []string,
) ([]lineage.RunEdgeRow, error) {
	const subtreeQuery = `
		WITH RECURSIVE family (uuid) AS (
		    SELECT uuid FROM runs WHERE uuid = $1
		    UNION ALL
		    SELECT r.uuid FROM runs r JOIN family f ON r.parent_run_uuid = f.uuid
		)
		SELECT uuid FROM family`

	rows, err := s.conn.QueryContext(ctx, subtreeQuery, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("%w: run subtree %s: %w", ErrTraversalQueryFailed, parentRunID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var family []uuid.UUID

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", ErrTraversalQueryFailed, err)
		}

		family = append(family, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrTraversalQueryFailed, err)
	}

	results, err := s.GetRunLineage(ctx, family, depth, facetNames)
	if err != nil {
		return nil, err
	}

	return foldRunFamily(parentRunID, family, results), nil
}

// foldRunFamily rewrites every row belonging to the run family onto the
// ancestor run id. The ancestor's own seed row supplies the folded identity
// (job, state, run window); counterpart references inside the family are
// rewritten too, so intra-family dataset handoffs collapse to self-references.
func foldRunFamily(
	parentRunID uuid.UUID,
	family []uuid.UUID,
	rows []lineage.RunEdgeRow,
) []lineage.RunEdgeRow {
	inFamily := make(map[uuid.UUID]struct{}, len(family))
	for _, id := range family {
		inFamily[id] = struct{}{}
	}

	var root *lineage.RunEdgeRow

	for i := range rows {
		if rows[i].RunUUID == parentRunID {
			root = &rows[i]
			break
		}
	}

	for i := range rows {
		if _, ok := inFamily[rows[i].RunUUID]; ok {
			rows[i].RunUUID = parentRunID
			rows[i].Depth = 0

			if root != nil {
				rows[i].JobNamespace = root.JobNamespace
				rows[i].JobName = root.JobName
				rows[i].State = root.State
				rows[i].StartedAt = root.StartedAt
				rows[i].EndedAt = root.EndedAt
			}
		}

		if cp := rows[i].CounterpartUUID; cp != nil {
			if _, ok := inFamily[*cp]; ok {
				folded := parentRunID
				rows[i].CounterpartUUID = &folded
			}
		}
	}

	return rows
}

// GetUpstreamRuns implements lineage.Store.
//
// Traversal follows consumed input versions to their producing runs only, so
// the result is a strict upstream listing. Each visited run emits one row per
// consumed input; runs with no inputs (sources) emit a single row with empty
// dataset columns. Ordering is depth ascending then job name ascending, with
// dataset identity as a deterministic tiebreaker.
func (s *TraversalStore) GetUpstreamRuns(
	ctx context.Context,
	runID uuid.UUID,
	depth int,
) ([]lineage.UpstreamRun, error) {
	if depth < 0 {
		return nil, lineage.ErrInvalidDepth
	}

	const query = `
		WITH RECURSIVE upstream (run_uuid, depth) AS (
		    SELECT $1::uuid, 0
		    UNION
		    SELECT dv.run_uuid, u.depth + 1
		    FROM upstream u
		    JOIN runs_input_mapping rim ON rim.run_uuid = u.run_uuid
		    JOIN dataset_versions dv ON dv.uuid = rim.dataset_version_uuid
		    WHERE dv.run_uuid IS NOT NULL
		      AND dv.run_uuid <> u.run_uuid
		      AND u.depth < $2
		)
		SELECT u.depth,
		       j.namespace_name, j.name,
		       r.uuid, r.state, r.started_at, r.ended_at,
		       d.namespace_name, d.name, dv.version
		FROM (SELECT run_uuid, MIN(depth) AS depth FROM upstream GROUP BY run_uuid) u
		JOIN runs r ON r.uuid = u.run_uuid
		JOIN jobs j ON j.uuid = r.job_uuid
		LEFT JOIN runs_input_mapping rim ON rim.run_uuid = r.uuid
		LEFT JOIN dataset_versions dv ON dv.uuid = rim.dataset_version_uuid
		LEFT JOIN datasets d ON d.uuid = dv.dataset_uuid
		ORDER BY u.depth ASC, j.name ASC, d.namespace_name, d.name`

	start := time.Now()

	rows, err := s.conn.QueryContext(ctx, query, runID, depth)
	if err != nil {
		return nil, fmt.Errorf("%w: upstream runs: %w", ErrTraversalQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var results []lineage.UpstreamRun

	for rows.Next() {
		var (
			row         lineage.UpstreamRun
			startedAt   sql.NullTime
			endedAt     sql.NullTime
			datasetNS   sql.NullString
			datasetName sql.NullString
			version     sql.NullInt64
		)

		err := rows.Scan(
			&row.Depth,
			&row.JobNamespace, &row.JobName,
			&row.RunUUID, &row.State, &startedAt, &endedAt,
			&datasetNS, &datasetName, &version,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", ErrTraversalQueryFailed, err)
		}

		if startedAt.Valid {
			row.StartedAt = &startedAt.Time
		}

		if endedAt.Valid {
			row.EndedAt = &endedAt.Time
		}

		row.DatasetNamespace = datasetNS.String
		row.DatasetName = datasetName.String
		row.DatasetVersion = version.Int64

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrTraversalQueryFailed, err)
	}

	s.logSlow(ctx, "upstream runs", start, len(results), depth)

	return results, nil
}

// logSlow warns about traversals exceeding the slow-query threshold.
func (s *TraversalStore) logSlow(_ context.Context, name string, start time.Time, count, depth int) {
	duration := time.Since(start)
	if duration <= slowTraversalThreshold {
		return
	}

	s.logger.Warn("Slow lineage traversal detected",
		slog.String("query", name),
		slog.Duration("duration", duration),
		slog.Int("result_count", count),
		slog.Int("depth", depth))
}

// scanRun scans a runs row from a single-row query.
func scanRun(row *sql.Row) (*metadata.Run, error) {
	var (
		run       metadata.Run
		parentRun uuid.NullUUID
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)

	err := row.Scan(
		&run.UUID, &run.JobUUID, &run.JobVersionUUID, &parentRun,
		&run.State, &startedAt, &endedAt, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentRun.Valid {
		run.ParentRunUUID = &parentRun.UUID
	}

	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}

	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}

	return &run, nil
}
