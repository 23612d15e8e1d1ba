package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/traceline-io/traceline/internal/config"
	"github.com/traceline-io/traceline/internal/metadata"
)

// fixture seeds entity-store rows for storage integration tests.
type fixture struct {
	t    *testing.T
	ctx  context.Context
	conn *Connection
}

// setupStorageTest starts a migrated postgres container and returns a fixture.
// Cleanup is registered on t.
func setupStorageTest(ctx context.Context, t *testing.T) *fixture {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return &fixture{
		t:    t,
		ctx:  ctx,
		conn: NewConnectionFromDB(testDB.Connection),
	}
}

func (f *fixture) createNamespace(name string) uuid.UUID {
	f.t.Helper()

	id := uuid.New()
	_, err := f.conn.ExecContext(f.ctx,
		`INSERT INTO namespaces (uuid, name) VALUES ($1, $2)`, id, name)
	require.NoError(f.t, err)

	return id
}

// createJob inserts a job with one current version and returns both ids.
func (f *fixture) createJob(namespaceUUID uuid.UUID, namespace, name string) (uuid.UUID, uuid.UUID) {
	f.t.Helper()

	jobUUID := uuid.New()
	versionUUID := uuid.New()

	_, err := f.conn.ExecContext(f.ctx,
		`INSERT INTO jobs (uuid, namespace_uuid, namespace_name, name, current_version_uuid)
		 VALUES ($1, $2, $3, $4, $5)`,
		jobUUID, namespaceUUID, namespace, name, versionUUID)
	require.NoError(f.t, err)

	_, err = f.conn.ExecContext(f.ctx,
		`INSERT INTO job_versions (uuid, job_uuid, version, is_current)
		 VALUES ($1, $2, $3, TRUE)`,
		versionUUID, jobUUID, uuid.New())
	require.NoError(f.t, err)

	return jobUUID, versionUUID
}

func (f *fixture) hideJob(jobUUID uuid.UUID) {
	f.t.Helper()

	_, err := f.conn.ExecContext(f.ctx,
		`UPDATE jobs SET is_hidden = TRUE WHERE uuid = $1`, jobUUID)
	require.NoError(f.t, err)
}

func (f *fixture) symlinkJob(sourceUUID, targetUUID uuid.UUID) {
	f.t.Helper()

	_, err := f.conn.ExecContext(f.ctx,
		`UPDATE jobs SET symlink_target_uuid = $2 WHERE uuid = $1`, sourceUUID, targetUUID)
	require.NoError(f.t, err)
}

func (f *fixture) createDataset(namespaceUUID uuid.UUID, namespace, name string) uuid.UUID {
	f.t.Helper()

	id := uuid.New()
	_, err := f.conn.ExecContext(f.ctx,
		`INSERT INTO datasets (uuid, namespace_uuid, namespace_name, name)
		 VALUES ($1, $2, $3, $4)`,
		id, namespaceUUID, namespace, name)
	require.NoError(f.t, err)

	return id
}

func (f *fixture) softDeleteDataset(datasetUUID uuid.UUID) {
	f.t.Helper()

	_, err := f.conn.ExecContext(f.ctx,
		`UPDATE datasets SET is_deleted = TRUE WHERE uuid = $1`, datasetUUID)
	require.NoError(f.t, err)
}

func (f *fixture) addDatasetSymlink(datasetUUID uuid.UUID, namespace, name string, primary bool) {
	f.t.Helper()

	_, err := f.conn.ExecContext(f.ctx,
		`INSERT INTO dataset_symlinks (dataset_uuid, namespace_name, name, is_primary)
		 VALUES ($1, $2, $3, $4)`,
		datasetUUID, namespace, name, primary)
	require.NoError(f.t, err)
}

// createDatasetVersion inserts a version, optionally produced by a run.
func (f *fixture) createDatasetVersion(datasetUUID uuid.UUID, version int64, producerRun *uuid.UUID) uuid.UUID {
	f.t.Helper()

	id := uuid.New()
	_, err := f.conn.ExecContext(f.ctx,
		`INSERT INTO dataset_versions (uuid, dataset_uuid, version, run_uuid)
		 VALUES ($1, $2, $3, $4)`,
		id, datasetUUID, version, producerRun)
	require.NoError(f.t, err)

	return id
}

type runSpec struct {
	jobUUID     uuid.UUID
	versionUUID uuid.UUID
	parent      *uuid.UUID
	state       metadata.RunState
	startedAt   *time.Time
	endedAt     *time.Time
	createdAt   time.Time
}

func (f *fixture) createRun(spec runSpec) uuid.UUID {
	f.t.Helper()

	if spec.createdAt.IsZero() {
		spec.createdAt = time.Now().UTC()
	}

	id := uuid.New()
	_, err := f.conn.ExecContext(f.ctx,
		`INSERT INTO runs (uuid, job_uuid, job_version_uuid, parent_run_uuid,
		                   state, started_at, ended_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, spec.jobUUID, spec.versionUUID, spec.parent,
		string(spec.state), spec.startedAt, spec.endedAt, spec.createdAt)
	require.NoError(f.t, err)

	return id
}

func (f *fixture) addRunInput(runUUID, datasetVersionUUID uuid.UUID) {
	f.t.Helper()

	_, err := f.conn.ExecContext(f.ctx,
		`INSERT INTO runs_input_mapping (run_uuid, dataset_version_uuid) VALUES ($1, $2)`,
		runUUID, datasetVersionUUID)
	require.NoError(f.t, err)
}

func (f *fixture) addJobIO(versionUUID, datasetUUID uuid.UUID, ioType metadata.IOType) {
	f.t.Helper()

	_, err := f.conn.ExecContext(f.ctx,
		`INSERT INTO job_versions_io_mapping (job_version_uuid, dataset_uuid, io_type)
		 VALUES ($1, $2, $3)`,
		versionUUID, datasetUUID, string(ioType))
	require.NoError(f.t, err)
}

func (f *fixture) addRunFacet(runUUID uuid.UUID, name string, eventTime time.Time, facetJSON string) {
	f.t.Helper()

	_, err := f.conn.ExecContext(f.ctx,
		`INSERT INTO run_facets (uuid, run_uuid, lineage_event_time, name, facet)
		 VALUES ($1, $2, $3, $4, $5::jsonb)`,
		uuid.New(), runUUID, eventTime, name, facetJSON)
	require.NoError(f.t, err)
}

func (f *fixture) countRows(table string, column string, id uuid.UUID) int {
	f.t.Helper()

	var count int

	//nolint:gosec // table and column names come from test code, not input
	err := f.conn.QueryRowContext(f.ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE `+column+` = $1`, id).Scan(&count)
	require.NoError(f.t, err)

	return count
}

// timePtr returns a pointer to t.
func timePtr(t time.Time) *time.Time {
	return &t
}
