package lineage

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceline-io/traceline/internal/aliasing"
	"github.com/traceline-io/traceline/internal/metadata"
)

// stubStore implements Store with canned responses for service-level tests.
type stubStore struct {
	job             *metadata.Job
	run             *metadata.Run
	jobsForDataset  []uuid.UUID
	neighborhood    []JobRow
	datasets        []DatasetRow
	latestRuns      []LatestRunRow
	runRows         []RunEdgeRow
	upstream        []UpstreamRun
	err             error
	findJobCalls    []string
	parentCalled    bool
	runLineageCalls int
}

var _ Store = (*stubStore)(nil)

func (s *stubStore) FindJob(_ context.Context, namespace, name string) (*metadata.Job, error) {
	s.findJobCalls = append(s.findJobCalls, namespace+":"+name)

	return s.job, s.err
}

func (s *stubStore) FindRun(_ context.Context, _ uuid.UUID) (*metadata.Run, error) {
	return s.run, s.err
}

func (s *stubStore) FindJobsTouchingDataset(_ context.Context, _, _ string) ([]uuid.UUID, error) {
	return s.jobsForDataset, s.err
}

func (s *stubStore) GetJobNeighborhood(_ context.Context, _ []uuid.UUID, _ int) ([]JobRow, error) {
	return s.neighborhood, s.err
}

func (s *stubStore) GetDatasets(_ context.Context, _ []uuid.UUID) ([]DatasetRow, error) {
	return s.datasets, s.err
}

func (s *stubStore) GetLatestRuns(_ context.Context, _ []uuid.UUID) ([]LatestRunRow, error) {
	return s.latestRuns, s.err
}

func (s *stubStore) GetRunLineage(_ context.Context, _ []uuid.UUID, _ int, _ []string) ([]RunEdgeRow, error) {
	s.runLineageCalls++

	return s.runRows, s.err
}

func (s *stubStore) GetParentRunLineage(_ context.Context, _ uuid.UUID, _ int, _ []string) ([]RunEdgeRow, error) {
	s.parentCalled = true

	return s.runRows, s.err
}

func (s *stubStore) GetUpstreamRuns(_ context.Context, _ uuid.UUID, _ int) ([]UpstreamRun, error) {
	return s.upstream, s.err
}

func TestService_Lineage_InvalidDepth(t *testing.T) {
	svc := NewService(&stubStore{})

	_, err := svc.Lineage(context.Background(), "job:ns:name", -1, false, nil)

	assert.ErrorIs(t, err, ErrInvalidDepth)
}

func TestService_Lineage_MalformedNodeID(t *testing.T) {
	svc := NewService(&stubStore{})

	_, err := svc.Lineage(context.Background(), "bogus", 5, false, nil)

	// Malformed identifiers surface as not-found, never as internal errors
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Lineage_JobNotFound(t *testing.T) {
	svc := NewService(&stubStore{job: nil})

	_, err := svc.Lineage(context.Background(), "job:ns:missing", 5, false, nil)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Lineage_JobGraph(t *testing.T) {
	jobUUID := uuid.New()
	store := &stubStore{
		job: &metadata.Job{UUID: jobUUID, Namespace: "ns", Name: "etl"},
		neighborhood: []JobRow{
			{JobUUID: jobUUID, Namespace: "ns", Name: "etl"},
		},
	}
	svc := NewService(store)

	graph, err := svc.Lineage(context.Background(), "job:ns:etl", 5, false, nil)

	require.NoError(t, err)
	require.Len(t, graph.Nodes, 1)
	assert.Equal(t, JobNodeID("ns", "etl"), graph.Nodes[0].ID)
}

func TestService_Lineage_DatasetNotFound(t *testing.T) {
	svc := NewService(&stubStore{jobsForDataset: nil})

	_, err := svc.Lineage(context.Background(), "dataset:ns:missing", 5, false, nil)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Lineage_RunNotFound(t *testing.T) {
	svc := NewService(&stubStore{run: nil})

	_, err := svc.Lineage(context.Background(), "run:"+uuid.NewString(), 5, false, nil)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Lineage_RunAggregateToParent(t *testing.T) {
	runID := uuid.New()
	store := &stubStore{
		run: &metadata.Run{UUID: runID, State: metadata.RunStateCompleted},
	}
	svc := NewService(store)

	_, err := svc.Lineage(context.Background(), "run:"+runID.String(), 5, true, nil)

	require.NoError(t, err)
	assert.True(t, store.parentCalled)
	assert.Zero(t, store.runLineageCalls)
}

func TestService_Lineage_RunDirect(t *testing.T) {
	runID := uuid.New()
	store := &stubStore{
		run: &metadata.Run{UUID: runID, State: metadata.RunStateCompleted},
	}
	svc := NewService(store)

	_, err := svc.Lineage(context.Background(), "run:"+runID.String(), 5, false, nil)

	require.NoError(t, err)
	assert.False(t, store.parentCalled)
	assert.Equal(t, 1, store.runLineageCalls)
}

func TestService_Lineage_StoreErrorWrapped(t *testing.T) {
	svc := NewService(&stubStore{err: errors.New("connection reset")})

	_, err := svc.Lineage(context.Background(), "job:ns:etl", 5, false, nil)

	assert.ErrorIs(t, err, ErrQueryFailed)
}

func TestService_Lineage_AliasResolutionApplied(t *testing.T) {
	jobUUID := uuid.New()
	store := &stubStore{
		job:          &metadata.Job{UUID: jobUUID, Namespace: "prod", Name: "etl"},
		neighborhood: []JobRow{{JobUUID: jobUUID, Namespace: "prod", Name: "etl"}},
	}
	resolver := aliasing.NewResolver(&aliasing.Config{
		NamespaceAliases: map[string]string{"airflow_prod": "prod"},
	})
	svc := NewService(store, WithAliasResolver(resolver))

	_, err := svc.Lineage(context.Background(), "job:airflow_prod:etl", 5, false, nil)

	require.NoError(t, err)
	require.Len(t, store.findJobCalls, 1)
	assert.Equal(t, "prod:etl", store.findJobCalls[0])
}

func TestService_Upstream_InvalidDepth(t *testing.T) {
	svc := NewService(&stubStore{})

	_, err := svc.Upstream(context.Background(), uuid.New(), -1)

	assert.ErrorIs(t, err, ErrInvalidDepth)
}

func TestService_Upstream_RunNotFound(t *testing.T) {
	svc := NewService(&stubStore{run: nil})

	_, err := svc.Upstream(context.Background(), uuid.New(), 5)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Upstream_ReturnsRows(t *testing.T) {
	runID := uuid.New()
	upstream := []UpstreamRun{
		{Depth: 1, JobNamespace: "ns", JobName: "producer", RunUUID: uuid.New()},
	}
	svc := NewService(&stubStore{
		run:      &metadata.Run{UUID: runID, State: metadata.RunStateCompleted},
		upstream: upstream,
	})

	rows, err := svc.Upstream(context.Background(), runID, 5)

	require.NoError(t, err)
	assert.Equal(t, upstream, rows)
}

func TestCollectDatasetIDs_Distinct(t *testing.T) {
	shared := uuid.New()
	other := uuid.New()
	runOnly := uuid.New()

	jobs := []JobRow{
		{InputDatasets: []uuid.UUID{shared}, OutputDatasets: []uuid.UUID{other}},
		{InputDatasets: []uuid.UUID{shared, other}},
	}
	latestRuns := []LatestRunRow{
		{InputDatasets: []uuid.UUID{shared}, OutputDatasets: []uuid.UUID{runOnly}},
	}

	ids := collectDatasetIDs(jobs, latestRuns)

	assert.ElementsMatch(t, []uuid.UUID{shared, other, runOnly}, ids)
}
