package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceline-io/traceline/internal/lineage"
	"github.com/traceline-io/traceline/internal/metadata"
)

// fakeGraphStore is a canned lineage.Store for exercising the HTTP surface
// without a database.
type fakeGraphStore struct {
	job      *metadata.Job
	run      *metadata.Run
	jobRows  []lineage.JobRow
	datasets []lineage.DatasetRow
	latest   []lineage.LatestRunRow
	upstream []lineage.UpstreamRun
}

var _ lineage.Store = (*fakeGraphStore)(nil)

func (f *fakeGraphStore) FindJob(_ context.Context, _, _ string) (*metadata.Job, error) {
	return f.job, nil
}

func (f *fakeGraphStore) FindRun(_ context.Context, _ uuid.UUID) (*metadata.Run, error) {
	return f.run, nil
}

func (f *fakeGraphStore) FindJobsTouchingDataset(_ context.Context, _, _ string) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeGraphStore) GetJobNeighborhood(_ context.Context, _ []uuid.UUID, _ int) ([]lineage.JobRow, error) {
	return f.jobRows, nil
}

func (f *fakeGraphStore) GetDatasets(_ context.Context, _ []uuid.UUID) ([]lineage.DatasetRow, error) {
	return f.datasets, nil
}

func (f *fakeGraphStore) GetLatestRuns(_ context.Context, _ []uuid.UUID) ([]lineage.LatestRunRow, error) {
	return f.latest, nil
}

func (f *fakeGraphStore) GetRunLineage(_ context.Context, _ []uuid.UUID, _ int, _ []string) ([]lineage.RunEdgeRow, error) {
	return nil, nil
}

func (f *fakeGraphStore) GetParentRunLineage(_ context.Context, _ uuid.UUID, _ int, _ []string) ([]lineage.RunEdgeRow, error) {
	return nil, nil
}

func (f *fakeGraphStore) GetUpstreamRuns(_ context.Context, _ uuid.UUID, _ int) ([]lineage.UpstreamRun, error) {
	return f.upstream, nil
}

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
		LogLevel:        slog.LevelError,
	}
}

// newTestServer wires a Server around the fake store. Admin storage
// collaborators stay nil; only handler paths that validate input before
// touching them are exercised here, the rest is covered by the storage
// integration tests.
func newTestServer(store *fakeGraphStore) http.Handler {
	server := NewServer(testServerConfig(), &Dependencies{
		Lineage: lineage.NewService(store),
	})

	return server.httpServer.Handler
}

func doRequest(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	return w
}

func TestHandlePing(t *testing.T) {
	w := doRequest(newTestServer(&fakeGraphStore{}), http.MethodGet, "/ping", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestHandleHealth(t *testing.T) {
	w := doRequest(newTestServer(&fakeGraphStore{}), http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, w.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "traceline", status.ServiceName)
}

func TestHandleVersion(t *testing.T) {
	w := doRequest(newTestServer(&fakeGraphStore{}), http.MethodGet, "/api/v1/version", "")

	require.Equal(t, http.StatusOK, w.Code)

	var info VersionInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, "traceline", info.ServiceName)
}

func TestHandleNotFound(t *testing.T) {
	w := doRequest(newTestServer(&fakeGraphStore{}), http.MethodGet, "/no/such/endpoint", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, "/no/such/endpoint", problem.Instance)
	assert.NotEmpty(t, problem.CorrelationID)
}

func TestHandleGetLineage_ParamValidation(t *testing.T) {
	handler := newTestServer(&fakeGraphStore{})

	tests := []struct {
		name   string
		target string
	}{
		{"missing nodeId", "/api/v1/lineage"},
		{"depth not an integer", "/api/v1/lineage?nodeId=job:ns:x&depth=ten"},
		{"depth negative", "/api/v1/lineage?nodeId=job:ns:x&depth=-1"},
		{"depth above ceiling", "/api/v1/lineage?nodeId=job:ns:x&depth=101"},
		{"aggregateToParent not boolean", "/api/v1/lineage?nodeId=run:" + uuid.NewString() + "&aggregateToParent=maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(handler, http.MethodGet, tt.target, "")

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
		})
	}
}

func TestHandleGetLineage_MalformedNodeIDIsNotFound(t *testing.T) {
	w := doRequest(newTestServer(&fakeGraphStore{}), http.MethodGet,
		"/api/v1/lineage?nodeId=banana", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetLineage_UnknownJob(t *testing.T) {
	w := doRequest(newTestServer(&fakeGraphStore{}), http.MethodGet,
		"/api/v1/lineage?nodeId=job:warehouse:missing_job", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "job:warehouse:missing_job")
}

func TestHandleGetLineage_JobGraph(t *testing.T) {
	jobUUID := uuid.New()
	datasetUUID := uuid.New()

	store := &fakeGraphStore{
		job: &metadata.Job{UUID: jobUUID, Namespace: "warehouse", Name: "clean_orders"},
		jobRows: []lineage.JobRow{{
			JobUUID:        jobUUID,
			Namespace:      "warehouse",
			Name:           "clean_orders",
			OutputDatasets: []uuid.UUID{datasetUUID},
		}},
		datasets: []lineage.DatasetRow{{
			DatasetUUID: datasetUUID,
			Namespace:   "warehouse",
			Name:        "clean.orders",
		}},
	}

	w := doRequest(newTestServer(store), http.MethodGet,
		"/api/v1/lineage?nodeId=job:warehouse:clean_orders", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var graph lineage.Graph
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &graph))
	require.Len(t, graph.Nodes, 2)
	assert.Equal(t, lineage.DatasetNodeID("warehouse", "clean.orders"), graph.Nodes[0].ID)
	assert.Equal(t, lineage.JobNodeID("warehouse", "clean_orders"), graph.Nodes[1].ID)
}

func TestHandleGetUpstreamRuns_InvalidRunID(t *testing.T) {
	w := doRequest(newTestServer(&fakeGraphStore{}), http.MethodGet,
		"/api/v1/runs/not-a-uuid/upstream", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "must be a UUID")
}

func TestHandleGetUpstreamRuns_InvalidDepth(t *testing.T) {
	w := doRequest(newTestServer(&fakeGraphStore{}), http.MethodGet,
		"/api/v1/runs/"+uuid.NewString()+"/upstream?depth=-3", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetUpstreamRuns_UnknownRun(t *testing.T) {
	w := doRequest(newTestServer(&fakeGraphStore{}), http.MethodGet,
		"/api/v1/runs/"+uuid.NewString()+"/upstream", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetUpstreamRuns_ListsProducers(t *testing.T) {
	runID := uuid.New()
	producerID := uuid.New()
	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ended := started.Add(20 * time.Minute)

	store := &fakeGraphStore{
		run: &metadata.Run{UUID: runID, State: metadata.RunStateCompleted},
		upstream: []lineage.UpstreamRun{
			{
				Depth:        0,
				JobNamespace: "warehouse",
				JobName:      "orders_report",
				RunUUID:      runID,
				State:        metadata.RunStateCompleted,
			},
			{
				Depth:            1,
				JobNamespace:     "warehouse",
				JobName:          "clean_orders",
				RunUUID:          producerID,
				State:            metadata.RunStateCompleted,
				StartedAt:        &started,
				EndedAt:          &ended,
				DatasetNamespace: "warehouse",
				DatasetName:      "clean.orders",
				DatasetVersion:   7,
			},
		},
	}

	w := doRequest(newTestServer(store), http.MethodGet,
		"/api/v1/runs/"+runID.String()+"/upstream?depth=5", "")

	require.Equal(t, http.StatusOK, w.Code)

	var resp UpstreamRunsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, runID.String(), resp.RunID)
	assert.Equal(t, 5, resp.Depth)
	require.Len(t, resp.Upstream, 2)
	assert.Equal(t, "orders_report", resp.Upstream[0].JobName)
	assert.Equal(t, producerID.String(), resp.Upstream[1].RunID)
	assert.Equal(t, int64(7), resp.Upstream[1].DatasetVersion)
}

func TestAdminHandlers_RequestValidation(t *testing.T) {
	handler := newTestServer(&fakeGraphStore{})

	tests := []struct {
		name   string
		method string
		target string
		body   string
		detail string
	}{
		{
			name:   "create partitions malformed body",
			method: http.MethodPost,
			target: "/api/v1/admin/partitions",
			body:   "{not json",
			detail: "Invalid request body",
		},
		{
			name:   "create partitions bad from date",
			method: http.MethodPost,
			target: "/api/v1/admin/partitions",
			body:   `{"table":"run_lineage","from":"May 2026","to":"2026-06-01"}`,
			detail: "Invalid 'from' date",
		},
		{
			name:   "create partitions bad to date",
			method: http.MethodPost,
			target: "/api/v1/admin/partitions",
			body:   `{"table":"run_lineage","from":"2026-05-01","to":"06/2026"}`,
			detail: "Invalid 'to' date",
		},
		{
			name:   "drop partitions bad cutoff",
			method: http.MethodDelete,
			target: "/api/v1/admin/partitions",
			body:   `{"table":"run_lineage","olderThan":"yesterday"}`,
			detail: "Invalid 'olderThan' date",
		},
		{
			name:   "populate run invalid uuid",
			method: http.MethodPost,
			target: "/api/v1/admin/lineage/runs/xyz",
			detail: "must be a UUID",
		},
		{
			name:   "backfill malformed body",
			method: http.MethodPost,
			target: "/api/v1/admin/lineage/backfill",
			body:   `{"force":`,
			detail: "Invalid request body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(handler, tt.method, tt.target, tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.detail)
		})
	}
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr error
	}{
		{"valid", func(_ *ServerConfig) {}, nil},
		{"port zero", func(c *ServerConfig) { c.Port = 0 }, ErrInvalidPort},
		{"port too high", func(c *ServerConfig) { c.Port = 70000 }, ErrInvalidPort},
		{"empty host", func(c *ServerConfig) { c.Host = "" }, ErrEmptyHost},
		{"zero read timeout", func(c *ServerConfig) { c.ReadTimeout = 0 }, ErrInvalidReadTimeout},
		{"zero write timeout", func(c *ServerConfig) { c.WriteTimeout = 0 }, ErrInvalidWriteTimeout},
		{"zero shutdown timeout", func(c *ServerConfig) { c.ShutdownTimeout = 0 }, ErrInvalidShutdownTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testServerConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestLoadServerConfig_FromEnvironment(t *testing.T) {
	t.Setenv("TRACELINE_SERVER_PORT", "9090")
	t.Setenv("TRACELINE_SERVER_HOST", "10.0.0.5")
	t.Setenv("TRACELINE_ADMIN_AUTH_ENABLED", "false")
	t.Setenv("TRACELINE_ADMIN_API_KEYS", "ops=hash1,ci=hash2")

	cfg := LoadServerConfig()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.False(t, cfg.AdminAuthEnabled)
	assert.Equal(t, []string{"ops=hash1", "ci=hash2"}, cfg.AdminAPIKeys)
}
