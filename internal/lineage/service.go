package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/traceline-io/traceline/internal/aliasing"
	"github.com/traceline-io/traceline/internal/config"
)

// Sentinel errors for lineage queries.
var (
	// ErrNotFound is returned when the node a query starts from does not exist.
	// Storage-layer failures on lookups of malformed or unknown identities are
	// reported as not-found rather than propagated.
	ErrNotFound = errors.New("node not found")

	// ErrQueryFailed is returned when a traversal query fails.
	ErrQueryFailed = errors.New("lineage query failed")
)

const slowQueryThreshold = 500 * time.Millisecond

// Service answers lineage queries by combining the graph traversal engine with
// in-memory graph assembly.
//
// All queries are read-only and side-effect-free; the service holds no state
// beyond its dependencies and is safe for concurrent use.
type Service struct {
	store    Store
	logger   *slog.Logger
	resolver *aliasing.Resolver
}

// ServiceOption configures optional Service behavior.
type ServiceOption func(*Service)

// WithAliasResolver sets the namespace alias resolver applied to job and
// dataset identities before lookup. If not set, identities pass through.
func WithAliasResolver(r *aliasing.Resolver) ServiceOption {
	return func(s *Service) {
		s.resolver = r
	}
}

// NewService creates a lineage query service.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Lineage computes the lineage graph around a node.
//
// nodeID identifies a job, dataset, or run (see ParseNodeID). depth bounds the
// traversal; depth 0 returns only the seed. aggregateToParent folds a run's
// entire descendant subtree under its own identity (run nodes only).
// facetNames optionally scopes run facet aggregation to the named subset.
func (s *Service) Lineage(
	ctx context.Context,
	nodeID string,
	depth int,
	aggregateToParent bool,
	facetNames []string,
) (*Graph, error) {
	if depth < 0 {
		return nil, ErrInvalidDepth
	}

	start := time.Now()

	nodeType, namespace, name, runID, err := ParseNodeID(nodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var graph *Graph

	switch nodeType {
	case NodeTypeJob:
		graph, err = s.jobLineage(ctx, namespace, name, depth)
	case NodeTypeDataset:
		graph, err = s.datasetLineage(ctx, namespace, name, depth)
	case NodeTypeRun:
		graph, err = s.runLineage(ctx, runID, depth, aggregateToParent, facetNames)
	}

	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	s.logger.Info("Computed lineage graph",
		slog.String("node_id", nodeID),
		slog.Int("depth", depth),
		slog.Bool("aggregate_to_parent", aggregateToParent),
		slog.Int("node_count", len(graph.Nodes)),
		slog.Duration("duration", duration))

	if duration > slowQueryThreshold {
		s.logger.Warn("Slow lineage query detected",
			slog.String("node_id", nodeID),
			slog.Int("depth", depth),
			slog.Duration("duration", duration))
	}

	return graph, nil
}

// Upstream lists the upstream runs feeding the given run's inputs, ordered by
// depth ascending then job name ascending.
func (s *Service) Upstream(ctx context.Context, runID uuid.UUID, depth int) ([]UpstreamRun, error) {
	if depth < 0 {
		return nil, ErrInvalidDepth
	}

	run, err := s.store.FindRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	if run == nil {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}

	rows, err := s.store.GetUpstreamRuns(ctx, runID, depth)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	s.logger.Info("Queried upstream runs",
		slog.String("run_id", runID.String()),
		slog.Int("depth", depth),
		slog.Int("result_count", len(rows)))

	return rows, nil
}

func (s *Service) jobLineage(ctx context.Context, namespace, name string, depth int) (*Graph, error) {
	namespace = s.resolveNamespace(namespace)

	job, err := s.store.FindJob(ctx, namespace, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	if job == nil {
		return nil, fmt.Errorf("%w: job %s:%s", ErrNotFound, namespace, name)
	}

	return s.expandJobs(ctx, []uuid.UUID{job.UUID}, depth)
}

func (s *Service) datasetLineage(ctx context.Context, namespace, name string, depth int) (*Graph, error) {
	namespace = s.resolveNamespace(namespace)

	jobIDs, err := s.store.FindJobsTouchingDataset(ctx, namespace, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	if len(jobIDs) == 0 {
		return nil, fmt.Errorf("%w: dataset %s:%s", ErrNotFound, namespace, name)
	}

	return s.expandJobs(ctx, jobIDs, depth)
}

// expandJobs runs the job-neighborhood traversal and assembles the graph.
func (s *Service) expandJobs(ctx context.Context, seedIDs []uuid.UUID, depth int) (*Graph, error) {
	jobs, err := s.store.GetJobNeighborhood(ctx, seedIDs, depth)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	jobIDs := make([]uuid.UUID, 0, len(jobs))
	for _, job := range jobs {
		jobIDs = append(jobIDs, job.JobUUID)
	}

	latestRuns, err := s.store.GetLatestRuns(ctx, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	// Resolve both the edge datasets and the ones the latest runs touched; a
	// latest run may reference datasets the current version no longer declares.
	datasets, err := s.store.GetDatasets(ctx, collectDatasetIDs(jobs, latestRuns))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	return BuildJobGraph(jobs, datasets, latestRuns), nil
}

func (s *Service) runLineage(
	ctx context.Context,
	runID uuid.UUID,
	depth int,
	aggregateToParent bool,
	facetNames []string,
) (*Graph, error) {
	run, err := s.store.FindRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	if run == nil {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}

	var rows []RunEdgeRow

	if aggregateToParent {
		rows, err = s.store.GetParentRunLineage(ctx, runID, depth, facetNames)
	} else {
		rows, err = s.store.GetRunLineage(ctx, []uuid.UUID{runID}, depth, facetNames)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	return BuildRunGraph(rows), nil
}

// resolveNamespace applies the optional operator-configured alias mapping.
func (s *Service) resolveNamespace(namespace string) string {
	if s.resolver == nil {
		return namespace
	}

	return s.resolver.Resolve(namespace)
}

// collectDatasetIDs gathers the distinct dataset ids referenced by traversal rows.
func collectDatasetIDs(jobs []JobRow, latestRuns []LatestRunRow) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	ids := make([]uuid.UUID, 0, len(jobs)*2)

	add := func(id uuid.UUID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	for _, job := range jobs {
		for _, id := range job.InputDatasets {
			add(id)
		}

		for _, id := range job.OutputDatasets {
			add(id)
		}
	}

	for _, lr := range latestRuns {
		for _, id := range lr.InputDatasets {
			add(id)
		}

		for _, id := range lr.OutputDatasets {
			add(id)
		}
	}

	return ids
}
