// Package lineage provides the lineage graph domain model and graph assembly for Traceline.
package lineage

import (
	"context"

	"github.com/google/uuid"

	"github.com/traceline-io/traceline/internal/metadata"
)

// Store defines the read interface the lineage service needs from the entity store.
//
// This interface is intentionally separate from the denormalization maintenance
// surface - clients only depend on the methods they need. All methods are
// read-only, stateless, and safe to issue concurrently; the store's own
// transaction isolation provides a consistent snapshot per query.
//
// Implemented by: storage.TraversalStore.
type Store interface {
	// FindJob looks up a job by (namespace, name), resolving a symlinked job to
	// its target so that renamed jobs keep one canonical identity.
	//
	// Returns (nil, nil) when no such job exists.
	FindJob(ctx context.Context, namespace, name string) (*metadata.Job, error)

	// FindRun looks up a run by id. Returns (nil, nil) when no such run exists.
	FindRun(ctx context.Context, runID uuid.UUID) (*metadata.Run, error)

	// FindJobsTouchingDataset returns the ids of all jobs whose current version
	// reads or writes the named dataset, resolving dataset symlinks first.
	// Used to seed job-neighborhood traversal from a dataset node.
	FindJobsTouchingDataset(ctx context.Context, namespace, name string) ([]uuid.UUID, error)

	// GetJobNeighborhood expands a seed set of job ids outward through shared
	// datasets for up to depth hops.
	//
	// Semantics:
	//   - depth 0 returns only the seed jobs.
	//   - Only the current job version's input/output sets are considered.
	//   - Symlinked jobs are merged into their target identity before expansion.
	//   - A job only links through a dataset when it has a COMPLETED run at its
	//     current version; attempted (FAILED/ABORTED/RUNNING) producers and
	//     consumers never create edges.
	//   - A job with no dataset edges still appears in the result when seeded.
	GetJobNeighborhood(ctx context.Context, jobIDs []uuid.UUID, depth int) ([]JobRow, error)

	// GetDatasets resolves dataset ids to identity and soft-delete visibility.
	GetDatasets(ctx context.Context, datasetIDs []uuid.UUID) ([]DatasetRow, error)

	// GetLatestRuns returns, per job, the most recent run (by creation time)
	// restricted to the job's current version, together with the run's current
	// input/output dataset ids.
	GetLatestRuns(ctx context.Context, jobIDs []uuid.UUID) ([]LatestRunRow, error)

	// GetRunLineage expands a seed set of run ids through shared dataset
	// versions (one run's input equals another run's output, and vice versa)
	// for up to depth hops.
	//
	// A run linking to itself is excluded (self-loop guard) so merge-style jobs
	// that read and write the same dataset cannot recurse forever. Rows are
	// deduplicated on (run, dataset version, counterpart run).
	//
	// facetNames optionally scopes facet aggregation to a named subset. This is
	// a user-visible parameter: unfiltered facet aggregation can exceed the
	// storage engine's per-row size ceiling (256 MB) on busy installations.
	GetRunLineage(ctx context.Context, runIDs []uuid.UUID, depth int, facetNames []string) ([]RunEdgeRow, error)

	// GetParentRunLineage is GetRunLineage with the result key rewritten to the
	// given ancestor run id, folding the entire child subtree into one logical
	// row set ("show me everything under this orchestrating run").
	GetParentRunLineage(ctx context.Context, parentRunID uuid.UUID, depth int, facetNames []string) ([]RunEdgeRow, error)

	// GetUpstreamRuns lists the runs whose outputs feed the given run's inputs,
	// transitively up to depth hops, ordered by depth ascending then job name
	// ascending.
	GetUpstreamRuns(ctx context.Context, runID uuid.UUID, depth int) ([]UpstreamRun, error)
}
