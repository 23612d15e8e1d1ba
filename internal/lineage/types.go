// Package lineage provides the lineage graph domain model and graph assembly for Traceline.
package lineage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/traceline-io/traceline/internal/metadata"
)

// Sentinel errors for node identifier parsing.
var (
	// ErrInvalidNodeID is returned when a node identifier does not match any known form.
	ErrInvalidNodeID = errors.New("invalid node id")

	// ErrInvalidDepth is returned when a traversal depth is negative.
	ErrInvalidDepth = errors.New("depth must be >= 0")
)

// NodeType discriminates the typed nodes of a lineage graph.
type NodeType string

const (
	// NodeTypeJob is a job node.
	NodeTypeJob NodeType = "JOB"

	// NodeTypeDataset is a dataset node.
	NodeTypeDataset NodeType = "DATASET"

	// NodeTypeRun is a run node.
	NodeTypeRun NodeType = "RUN"
)

const nodeIDParts = 3

type (
	// NodeID is an opaque node identifier:
	//
	//	job:<namespace>:<name>
	//	dataset:<namespace>:<name>
	//	run:<uuid>
	//
	// Graphs are indexed by NodeID rather than nested object references so that
	// cycle handling reduces to a seen-id set (merge-style jobs produce genuine
	// cycles through their own datasets).
	NodeID string

	// Edge is a directed edge between two nodes.
	Edge struct {
		Origin      NodeID `json:"origin"`
		Destination NodeID `json:"destination"`
	}

	// Node is a typed lineage graph node. InEdges and OutEdges are kept sorted
	// and free of duplicates even when the traversal visited the same
	// relationship through multiple paths.
	Node struct {
		ID       NodeID      `json:"id"`
		Type     NodeType    `json:"type"`
		Data     interface{} `json:"data,omitempty"`
		InEdges  []Edge      `json:"inEdges"`
		OutEdges []Edge      `json:"outEdges"`
	}

	// Graph is a deduplicated simple graph built fresh per query, never persisted.
	Graph struct {
		Nodes []Node `json:"graph"`
	}

	// JobData is the payload of a job node.
	JobData struct {
		Namespace string   `json:"namespace"`
		Name      string   `json:"name"`
		LatestRun *RunData `json:"latestRun,omitempty"`
	}

	// DatasetData is the payload of a dataset node.
	DatasetData struct {
		Namespace string `json:"namespace"`
		Name      string `json:"name"`
	}

	// RunData is the payload of a run node. When attached as a job's latest run,
	// InputDatasets and OutputDatasets list the dataset node ids the run
	// currently consumes and produces; run-graph nodes express those
	// relationships as edges instead and leave the fields empty.
	RunData struct {
		ID             uuid.UUID              `json:"id"`
		State          metadata.RunState      `json:"state"`
		StartedAt      *time.Time             `json:"startedAt,omitempty"`
		EndedAt        *time.Time             `json:"endedAt,omitempty"`
		InputDatasets  []NodeID               `json:"inputDatasets,omitempty"`
		OutputDatasets []NodeID               `json:"outputDatasets,omitempty"`
		Facets         map[string]interface{} `json:"facets,omitempty"`
	}
)

// JobNodeID builds the NodeID for a job identity.
func JobNodeID(namespace, name string) NodeID {
	return NodeID("job:" + namespace + ":" + name)
}

// DatasetNodeID builds the NodeID for a dataset identity.
func DatasetNodeID(namespace, name string) NodeID {
	return NodeID("dataset:" + namespace + ":" + name)
}

// RunNodeID builds the NodeID for a run identity.
func RunNodeID(runID uuid.UUID) NodeID {
	return NodeID("run:" + runID.String())
}

// ParseNodeID parses a node identifier string.
//
// Returns the node type plus the parsed identity fields: namespace and name for
// job/dataset nodes, run UUID for run nodes. Malformed identifiers (unknown
// prefix, missing parts, invalid UUID) return ErrInvalidNodeID so that callers
// can report "not found" instead of leaking storage errors.
func ParseNodeID(raw string) (NodeType, string, string, uuid.UUID, error) {
	switch {
	case strings.HasPrefix(raw, "job:"):
		namespace, name, err := splitIdentity(strings.TrimPrefix(raw, "job:"))
		if err != nil {
			return "", "", "", uuid.Nil, err
		}

		return NodeTypeJob, namespace, name, uuid.Nil, nil
	case strings.HasPrefix(raw, "dataset:"):
		namespace, name, err := splitIdentity(strings.TrimPrefix(raw, "dataset:"))
		if err != nil {
			return "", "", "", uuid.Nil, err
		}

		return NodeTypeDataset, namespace, name, uuid.Nil, nil
	case strings.HasPrefix(raw, "run:"):
		runID, err := uuid.Parse(strings.TrimPrefix(raw, "run:"))
		if err != nil {
			return "", "", "", uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidNodeID, raw)
		}

		return NodeTypeRun, "", "", runID, nil
	default:
		return "", "", "", uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidNodeID, raw)
	}
}

// splitIdentity splits "<namespace>:<name>" where name may itself contain colons.
func splitIdentity(s string) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != nodeIDParts-1 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}

	return parts[0], parts[1], nil
}

type (
	// JobRow is one flat row of the job-neighborhood traversal: a job identity
	// annotated with the dataset ids relevant to the traversal. Jobs with no
	// dataset edges still appear (depth-0 membership) with empty arrays.
	JobRow struct {
		JobUUID        uuid.UUID
		Namespace      string
		Name           string
		InputDatasets  []uuid.UUID
		OutputDatasets []uuid.UUID
	}

	// DatasetRow resolves a dataset id to its identity and visibility.
	// Soft-deleted datasets are dropped by the graph builder along with any
	// edge touching them.
	DatasetRow struct {
		DatasetUUID uuid.UUID
		Namespace   string
		Name        string
		IsDeleted   bool
	}

	// LatestRunRow is the latest run of a job restricted to the job's current
	// version, with the run's current input/output dataset ids. A run with no
	// dataset versions yet yields empty slices, not an error.
	LatestRunRow struct {
		JobUUID        uuid.UUID
		Run            metadata.Run
		InputDatasets  []uuid.UUID
		OutputDatasets []uuid.UUID
	}

	// RunEdgeRow is one flat row of the run-ancestry traversal: a run linked to
	// a counterpart run through a shared dataset version. Rows are deduplicated
	// on (run, dataset version, counterpart) because diamond-shaped lineage can
	// be visited via multiple paths.
	RunEdgeRow struct {
		Depth              int
		RunUUID            uuid.UUID
		JobNamespace       string
		JobName            string
		State              metadata.RunState
		StartedAt          *time.Time
		EndedAt            *time.Time
		DatasetVersionUUID uuid.UUID
		DatasetNamespace   string
		DatasetName        string
		CounterpartUUID    *uuid.UUID
		Facets             map[string]interface{}
	}

	// UpstreamRun is one row of the upstream-run listing: the producing job,
	// the run window, and the consumed input. Results are ordered ascending by
	// depth then job name.
	UpstreamRun struct {
		Depth            int
		JobNamespace     string
		JobName          string
		RunUUID          uuid.UUID
		State            metadata.RunState
		StartedAt        *time.Time
		EndedAt          *time.Time
		DatasetNamespace string
		DatasetName      string
		DatasetVersion   int64
	}
)

// sortEdges orders edges by origin then destination for deterministic output.
func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Origin != edges[j].Origin {
			return edges[i].Origin < edges[j].Origin
		}

		return edges[i].Destination < edges[j].Destination
	})
}
