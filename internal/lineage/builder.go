package lineage

import (
	"sort"

	"github.com/google/uuid"
)

// graphBuilder accumulates nodes and edges keyed by NodeID, guaranteeing a
// simple graph (no duplicate edges) even when the underlying data is cyclic.
type graphBuilder struct {
	nodes map[NodeID]*Node
	edges map[Edge]struct{}
}

func newGraphBuilder() *graphBuilder {
	return &graphBuilder{
		nodes: make(map[NodeID]*Node),
		edges: make(map[Edge]struct{}),
	}
}

// addNode registers a node if it is not already present. The first data payload
// wins; duplicate logical entities (a job and its symlink source visited through
// different paths) merge into a single node.
func (b *graphBuilder) addNode(id NodeID, nodeType NodeType, data interface{}) *Node {
	if existing, ok := b.nodes[id]; ok {
		if existing.Data == nil {
			existing.Data = data
		}

		return existing
	}

	node := &Node{
		ID:       id,
		Type:     nodeType,
		Data:     data,
		InEdges:  []Edge{},
		OutEdges: []Edge{},
	}
	b.nodes[id] = node

	return node
}

// addEdge registers a directed edge, skipping duplicates and self-loops.
// Both endpoints must already exist; edges to dropped nodes are ignored.
func (b *graphBuilder) addEdge(origin, destination NodeID) {
	if origin == destination {
		return
	}

	edge := Edge{Origin: origin, Destination: destination}
	if _, seen := b.edges[edge]; seen {
		return
	}

	from, okFrom := b.nodes[origin]

	to, okTo := b.nodes[destination]
	if !okFrom || !okTo {
		return
	}

	b.edges[edge] = struct{}{}
	from.OutEdges = append(from.OutEdges, edge)
	to.InEdges = append(to.InEdges, edge)
}

// build finalizes the graph with deterministic node and edge ordering.
func (b *graphBuilder) build() *Graph {
	nodes := make([]Node, 0, len(b.nodes))

	for _, node := range b.nodes {
		sortEdges(node.InEdges)
		sortEdges(node.OutEdges)
		nodes = append(nodes, *node)
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})

	return &Graph{Nodes: nodes}
}

// BuildJobGraph assembles the job-neighborhood graph from flat traversal rows.
//
// Responsibilities:
//   - One node per logical job; symlinked duplicates were already merged into
//     the target identity by the traversal.
//   - Dataset nodes only for datasets that are still visible; soft-deleted
//     datasets are dropped together with every edge touching them.
//   - Directed edges dataset->job for inputs and job->dataset for outputs.
//   - Each job node carries its latest run (current version only) together
//     with the dataset node ids that run reads and writes; a run with no
//     dataset versions yet simply contributes no extra edges.
func BuildJobGraph(jobs []JobRow, datasets []DatasetRow, latestRuns []LatestRunRow) *Graph {
	b := newGraphBuilder()

	visible := make(map[uuid.UUID]DatasetRow, len(datasets))

	for _, ds := range datasets {
		if ds.IsDeleted {
			continue
		}

		visible[ds.DatasetUUID] = ds
	}

	latestByJob := make(map[uuid.UUID]LatestRunRow, len(latestRuns))
	for _, lr := range latestRuns {
		latestByJob[lr.JobUUID] = lr
	}

	for _, job := range jobs {
		data := &JobData{Namespace: job.Namespace, Name: job.Name}
		if lr, ok := latestByJob[job.JobUUID]; ok {
			data.LatestRun = &RunData{
				ID:             lr.Run.UUID,
				State:          lr.Run.State,
				StartedAt:      lr.Run.StartedAt,
				EndedAt:        lr.Run.EndedAt,
				InputDatasets:  datasetNodeIDs(lr.InputDatasets, visible),
				OutputDatasets: datasetNodeIDs(lr.OutputDatasets, visible),
			}
		}

		b.addNode(JobNodeID(job.Namespace, job.Name), NodeTypeJob, data)
	}

	// Edges only after all job nodes exist, so shared datasets connect fully.
	for _, job := range jobs {
		jobID := JobNodeID(job.Namespace, job.Name)

		for _, dsUUID := range job.InputDatasets {
			ds, ok := visible[dsUUID]
			if !ok {
				continue
			}

			dsID := DatasetNodeID(ds.Namespace, ds.Name)
			b.addNode(dsID, NodeTypeDataset, &DatasetData{Namespace: ds.Namespace, Name: ds.Name})
			b.addEdge(dsID, jobID)
		}

		for _, dsUUID := range job.OutputDatasets {
			ds, ok := visible[dsUUID]
			if !ok {
				continue
			}

			dsID := DatasetNodeID(ds.Namespace, ds.Name)
			b.addNode(dsID, NodeTypeDataset, &DatasetData{Namespace: ds.Namespace, Name: ds.Name})
			b.addEdge(jobID, dsID)
		}
	}

	return b.build()
}

// datasetNodeIDs resolves dataset ids to sorted node ids, dropping datasets
// that are no longer visible.
func datasetNodeIDs(ids []uuid.UUID, visible map[uuid.UUID]DatasetRow) []NodeID {
	var out []NodeID

	for _, id := range ids {
		ds, ok := visible[id]
		if !ok {
			continue
		}

		out = append(out, DatasetNodeID(ds.Namespace, ds.Name))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})

	return out
}

// BuildRunGraph assembles the run-ancestry graph from flat traversal rows.
//
// Every row represents "counterpart's output feeds run's input"; edges point
// producer -> consumer. Rows visited through multiple diamond paths collapse
// into a single edge, and self-referencing merge jobs never produce self-loops.
// Facet maps fold most-recent-first: a name already present is not overwritten
// by an older row.
func BuildRunGraph(rows []RunEdgeRow) *Graph {
	b := newGraphBuilder()

	for _, row := range rows {
		id := RunNodeID(row.RunUUID)

		node := b.addNode(id, NodeTypeRun, &RunData{
			ID:        row.RunUUID,
			State:     row.State,
			StartedAt: row.StartedAt,
			EndedAt:   row.EndedAt,
		})

		if len(row.Facets) > 0 {
			data, ok := node.Data.(*RunData)
			if ok {
				if data.Facets == nil {
					data.Facets = make(map[string]interface{}, len(row.Facets))
				}

				for name, facet := range row.Facets {
					if _, exists := data.Facets[name]; !exists {
						data.Facets[name] = facet
					}
				}
			}
		}
	}

	for _, row := range rows {
		if row.CounterpartUUID == nil || *row.CounterpartUUID == row.RunUUID {
			continue
		}

		origin := RunNodeID(*row.CounterpartUUID)
		if _, ok := b.nodes[origin]; !ok {
			// Counterpart beyond the depth bound: node was not expanded, keep
			// the graph closed over returned nodes and drop the dangling edge.
			continue
		}

		b.addEdge(origin, RunNodeID(row.RunUUID))
	}

	return b.build()
}
