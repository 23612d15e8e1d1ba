package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceline-io/traceline/internal/lineage"
	"github.com/traceline-io/traceline/internal/metadata"
)

func TestFoldRunFamily(t *testing.T) {
	parent := uuid.New()
	child := uuid.New()
	external := uuid.New()
	handoffVersion := uuid.New()
	consumedVersion := uuid.New()

	started := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	ended := started.Add(time.Hour)

	rows := []lineage.RunEdgeRow{
		{
			Depth:        0,
			RunUUID:      parent,
			JobNamespace: "food_delivery",
			JobName:      "orders_orchestrator",
			State:        metadata.RunStateCompleted,
			StartedAt:    &started,
			EndedAt:      &ended,
		},
		{
			Depth:              0,
			RunUUID:            child,
			JobNamespace:       "food_delivery",
			JobName:            "orders_worker",
			State:              metadata.RunStateFailed,
			DatasetVersionUUID: consumedVersion,
			CounterpartUUID:    &external,
			Facets:             map[string]interface{}{"stats": map[string]interface{}{"rows": float64(42)}},
		},
		{
			// The child consumes a version the parent itself produced.
			Depth:              0,
			RunUUID:            child,
			DatasetVersionUUID: handoffVersion,
			CounterpartUUID:    &parent,
		},
		{
			Depth:        1,
			RunUUID:      external,
			JobNamespace: "food_delivery",
			JobName:      "extract_orders",
			State:        metadata.RunStateCompleted,
		},
	}

	folded := foldRunFamily(parent, []uuid.UUID{parent, child}, rows)
	require.Len(t, folded, 4)

	// Child rows take over the ancestor's identity wholesale.
	assert.Equal(t, parent, folded[1].RunUUID)
	assert.Equal(t, "orders_orchestrator", folded[1].JobName)
	assert.Equal(t, metadata.RunStateCompleted, folded[1].State)
	assert.Equal(t, &started, folded[1].StartedAt)
	assert.Equal(t, &ended, folded[1].EndedAt)

	// Child facets survive the rewrite.
	assert.Contains(t, folded[1].Facets, "stats")

	// Intra-family handoffs become self-references.
	require.NotNil(t, folded[2].CounterpartUUID)
	assert.Equal(t, parent, *folded[2].CounterpartUUID)

	// Counterparts outside the family are untouched.
	assert.Equal(t, external, folded[3].RunUUID)
	require.NotNil(t, folded[1].CounterpartUUID)
	assert.Equal(t, external, *folded[1].CounterpartUUID)
}

func TestFoldRunFamily_GraphCollapsesToSingleRun(t *testing.T) {
	parent := uuid.New()
	child := uuid.New()
	external := uuid.New()

	rows := []lineage.RunEdgeRow{
		{RunUUID: parent, State: metadata.RunStateCompleted},
		{
			RunUUID:            child,
			State:              metadata.RunStateCompleted,
			DatasetVersionUUID: uuid.New(),
			CounterpartUUID:    &external,
			Facets:             map[string]interface{}{"stats": map[string]interface{}{"rows": float64(7)}},
		},
		{Depth: 1, RunUUID: external, State: metadata.RunStateCompleted},
	}

	graph := lineage.BuildRunGraph(foldRunFamily(parent, []uuid.UUID{parent, child}, rows))

	// Parent plus the external producer. The child must not appear on its own.
	require.Len(t, graph.Nodes, 2)

	var parentNode *lineage.Node

	for i := range graph.Nodes {
		assert.NotEqual(t, lineage.RunNodeID(child), graph.Nodes[i].ID)

		if graph.Nodes[i].ID == lineage.RunNodeID(parent) {
			parentNode = &graph.Nodes[i]
		}
	}

	require.NotNil(t, parentNode)

	data, ok := parentNode.Data.(*lineage.RunData)
	require.True(t, ok)
	assert.Contains(t, data.Facets, "stats", "child facets fold under the ancestor")

	require.Len(t, parentNode.InEdges, 1)
	assert.Equal(t, lineage.RunNodeID(external), parentNode.InEdges[0].Origin)
}
