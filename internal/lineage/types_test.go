package lineage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeID_Job(t *testing.T) {
	nodeType, namespace, name, runID, err := ParseNodeID("job:food_delivery:etl_orders")

	require.NoError(t, err)
	assert.Equal(t, NodeTypeJob, nodeType)
	assert.Equal(t, "food_delivery", namespace)
	assert.Equal(t, "etl_orders", name)
	assert.Equal(t, uuid.Nil, runID)
}

func TestParseNodeID_Dataset(t *testing.T) {
	nodeType, namespace, name, _, err := ParseNodeID("dataset:warehouse:public.orders")

	require.NoError(t, err)
	assert.Equal(t, NodeTypeDataset, nodeType)
	assert.Equal(t, "warehouse", namespace)
	assert.Equal(t, "public.orders", name)
}

func TestParseNodeID_DatasetNameWithColons(t *testing.T) {
	// Dataset names may themselves contain colons (URLs, URIs). Only the first
	// colon after the namespace splits; the rest belongs to the name.
	nodeType, namespace, name, _, err := ParseNodeID("dataset:s3.bucket:path:to:file")

	require.NoError(t, err)
	assert.Equal(t, NodeTypeDataset, nodeType)
	assert.Equal(t, "s3.bucket", namespace)
	assert.Equal(t, "path:to:file", name)
}

func TestParseNodeID_Run(t *testing.T) {
	id := uuid.New()

	nodeType, _, _, runID, err := ParseNodeID("run:" + id.String())

	require.NoError(t, err)
	assert.Equal(t, NodeTypeRun, nodeType)
	assert.Equal(t, id, runID)
}

func TestParseNodeID_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"unknown prefix", "table:ns:name"},
		{"job missing name", "job:namespace_only"},
		{"job empty namespace", "job::name"},
		{"job empty name", "job:ns:"},
		{"dataset missing name", "dataset:namespace_only"},
		{"run invalid uuid", "run:not-a-uuid"},
		{"run empty", "run:"},
		{"bare namespace name", "ns:name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, _, err := ParseNodeID(tt.raw)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidNodeID)
		})
	}
}

func TestNodeIDBuilders_RoundTrip(t *testing.T) {
	runID := uuid.New()

	tests := []struct {
		name     string
		id       NodeID
		wantType NodeType
	}{
		{"job", JobNodeID("ns", "job_name"), NodeTypeJob},
		{"dataset", DatasetNodeID("ns", "ds_name"), NodeTypeDataset},
		{"run", RunNodeID(runID), NodeTypeRun},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodeType, _, _, _, err := ParseNodeID(string(tt.id))

			require.NoError(t, err)
			assert.Equal(t, tt.wantType, nodeType)
		})
	}
}

func TestSortEdges_Deterministic(t *testing.T) {
	edges := []Edge{
		{Origin: "job:b:x", Destination: "dataset:a:y"},
		{Origin: "job:a:x", Destination: "dataset:b:y"},
		{Origin: "job:a:x", Destination: "dataset:a:y"},
	}

	sortEdges(edges)

	assert.Equal(t, []Edge{
		{Origin: "job:a:x", Destination: "dataset:a:y"},
		{Origin: "job:a:x", Destination: "dataset:b:y"},
		{Origin: "job:b:x", Destination: "dataset:a:y"},
	}, edges)
}
