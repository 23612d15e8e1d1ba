package metadata

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRunState_IsValid(t *testing.T) {
	for _, state := range ValidRunStates() {
		assert.True(t, state.IsValid(), "state %s should be valid", state)
	}

	assert.False(t, RunState("UNKNOWN").IsValid())
	assert.False(t, RunState("").IsValid())
	assert.False(t, RunState("completed").IsValid(), "states are case-sensitive")
}

func TestRunState_IsTerminal(t *testing.T) {
	tests := []struct {
		state RunState
		want  bool
	}{
		{RunStateNew, false},
		{RunStateRunning, false},
		{RunStateCompleted, true},
		{RunStateAborted, true},
		{RunStateFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.IsTerminal())
		})
	}
}

func TestRunState_TriggersLineage(t *testing.T) {
	tests := []struct {
		state RunState
		want  bool
	}{
		{RunStateNew, false},
		{RunStateRunning, false},
		{RunStateCompleted, true},
		{RunStateAborted, false},
		{RunStateFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.TriggersLineage())
		})
	}
}

func TestRun_RunDate_PrefersEndedAt(t *testing.T) {
	started := time.Date(2026, 2, 28, 23, 30, 0, 0, time.UTC)
	ended := time.Date(2026, 3, 1, 0, 15, 0, 0, time.UTC)

	run := &Run{
		CreatedAt: started.Add(-time.Hour),
		StartedAt: &started,
		EndedAt:   &ended,
	}

	// A run straddling midnight partitions by its end date
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), run.RunDate())
}

func TestRun_RunDate_FallsBackToStartedAt(t *testing.T) {
	started := time.Date(2026, 3, 10, 14, 45, 0, 0, time.UTC)

	run := &Run{
		CreatedAt: started.Add(-time.Hour),
		StartedAt: &started,
	}

	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), run.RunDate())
}

func TestRun_RunDate_FallsBackToCreatedAt(t *testing.T) {
	created := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	run := &Run{CreatedAt: created}

	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), run.RunDate())
}

func TestRun_RunDate_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	// 02:00 local on March 11 is 21:00 UTC on March 10
	ended := time.Date(2026, 3, 11, 2, 0, 0, 0, loc)

	run := &Run{CreatedAt: ended.Add(-time.Hour), EndedAt: &ended}

	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), run.RunDate())
}

func TestRun_IsRoot(t *testing.T) {
	parent := uuid.New()

	assert.True(t, (&Run{}).IsRoot())
	assert.False(t, (&Run{ParentRunUUID: &parent}).IsRoot())
}

func TestJobID_String(t *testing.T) {
	id := JobID{Namespace: "food_delivery", Name: "etl_orders"}

	assert.Equal(t, "food_delivery:etl_orders", id.String())
}

func TestDatasetID_String(t *testing.T) {
	id := DatasetID{Namespace: "warehouse", Name: "public.orders"}

	assert.Equal(t, "warehouse:public.orders", id.String())
}
