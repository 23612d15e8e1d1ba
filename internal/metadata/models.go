// Package metadata provides the normalized entity model for the Traceline lineage engine.
//
// The entity store (namespaces, jobs with versions, datasets with versions, runs and
// their input/output mappings) is written by the external ingestion path. The lineage
// engine reads these entities to compute lineage graphs and to maintain the
// denormalized lineage tables.
package metadata

import (
	"time"

	"github.com/google/uuid"
)

type (
	// RunState represents the lifecycle state of a run.
	RunState string

	// IOType distinguishes input from output dataset mappings on a job version.
	IOType string

	// JobID identifies a job by (namespace, name).
	JobID struct {
		Namespace string
		Name      string
	}

	// DatasetID identifies a dataset by (namespace, name).
	DatasetID struct {
		Namespace string
		Name      string
	}

	// Job is a recurring data transformation with versioned input/output sets.
	//
	// A job has exactly one current version at a time; prior versions are retained
	// for history. SymlinkTarget is set when the job was renamed: all lineage for
	// the old identity must resolve to the target before graph computation.
	Job struct {
		UUID               uuid.UUID
		Namespace          string
		Name               string
		CurrentVersionUUID *uuid.UUID
		SymlinkTargetUUID  *uuid.UUID
		IsHidden           bool
		CreatedAt          time.Time
		UpdatedAt          time.Time
	}

	// JobVersion is an immutable snapshot of a job's input/output dataset sets.
	// Exactly one version per job carries IsCurrent=true.
	JobVersion struct {
		UUID      uuid.UUID
		JobUUID   uuid.UUID
		Version   uuid.UUID
		IsCurrent bool
		CreatedAt time.Time
	}

	// Dataset is an abstract data artifact: a table, file, topic, or directory.
	//
	// Datasets may carry symlinks (aliases) with exactly one marked primary, and can
	// be soft-deleted: historical rows referencing a deleted dataset remain, but the
	// dataset must disappear from newly computed graphs.
	Dataset struct {
		UUID               uuid.UUID
		Namespace          string
		Name               string
		CurrentVersionUUID *uuid.UUID
		IsDeleted          bool
		CreatedAt          time.Time
		UpdatedAt          time.Time
	}

	// DatasetSymlink is an alias identity for a dataset.
	DatasetSymlink struct {
		DatasetUUID uuid.UUID
		Namespace   string
		Name        string
		IsPrimary   bool
	}

	// DatasetVersion is an immutable version of a dataset. RunUUID references the
	// producing run when the version was created as an output. Version tokens are
	// monotonically increasing and used for ordering.
	DatasetVersion struct {
		UUID        uuid.UUID
		DatasetUUID uuid.UUID
		Version     int64
		RunUUID     *uuid.UUID
		CreatedAt   time.Time
	}

	// Run is a single execution of a job at a specific job version.
	//
	// StartedAt and EndedAt are set only on running/terminal transitions.
	// ParentRunUUID links nested or orchestrated executions to their parent.
	Run struct {
		UUID           uuid.UUID
		JobUUID        uuid.UUID
		JobVersionUUID uuid.UUID
		ParentRunUUID  *uuid.UUID
		State          RunState
		StartedAt      *time.Time
		EndedAt        *time.Time
		CreatedAt      time.Time
	}

	// RunFacet is a named JSON blob attached to a run at a point in time.
	// Multiple facets with the same name may exist over a run's lifetime;
	// the latest wins on conflict and aggregations order most recent first.
	RunFacet struct {
		UUID             uuid.UUID
		RunUUID          uuid.UUID
		Name             string
		LineageEventTime time.Time
		Facet            map[string]interface{}
	}
)

const (
	// RunStateNew indicates a run that has been registered but not started.
	RunStateNew RunState = "NEW"

	// RunStateRunning indicates a run in progress.
	RunStateRunning RunState = "RUNNING"

	// RunStateCompleted indicates a successfully finished run.
	// Terminal state; only COMPLETED runs contribute dataset edges to lineage.
	RunStateCompleted RunState = "COMPLETED"

	// RunStateAborted indicates a run stopped abnormally. Terminal state.
	RunStateAborted RunState = "ABORTED"

	// RunStateFailed indicates a failed run. Terminal state.
	RunStateFailed RunState = "FAILED"
)

const (
	// IOTypeInput marks a dataset as an input of a job version.
	IOTypeInput IOType = "INPUT"

	// IOTypeOutput marks a dataset as an output of a job version.
	IOTypeOutput IOType = "OUTPUT"
)

// ValidRunStates returns all valid run states.
func ValidRunStates() []RunState {
	return []RunState{
		RunStateNew,
		RunStateRunning,
		RunStateCompleted,
		RunStateAborted,
		RunStateFailed,
	}
}

// IsValid checks if the RunState is a known state.
func (s RunState) IsValid() bool {
	for _, valid := range ValidRunStates() {
		if s == valid {
			return true
		}
	}

	return false
}

// IsTerminal returns true for COMPLETED, ABORTED and FAILED.
// Terminal states cannot transition to other states.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateAborted || s == RunStateFailed
}

// TriggersLineage returns true if a transition into this state must invoke the
// denormalization maintenance service. Only COMPLETED and FAILED transitions
// trigger population; NEW, RUNNING and ABORTED do not.
func (s RunState) TriggersLineage() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// String returns the job identity in namespace:name form.
func (id JobID) String() string {
	return id.Namespace + ":" + id.Name
}

// String returns the dataset identity in namespace:name form.
func (id DatasetID) String() string {
	return id.Namespace + ":" + id.Name
}

// RunDate returns the partition key date for this run's denormalized rows:
// the UTC date of EndedAt, falling back to StartedAt and then CreatedAt for
// runs rebuilt before reaching a terminal state.
func (r *Run) RunDate() time.Time {
	switch {
	case r.EndedAt != nil:
		return r.EndedAt.UTC().Truncate(24 * time.Hour)
	case r.StartedAt != nil:
		return r.StartedAt.UTC().Truncate(24 * time.Hour)
	default:
		return r.CreatedAt.UTC().Truncate(24 * time.Hour)
	}
}

// IsRoot returns true when the run has no parent. Only root runs may populate
// the parent-lineage table: its run_date derives from the parent's EndedAt,
// which exists only once the parent itself reaches a terminal state.
func (r *Run) IsRoot() bool {
	return r.ParentRunUUID == nil
}
