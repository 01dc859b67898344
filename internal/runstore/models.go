package runstore

import "time"

// RunState is the orchestrator's current position in the pipeline.
type RunState string

const (
	StateCreated         RunState = "created"
	StateExtracting      RunState = "extracting"
	StatePlanning        RunState = "planning"
	StateGenerating      RunState = "generating"
	StateExecuting       RunState = "executing"
	StateErrorRecovering RunState = "error_recovering"
	StateCritiquing      RunState = "critiquing"
	StateRevising        RunState = "revising"
	StateFinalized       RunState = "finalized"
	StateFailed          RunState = "failed"
)

// Terminal reports whether the state can no longer change.
func (s RunState) Terminal() bool { return s == StateFinalized || s == StateFailed }

// StageTransition is one entry of the run's ordered transition log.
type StageTransition struct {
	At      time.Time `json:"at"`
	From    RunState  `json:"from"`
	To      RunState  `json:"to"`
	Message string    `json:"message,omitempty"`
}

// Run is the top-level record for one pipeline execution. Versioned artifacts
// live beside it in the run directory; Run itself only carries the transition
// log and the error detail of a failed run.
type Run struct {
	ID          string            `json:"id"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	State       RunState          `json:"state"`
	Transitions []StageTransition `json:"transitions,omitempty"`
	FailedStage string            `json:"failed_stage,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Manifest is the canonical index of what exists and what is current for a
// run. It is rewritten atomically on every stage completion; the versioned
// artifacts it points at are never mutated.
type Manifest struct {
	RunID            string             `json:"run_id"`
	UpdatedAt        time.Time          `json:"updated_at"`
	AnalysisVersions int                `json:"analysis_versions"`
	PlanVersions     int                `json:"plan_versions"`
	CritiqueCount    int                `json:"critique_count"`
	CodeSnapshots    []CodeSnapshotInfo `json:"code_snapshots,omitempty"`
	CurrentCodeStage string             `json:"current_code_stage,omitempty"`
	DocumentRef      string             `json:"document_ref,omitempty"`
	ErrorRecoveries  int                `json:"error_recoveries"`
	FailedStage      string             `json:"failed_stage,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// CodeSnapshotInfo locates one immutable code snapshot.
type CodeSnapshotInfo struct {
	Seq   int    `json:"seq"`
	Stage string `json:"stage"`
	Path  string `json:"path"` // relative to the run directory
}

// Event is one progress record, both appended to events.ndjson and broadcast
// to subscribers. Emission is fire-and-forget: a slow or absent observer never
// affects the pipeline.
type Event struct {
	TS      time.Time      `json:"ts"`
	RunID   string         `json:"run_id"`
	Stage   string         `json:"stage,omitempty"`
	Status  string         `json:"status"` // "started" | "completed" | "failed" | ...
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}
