package domain

import "time"

// Run represents one execution of a pipeline against a target
type Run struct {
	ID              string     `json:"id"`
	Target          string     `json:"target"`
	PipelineVersion string     `json:"pipeline_version,omitempty"`
	Concurrency     int        `json:"concurrency"`
	Status          RunStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Event is one immutable entry of a run's append-only log.
// Seq is assigned by the store and strictly increases per run.
type Event struct {
	Seq       int64        `json:"seq"`
	RunID     string       `json:"run_id"`
	Task      string       `json:"task,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Kind      EventKind    `json:"kind"`
	Payload   EventPayload `json:"payload"`
}

// EventPayload holds the optional details of an event
type EventPayload struct {
	ExitCode   *int   `json:"exit_code,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Command    string `json:"command,omitempty"`
	LogPath    string `json:"log_path,omitempty"`
	Signal     string `json:"signal,omitempty"`

	// run_started carries the full initial state so a snapshot can be
	// rebuilt from the log alone.
	Run   *Run           `json:"run,omitempty"`
	Tasks []TaskInstance `json:"tasks,omitempty"`

	// run_finished
	Status RunStatus `json:"status,omitempty"`
}

// TaskEvent builds an event for a single task
func TaskEvent(runID, task string, kind EventKind, payload EventPayload) Event {
	return Event{
		RunID:     runID,
		Task:      task,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Payload:   payload,
	}
}

// IntPtr is a helper for optional exit codes
func IntPtr(v int) *int {
	return &v
}
