package domain

import (
	"fmt"
	"regexp"
	"time"
)

var taskNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateTaskName checks that a name is usable as a log file component
func ValidateTaskName(name string) error {
	if !taskNameRegex.MatchString(name) {
		return fmt.Errorf("invalid task name %q (expected letters, digits, '-', '_' or '.')", name)
	}
	return nil
}

// TaskDefinition is one step of a pipeline as declared in its document
type TaskDefinition struct {
	Name     string
	Desc     string
	Command  string
	Needs    []string
	Timeout  time.Duration
	Kind     TaskKind
	Optional bool

	// Position is the declaration index and breaks ties between ready tasks
	Position int
}

// IsInternal reports whether the task is handled in-process
func (d TaskDefinition) IsInternal() bool {
	return d.Kind != "" && d.Kind != KindShell
}

// TaskInstance is the per-run materialization of a TaskDefinition
type TaskInstance struct {
	RunID      string        `json:"run_id"`
	Name       string        `json:"name"`
	Position   int           `json:"position"`
	Desc       string        `json:"desc,omitempty"`
	Kind       TaskKind      `json:"kind"`
	Needs      []string      `json:"needs,omitempty"`
	Optional   bool          `json:"optional,omitempty"`
	Timeout    time.Duration `json:"timeout"`
	State      TaskState     `json:"state"`
	Command    string        `json:"command,omitempty"`
	LogPath    string        `json:"log_path,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// NewTaskInstance creates the initial instance for a definition.
// Tasks with prerequisites start blocked, the rest pending.
func NewTaskInstance(runID string, def TaskDefinition) TaskInstance {
	state := TaskPending
	if len(def.Needs) > 0 {
		state = TaskBlocked
	}
	return TaskInstance{
		RunID:    runID,
		Name:     def.Name,
		Position: def.Position,
		Desc:     def.Desc,
		Kind:     def.Kind,
		Needs:    append([]string(nil), def.Needs...),
		Optional: def.Optional,
		Timeout:  def.Timeout,
		State:    state,
		Command:  def.Command,
	}
}

// Duration returns the observed runtime, if the task has finished running
func (t TaskInstance) Duration() (time.Duration, bool) {
	if t.DurationMs > 0 {
		return time.Duration(t.DurationMs) * time.Millisecond, true
	}
	if t.StartedAt != nil && t.FinishedAt != nil {
		return t.FinishedAt.Sub(*t.StartedAt), true
	}
	return 0, false
}
