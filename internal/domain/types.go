package domain

import "fmt"

// TaskState represents the lifecycle state of a task instance
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskBlocked   TaskState = "blocked"
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timed_out"
	TaskSkipped   TaskState = "skipped"
	TaskCancelled TaskState = "cancelled"
)

// AllTaskStates lists every state in lifecycle order
var AllTaskStates = []TaskState{
	TaskPending, TaskBlocked, TaskReady, TaskRunning,
	TaskSucceeded, TaskFailed, TaskTimedOut, TaskSkipped, TaskCancelled,
}

// Terminal reports whether no further transition is possible
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimedOut, TaskSkipped, TaskCancelled:
		return true
	}
	return false
}

// BlocksDependents reports whether a prerequisite in this state turns its
// dependents into skipped tasks.
func (s TaskState) BlocksDependents() bool {
	return s.Terminal() && s != TaskSucceeded
}

// RunStatus represents the execution state of a run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// EventKind identifies what an event records
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventTimedOut  EventKind = "timed_out"
	EventKilled    EventKind = "killed"
	EventSkipped   EventKind = "skipped"
	EventCancelled EventKind = "cancelled"

	// Run-level events carry no task name.
	EventRunStarted  EventKind = "run_started"
	EventRunFinished EventKind = "run_finished"
)

// IsRunLevel reports whether the event applies to the run rather than a task
func (k EventKind) IsRunLevel() bool {
	return k == EventRunStarted || k == EventRunFinished
}

// TargetState maps a task event to the state it moves the task into.
// Killed records the forceful termination step and changes nothing.
func (k EventKind) TargetState() (TaskState, bool) {
	switch k {
	case EventQueued:
		return TaskReady, true
	case EventStarted:
		return TaskRunning, true
	case EventCompleted:
		return TaskSucceeded, true
	case EventFailed:
		return TaskFailed, true
	case EventTimedOut:
		return TaskTimedOut, true
	case EventSkipped:
		return TaskSkipped, true
	case EventCancelled:
		return TaskCancelled, true
	}
	return "", false
}

// TaskKind selects how a task is executed
type TaskKind string

const (
	KindShell     TaskKind = "shell"
	KindSummarize TaskKind = "internal:summarize"
	KindNotify    TaskKind = "internal:notify"
)

// ParseTaskKind validates a kind from a pipeline document. Empty means shell.
func ParseTaskKind(s string) (TaskKind, error) {
	switch TaskKind(s) {
	case "", KindShell:
		return KindShell, nil
	case KindSummarize, KindNotify:
		return TaskKind(s), nil
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}
