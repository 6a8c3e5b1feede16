package domain

import (
	"fmt"
	"time"
)

// ConfigError reports an invalid pipeline, rule document or template.
// It is fatal before execution starts.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error in %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ProcessError reports a task that exited non-zero or failed to launch
type ProcessError struct {
	Task     string
	ExitCode int
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s: %v", e.Task, e.Err)
	}
	return fmt.Sprintf("task %s exited with code %d", e.Task, e.ExitCode)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// TimeoutError reports a task that exceeded its deadline
type TimeoutError struct {
	Task    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.Task, e.Timeout)
}

// PersistenceError reports an unavailable or corrupt state store.
// It is fatal for the affected run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("state store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TransitionError is returned when an event contradicts the current state
type TransitionError struct {
	Task  string
	From  TaskState
	Event EventKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: event %s is not valid in state %s", e.Task, e.Event, e.From)
}
