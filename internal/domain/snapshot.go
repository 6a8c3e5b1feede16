package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// etaVarianceThreshold is the coefficient of variation above which the
// mean-based estimate is refined with the critical path.
const etaVarianceThreshold = 0.5

// Snapshot is the materialized view of a run, derived purely from its events
type Snapshot struct {
	Run     Run            `json:"run"`
	Tasks   []TaskInstance `json:"tasks"`
	LastSeq int64          `json:"last_seq"`

	index map[string]int
}

// Replay rebuilds a snapshot from an ordered event log
func Replay(events []Event) (*Snapshot, error) {
	s := &Snapshot{}
	for _, ev := range events {
		if err := s.Apply(ev); err != nil {
			return nil, fmt.Errorf("replaying event %d: %w", ev.Seq, err)
		}
	}
	if s.Run.ID == "" {
		return nil, errors.New("event log has no run_started event")
	}
	return s, nil
}

// Clone returns a copy that can be mutated independently
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{Run: s.Run, LastSeq: s.LastSeq}
	c.Tasks = append([]TaskInstance(nil), s.Tasks...)
	return c
}

// Apply folds one event into the snapshot. Events that contradict the
// current state are rejected and leave the snapshot unchanged.
func (s *Snapshot) Apply(ev Event) error {
	if ev.Seq > 0 && ev.Seq <= s.LastSeq {
		return fmt.Errorf("event seq %d is not after %d", ev.Seq, s.LastSeq)
	}

	switch ev.Kind {
	case EventRunStarted:
		if s.Run.ID != "" {
			return fmt.Errorf("run %s already started", s.Run.ID)
		}
		if ev.Payload.Run == nil {
			return errors.New("run_started event without run")
		}
		s.Run = *ev.Payload.Run
		s.Run.Status = RunRunning
		s.Tasks = append([]TaskInstance(nil), ev.Payload.Tasks...)
		s.index = nil
	case EventRunFinished:
		if s.Run.ID == "" {
			return errors.New("run_finished before run_started")
		}
		if s.Run.Status.Terminal() {
			return fmt.Errorf("run %s already finished", s.Run.ID)
		}
		if !ev.Payload.Status.Terminal() {
			return fmt.Errorf("run_finished with non-terminal status %q", ev.Payload.Status)
		}
		s.Run.Status = ev.Payload.Status
		ts := ev.Timestamp
		s.Run.FinishedAt = &ts
	default:
		if err := s.applyTask(ev); err != nil {
			return err
		}
	}

	if ev.Seq > 0 {
		s.LastSeq = ev.Seq
	}
	return nil
}

func (s *Snapshot) applyTask(ev Event) error {
	if s.Run.ID == "" {
		return errors.New("task event before run_started")
	}
	if s.Run.Status.Terminal() {
		return fmt.Errorf("event %s for task %s after run finished", ev.Kind, ev.Task)
	}
	i, ok := s.lookup(ev.Task)
	if !ok {
		return fmt.Errorf("unknown task %q", ev.Task)
	}
	t := &s.Tasks[i]
	if !transitionAllowed(t.State, ev.Kind) {
		return &TransitionError{Task: t.Name, From: t.State, Event: ev.Kind}
	}
	if ev.Kind == EventKilled {
		return nil
	}

	next, _ := ev.Kind.TargetState()
	ts := ev.Timestamp
	switch ev.Kind {
	case EventStarted:
		t.StartedAt = &ts
		if ev.Payload.Command != "" {
			t.Command = ev.Payload.Command
		}
		if ev.Payload.LogPath != "" {
			t.LogPath = ev.Payload.LogPath
		}
	case EventCompleted, EventFailed, EventTimedOut, EventSkipped, EventCancelled:
		t.FinishedAt = &ts
		t.ExitCode = ev.Payload.ExitCode
		t.DurationMs = ev.Payload.DurationMs
	}
	if ev.Payload.Reason != "" {
		t.Reason = ev.Payload.Reason
	}
	t.State = next
	return nil
}

func transitionAllowed(from TaskState, kind EventKind) bool {
	switch kind {
	case EventQueued:
		return from == TaskPending || from == TaskBlocked
	case EventStarted:
		return from == TaskReady
	case EventCompleted, EventFailed, EventTimedOut, EventKilled:
		return from == TaskRunning
	case EventSkipped:
		return from == TaskPending || from == TaskBlocked || from == TaskReady
	case EventCancelled:
		return !from.Terminal()
	}
	return false
}

func (s *Snapshot) lookup(name string) (int, bool) {
	if s.index == nil || len(s.index) != len(s.Tasks) {
		s.index = make(map[string]int, len(s.Tasks))
		for i, t := range s.Tasks {
			s.index[t.Name] = i
		}
	}
	i, ok := s.index[name]
	return i, ok
}

// Task returns a copy of the named task instance
func (s *Snapshot) Task(name string) (TaskInstance, bool) {
	i, ok := s.lookup(name)
	if !ok {
		return TaskInstance{}, false
	}
	return s.Tasks[i], true
}

// Counts returns the number of tasks in each state
func (s *Snapshot) Counts() map[TaskState]int {
	counts := make(map[TaskState]int, len(AllTaskStates))
	for _, t := range s.Tasks {
		counts[t.State]++
	}
	return counts
}

// InState returns task names in the given state, in declaration order
func (s *Snapshot) InState(state TaskState) []string {
	var names []string
	for _, t := range s.Tasks {
		if t.State == state {
			names = append(names, t.Name)
		}
	}
	return names
}

// Progress returns the number of terminal tasks and the total
func (s *Snapshot) Progress() (done, total int) {
	for _, t := range s.Tasks {
		if t.State.Terminal() {
			done++
		}
	}
	return done, len(s.Tasks)
}

// AllTerminal reports whether every task reached a terminal state
func (s *Snapshot) AllTerminal() bool {
	done, total := s.Progress()
	return done == total
}

// EstimateRemaining returns the expected time until the run finishes.
// ok is false until at least one task has completed with a known duration.
func (s *Snapshot) EstimateRemaining(now time.Time) (eta time.Duration, ok bool) {
	var samples []float64
	for _, t := range s.Tasks {
		switch t.State {
		case TaskSucceeded, TaskFailed, TaskTimedOut:
			if d, ok := t.Duration(); ok {
				samples = append(samples, float64(d))
			}
		}
	}
	if len(samples) == 0 {
		return 0, false
	}

	remaining := 0
	for _, t := range s.Tasks {
		if !t.State.Terminal() {
			remaining++
		}
	}
	if remaining == 0 {
		return 0, true
	}

	mean, cv := meanAndVariation(samples)
	estimate := mean * float64(remaining)
	if cv > etaVarianceThreshold {
		parallel := s.Run.Concurrency
		if parallel < 1 {
			parallel = 1
		}
		refined := math.Max(s.criticalPath(mean, now), estimate/float64(parallel))
		estimate = math.Min(estimate, refined)
	}
	if estimate < 0 || math.IsNaN(estimate) {
		estimate = 0
	}
	return time.Duration(estimate), true
}

// criticalPath returns the longest chain of non-terminal tasks, weighting
// each by the mean duration minus the time a running task already spent.
func (s *Snapshot) criticalPath(mean float64, now time.Time) float64 {
	memo := make(map[string]float64, len(s.Tasks))
	visiting := make(map[string]bool)

	var finish func(name string) float64
	finish = func(name string) float64 {
		if v, ok := memo[name]; ok {
			return v
		}
		i, ok := s.lookup(name)
		if !ok || visiting[name] {
			return 0
		}
		t := s.Tasks[i]
		if t.State.Terminal() {
			return 0
		}
		visiting[name] = true
		longest := 0.0
		for _, need := range t.Needs {
			longest = math.Max(longest, finish(need))
		}
		visiting[name] = false

		weight := mean
		if t.State == TaskRunning && t.StartedAt != nil {
			weight = math.Max(mean-float64(now.Sub(*t.StartedAt)), 0)
		}
		memo[name] = longest + weight
		return memo[name]
	}

	path := 0.0
	for _, t := range s.Tasks {
		path = math.Max(path, finish(t.Name))
	}
	return path
}

// meanAndVariation returns the mean and the coefficient of variation
func meanAndVariation(samples []float64) (mean, cv float64) {
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))
	if mean <= 0 {
		return mean, 0
	}
	var sq float64
	for _, v := range samples {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq/float64(len(samples))) / mean
}
