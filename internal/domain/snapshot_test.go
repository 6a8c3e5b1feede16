package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func startEvent(concurrency int, defs ...TaskDefinition) Event {
	run := &Run{ID: "run-1", Target: "example.com", Concurrency: concurrency, StartedAt: t0}
	var tasks []TaskInstance
	for i, d := range defs {
		d.Position = i
		tasks = append(tasks, NewTaskInstance(run.ID, d))
	}
	return Event{Seq: 1, RunID: run.ID, Kind: EventRunStarted, Timestamp: t0, Payload: EventPayload{Run: run, Tasks: tasks}}
}

type eventLog struct {
	seq    int64
	events []Event
}

func (l *eventLog) add(task string, kind EventKind, at time.Duration, p EventPayload) {
	l.seq++
	l.events = append(l.events, Event{Seq: l.seq, RunID: "run-1", Task: task, Kind: kind, Timestamp: t0.Add(at), Payload: p})
}

func chainLog() *eventLog {
	l := &eventLog{seq: 1}
	l.events = append(l.events, startEvent(2,
		TaskDefinition{Name: "a"},
		TaskDefinition{Name: "b", Needs: []string{"a"}},
		TaskDefinition{Name: "c", Needs: []string{"a"}},
	))
	return l
}

func TestReplay_FollowsLifecycle(t *testing.T) {
	l := chainLog()
	l.add("a", EventQueued, 0, EventPayload{})
	l.add("a", EventStarted, 0, EventPayload{Command: "echo a", LogPath: "/tmp/a.log"})
	l.add("a", EventCompleted, 10*time.Second, EventPayload{ExitCode: IntPtr(0), DurationMs: 10000})
	l.add("b", EventQueued, 10*time.Second, EventPayload{})
	l.add("c", EventQueued, 10*time.Second, EventPayload{})

	snap, err := Replay(l.events)
	require.NoError(t, err)

	a, _ := snap.Task("a")
	assert.Equal(t, TaskSucceeded, a.State)
	assert.Equal(t, "echo a", a.Command)
	require.NotNil(t, a.ExitCode)
	assert.Equal(t, 0, *a.ExitCode)
	assert.Equal(t, []string{"b", "c"}, snap.InState(TaskReady))
	assert.Equal(t, int64(6), snap.LastSeq)

	done, total := snap.Progress()
	assert.Equal(t, 1, done)
	assert.Equal(t, 3, total)
}

func TestApply_RejectsContradictions(t *testing.T) {
	tests := []struct {
		name  string
		event Event
	}{
		{"unknown task", Event{Seq: 2, Task: "zzz", Kind: EventQueued}},
		{"start while blocked", Event{Seq: 2, Task: "b", Kind: EventStarted}},
		{"complete while pending", Event{Seq: 2, Task: "a", Kind: EventCompleted}},
		{"stale seq", Event{Seq: 1, Task: "a", Kind: EventQueued}},
		{"second run_started", startEvent(1, TaskDefinition{Name: "x"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := Replay(chainLog().events)
			require.NoError(t, err)
			before := snap.Clone()

			ev := tt.event
			if ev.Kind == EventRunStarted {
				ev.Seq = 2
			}
			assert.Error(t, snap.Apply(ev))
			assert.Equal(t, before.Tasks, snap.Tasks)
		})
	}
}

func TestApply_TransitionErrorType(t *testing.T) {
	snap, err := Replay(chainLog().events)
	require.NoError(t, err)

	err = snap.Apply(Event{Seq: 2, Task: "a", Kind: EventCompleted})
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, TaskPending, te.From)
}

func TestApply_NoEventsAfterRunFinished(t *testing.T) {
	l := chainLog()
	l.add("a", EventCancelled, 0, EventPayload{})
	l.add("b", EventCancelled, 0, EventPayload{})
	l.add("c", EventCancelled, 0, EventPayload{})
	l.add("", EventRunFinished, time.Second, EventPayload{Status: RunCancelled})

	snap, err := Replay(l.events)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, snap.Run.Status)
	require.NotNil(t, snap.Run.FinishedAt)

	assert.Error(t, snap.Apply(Event{Seq: 99, Task: "a", Kind: EventQueued}))
	assert.Error(t, snap.Apply(Event{Seq: 99, Kind: EventRunFinished, Payload: EventPayload{Status: RunFailed}}))
}

func TestReplay_Deterministic(t *testing.T) {
	l := chainLog()
	l.add("a", EventQueued, 0, EventPayload{})
	l.add("a", EventStarted, 0, EventPayload{})
	l.add("a", EventFailed, 3*time.Second, EventPayload{ExitCode: IntPtr(2), DurationMs: 3000})
	l.add("b", EventSkipped, 3*time.Second, EventPayload{Reason: "prerequisite a failed"})
	l.add("c", EventSkipped, 3*time.Second, EventPayload{Reason: "prerequisite a failed"})

	first, err := Replay(l.events)
	require.NoError(t, err)
	second, err := Replay(l.events)
	require.NoError(t, err)
	assert.Equal(t, first.Tasks, second.Tasks)
	assert.True(t, first.AllTerminal())
}

func TestEstimateRemaining(t *testing.T) {
	t.Run("unknown before any completion", func(t *testing.T) {
		l := chainLog()
		l.add("a", EventQueued, 0, EventPayload{})
		l.add("a", EventStarted, 0, EventPayload{})
		snap, err := Replay(l.events)
		require.NoError(t, err)

		_, ok := snap.EstimateRemaining(t0.Add(time.Minute))
		assert.False(t, ok)
	})

	t.Run("mean times remaining", func(t *testing.T) {
		l := chainLog()
		l.add("a", EventQueued, 0, EventPayload{})
		l.add("a", EventStarted, 0, EventPayload{})
		l.add("a", EventCompleted, 20*time.Second, EventPayload{DurationMs: 20000})
		snap, err := Replay(l.events)
		require.NoError(t, err)

		eta, ok := snap.EstimateRemaining(t0.Add(20 * time.Second))
		require.True(t, ok)
		assert.Equal(t, 40*time.Second, eta)
	})

	t.Run("zero when all terminal", func(t *testing.T) {
		l := chainLog()
		l.add("a", EventQueued, 0, EventPayload{})
		l.add("a", EventStarted, 0, EventPayload{})
		l.add("a", EventCompleted, 5*time.Second, EventPayload{DurationMs: 5000})
		l.add("b", EventCancelled, 5*time.Second, EventPayload{})
		l.add("c", EventCancelled, 5*time.Second, EventPayload{})
		snap, err := Replay(l.events)
		require.NoError(t, err)

		eta, ok := snap.EstimateRemaining(t0.Add(time.Hour))
		require.True(t, ok)
		assert.Equal(t, time.Duration(0), eta)
	})

	t.Run("critical path refines high variance", func(t *testing.T) {
		l := &eventLog{seq: 1}
		l.events = append(l.events, startEvent(4,
			TaskDefinition{Name: "fast"},
			TaskDefinition{Name: "slow"},
			TaskDefinition{Name: "p1"},
			TaskDefinition{Name: "p2"},
			TaskDefinition{Name: "p3"},
			TaskDefinition{Name: "p4"},
		))
		for _, n := range []string{"fast", "slow"} {
			l.add(n, EventQueued, 0, EventPayload{})
			l.add(n, EventStarted, 0, EventPayload{})
		}
		l.add("fast", EventCompleted, time.Second, EventPayload{DurationMs: 1000})
		l.add("slow", EventCompleted, 19*time.Second, EventPayload{DurationMs: 19000})
		snap, err := Replay(l.events)
		require.NoError(t, err)

		// mean 10s, four independent tasks, four workers
		eta, ok := snap.EstimateRemaining(t0.Add(19 * time.Second))
		require.True(t, ok)
		assert.Equal(t, 10*time.Second, eta)
	})

	t.Run("never negative for overdue running task", func(t *testing.T) {
		l := chainLog()
		l.add("a", EventQueued, 0, EventPayload{})
		l.add("a", EventStarted, 0, EventPayload{})
		l.add("a", EventCompleted, time.Second, EventPayload{DurationMs: 1000})
		l.add("b", EventQueued, time.Second, EventPayload{})
		l.add("b", EventStarted, time.Second, EventPayload{})
		snap, err := Replay(l.events)
		require.NoError(t, err)

		eta, ok := snap.EstimateRemaining(t0.Add(time.Hour))
		require.True(t, ok)
		assert.GreaterOrEqual(t, eta, time.Duration(0))
	})
}
