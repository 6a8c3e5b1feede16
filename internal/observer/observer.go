// Package observer watches running pipelines: slow tasks, the cross
// process stop flag and growing log files.
package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

// Observer tracks task outcomes across runs and flags tasks that run
// suspiciously long.
type Observer struct {
	stuckThreshold time.Duration

	completed     int
	failed        int
	totalDuration time.Duration
	warned        map[string]struct{}
	mu            sync.RWMutex
}

// Stats holds aggregated task outcomes
type Stats struct {
	TotalCompleted int           `json:"total_completed"`
	TotalFailed    int           `json:"total_failed"`
	AvgDuration    time.Duration `json:"avg_duration_ns"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		warned:         make(map[string]struct{}),
	}
}

// IsStuck returns true if a running task has exceeded the threshold
func (o *Observer) IsStuck(task domain.TaskInstance, now time.Time) bool {
	if o.stuckThreshold <= 0 || task.State != domain.TaskRunning || task.StartedAt == nil {
		return false
	}
	return now.Sub(*task.StartedAt) > o.stuckThreshold
}

// NewlyStuck returns stuck tasks of the snapshot that were not reported
// before, so callers warn once per task instance.
func (o *Observer) NewlyStuck(snap *domain.Snapshot, now time.Time) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var names []string
	for _, t := range snap.Tasks {
		if !o.IsStuck(t, now) {
			continue
		}
		key := t.RunID + "/" + t.Name
		if _, ok := o.warned[key]; ok {
			continue
		}
		o.warned[key] = struct{}{}
		names = append(names, t.Name)
	}
	return names
}

// Observe records terminal task events
func (o *Observer) Observe(ev domain.Event) {
	state, ok := ev.Kind.TargetState()
	if !ok || !state.Terminal() || state == domain.TaskSkipped || state == domain.TaskCancelled {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if state != domain.TaskSucceeded {
		o.failed++
		return
	}
	o.completed++
	o.totalDuration += time.Duration(ev.Payload.DurationMs) * time.Millisecond
}

// GetStats returns aggregated outcomes
func (o *Observer) GetStats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	stats := Stats{TotalCompleted: o.completed, TotalFailed: o.failed}
	if o.completed > 0 {
		stats.AvgDuration = o.totalDuration / time.Duration(o.completed)
	}
	return stats
}
