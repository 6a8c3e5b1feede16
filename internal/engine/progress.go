package engine

import (
	"encoding/json"
	"os"
	"time"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

// TaskProgress is one task line of the progress document
type TaskProgress struct {
	Name       string           `json:"name"`
	State      domain.TaskState `json:"state"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	DurationMs int64            `json:"duration_ms,omitempty"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// Progress is the quick-read status document kept next to the database.
// It is rewritten atomically after every event.
type Progress struct {
	Target     string           `json:"target"`
	RunID      string           `json:"run_id"`
	Status     domain.RunStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
	LastSeq    int64            `json:"last_seq"`
	Done       int              `json:"done"`
	Total      int              `json:"total"`
	Counts     map[string]int   `json:"counts"`
	Running    []string         `json:"running"`
	ETASeconds *float64         `json:"eta_seconds,omitempty"`
	Tasks      []TaskProgress   `json:"tasks"`
}

// NewProgress derives the document from a snapshot
func NewProgress(snap *domain.Snapshot, now time.Time) Progress {
	p := Progress{
		Target:     snap.Run.Target,
		RunID:      snap.Run.ID,
		Status:     snap.Run.Status,
		StartedAt:  snap.Run.StartedAt,
		FinishedAt: snap.Run.FinishedAt,
		UpdatedAt:  now.UTC(),
		LastSeq:    snap.LastSeq,
		Counts:     make(map[string]int),
		Running:    snap.InState(domain.TaskRunning),
	}
	p.Done, p.Total = snap.Progress()
	for state, n := range snap.Counts() {
		p.Counts[string(state)] = n
	}
	if !snap.Run.Status.Terminal() {
		if eta, ok := snap.EstimateRemaining(now); ok {
			secs := eta.Seconds()
			p.ETASeconds = &secs
		}
	}
	for _, t := range snap.Tasks {
		p.Tasks = append(p.Tasks, TaskProgress{
			Name:       t.Name,
			State:      t.State,
			StartedAt:  t.StartedAt,
			DurationMs: t.DurationMs,
			ExitCode:   t.ExitCode,
			Reason:     t.Reason,
		})
	}
	return p
}

// WriteProgress atomically replaces the progress document at path
func WriteProgress(path string, snap *domain.Snapshot, now time.Time) error {
	data, err := json.MarshalIndent(NewProgress(snap, now), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
