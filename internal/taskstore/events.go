package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

// CreateRun persists a new run, its task instances and the run_started
// event in one transaction, returning the initial snapshot.
func (s *Store) CreateRun(run domain.Run, tasks []domain.TaskInstance) (*domain.Snapshot, error) {
	run.Status = domain.RunRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, persistErr("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO runs (id, target, pipeline_version, concurrency, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.Target, nullString(run.PipelineVersion), run.Concurrency, string(run.Status), run.StartedAt); err != nil {
		return nil, persistErr("insert run", err)
	}

	for _, t := range tasks {
		needs, err := json.Marshal(t.Needs)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`
			INSERT INTO task_instances (run_id, name, position, description, kind, needs, optional, timeout_ms, state, command, log_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, t.Name, t.Position, nullString(t.Desc), string(t.Kind), string(needs), t.Optional,
			t.Timeout.Milliseconds(), string(t.State), nullString(t.Command), nullString(t.LogPath)); err != nil {
			return nil, persistErr("insert task instance", err)
		}
	}

	snap := &domain.Snapshot{}
	ev := domain.Event{
		RunID:     run.ID,
		Timestamp: run.StartedAt,
		Kind:      domain.EventRunStarted,
		Payload:   domain.EventPayload{Run: &run, Tasks: tasks},
	}
	if _, err := appendTx(tx, snap, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, persistErr("commit", err)
	}
	return snap, nil
}

// Append writes one event ahead of any action taken on it, projects it into
// the run tables and refreshes the stored snapshot, all in one transaction.
// On success snap reflects the event; on failure it is unchanged.
func (s *Store) Append(snap *domain.Snapshot, ev domain.Event) (domain.Event, error) {
	if ev.RunID == "" {
		ev.RunID = snap.Run.ID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return ev, persistErr("begin", err)
	}
	defer tx.Rollback()

	next := snap.Clone()
	ev, err = appendTx(tx, next, ev)
	if err != nil {
		return ev, err
	}
	if err := tx.Commit(); err != nil {
		return ev, persistErr("commit", err)
	}

	*snap = *next
	return ev, nil
}

func appendTx(tx *sql.Tx, snap *domain.Snapshot, ev domain.Event) (domain.Event, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return ev, fmt.Errorf("encoding payload: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO events (run_id, task_name, timestamp, kind, payload)
		VALUES (?, ?, ?, ?, ?)
	`, ev.RunID, nullString(ev.Task), ev.Timestamp, string(ev.Kind), string(payload))
	if err != nil {
		return ev, persistErr("append event", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return ev, persistErr("append event", err)
	}
	ev.Seq = seq

	if err := snap.Apply(ev); err != nil {
		return ev, fmt.Errorf("event %s for %q: %w", ev.Kind, ev.Task, err)
	}

	if !ev.Kind.IsRunLevel() {
		t, _ := snap.Task(ev.Task)
		if _, err := tx.Exec(`
			UPDATE task_instances
			SET state = ?, command = ?, log_path = ?, started_at = ?, finished_at = ?,
			    exit_code = ?, duration_ms = ?, reason = ?
			WHERE run_id = ? AND name = ?
		`, string(t.State), nullString(t.Command), nullString(t.LogPath), nullTime(t.StartedAt), nullTime(t.FinishedAt),
			nullInt(t.ExitCode), t.DurationMs, nullString(t.Reason), ev.RunID, ev.Task); err != nil {
			return ev, persistErr("project task", err)
		}
	}
	if ev.Kind == domain.EventRunFinished {
		if _, err := tx.Exec(`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
			string(snap.Run.Status), nullTime(snap.Run.FinishedAt), ev.RunID); err != nil {
			return ev, persistErr("project run", err)
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return ev, fmt.Errorf("encoding snapshot: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO snapshots (run_id, last_seq, data) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET last_seq = excluded.last_seq, data = excluded.data
	`, ev.RunID, snap.LastSeq, string(data)); err != nil {
		return ev, persistErr("write snapshot", err)
	}
	return ev, nil
}

// Events returns the event log of a run ordered by sequence
func (s *Store) Events(runID string) ([]domain.Event, error) {
	return s.EventsSince(runID, 0)
}

// EventsSince returns events with seq greater than after
func (s *Store) EventsSince(runID string, after int64) ([]domain.Event, error) {
	rows, err := s.db.Query(`
		SELECT seq, run_id, task_name, timestamp, kind, payload
		FROM events WHERE run_id = ? AND seq > ? ORDER BY seq
	`, runID, after)
	if err != nil {
		return nil, persistErr("list events", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var task, payload sql.NullString
		var kind string
		if err := rows.Scan(&ev.Seq, &ev.RunID, &task, &ev.Timestamp, &kind, &payload); err != nil {
			return nil, persistErr("scan event", err)
		}
		ev.Task = task.String
		ev.Kind = domain.EventKind(kind)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, persistErr("decode event payload", err)
			}
		}
		events = append(events, ev)
	}
	return events, persistErr("list events", rows.Err())
}

// Snapshot returns the stored projection of a run. A missing or unreadable
// snapshot row is rebuilt from the event log.
func (s *Store) Snapshot(runID string) (*domain.Snapshot, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM snapshots WHERE run_id = ?`, runID).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.Replay(runID)
	case err != nil:
		return nil, persistErr("read snapshot", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return s.Replay(runID)
	}
	return &snap, nil
}

// Replay rebuilds a run's snapshot from its full event history
func (s *Store) Replay(runID string) (*domain.Snapshot, error) {
	events, err := s.Events(runID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	snap, err := domain.Replay(events)
	if err != nil {
		return nil, persistErr("replay", err)
	}
	return snap, nil
}
