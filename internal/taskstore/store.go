package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed run, event and finding persistence
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, persistErr("open", err)
	}

	// One connection keeps pragmas in effect and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, persistErr(p, err)
		}
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, persistErr("running migrations", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}

const runColumns = `id, target, pipeline_version, concurrency, status, started_at, finished_at`

// LatestRun returns the most recently started run
func (s *Store) LatestRun() (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return run, persistErr("latest run", err)
}

// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryRuns(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
}

// UnfinishedRuns returns runs still marked running
func (s *Store) UnfinishedRuns() ([]*domain.Run, error) {
	return s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at`, string(domain.RunRunning))
}

func (s *Store) queryRuns(query string, args ...interface{}) ([]*domain.Run, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, persistErr("list runs", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, persistErr("scan run", err)
		}
		runs = append(runs, run)
	}
	return runs, persistErr("list runs", rows.Err())
}

// TaskInstances returns the projected task rows of a run in declaration order
func (s *Store) TaskInstances(runID string) ([]domain.TaskInstance, error) {
	rows, err := s.db.Query(`
		SELECT run_id, name, position, description, kind, needs, optional, timeout_ms, state,
		       command, log_path, started_at, finished_at, exit_code, duration_ms, reason
		FROM task_instances WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, persistErr("list task instances", err)
	}
	defer rows.Close()

	var tasks []domain.TaskInstance
	for rows.Next() {
		var t domain.TaskInstance
		var desc, needsJSON, command, logPath, reason sql.NullString
		var started, finished sql.NullTime
		var exitCode, durationMs, timeoutMs sql.NullInt64
		var kind, state string

		if err := rows.Scan(&t.RunID, &t.Name, &t.Position, &desc, &kind, &needsJSON, &t.Optional, &timeoutMs, &state,
			&command, &logPath, &started, &finished, &exitCode, &durationMs, &reason); err != nil {
			return nil, persistErr("scan task instance", err)
		}
		t.Desc = desc.String
		t.Kind = domain.TaskKind(kind)
		t.State = domain.TaskState(state)
		t.Command = command.String
		t.LogPath = logPath.String
		t.Reason = reason.String
		t.Timeout = time.Duration(timeoutMs.Int64) * time.Millisecond
		t.DurationMs = durationMs.Int64
		if started.Valid {
			t.StartedAt = &started.Time
		}
		if finished.Valid {
			t.FinishedAt = &finished.Time
		}
		if exitCode.Valid {
			t.ExitCode = domain.IntPtr(int(exitCode.Int64))
		}
		if needsJSON.Valid && needsJSON.String != "" && needsJSON.String != "null" {
			if err := json.Unmarshal([]byte(needsJSON.String), &t.Needs); err != nil {
				return nil, persistErr("decode needs", err)
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, persistErr("list task instances", rows.Err())
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var version sql.NullString
	var status string
	var finished sql.NullTime

	if err := row.Scan(&run.ID, &run.Target, &version, &run.Concurrency, &status, &run.StartedAt, &finished); err != nil {
		return nil, err
	}
	run.PipelineVersion = version.String
	run.Status = domain.RunStatus(status)
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
