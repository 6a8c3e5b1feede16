package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"github.com/hochfrequenz/recon-orchestrator/internal/engine"
	"github.com/hochfrequenz/recon-orchestrator/internal/report"
)

// TaskResponse is the API response for a task
type TaskResponse struct {
	Name       string     `json:"name"`
	Position   int        `json:"position"`
	Kind       string     `json:"kind"`
	State      string     `json:"state"`
	Needs      []string   `json:"needs,omitempty"`
	Optional   bool       `json:"optional,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   string     `json:"duration,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// StatusResponse is the API response for a target's latest run
type StatusResponse struct {
	Target     string         `json:"target"`
	RunID      string         `json:"run_id"`
	Status     string         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Done       int            `json:"done"`
	Total      int            `json:"total"`
	Counts     map[string]int `json:"counts"`
	Running    []string       `json:"running"`
	ETASeconds *float64       `json:"eta_seconds,omitempty"`
	Tasks      []TaskResponse `json:"tasks"`
}

// StartRequest is the optional body of a start call
type StartRequest struct {
	Only        []string          `json:"only,omitempty"`
	Concurrency int               `json:"concurrency,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
}

// StartResponse is returned when a run was launched
type StartResponse struct {
	Target string `json:"target"`
	RunID  string `json:"run_id"`
}

// TailResponse holds the last lines of a log
type TailResponse struct {
	Target string   `json:"target"`
	Task   string   `json:"task,omitempty"`
	Lines  []string `json:"lines"`
}

func taskToResponse(t domain.TaskInstance) TaskResponse {
	resp := TaskResponse{
		Name:       t.Name,
		Position:   t.Position,
		Kind:       string(t.Kind),
		State:      string(t.State),
		Needs:      t.Needs,
		Optional:   t.Optional,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
		ExitCode:   t.ExitCode,
		Reason:     t.Reason,
	}
	if d, ok := t.Duration(); ok {
		resp.Duration = d.Round(time.Millisecond).String()
	}
	return resp
}

func snapshotToResponse(snap *domain.Snapshot, now time.Time) StatusResponse {
	resp := StatusResponse{
		Target:     snap.Run.Target,
		RunID:      snap.Run.ID,
		Status:     string(snap.Run.Status),
		StartedAt:  snap.Run.StartedAt,
		FinishedAt: snap.Run.FinishedAt,
		Counts:     make(map[string]int),
		Running:    snap.InState(domain.TaskRunning),
		Tasks:      make([]TaskResponse, 0, len(snap.Tasks)),
	}
	resp.Done, resp.Total = snap.Progress()
	for state, n := range snap.Counts() {
		resp.Counts[string(state)] = n
	}
	if !snap.Run.Status.Terminal() {
		if eta, ok := snap.EstimateRemaining(now); ok {
			secs := eta.Seconds()
			resp.ETASeconds = &secs
		}
	}
	for _, t := range snap.Tasks {
		resp.Tasks = append(resp.Tasks, taskToResponse(t))
	}
	return resp
}

// intParam reads a non-negative integer query parameter
func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + " parameter")
	}
	return n, nil
}

func (s *Server) listTargetsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := s.engine.List(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if infos == nil {
			infos = []engine.TargetInfo{}
		}
		writeJSON(w, infos)
	}
}

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.engine.Stats())
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.engine.Status(r.PathValue("target"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, snapshotToResponse(snap, time.Now()))
	}
}

func (s *Server) tailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.PathValue("target")
		n, err := intParam(r, "n", engine.DefaultTailLines)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		task := r.URL.Query().Get("task")

		var lines []string
		if task == "" {
			lines, err = s.engine.Tail(target, n)
		} else {
			lines, err = s.engine.TailTask(target, task, n)
		}
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if lines == nil {
			lines = []string{}
		}
		writeJSON(w, TailResponse{Target: target, Task: task, Lines: lines})
	}
}

func (s *Server) findingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := intParam(r, "n", report.DefaultTop)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		findings, err := s.engine.TopFindings(r.Context(), r.PathValue("target"), n)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if findings == nil {
			findings = []domain.Finding{}
		}
		writeJSON(w, findings)
	}
}

func (s *Server) startHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.PathValue("target")
		var req StartRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		// The run outlives the request.
		runID, err := s.engine.Start(r.Context(), target, engine.StartOptions{
			Only:        req.Only,
			Concurrency: req.Concurrency,
			Vars:        req.Vars,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		s.log.WithField("target", target).WithField("run", runID).Info("Run started via API")
		writeJSONStatus(w, http.StatusAccepted, StartResponse{Target: target, RunID: runID})
	}
}

func (s *Server) stopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.PathValue("target")
		if err := s.engine.Stop(target); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"target": target, "status": "stopping"})
	}
}
