// Package report turns stored findings into summary.json and summary.md.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

const (
	// DefaultTop is the number of findings listed in a summary
	DefaultTop = 20

	JSONFile     = "summary.json"
	MarkdownFile = "summary.md"
)

// RuleStat counts the findings produced by one rule
type RuleStat struct {
	RuleID   string          `json:"rule_id"`
	Count    int             `json:"count"`
	Severity domain.Severity `json:"max_severity"`
}

// TaskLine is the per-task part of a summary
type TaskLine struct {
	Name       string           `json:"name"`
	State      domain.TaskState `json:"state"`
	DurationMs int64            `json:"duration_ms,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// Summary is the analysis outcome written after a run
type Summary struct {
	Target        string           `json:"target"`
	RunID         string           `json:"run_id,omitempty"`
	RunStatus     domain.RunStatus `json:"run_status,omitempty"`
	GeneratedAt   time.Time        `json:"generated_at"`
	FilesScanned  int              `json:"files_scanned"`
	TotalFindings int              `json:"total_findings"`
	BySeverity    map[string]int   `json:"by_severity"`
	ByRule        []RuleStat       `json:"by_rule"`
	Top           []domain.Finding `json:"top_findings"`
	Tasks         []TaskLine       `json:"tasks,omitempty"`
	Errors        []string         `json:"errors,omitempty"`
}

// Build aggregates findings, which must already be ranked, into a summary.
// snap may be nil when no run exists yet.
func Build(target string, snap *domain.Snapshot, findings []domain.Finding, top int, now time.Time) *Summary {
	if top <= 0 {
		top = DefaultTop
	}
	s := &Summary{
		Target:        target,
		GeneratedAt:   now.UTC(),
		TotalFindings: len(findings),
		BySeverity:    make(map[string]int),
	}
	if snap != nil {
		s.RunID = snap.Run.ID
		s.RunStatus = snap.Run.Status
		for _, t := range snap.Tasks {
			s.Tasks = append(s.Tasks, TaskLine{Name: t.Name, State: t.State, DurationMs: t.DurationMs, Reason: t.Reason})
		}
	}

	byRule := make(map[string]*RuleStat)
	for _, f := range findings {
		s.BySeverity[f.Severity.String()]++
		st, ok := byRule[f.RuleID]
		if !ok {
			st = &RuleStat{RuleID: f.RuleID, Severity: f.Severity}
			byRule[f.RuleID] = st
		}
		st.Count++
		if f.Severity > st.Severity {
			st.Severity = f.Severity
		}
	}
	for _, st := range byRule {
		s.ByRule = append(s.ByRule, *st)
	}
	sort.Slice(s.ByRule, func(i, j int) bool {
		a, b := s.ByRule[i], s.ByRule[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.RuleID < b.RuleID
	})

	if len(findings) > top {
		findings = findings[:top]
	}
	s.Top = append([]domain.Finding(nil), findings...)
	return s
}

// Write stores summary.json and summary.md in dir and returns their paths
func Write(dir string, s *Summary) (jsonPath, mdPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", "", err
	}
	jsonPath = filepath.Join(dir, JSONFile)
	if err := writeAtomic(jsonPath, data); err != nil {
		return "", "", fmt.Errorf("writing %s: %w", JSONFile, err)
	}

	md, err := Markdown(s)
	if err != nil {
		return "", "", err
	}
	mdPath = filepath.Join(dir, MarkdownFile)
	if err := writeAtomic(mdPath, []byte(md)); err != nil {
		return "", "", fmt.Errorf("writing %s: %w", MarkdownFile, err)
	}
	return jsonPath, mdPath, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
