// Package tui is the live terminal dashboard for one target's run.
package tui

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

const (
	TabDashboard = iota
	TabTasks
	TabLog
	TabFindings
	tabCount
)

const (
	defaultRefresh = time.Second
	logLines       = 200
	topFindings    = 50
)

// Source is what the dashboard reads from; engine.Facade satisfies it
type Source interface {
	Status(target string) (*domain.Snapshot, error)
	Tail(target string, n int) ([]string, error)
	TailTask(target, task string, n int) ([]string, error)
	TopFindings(ctx context.Context, target string, n int) ([]domain.Finding, error)
	Stop(target string) error
}

// Model is the TUI application model
type Model struct {
	// Data
	target   string
	source   Source
	snap     *domain.Snapshot
	logLines []string
	findings []domain.Finding
	err      error

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	scroll      int
	logTask     string
	statusMsg   string

	// Refresh
	interval    time.Duration
	lastRefresh time.Time
	now         func() time.Time
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	Target   string
	Source   Source
	Interval time.Duration
	// Snapshot seeds the first frame before the initial refresh lands
	Snapshot *domain.Snapshot
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultRefresh
	}
	return Model{
		target:   cfg.Target,
		source:   cfg.Source,
		snap:     cfg.Snapshot,
		interval: interval,
		now:      time.Now,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.refreshCmd(),
		tickCmd(m.interval),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// RefreshMsg carries freshly loaded state
type RefreshMsg struct {
	Snapshot *domain.Snapshot
	Lines    []string
	Findings []domain.Finding
	Err      error
	At       time.Time
}

// StopMsg reports the outcome of a stop request
type StopMsg struct {
	Err error
}

func (m Model) refreshCmd() tea.Cmd {
	src, target, task := m.source, m.target, m.logTask
	return func() tea.Msg {
		msg := RefreshMsg{At: time.Now()}
		if src == nil {
			return msg
		}
		var statusErr, tailErr, findingsErr error
		msg.Snapshot, statusErr = src.Status(target)
		if task == "" {
			msg.Lines, tailErr = src.Tail(target, logLines)
		} else {
			msg.Lines, tailErr = src.TailTask(target, task, logLines)
		}
		if tailErr != nil {
			tailErr = fmt.Errorf("log: %w", tailErr)
		}
		msg.Findings, findingsErr = src.TopFindings(context.Background(), target, topFindings)
		if findingsErr != nil {
			findingsErr = fmt.Errorf("findings: %w", findingsErr)
		}
		msg.Err = errors.Join(statusErr, tailErr, findingsErr)
		return msg
	}
}

func (m Model) stopCmd() tea.Cmd {
	src, target := m.source, m.target
	return func() tea.Msg {
		if src == nil {
			return StopMsg{}
		}
		return StopMsg{Err: src.Stop(target)}
	}
}

// Snapshot returns the last loaded snapshot
func (m Model) Snapshot() *domain.Snapshot { return m.snap }
