package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("238"))

	completedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Width(m.width).Render(m.header()))
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case TabDashboard:
		section = m.renderDashboard()
	case TabTasks:
		section = m.renderTasks()
	case TabLog:
		section = m.renderLog()
	case TabFindings:
		section = m.renderFindings()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Width(m.width).Render(" " + strings.ReplaceAll(m.err.Error(), "\n", "; ") + " "))
		b.WriteString("\n")
	} else if m.statusMsg != "" {
		b.WriteString(warningStyle.Width(m.width).Render(" " + m.statusMsg + " "))
		b.WriteString("\n")
	}

	var statusBar string
	switch m.activeTab {
	case TabTasks:
		statusBar = " [tab]switch [j/k]select [enter]open log [s]top [q]uit "
	case TabLog:
		if m.logTask != "" {
			statusBar = " [tab]switch [j/k]scroll [esc]runner log [s]top [q]uit "
		} else {
			statusBar = " [tab]switch [j/k]scroll [s]top [q]uit "
		}
	default:
		statusBar = " [tab]switch [t]asks [l]og [f]indings [r]efresh [s]top [q]uit "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))
	return b.String()
}

func (m Model) header() string {
	if m.snap == nil {
		return fmt.Sprintf(" Recon Orchestrator │ %s │ no run yet ", m.target)
	}
	done, total := m.snap.Progress()
	parts := []string{
		" Recon Orchestrator",
		m.target,
		"run " + shortID(m.snap.Run.ID),
		string(m.snap.Run.Status),
		fmt.Sprintf("Done: %d/%d", done, total),
		fmt.Sprintf("Running: %d/%d", len(m.snap.InState(domain.TaskRunning)), m.snap.Run.Concurrency),
	}
	if eta := m.eta(); eta != "" {
		parts = append(parts, eta)
	}
	return strings.Join(parts, " │ ") + " "
}

func (m Model) eta() string {
	if m.snap == nil || m.snap.Run.Status.Terminal() {
		return ""
	}
	d, ok := m.snap.EstimateRemaining(m.now())
	if !ok {
		return "ETA unknown"
	}
	return "ETA ~" + span(d)
}

func (m Model) renderTabs() string {
	tabs := []string{"Dashboard", "Tasks", "Log", "Findings"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNNING"))
	b.WriteString("\n")

	if m.snap == nil {
		b.WriteString(queuedStyle.Render("  No run recorded for this target"))
		return b.String()
	}

	now := m.now()
	running := 0
	for _, t := range m.snap.Tasks {
		if t.State != domain.TaskRunning {
			continue
		}
		running++
		elapsed := ""
		if t.StartedAt != nil {
			elapsed = span(now.Sub(*t.StartedAt))
		}
		line := fmt.Sprintf("  ● %-20s %s", truncate(t.Name, 20), elapsed)
		b.WriteString(runningStyle.Render(line))
		b.WriteString("\n")
	}
	if running == 0 {
		if m.snap.Run.Status.Terminal() {
			b.WriteString(queuedStyle.Render(fmt.Sprintf("  Run %s %s", m.snap.Run.Status, finishedAgo(m.snap.Run, now))))
		} else {
			b.WriteString(queuedStyle.Render("  Nothing running"))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("STATES"))
	b.WriteString("\n")
	counts := m.snap.Counts()
	var states []string
	for _, s := range domain.AllTaskStates {
		if n := counts[s]; n > 0 {
			states = append(states, stateStyle(s).Render(fmt.Sprintf("%s %d", s, n)))
		}
	}
	b.WriteString("  " + strings.Join(states, "  "))
	b.WriteString("\n")

	var problems []domain.TaskInstance
	for _, t := range m.snap.Tasks {
		if t.State == domain.TaskFailed || t.State == domain.TaskTimedOut {
			problems = append(problems, t)
		}
	}
	if len(problems) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("NEEDS ATTENTION"))
		b.WriteString("\n")
		for _, t := range problems {
			reason := t.Reason
			if reason == "" && t.ExitCode != nil {
				reason = fmt.Sprintf("exit %d", *t.ExitCode)
			}
			line := fmt.Sprintf("  ✗ %-20s %s", truncate(t.Name, 20), truncate(reason, 50))
			b.WriteString(warningStyle.Render(line))
			b.WriteString("\n")
		}
	}

	if len(m.findings) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render(fmt.Sprintf("FINDINGS (%d)", len(m.findings))))
		b.WriteString("\n")
		for i, f := range m.findings {
			if i == 3 {
				break
			}
			b.WriteString(fmt.Sprintf("  %-8s %-20s %s\n", f.Severity, truncate(f.RuleID, 20), truncate(f.Excerpt, 40)))
		}
	}

	if !m.lastRefresh.IsZero() {
		b.WriteString(dimmedStyle.Render("\n  updated " + humanize.Time(m.lastRefresh)))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderTasks() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("TASKS"))
	b.WriteString("\n")

	if m.snap == nil || len(m.snap.Tasks) == 0 {
		b.WriteString(queuedStyle.Render("  No tasks. Run 'recon-orch start " + m.target + "' first."))
		return b.String()
	}

	now := m.now()
	end := m.scroll + m.visibleRows()
	if end > len(m.snap.Tasks) {
		end = len(m.snap.Tasks)
	}
	for i := m.scroll; i < end; i++ {
		t := m.snap.Tasks[i]
		line := fmt.Sprintf("  %s %-20s %-10s %8s  %s",
			stateIcon(t.State), truncate(t.Name, 20), t.State, taskDuration(t, now), truncate(strings.Join(t.Needs, ","), 30))
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		} else {
			line = stateStyle(t.State).Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if end < len(m.snap.Tasks) {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  ... %d more", len(m.snap.Tasks)-end)))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderLog() string {
	var b strings.Builder
	title := "RUNNER LOG"
	if m.logTask != "" {
		title = "LOG " + m.logTask
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	if len(m.logLines) == 0 {
		b.WriteString(queuedStyle.Render("  (empty)"))
		return b.String()
	}

	visible := m.visibleRows()
	end := len(m.logLines) - m.scroll
	start := end - visible
	if start < 0 {
		start = 0
	}
	width := m.width - 8
	if width < 20 {
		width = 20
	}
	for _, line := range m.logLines[start:end] {
		b.WriteString("  " + truncate(line, width))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderFindings() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("TOP FINDINGS"))
	b.WriteString("\n")

	if len(m.findings) == 0 {
		b.WriteString(queuedStyle.Render("  No findings stored yet"))
		return b.String()
	}

	end := m.scroll + m.visibleRows()
	if end > len(m.findings) {
		end = len(m.findings)
	}
	for i := m.scroll; i < end; i++ {
		f := m.findings[i]
		loc := f.File
		if f.Line > 0 {
			loc = fmt.Sprintf("%s:%d", f.File, f.Line)
		}
		line := fmt.Sprintf("  %-8s %-22s %-30s %s", f.Severity, truncate(f.RuleID, 22), truncate(loc, 30), truncate(f.Excerpt, 40))
		switch {
		case i == m.selectedRow:
			line = selectedStyle.Render(line)
		case f.Severity >= domain.SeverityHigh:
			line = errorStyle.Render(line)
		case f.Severity == domain.SeverityMedium:
			line = warningStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func stateStyle(s domain.TaskState) lipgloss.Style {
	switch s {
	case domain.TaskRunning:
		return runningStyle
	case domain.TaskSucceeded:
		return completedStyle
	case domain.TaskFailed, domain.TaskTimedOut:
		return errorStyle
	case domain.TaskSkipped, domain.TaskCancelled:
		return warningStyle
	}
	return queuedStyle
}

func stateIcon(s domain.TaskState) string {
	switch s {
	case domain.TaskRunning:
		return "●"
	case domain.TaskSucceeded:
		return "✓"
	case domain.TaskFailed, domain.TaskTimedOut:
		return "✗"
	case domain.TaskSkipped, domain.TaskCancelled:
		return "-"
	}
	return "○"
}

func taskDuration(t domain.TaskInstance, now time.Time) string {
	if d, ok := t.Duration(); ok {
		return d.Round(time.Second).String()
	}
	if t.StartedAt != nil {
		return now.Sub(*t.StartedAt).Round(time.Second).String()
	}
	return ""
}

func finishedAgo(run domain.Run, now time.Time) string {
	if run.FinishedAt == nil {
		return ""
	}
	return humanize.RelTime(*run.FinishedAt, now, "ago", "from now")
}

// span renders a duration like "3 minutes"
func span(d time.Duration) string {
	var zero time.Time
	return strings.TrimSpace(humanize.RelTime(zero, zero.Add(d), "", ""))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
