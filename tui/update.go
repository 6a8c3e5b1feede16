package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		case "j", "down":
			m.moveSelection(1)
		case "k", "up":
			m.moveSelection(-1)
		case "g":
			m.selectedRow, m.scroll = 0, 0
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
			m.scroll = 0
		case "shift+tab":
			m.activeTab = (m.activeTab + tabCount - 1) % tabCount
			m.selectedRow = 0
			m.scroll = 0
		case "t":
			m.activeTab = TabTasks
		case "l":
			m.activeTab = TabLog
		case "f":
			m.activeTab = TabFindings
		case "enter":
			// Open the selected task's log
			if m.activeTab == TabTasks && m.snap != nil && m.selectedRow < len(m.snap.Tasks) {
				m.logTask = m.snap.Tasks[m.selectedRow].Name
				m.activeTab = TabLog
				m.scroll = 0
				return m, m.refreshCmd()
			}
		case "esc":
			if m.activeTab == TabLog && m.logTask != "" {
				m.logTask = ""
				return m, m.refreshCmd()
			}
		case "s":
			if m.snap != nil && !m.snap.Run.Status.Terminal() {
				m.statusMsg = "Stopping..."
				return m, m.stopCmd()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd(m.interval))

	case RefreshMsg:
		m.err = msg.Err
		if msg.Snapshot != nil {
			m.snap = msg.Snapshot
		}
		if msg.Lines != nil || msg.Err == nil {
			m.logLines = msg.Lines
		}
		if msg.Findings != nil || msg.Err == nil {
			m.findings = msg.Findings
		}
		m.lastRefresh = msg.At
		if m.snap != nil && m.snap.Run.Status.Terminal() && m.statusMsg == "Stopping..." {
			m.statusMsg = ""
		}

	case StopMsg:
		if msg.Err != nil {
			m.statusMsg = "Stop failed: " + msg.Err.Error()
		} else {
			m.statusMsg = "Stop requested"
		}
		return m, m.refreshCmd()
	}

	return m, nil
}

func (m *Model) moveSelection(delta int) {
	if m.activeTab == TabLog {
		// The log view is anchored at its end; scroll counts lines back
		// from there.
		maxBack := len(m.logLines) - m.visibleRows()
		m.scroll -= delta
		if m.scroll > maxBack {
			m.scroll = maxBack
		}
		if m.scroll < 0 {
			m.scroll = 0
		}
		return
	}

	limit := m.rowCount()
	next := m.selectedRow + delta
	if next < 0 || (limit > 0 && next >= limit) {
		return
	}
	m.selectedRow = next

	visible := m.visibleRows()
	if m.selectedRow < m.scroll {
		m.scroll = m.selectedRow
	}
	if m.selectedRow >= m.scroll+visible {
		m.scroll = m.selectedRow - visible + 1
	}
}

func (m Model) rowCount() int {
	switch m.activeTab {
	case TabTasks:
		if m.snap != nil {
			return len(m.snap.Tasks)
		}
	case TabLog:
		return len(m.logLines)
	case TabFindings:
		return len(m.findings)
	}
	return 0
}

// visibleRows is the number of list rows that fit between header and
// status bar.
func (m Model) visibleRows() int {
	rows := m.height - 8
	if rows < 5 {
		rows = 5
	}
	return rows
}
