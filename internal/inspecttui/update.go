package inspecttui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// detailHeaderLines reserves space for the banner, table, and detail-pane
// title when sizing the scrollable viewport against the terminal height.
const detailHeaderLines = 6

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table = m.table.WithTargetWidth(msg.Width)
		m.detailVP.Width = msg.Width - 4
		m.detailVP.Height = msg.Height - detailHeaderLines
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			m.refreshDetail()
			return m, nil
		case "tab":
			if m.focus == focusTable {
				m.focus = focusDetail
			} else {
				m.focus = focusTable
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.focus == focusDetail {
		m.detailVP, cmd = m.detailVP.Update(msg)
		return m, cmd
	}

	m.table, cmd = m.table.Update(msg)
	m.refreshDetail()
	return m, cmd
}

// refreshDetail re-renders the detail pane for whichever row the table's
// cursor currently sits on and resets the scrollable viewport to its top.
func (m *Model) refreshDetail() {
	idx := m.table.GetHighlightedRowIndex()
	if idx < 0 || idx >= len(m.rows) {
		return
	}
	m.detail = renderPathDetail(m.rows[idx])
	m.detailVP.SetContent(m.detail)
	m.detailVP.GotoTop()
}
