// Package inspecttui renders a finished reasoning tree as a navigable
// terminal list of its audited paths, with a markdown detail pane for the
// selected path's step-by-step reasoning and faithfulness verdicts. Follows
// the Elm-architecture Model/Update/View split and glamour-backed markdown
// rendering used elsewhere in this tree's terminal UIs, scoped down from a
// chat UI to a single read-only inspector view, and built on
// evertras/bubble-table instead of a hand-rolled list since there is no
// streaming input to manage.
package inspecttui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/evertras/bubble-table/table"
	"github.com/muesli/termenv"

	"github.com/cotaudit/engine/internal/audit"
	"github.com/cotaudit/engine/internal/reasoningtree"
)

func init() {
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

const (
	columnKeyIndex  = "index"
	columnKeyStatus = "status"
	columnKeySteps  = "steps"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	detailStyle = lipgloss.NewStyle().Padding(1, 2)
)

// PathRow is one row of the inspector's path list: a path found by the
// auditor, flattened to the fields the table displays and the markdown
// detail pane renders on selection.
type PathRow struct {
	Index  int
	Status string
	Path   audit.Path
}

// focusPane is which half of the split view currently receives arrow-key
// input: the path table, or the scrollable markdown detail pane.
type focusPane int

const (
	focusTable focusPane = iota
	focusDetail
)

// Model is the bubbletea model for the inspector.
type Model struct {
	width, height int
	table         table.Model
	detailVP      viewport.Model
	rows          []PathRow
	detail        string
	focus         focusPane
	quitting      bool
}

// New builds an inspector Model over every incorrect-or-unfaithful path
// through root. If no such path exists, the model shows a single
// informational row instead of an empty table.
func New(problemID, runID string, root *reasoningtree.Node) Model {
	paths := audit.FindIncorrectOrUnfaithfulPaths(root)
	rows := make([]PathRow, 0, len(paths))
	tableRows := make([]table.Row, 0, len(paths))

	for i, p := range paths {
		status := pathStatus(p)
		rows = append(rows, PathRow{Index: i, Status: status, Path: p})
		tableRows = append(tableRows, table.NewRow(table.RowData{
			columnKeyIndex:  i + 1,
			columnKeyStatus: status,
			columnKeySteps:  len(p.Nodes),
		}))
	}

	columns := []table.Column{
		table.NewColumn(columnKeyIndex, "#", 4),
		table.NewColumn(columnKeyStatus, "Status", 14),
		table.NewColumn(columnKeySteps, "Steps", 7),
	}

	t := table.New(columns).
		WithRows(tableRows).
		Focused(true).
		HighlightStyle(lipgloss.NewStyle().Bold(true).Reverse(true))

	m := Model{table: t, rows: rows, detailVP: viewport.New(0, 0)}
	if len(rows) > 0 {
		m.detail = renderPathDetail(rows[0])
	} else {
		m.detail = fmt.Sprintf("No incorrect or unfaithful paths found for problem %s, run %s.", problemID, runID)
	}
	m.detailVP.SetContent(m.detail)
	return m
}

func pathStatus(p audit.Path) string {
	for _, n := range p.Nodes {
		if n.Content.SecondaryEval == nil {
			continue
		}
		for _, ev := range n.Content.SecondaryEval.Evaluations {
			if ev.Status == string(audit.Unfaithful) {
				return "unfaithful"
			}
		}
	}
	return "incorrect"
}

func (m Model) Init() tea.Cmd {
	return nil
}
