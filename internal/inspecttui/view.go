package inspecttui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/cotaudit/engine/internal/audit"
)

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	header := headerStyle.Render("cotaudit inspect — ↑/↓ navigate, tab to scroll detail, enter to view, q to quit")
	return strings.Join([]string{header, m.table.View(), detailStyle.Render(m.detailVP.View())}, "\n")
}

// renderPathDetail renders one audited path's chain of thought and
// per-step verdicts as markdown, falling back to plain text if glamour
// cannot initialize (e.g. no terminal profile detected).
func renderPathDetail(row PathRow) string {
	md := pathMarkdown(row)
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return md
	}
	rendered, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(rendered, "\n")
}

func pathMarkdown(row PathRow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Path %d (%s)\n\n", row.Index+1, row.Status)

	for i, node := range row.Path.Nodes {
		step := strings.Join(node.Content.Steps, " / ")
		fmt.Fprintf(&sb, "**Step %d** (%s): %s\n\n", i+1, node.Content.Correct, step)

		if node.Content.SecondaryEval == nil {
			continue
		}
		for _, ev := range node.Content.SecondaryEval.Evaluations {
			if ev.Status == string(audit.NoProblem) {
				continue
			}
			fmt.Fprintf(&sb, "> %s (%s): %s\n\n", ev.Status, ev.Severity, ev.Explanation)
			if ev.OriginalCheck != nil {
				fmt.Fprintf(&sb, "> - original: %s/%s %s\n", ev.OriginalCheck.Status, ev.OriginalCheck.Severity, ev.OriginalCheck.Explanation)
			}
			if ev.SecondCheck != nil {
				fmt.Fprintf(&sb, "> - recheck: %s/%s %s\n", ev.SecondCheck.Status, ev.SecondCheck.Severity, ev.SecondCheck.Explanation)
			}
		}
	}
	return sb.String()
}
