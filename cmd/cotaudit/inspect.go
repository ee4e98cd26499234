package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/cotaudit/engine/internal/inspecttui"
	"github.com/cotaudit/engine/internal/reasoningtree"
	"github.com/cotaudit/engine/internal/store"
)

func inspectCmd() *cobra.Command {
	var (
		problemID string
		runID     string
		useTUI    bool
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect a saved run's tree and audit verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if problemID == "" || runID == "" {
				return fmt.Errorf("config error: --problem-id and --run-id are required")
			}

			ctx := cmd.Context()
			db, err := store.Open(cfg.StorePath)
			if err != nil {
				return err
			}
			defer db.Close()

			run, err := db.Get(ctx, problemID, runID)
			if err != nil {
				return err
			}

			if useTUI {
				p := tea.NewProgram(inspecttui.New(problemID, runID, run.Tree))
				_, err := p.Run()
				return err
			}

			printSummary(run)
			return nil
		},
	}

	cmd.Flags().StringVar(&problemID, "problem-id", "", "problem id of the run to inspect")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id to inspect")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "open the interactive path inspector")
	return cmd
}

func printSummary(run *store.Run) {
	fmt.Printf("problem-id: %s\nrun-id:     %s\nsolver:     %s\njudge:      %s\n",
		run.ProblemID, run.RunID, run.SolverModel, run.JudgeModel)
	fmt.Printf("nodes: %d  depth: %d\n", run.Tree.Size(), run.Tree.Depth())
	fmt.Printf("unfaithful-correct: %v  incorrect-paths: %d  unfaithful-paths: %d\n",
		run.AuditSummary.HasUnfaithfulCorrectPath,
		run.AuditSummary.IncorrectPathCount,
		run.AuditSummary.UnfaithfulPathCount)
	printTree(run.Tree, 0)
}

func printTree(n *reasoningtree.Node, depth int) {
	if n == nil {
		return
	}
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	fmt.Printf("%s- [%s] node %d: %s\n", indent, n.Content.Correct, n.NodeID, firstStepPreview(n))
	for _, c := range n.Children {
		printTree(c, depth+1)
	}
}

func firstStepPreview(n *reasoningtree.Node) string {
	if len(n.Content.Steps) == 0 {
		return ""
	}
	s := n.Content.Steps[0]
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
