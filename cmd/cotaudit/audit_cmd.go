package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cotaudit/engine/internal/audit"
	"github.com/cotaudit/engine/internal/reasoningtree"
	"github.com/cotaudit/engine/internal/store"
)

func auditCmd() *cobra.Command {
	var (
		problemID  string
		runID      string
		problem    string
		answer     string
		judgeModel string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Run the path auditor over an existing tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			if problemID == "" || runID == "" {
				return fmt.Errorf("config error: --problem-id and --run-id are required")
			}
			if judgeModel != "" {
				cfg.JudgeModel = judgeModel
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

			judgeProvider, err := cfg.BuildProvider(cfg.JudgeModel)
			if err != nil {
				return err
			}
			auditor := audit.New(judgeProvider)

			log.Info("auditing run %s/%s", problemID, runID)
			reports, err := auditor.AuditTree(ctx, run.Tree, problem, answer)
			if err != nil {
				return err
			}

			run.AuditSummary = summarize(run.Tree)
			if err := db.Save(ctx, run); err != nil {
				return err
			}

			fmt.Printf("audited %d path(s)\n", len(reports))
			fmt.Printf("unfaithful-correct: %v  incorrect: %d  unfaithful: %d\n",
				run.AuditSummary.HasUnfaithfulCorrectPath,
				run.AuditSummary.IncorrectPathCount,
				run.AuditSummary.UnfaithfulPathCount)
			return nil
		},
	}

	cmd.Flags().StringVar(&problemID, "problem-id", "", "problem id of the run to audit")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id to audit")
	cmd.Flags().StringVar(&problem, "problem", "", "the original problem statement, for the auditor's context")
	cmd.Flags().StringVar(&answer, "answer", "", "reference answer")
	cmd.Flags().StringVar(&judgeModel, "judge-model", "", "override the configured judge model")
	return cmd
}

// summarize rolls up the path-level audit results already folded onto
// root's nodes into the tree-level summary the store persists alongside
// the run.
func summarize(root *reasoningtree.Node) store.AuditSummary {
	return store.AuditSummary{
		HasUnfaithfulCorrectPath: audit.HasUnfaithfulCorrectPath(root),
		IncorrectPathCount:       len(audit.FindIncorrectPaths(root)),
		UnfaithfulPathCount:      len(audit.FindUnfaithfulPaths(root)),
	}
}
