package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cotaudit/engine/internal/engineerr"
	"github.com/cotaudit/engine/internal/judge"
	"github.com/cotaudit/engine/internal/providers"
	"github.com/cotaudit/engine/internal/reasoningtree"
	"github.com/cotaudit/engine/internal/store"
)

func buildCmd() *cobra.Command {
	var (
		problemID       string
		question        string
		answer          string
		branchingFactor int
		solverModel     string
		judgeModel      string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Grow a reasoning tree for one problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			if question == "" {
				return fmt.Errorf("config error: --question is required")
			}
			if problemID == "" {
				problemID = uuid.NewString()
			}
			if branchingFactor > 0 {
				cfg.BranchingFactor = branchingFactor
			}
			if solverModel != "" {
				cfg.SolverModel = solverModel
			}
			if judgeModel != "" {
				cfg.JudgeModel = judgeModel
			}
			if err := cfg.Validate(); err != nil {
				return engineerr.NewConfigError("%v", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			solver, err := cfg.BuildProvider(cfg.SolverModel)
			if err != nil {
				return err
			}
			judgeProvider, err := cfg.BuildProvider(cfg.JudgeModel)
			if err != nil {
				return err
			}
			stepJudge, err := judge.New(judgeProvider, cfg.JudgeCacheSize)
			if err != nil {
				return err
			}

			messages := []providers.Message{{Role: "user", Content: question}}
			builder := reasoningtree.New(solver, stepJudge, messages, answer, cfg.BranchingFactor, nil)

			log.Info("building tree for problem %s (branching factor %d)", problemID, cfg.BranchingFactor)
			started := time.Now()
			root, err := builder.Build(ctx)
			if err != nil {
				return err
			}
			log.Info("built tree with %d nodes, depth %d", root.Size(), root.Depth())

			db, err := store.Open(cfg.StorePath)
			if err != nil {
				return err
			}
			defer db.Close()

			run := &store.Run{
				ProblemID:   problemID,
				RunID:       uuid.NewString(),
				SolverModel: cfg.SolverModel,
				JudgeModel:  cfg.JudgeModel,
				StartedAt:   started,
				FinishedAt:  time.Now(),
				Tree:        root,
			}
			if err := db.Save(ctx, run); err != nil {
				return err
			}

			fmt.Printf("problem-id: %s\nrun-id:     %s\nnodes:      %d\ndepth:      %d\n",
				run.ProblemID, run.RunID, root.Size(), root.Depth())
			return nil
		},
	}

	cmd.Flags().StringVar(&problemID, "problem-id", "", "problem id to save the run under (default: generated)")
	cmd.Flags().StringVar(&question, "question", "", "the math word problem to solve")
	cmd.Flags().StringVar(&answer, "answer", "", "reference answer, for terminal-step correctness judging")
	cmd.Flags().IntVar(&branchingFactor, "branching-factor", 0, "override the configured branching factor")
	cmd.Flags().StringVar(&solverModel, "solver-model", "", "override the configured solver model")
	cmd.Flags().StringVar(&judgeModel, "judge-model", "", "override the configured judge model")
	return cmd
}
