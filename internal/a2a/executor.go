// Package a2a exposes the tree builder and path auditor as an A2A agent:
// any A2A client can POST a problem statement and receive a summary of the
// finished run (node count, depth, path counts, unfaithful-correct flag) back
// as a task artifact; the tree itself is not part of the artifact.
// Execute/Cancel, status/artifact event sequencing, and the agent card and
// HTTP wiring are trimmed from a general-purpose assistant executor down to
// the single build-and-audit operation this engine exposes.
package a2a

import (
	"context"
	"fmt"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"
	"github.com/google/uuid"

	"github.com/cotaudit/engine/internal/audit"
	"github.com/cotaudit/engine/internal/config"
	"github.com/cotaudit/engine/internal/judge"
	"github.com/cotaudit/engine/internal/logging"
	"github.com/cotaudit/engine/internal/providers"
	"github.com/cotaudit/engine/internal/reasoningtree"
	"github.com/cotaudit/engine/internal/store"
)

// TreeBuildExecutor adapts C4/C5 to the A2A AgentExecutor interface: one
// request builds a tree for the message's problem text, audits its
// incorrect-or-unfaithful paths, persists the run, and returns a summary.
type TreeBuildExecutor struct {
	cfg *config.EngineConfig
	db  *store.TreeStore
	log *logging.Logger
}

// NewTreeBuildExecutor constructs an executor backed by cfg's configured
// models and db for persistence.
func NewTreeBuildExecutor(cfg *config.EngineConfig, db *store.TreeStore) *TreeBuildExecutor {
	return &TreeBuildExecutor{cfg: cfg, db: db, log: logging.Global()}
}

// requestInput is the expected shape of a build request's data part, for
// the reference answer and the run's problem id. The problem statement
// itself comes from the message's text part.
type requestInput struct {
	ProblemID string `json:"problem_id"`
	Answer    string `json:"answer"`
}

// Execute implements a2asrv.AgentExecutor. It builds a reasoning tree for
// the request, audits its paths, persists the run, and writes the result
// back as a completion message plus a tree-summary artifact.
func (e *TreeBuildExecutor) Execute(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	e.log.Info("[a2a] Execute: taskID=%s", reqCtx.TaskID)

	working := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateWorking, nil)
	if err := queue.Write(ctx, working); err != nil {
		return fmt.Errorf("write state working: %w", err)
	}

	question := extractText(reqCtx.Message)
	if question == "" {
		failMsg := a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: "request contained no problem text"})
		failEvent := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateFailed, failMsg)
		failEvent.Final = true
		return queue.Write(ctx, failEvent)
	}
	input := extractData(reqCtx.Message)

	started := time.Now()
	root, err := e.buildAndAudit(ctx, question, input.Answer)
	if err != nil {
		e.log.Error("[a2a] Execute: build failed: %v", err)
		errMsg := a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: fmt.Sprintf("error: %v", err)})
		failEvent := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateFailed, errMsg)
		failEvent.Final = true
		return queue.Write(ctx, failEvent)
	}

	problemID := input.ProblemID
	if problemID == "" {
		problemID = uuid.NewString()
	}
	run := &store.Run{
		ProblemID:    problemID,
		RunID:        uuid.NewString(),
		SolverModel:  e.cfg.SolverModel,
		JudgeModel:   e.cfg.JudgeModel,
		StartedAt:    started,
		FinishedAt:   time.Now(),
		Tree:         root,
		AuditSummary: summarizeTree(root),
	}
	if e.db != nil {
		if err := e.db.Save(ctx, run); err != nil {
			e.log.Warn("[a2a] Execute: failed to persist run: %v", err)
		}
	}

	if err := e.writeArtifact(ctx, reqCtx, queue, run); err != nil {
		e.log.Warn("[a2a] Execute: failed to write tree artifact: %v", err)
	}

	summary := fmt.Sprintf(
		"built tree with %d nodes (depth %d); %d incorrect path(s), %d unfaithful path(s), unfaithful-correct=%v",
		root.Size(), root.Depth(),
		run.AuditSummary.IncorrectPathCount, run.AuditSummary.UnfaithfulPathCount,
		run.AuditSummary.HasUnfaithfulCorrectPath,
	)
	responseMsg := a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: summary})
	completeEvent := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCompleted, responseMsg)
	completeEvent.Final = true
	if err := queue.Write(ctx, completeEvent); err != nil {
		return fmt.Errorf("write state completed: %w", err)
	}
	e.log.Info("[a2a] Execute: completed taskID=%s problemID=%s runID=%s", reqCtx.TaskID, run.ProblemID, run.RunID)
	return nil
}

// Cancel implements a2asrv.AgentExecutor. Tree builds run to completion on
// their own context; Cancel only marks the task canceled for the caller.
func (e *TreeBuildExecutor) Cancel(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	e.log.Info("[a2a] Cancel: taskID=%s", reqCtx.TaskID)
	cancelEvent := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
	cancelEvent.Final = true
	return queue.Write(ctx, cancelEvent)
}

func (e *TreeBuildExecutor) buildAndAudit(ctx context.Context, question, answer string) (*reasoningtree.Node, error) {
	solver, err := e.cfg.BuildProvider(e.cfg.SolverModel)
	if err != nil {
		return nil, err
	}
	judgeProvider, err := e.cfg.BuildProvider(e.cfg.JudgeModel)
	if err != nil {
		return nil, err
	}
	stepJudge, err := judge.New(judgeProvider, e.cfg.JudgeCacheSize)
	if err != nil {
		return nil, err
	}

	messages := []providers.Message{{Role: "user", Content: question}}
	builder := reasoningtree.New(solver, stepJudge, messages, answer, e.cfg.BranchingFactor, nil)
	root, err := builder.Build(ctx)
	if err != nil {
		return nil, err
	}

	auditor := audit.New(judgeProvider)
	if _, err := auditor.AuditTree(ctx, root, question, answer); err != nil {
		e.log.Warn("[a2a] buildAndAudit: audit pass returned errors: %v", err)
	}
	return root, nil
}

func (e *TreeBuildExecutor) writeArtifact(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue, run *store.Run) error {
	data := map[string]any{
		"problem_id":         run.ProblemID,
		"run_id":             run.RunID,
		"node_count":         run.Tree.Size(),
		"depth":              run.Tree.Depth(),
		"incorrect_paths":    run.AuditSummary.IncorrectPathCount,
		"unfaithful_paths":   run.AuditSummary.UnfaithfulPathCount,
		"unfaithful_correct": run.AuditSummary.HasUnfaithfulCorrectPath,
	}
	event := a2a.NewArtifactEvent(reqCtx, a2a.DataPart{Data: data})
	event.Artifact.Name = "tree-summary"
	event.Artifact.Description = "Reasoning tree build and audit summary"
	return queue.Write(ctx, event)
}

func summarizeTree(root *reasoningtree.Node) store.AuditSummary {
	return store.AuditSummary{
		HasUnfaithfulCorrectPath: audit.HasUnfaithfulCorrectPath(root),
		IncorrectPathCount:       len(audit.FindIncorrectPaths(root)),
		UnfaithfulPathCount:      len(audit.FindUnfaithfulPaths(root)),
	}
}

func extractText(msg *a2a.Message) string {
	if msg == nil {
		return ""
	}
	var text string
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case a2a.TextPart:
			text += p.Text
		case *a2a.TextPart:
			text += p.Text
		}
	}
	return text
}

func extractData(msg *a2a.Message) requestInput {
	var in requestInput
	if msg == nil {
		return in
	}
	for _, part := range msg.Parts {
		var data map[string]any
		switch p := part.(type) {
		case a2a.DataPart:
			data = p.Data
		case *a2a.DataPart:
			data = p.Data
		}
		if data == nil {
			continue
		}
		if pid, ok := data["problem_id"].(string); ok {
			in.ProblemID = pid
		}
		if ans, ok := data["answer"].(string); ok {
			in.Answer = ans
		}
	}
	return in
}
