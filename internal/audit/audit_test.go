package audit

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cotaudit/engine/internal/judge"
	"github.com/cotaudit/engine/internal/providers"
	"github.com/cotaudit/engine/internal/reasoningtree"
)

// scriptedAuditProvider returns queued canned responses in call order,
// falling back to the last queued response once exhausted.
type scriptedAuditProvider struct {
	responses []string
	calls     int32
}

func (p *scriptedAuditProvider) Name() string { return "scripted-audit" }
func (p *scriptedAuditProvider) FormatAssistantMessage(text string) providers.Message {
	return providers.Message{Role: "assistant", Content: text}
}
func (p *scriptedAuditProvider) Stream(ctx context.Context, _ []providers.Message, _ providers.Options) (<-chan providers.Chunk, <-chan error) {
	n := int(atomic.AddInt32(&p.calls, 1)) - 1
	resp := p.responses[len(p.responses)-1]
	if n < len(p.responses) {
		resp = p.responses[n]
	}
	chunks := make(chan providers.Chunk, 1)
	errc := make(chan error)
	go func() {
		defer close(chunks)
		defer close(errc)
		chunks <- providers.Chunk{Text: resp, Done: true}
	}()
	return chunks, errc
}

func correctLeaf(nodeID int, answerCorrect bool) *reasoningtree.Node {
	status := judge.Incorrect
	if answerCorrect {
		status = judge.Correct
	}
	return &reasoningtree.Node{
		Content: reasoningtree.Content{
			Steps:         []string{"1 + 1 = 3"},
			Correct:       judge.Incorrect,
			AnswerCorrect: &judge.CorrectnessEvaluation{Correct: status},
		},
		Terminal: true,
		NodeID:   nodeID,
	}
}

func TestFindIncorrectPaths_TrivialArithmetic(t *testing.T) {
	root := &reasoningtree.Node{
		Content:  reasoningtree.Content{Steps: []string{"Let's solve this step by step"}, Correct: judge.Correct},
		NodeID:   1,
		Children: []*reasoningtree.Node{correctLeaf(2, false)},
	}

	paths := FindIncorrectPaths(root)
	require.Len(t, paths, 1)
	assert.True(t, paths[0].Valid())
	assert.Equal(t, 2, paths[0].Leaf().NodeID)
}

func TestFindPaths_BranchDistinctCoverage(t *testing.T) {
	// An incorrect node with two terminal children, one with a correct final
	// answer and one with a wrong one: under the default leaf rule both must
	// be covered by separate emitted paths even though they share the same
	// flagged parent.
	parent := &reasoningtree.Node{
		Content: reasoningtree.Content{Correct: judge.Incorrect},
		NodeID:  2,
		Children: []*reasoningtree.Node{
			correctLeaf(3, false),
			correctLeaf(4, true),
		},
	}
	root := &reasoningtree.Node{
		Content:  reasoningtree.Content{Correct: judge.Correct},
		NodeID:   1,
		Children: []*reasoningtree.Node{parent},
	}

	paths := FindPaths(root, IncorrectCondition, DefaultLeafAccept)
	require.Len(t, paths, 2)
}

func TestHasUnfaithfulCorrectPath(t *testing.T) {
	middle := &reasoningtree.Node{
		Content: reasoningtree.Content{
			Steps:   []string{"middle step"},
			Correct: judge.Correct,
			SecondaryEval: &reasoningtree.SecondaryEval{
				Evaluations: []reasoningtree.SecondaryEvalStatus{
					{Status: string(Unfaithful), Severity: string(Major)},
				},
			},
		},
		NodeID: 2,
	}
	leaf := &reasoningtree.Node{
		Content: reasoningtree.Content{
			Steps:         []string{"final answer"},
			Correct:       judge.Correct,
			AnswerCorrect: &judge.CorrectnessEvaluation{Correct: judge.Correct},
		},
		Terminal: true,
		NodeID:   3,
	}
	root := &reasoningtree.Node{
		Content:  reasoningtree.Content{Steps: []string{"intro"}, Correct: judge.Correct},
		NodeID:   1,
		Children: []*reasoningtree.Node{middle},
	}
	middle.Children = []*reasoningtree.Node{leaf}

	assert.True(t, HasUnfaithfulCorrectPath(root))
}

func TestBackfillNodeIDs(t *testing.T) {
	root := &reasoningtree.Node{
		Children: []*reasoningtree.Node{
			{Terminal: true},
			{Children: []*reasoningtree.Node{{Terminal: true}}},
		},
	}
	BackfillNodeIDs(root)

	assert.Equal(t, 1, root.NodeID)
	assert.Equal(t, 2, root.Children[0].NodeID)
	assert.Equal(t, 3, root.Children[1].NodeID)
	assert.Equal(t, 4, root.Children[1].Children[0].NodeID)
}

func TestPathAuditor_AuditTree_RecheckDowngrade(t *testing.T) {
	evalResponse := `<reasoning>Step 0 looks suspicious.</reasoning>` +
		`<step-0><explanation>seems to skip a justification</explanation><status>unfaithful</status><severity>minor</severity></step-0>`
	recheckResponse := `<explanation>On closer look the step is fine.</explanation><unfaithful>false</unfaithful><severity>trivial</severity>`

	provider := &scriptedAuditProvider{responses: []string{evalResponse, recheckResponse}}
	auditor := New(provider)

	leaf := correctLeaf(2, false)
	middle := &reasoningtree.Node{
		Content: reasoningtree.Content{Steps: []string{"step one"}, Correct: judge.Incorrect},
		NodeID:  1,
	}
	middle.Children = []*reasoningtree.Node{leaf}

	reports, err := auditor.AuditTree(context.Background(), middle, "What is 1+1?", "2")
	require.NoError(t, err)
	require.Len(t, reports, 1)

	eval, ok := reports[0].StepEvaluations[0]
	require.True(t, ok)
	assert.Equal(t, NoProblem, eval.Status)
	assert.Equal(t, UnknownSeverity, eval.Severity)
	require.NotNil(t, eval.OriginalCheck)
	require.NotNil(t, eval.SecondCheck)
	assert.Equal(t, string(Unfaithful), eval.OriginalCheck.Status)

	require.NotNil(t, middle.Content.SecondaryEval)
	require.Len(t, middle.Content.SecondaryEval.Evaluations, 1)
	assert.Equal(t, string(NoProblem), middle.Content.SecondaryEval.Evaluations[0].Status)
}

func TestPathAuditor_AuditTree_NoneResponseYieldsNoEvaluations(t *testing.T) {
	provider := &scriptedAuditProvider{responses: []string{"<none>"}}
	auditor := New(provider)

	root := correctLeaf(1, false)
	reports, err := auditor.AuditTree(context.Background(), root, "What is 1+1?", "2")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Empty(t, reports[0].StepEvaluations)
}

func TestParseEvaluationResponse_MalformedStatusIsSkipped(t *testing.T) {
	response := `<reasoning>ok</reasoning><step-1><explanation>e</explanation><status>bogus</status><severity>minor</severity></step-1>`
	_, evals, err := parseEvaluationResponse(response)
	require.NoError(t, err)
	assert.Empty(t, evals)
}
