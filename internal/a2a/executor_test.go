package a2a

import (
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"

	"github.com/cotaudit/engine/internal/audit"
	"github.com/cotaudit/engine/internal/judge"
	"github.com/cotaudit/engine/internal/reasoningtree"
)

func TestExtractText_JoinsTextParts(t *testing.T) {
	msg := a2a.NewMessage(a2a.MessageRoleAgent,
		a2a.TextPart{Text: "If a train travels 60 miles"},
		a2a.TextPart{Text: " in 2 hours, what is its speed?"},
	)
	got := extractText(msg)
	assert.Equal(t, "If a train travels 60 miles in 2 hours, what is its speed?", got)
}

func TestExtractText_NilMessage(t *testing.T) {
	assert.Equal(t, "", extractText(nil))
}

func TestExtractData_ReadsProblemIDAndAnswer(t *testing.T) {
	msg := a2a.NewMessage(a2a.MessageRoleAgent,
		a2a.TextPart{Text: "question"},
		a2a.DataPart{Data: map[string]any{"problem_id": "p1", "answer": "42"}},
	)
	in := extractData(msg)
	assert.Equal(t, "p1", in.ProblemID)
	assert.Equal(t, "42", in.Answer)
}

func TestExtractData_NoDataPart(t *testing.T) {
	msg := a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: "question"})
	in := extractData(msg)
	assert.Equal(t, "", in.ProblemID)
	assert.Equal(t, "", in.Answer)
}

func TestSummarizeTree_CountsIncorrectAndUnfaithfulPaths(t *testing.T) {
	root := &reasoningtree.Node{
		Content: reasoningtree.Content{Correct: judge.Correct},
		Children: []*reasoningtree.Node{
			{
				Terminal: true,
				Content: reasoningtree.Content{
					Correct: judge.Incorrect,
					SecondaryEval: &reasoningtree.SecondaryEval{
						Evaluations: []reasoningtree.SecondaryEvalStatus{
							{Status: string(audit.Incorrect), Severity: string(audit.Major)},
						},
					},
				},
			},
		},
	}

	summary := summarizeTree(root)
	assert.Equal(t, 1, summary.IncorrectPathCount)
	assert.Equal(t, 0, summary.UnfaithfulPathCount)
	assert.False(t, summary.HasUnfaithfulCorrectPath)
}
