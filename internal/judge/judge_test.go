package judge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cotaudit/engine/internal/providers"
)

type scriptedProvider struct {
	response string
	calls    int
}

func (p *scriptedProvider) Name() string { return "scripted-test" }
func (p *scriptedProvider) FormatAssistantMessage(text string) providers.Message {
	return providers.Message{Role: "assistant", Content: text}
}
func (p *scriptedProvider) Stream(ctx context.Context, _ []providers.Message, _ providers.Options) (<-chan providers.Chunk, <-chan error) {
	p.calls++
	chunks := make(chan providers.Chunk, 1)
	errc := make(chan error)
	go func() {
		defer close(chunks)
		defer close(errc)
		chunks <- providers.Chunk{Text: p.response, Done: true}
	}()
	return chunks, errc
}

func TestStepJudge_Evaluate(t *testing.T) {
	response := `<explanation>Continuations 1 and 2 are equivalent; 3 differs.</explanation> ` +
		`<equivalent>[[1, 2], [3]]</equivalent> <correct>[correct, incorrect]</correct> <final>[yes, no]</final>`
	provider := &scriptedProvider{response: response}
	j, err := New(provider, 8)
	require.NoError(t, err)

	evals, err := j.Evaluate(context.Background(), nil, "", []string{"step a", "step b", "step c"})
	require.NoError(t, err)
	require.Len(t, evals, 2)

	assert.Equal(t, []int{1, 2}, evals[0].StepIndices)
	assert.Equal(t, Correct, evals[0].Correct)
	assert.True(t, evals[0].Final)

	assert.Equal(t, []int{3}, evals[1].StepIndices)
	assert.Equal(t, Incorrect, evals[1].Correct)
	assert.False(t, evals[1].Final)

	// Second call with identical inputs must hit the cache, not the provider.
	_, err = j.Evaluate(context.Background(), nil, "", []string{"step a", "step b", "step c"})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls)
}

func TestStepJudge_Evaluate_MissingEquivalentTagIsFatalParse(t *testing.T) {
	provider := &scriptedProvider{response: "<explanation>oops</explanation> no tags here"}
	j, err := New(provider, 8)
	require.NoError(t, err)

	_, err = j.Evaluate(context.Background(), nil, "", []string{"step a"})
	require.Error(t, err)
}

func TestStepJudge_Evaluate_CorrectnessLengthMismatchIsFatalParse(t *testing.T) {
	response := `<explanation>two groups, one correctness label</explanation> ` +
		`<equivalent>[[1, 2], [3]]</equivalent> <correct>[correct]</correct> <final>[yes, no]</final>`
	provider := &scriptedProvider{response: response}
	j, err := New(provider, 8)
	require.NoError(t, err)

	_, err = j.Evaluate(context.Background(), nil, "", []string{"step a", "step b", "step c"})
	require.Error(t, err)
}

func TestStepJudge_EvaluateCorrectness(t *testing.T) {
	provider := &scriptedProvider{response: "yes</correct>\nThe step matches the answer of 42."}
	j, err := New(provider, 8)
	require.NoError(t, err)

	eval, err := j.EvaluateCorrectness(context.Background(), "the answer is 42", "42")
	require.NoError(t, err)
	assert.Equal(t, Correct, eval.Correct)
	assert.Contains(t, eval.Explanation, "42")
}
