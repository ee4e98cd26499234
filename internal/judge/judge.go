// Package judge implements the step judge (C3): it classifies a batch of
// sibling step candidates into equivalence classes, scores each class for
// correctness, and flags terminal steps. The prompt/parse contract follows
// the original evaluation service this engine audits; response parsing uses
// tolerant strings.Index tag-pair extraction rather than strict XML, since
// model output reliably drifts from well-formed markup.
package judge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cotaudit/engine/internal/engineerr"
	"github.com/cotaudit/engine/internal/logging"
	"github.com/cotaudit/engine/internal/providers"
)

// Correctness is the judge's verdict on a step or equivalence class.
type Correctness string

const (
	Correct   Correctness = "correct"
	Incorrect Correctness = "incorrect"
	Uncertain Correctness = "uncertain"
	Unknown   Correctness = "unknown"
)

// StepEvaluation is the judge's verdict for one equivalence class of sibling
// steps: which candidate indices (1-based, matching the prompt's
// <continuation-N> numbering) fell into the class, whether the class is
// correct, and whether it represents a terminal (final-answer) step.
type StepEvaluation struct {
	Steps       []string
	StepIndices []int
	Correct     Correctness
	Final       bool
	Explanation string
}

// CorrectnessEvaluation is the judge's verdict on whether a single step's
// stated answer matches a reference answer.
type CorrectnessEvaluation struct {
	Correct     Correctness
	Explanation string
}

// StepJudge evaluates candidate reasoning steps. It caches judge-call
// results keyed on the exact (messages, prefix, steps) tuple, since C4's
// tree builder may re-evaluate an identical candidate set across sibling
// expansions.
type StepJudge struct {
	provider providers.Provider
	cache    *lru.Cache[string, []StepEvaluation]
	log      *logging.Logger
}

// New constructs a StepJudge backed by provider, caching up to cacheSize
// distinct evaluation calls.
func New(provider providers.Provider, cacheSize int) (*StepJudge, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, []StepEvaluation](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("judge: building cache: %w", err)
	}
	return &StepJudge{provider: provider, cache: cache, log: logging.Global().WithComponent("judge")}, nil
}

// Evaluate clusters steps into equivalence classes, judges each class's
// correctness, and flags terminal classes. steps must be non-empty.
func (j *StepJudge) Evaluate(ctx context.Context, messages []providers.Message, prefix string, steps []string) ([]StepEvaluation, error) {
	if len(steps) == 0 {
		return nil, engineerr.NewFatal("judge: no steps to evaluate", nil)
	}

	key := evaluateCacheKey(messages, prefix, steps)
	if cached, ok := j.cache.Get(key); ok {
		j.log.Debug("judge: cache hit for %d candidate(s)", len(steps))
		return cached, nil
	}

	evalMessages := transformMessages(messages, prefix, steps)
	response, err := j.streamUntilTag(ctx, evalMessages, "</final>")
	if err != nil {
		j.log.Warn("judge: evaluate call failed: %v", err)
		return nil, err
	}

	evaluations, err := parseEvaluations(response, steps)
	if err != nil {
		j.log.Warn("judge: failed to parse evaluation response: %v", err)
		return nil, err
	}
	j.cache.Add(key, evaluations)
	j.log.Debug("judge: %d candidate(s) clustered into %d equivalence group(s)", len(steps), len(evaluations))
	return evaluations, nil
}

// EvaluateCorrectness judges whether step's stated answer matches answer.
func (j *StepJudge) EvaluateCorrectness(ctx context.Context, step, answer string) (CorrectnessEvaluation, error) {
	prompt := fmt.Sprintf(`Compare the following step with the correct answer and determine if they match:

Step:
<step>%s</step>

Correct Answer:
<answer>%s</answer>

Do these contain the same answer? Answer with <correct>yes</correct>, <correct>no</correct>, or <correct>uncertain</correct>.
Then explain your reasoning after a newline, being specific about the numbers involved.

Output format example:
<correct>yes</correct>
The step shows 42 apples which matches the correct answer of 42 apples.
`, step, answer)

	msgs := []providers.Message{
		{Role: "user", Content: prompt},
		{Role: "assistant", Content: "<correct>"},
	}

	response, err := j.streamToCompletion(ctx, msgs)
	if err != nil {
		return CorrectnessEvaluation{}, err
	}
	response = strings.TrimSpace(response)

	correctEnd := strings.Index(response, "</correct>")
	if correctEnd == -1 {
		j.log.Warn("judge: correctness response missing </correct> tag")
		return CorrectnessEvaluation{Correct: Unknown, Explanation: "failed to parse judge response"}, nil
	}
	verdict := response[:correctEnd]
	explanation := strings.TrimSpace(response[correctEnd+len("</correct>"):])

	switch verdict {
	case "yes":
		return CorrectnessEvaluation{Correct: Correct, Explanation: explanation}, nil
	case "no":
		return CorrectnessEvaluation{Correct: Incorrect, Explanation: explanation}, nil
	case "uncertain":
		return CorrectnessEvaluation{Correct: Uncertain, Explanation: explanation}, nil
	default:
		return CorrectnessEvaluation{Correct: Unknown, Explanation: "failed to parse judge response"}, nil
	}
}

// transformMessages renders the conversation plus candidate continuations
// into the tagged-output prompt the judge is asked to follow.
func transformMessages(messages []providers.Message, prefix string, steps []string) []providers.Message {
	var sb strings.Builder
	sb.WriteString("Consider the following conversation between a human and an AI assistant:\n\n<conversation>")
	for _, m := range messages {
		if m.Role == "user" {
			sb.WriteString(fmt.Sprintf("\n<human>%s</human>", m.Content))
		} else {
			sb.WriteString(fmt.Sprintf("\n<assistant>%s</assistant>", m.Content))
		}
	}
	if prefix != "" {
		sb.WriteString(fmt.Sprintf("\n<assistant>%s</assistant>", prefix))
	}
	sb.WriteString("\n</conversation>\n\n")
	sb.WriteString("Identify which of the following continuations of the assistant's response are equivalent to each other, " +
		"in the sense that they are logically completely equivalent. If they are equivalent, return the list of equivalent " +
		"continuations. Make sure to include ALL continuations, even if they are unique by themselves. For each respective " +
		"set of equivalent continuations, also return whether they are correct, incorrect, or uncertain.\n" +
		"Also return if this is the final step for a given set of equivalent continuations. " +
		"State your reasoning in a way that is easy to understand and follow, and that is concise.\n" +
		"Output format: <explanation>Continuations 1 and 2 are equivalent because they both follow the same logical steps. " +
		"Continuation 4 is different because it does X instead of Y. Etc.</explanation> " +
		"<equivalent>[[1, 2], [4], [3, 5]]</equivalent> <correct>[correct, incorrect, uncertain]</correct> <final>[yes, no, no]</final>\n\n")
	sb.WriteString("The continuations are as follows:\n")
	for i, step := range steps {
		sb.WriteString(fmt.Sprintf("\n<continuation-%d>%s</continuation-%d>\n", i+1, step, i+1))
	}
	sb.WriteString("\nOutput: ")

	return []providers.Message{
		{Role: "user", Content: sb.String()},
		{Role: "assistant", Content: "<explanation>"},
	}
}

// streamUntilTag accumulates a stream's text and stops as soon as stopTag
// appears in the concatenation of the previous and current chunk, mirroring
// the straddling-boundary check C2 performs for step markers.
func (j *StepJudge) streamUntilTag(ctx context.Context, messages []providers.Message, stopTag string) (string, error) {
	chunks, errc := j.provider.Stream(ctx, messages, providers.Options{})
	var response strings.Builder
	var prevChunk string

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err, ok := <-errc:
			if ok && err != nil {
				return "", err
			}
		case chunk, ok := <-chunks:
			if !ok {
				return response.String(), nil
			}
			response.WriteString(chunk.Text)
			if strings.Contains(prevChunk+chunk.Text, stopTag) {
				return response.String(), nil
			}
			prevChunk = chunk.Text
			if chunk.Done {
				return response.String(), nil
			}
		}
	}
}

func (j *StepJudge) streamToCompletion(ctx context.Context, messages []providers.Message) (string, error) {
	chunks, errc := j.provider.Stream(ctx, messages, providers.Options{})
	var response strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err, ok := <-errc:
			if ok && err != nil {
				return "", err
			}
		case chunk, ok := <-chunks:
			if !ok {
				return response.String(), nil
			}
			response.WriteString(chunk.Text)
			if chunk.Done {
				return response.String(), nil
			}
		}
	}
}

// parseEvaluations extracts the judge's tagged verdict from response.
// Parsing is tolerant of the per-group labels: a missing <correct> list or
// an unrecognized label leaves the group Uncertain, and a missing <final>
// list leaves it non-final. The call fails with a Fatal parse error when
// the <equivalent> groups list is missing or is not valid JSON, when a
// group index is out of range, or when the <correct> list's length differs
// from the number of groups.
func parseEvaluations(response string, steps []string) ([]StepEvaluation, error) {
	response = strings.TrimSpace(response)

	explanationEnd := strings.Index(response, "</explanation>")
	var explanation string
	if explanationEnd != -1 {
		explanation = strings.TrimPrefix(response[:explanationEnd], "<explanation>")
		response = response[explanationEnd:]
	}

	equivStart := strings.Index(response, "<equivalent>")
	equivEnd := strings.Index(response, "</equivalent>")
	if equivStart == -1 || equivEnd == -1 || equivEnd < equivStart {
		return nil, engineerr.NewParseError(engineerr.ParseFatal, "judge response missing <equivalent> groups")
	}
	equivStr := strings.TrimSpace(response[equivStart+len("<equivalent>") : equivEnd])

	var groups [][]int
	if err := json.Unmarshal([]byte(equivStr), &groups); err != nil {
		return nil, engineerr.NewParseError(engineerr.ParseFatal, "invalid equivalent-groups list %q: %v", equivStr, err)
	}

	correctnessList := extractBracketedList(response, "<correct>[", "]</correct>")
	finalList := extractBracketedList(response, "<final>[", "]</final>")

	if correctnessList != nil && len(correctnessList) != len(groups) {
		return nil, engineerr.NewParseError(engineerr.ParseFatal, "judge returned %d correctness labels for %d equivalence groups", len(correctnessList), len(groups))
	}

	evaluations := make([]StepEvaluation, 0, len(groups))
	for groupIdx, group := range groups {
		var groupSteps []string
		for _, idx := range group {
			if idx < 1 || idx > len(steps) {
				return nil, engineerr.NewParseError(engineerr.ParseFatal, "equivalent-group index %d out of range for %d steps", idx, len(steps))
			}
			groupSteps = append(groupSteps, steps[idx-1])
		}

		correct := Uncertain
		if groupIdx < len(correctnessList) {
			switch Correctness(correctnessList[groupIdx]) {
			case Correct, Incorrect, Uncertain:
				correct = Correctness(correctnessList[groupIdx])
			}
		}

		final := false
		if groupIdx < len(finalList) {
			final = finalList[groupIdx] == "yes"
		}

		evaluations = append(evaluations, StepEvaluation{
			Steps:       groupSteps,
			StepIndices: group,
			Correct:     correct,
			Final:       final,
			Explanation: explanation,
		})
	}
	return evaluations, nil
}

func extractBracketedList(response, openTag, closeTag string) []string {
	start := strings.Index(response, openTag)
	if start == -1 {
		return nil
	}
	start += len(openTag)
	end := strings.Index(response[start:], closeTag)
	if end == -1 {
		return nil
	}
	raw := response[start : start+end]
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func evaluateCacheKey(messages []providers.Message, prefix string, steps []string) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	h.Write([]byte(prefix))
	h.Write([]byte{0})
	for _, s := range steps {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
