package reasoningtree

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"github.com/cotaudit/engine/internal/judge"
	"github.com/cotaudit/engine/internal/logging"
	"github.com/cotaudit/engine/internal/providers"
	"github.com/cotaudit/engine/internal/stream"
)

// minStepLength is the heuristic minimum viable step length: anything
// shorter is almost always the model jumping straight to the following
// marker instead of producing real content for this one.
const minStepLength = len("\n\nStep 10: ")

// Sampler returns per-attempt generation overrides (seed, temperature,
// cot_instruction_seed) for one candidate step sample. The zero Sampler
// (nil) produces no overrides.
type Sampler func() providers.Options

// Builder grows a reasoning tree breadth-first from an initial prompt,
// judging sibling candidates into equivalence classes at every branching
// point. Grounded on
// original_source/backend/app/data_structures/cot_trie_builder.py.
type Builder struct {
	provider        providers.Provider
	judge           *judge.StepJudge
	messages        []providers.Message
	answer          string
	branchingFactor int
	sampler         Sampler
	nextNodeID      int
	log             *logging.Logger
}

// New constructs a Builder. A nil answer means no terminal-answer judgment
// is run; a nil sampler means every candidate sample uses default options.
func New(provider providers.Provider, stepJudge *judge.StepJudge, messages []providers.Message, answer string, branchingFactor int, sampler Sampler) *Builder {
	if sampler == nil {
		sampler = func() providers.Options { return providers.Options{} }
	}
	return &Builder{
		provider:        provider,
		judge:           stepJudge,
		messages:        messages,
		answer:          answer,
		branchingFactor: branchingFactor,
		sampler:         sampler,
		log:             logging.Global().WithComponent("reasoningtree"),
	}
}

// Build grows the full tree from the initial messages. Any judge parse
// error or back-end Fatal abort propagates; the caller's build for this
// problem is abandoned (trees are all-or-nothing).
func (b *Builder) Build(ctx context.Context) (*Node, error) {
	root, wasDone, err := b.primeRoot(ctx)
	if err != nil {
		return nil, err
	}
	if wasDone {
		return root, nil
	}

	queue := []*Node{root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		children, err := b.buildChildren(ctx, node)
		if err != nil {
			return nil, err
		}
		node.Children = children
		b.log.Debug("reasoningtree: node %d expanded into %d child(ren)", node.NodeID, len(children))
		for _, c := range children {
			if !c.Terminal {
				queue = append(queue, c)
			}
		}
	}
	return root, nil
}

// primeRoot takes one step with step_rollouts disabled to seed the root,
// before any branching or judging happens.
func (b *Builder) primeRoot(ctx context.Context) (*Node, bool, error) {
	s := stream.New(b.provider, b.messages, false)
	s.RecordInput(true)
	if err := s.Start(ctx); err != nil {
		return nil, false, err
	}
	opts := b.sampler()
	text, wasDone, err := s.SingleStep(ctx, false, opts)
	if err != nil {
		return nil, false, err
	}

	b.nextNodeID = 1
	b.log.Debug("reasoningtree: root primed (node %d)", b.nextNodeID)
	root := &Node{
		Content: Content{
			Steps:       []string{text},
			StepIndices: []int{1},
			Correct:     judge.Correct,
			Args:        argsSlice(opts),
			Meta:        metaFor([]string{s.LastInput()}),
		},
		Prefix: text,
		NodeID: b.nextNodeID,
	}
	return root, wasDone, nil
}

// metaFor builds the Content.Meta provenance map from the raw model inputs
// that produced a node's steps (spec §3's "opaque metadata (raw model input
// strings for provenance)"). Returns nil when every input is empty, so nodes
// built without RecordInput don't carry a meaningless Meta.
func metaFor(inputs []string) map[string]any {
	nonEmpty := false
	for _, in := range inputs {
		if in != "" {
			nonEmpty = true
			break
		}
	}
	if !nonEmpty {
		return nil
	}
	return map[string]any{"raw_inputs": inputs}
}

type sample struct {
	text  string
	done  bool
	opts  providers.Options
	input string
}

// buildChildren samples up to branchingFactor+1 candidate next-steps for
// node (each candidate opening its own checkpointed stream warped to the
// node's prefix, run concurrently per §5's explicit relaxation), partitions
// them into a done-batch and a not-done batch, judges each batch
// separately, and emits one child node per resulting equivalence group.
func (b *Builder) buildChildren(ctx context.Context, node *Node) ([]*Node, error) {
	samples, err := b.sampleCandidates(ctx, node)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}

	var doneBatch, notDoneBatch []sample
	for _, s := range samples {
		if s.done {
			doneBatch = append(doneBatch, s)
		} else {
			notDoneBatch = append(notDoneBatch, s)
		}
	}

	var children []*Node
	for _, batch := range [][]sample{doneBatch, notDoneBatch} {
		if len(batch) == 0 {
			continue
		}
		batchDone := batch[0].done
		batchChildren, err := b.judgeBatch(ctx, node, batch, batchDone)
		if err != nil {
			return nil, err
		}
		children = append(children, batchChildren...)
	}
	return children, nil
}

func (b *Builder) sampleCandidates(ctx context.Context, node *Node) ([]sample, error) {
	attempts := b.branchingFactor + 1
	p := pool.NewWithResults[*sample]().WithContext(ctx).WithMaxGoroutines(attempts)

	for i := 0; i < attempts; i++ {
		p.Go(func(ctx context.Context) (*sample, error) {
			s := stream.New(b.provider, b.messages, true)
			s.RecordInput(true)
			s.SetAssistantPrefixAndResetCheckpoints([]providers.Message{{Role: "assistant", Content: node.Prefix}})
			if err := s.Start(ctx); err != nil {
				return nil, err
			}
			opts := b.sampler()
			text, done, err := s.SingleStep(ctx, false, opts)
			if err != nil {
				return nil, err
			}
			return &sample{text: text, done: done, opts: opts, input: s.LastInput()}, nil
		})
	}

	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(results))
	var accepted []sample
	for _, r := range results {
		if len(accepted) >= b.branchingFactor {
			break
		}
		if r.text == "" || seen[r.text] || len(r.text) < minStepLength {
			continue
		}
		seen[r.text] = true
		accepted = append(accepted, *r)
	}
	return accepted, nil
}

func (b *Builder) judgeBatch(ctx context.Context, node *Node, batch []sample, batchDone bool) ([]*Node, error) {
	texts := make([]string, len(batch))
	for i, s := range batch {
		texts[i] = s.text
	}

	evaluations, err := b.judge.Evaluate(ctx, b.messages, node.Prefix, texts)
	if err != nil {
		return nil, err
	}

	var children []*Node
	for _, eval := range evaluations {
		terminal := batchDone || eval.Final

		var answerCorrect *judge.CorrectnessEvaluation
		if terminal && b.answer != "" && len(eval.Steps) > 0 {
			ac, err := b.judge.EvaluateCorrectness(ctx, eval.Steps[0], b.answer)
			if err != nil {
				return nil, err
			}
			answerCorrect = &ac
		}

		var groupArgs []map[string]any
		var groupInputs []string
		for _, idx := range eval.StepIndices {
			if idx >= 1 && idx <= len(batch) {
				groupArgs = append(groupArgs, argsSlice(batch[idx-1].opts)...)
				groupInputs = append(groupInputs, batch[idx-1].input)
			}
		}

		b.nextNodeID++
		children = append(children, &Node{
			Content: Content{
				Steps:         eval.Steps,
				StepIndices:   eval.StepIndices,
				Correct:       eval.Correct,
				Explanation:   eval.Explanation,
				AnswerCorrect: answerCorrect,
				Args:          groupArgs,
				Meta:          metaFor(groupInputs),
			},
			Prefix:   node.Prefix + firstOrEmpty(eval.Steps),
			Terminal: terminal,
			NodeID:   b.nextNodeID,
		})
	}
	return children, nil
}

func firstOrEmpty(steps []string) string {
	if len(steps) == 0 {
		return ""
	}
	return steps[0]
}

func argsSlice(opts providers.Options) []map[string]any {
	args := map[string]any{}
	if opts.Seed != 0 {
		args["seed"] = opts.Seed
	}
	if opts.Temperature != 0 {
		args["temperature"] = opts.Temperature
	}
	if opts.CotInstructionSeed != 0 {
		args["cot_instruction_seed"] = opts.CotInstructionSeed
	}
	if len(args) == 0 {
		return nil
	}
	return []map[string]any{args}
}

