// Package stream implements the checkpointed step stream (C2): a token
// stream over a Provider that detects reasoning-step boundaries in text,
// supports rollback to prior checkpoints, and can re-sample the same step
// repeatedly with different parameters. Grounded on
// original_source/backend/app/data_structures/buffered_cot_stream.py, with
// the consumption loop written in the goroutine+channel+select idiom used
// by the self-hosted provider adapter.
package stream

import (
	"context"
	"fmt"
	"strings"

	"github.com/cotaudit/engine/internal/logging"
	"github.com/cotaudit/engine/internal/providers"
)

// marker pairs a full literal boundary marker with the length of its prefix
// (the part before the step's own content begins, e.g. "\n" or "\n**").
// checkpoint offsets point at the first byte of content, not the end of the
// marker, so a step's own leading digit/word stays part of its own text.
type marker struct {
	text      string
	prefixLen int
}

// markerVariants returns the literal step-boundary markers for step number
// n: three base phrasings ("n. ", "Step n: ", "Step n. "), each with a
// trailing-space or trailing-newline form, each optionally wrapped in "**"
// emphasis. Search is right-most within the scanned window (see nextBoundary).
func markerVariants(n int) []marker {
	bases := []string{fmt.Sprintf("%d. ", n), fmt.Sprintf("Step %d: ", n), fmt.Sprintf("Step %d. ", n)}
	var out []marker
	for _, b := range bases {
		plain := strings.TrimSuffix(b, " ")
		out = append(out,
			marker{"\n" + b, 1},
			marker{"\n" + plain + "\n", 1},
			marker{"\n**" + b, 3},
			marker{"\n**" + plain + "**\n", 3},
		)
	}
	return out
}

// CheckpointedStream is not safe for concurrent use: only one goroutine may
// drive Next/SingleStep/RollbackToCheckpoint on a given instance at a time.
// A tree build that wants k+1 concurrent candidate samples at a node opens
// one CheckpointedStream per candidate, each warped to the node's prefix.
type CheckpointedStream struct {
	provider  providers.Provider
	messages  []providers.Message
	genParams providers.Options

	assistantPrefix []providers.Message
	useStepRollouts bool
	recordInput     bool

	started bool
	done    bool

	buffer         string
	checkpoints    map[int]int
	nextCheckpoint int
	prevMessage    string
	lastInput      string

	chunks <-chan providers.Chunk
	errc   <-chan error
	cancel context.CancelFunc

	log *logging.Logger
}

// New constructs a stream over provider for the given base messages.
func New(provider providers.Provider, messages []providers.Message, useStepRollouts bool) *CheckpointedStream {
	return &CheckpointedStream{
		provider:        provider,
		messages:        messages,
		useStepRollouts: useStepRollouts,
		checkpoints:     map[int]int{0: 0},
		nextCheckpoint:  1,
		log:             logging.Global().WithComponent("stream"),
	}
}

// StepRollouts toggles same-step resampling.
func (s *CheckpointedStream) StepRollouts(on bool) { s.useStepRollouts = on }

// RecordInput toggles whether the underlying provider is asked to pair
// each chunk with the exact input text that produced it (spec §6's
// with_input), retrievable afterward via LastInput.
func (s *CheckpointedStream) RecordInput(on bool) { s.recordInput = on }

// LastInput returns the input text paired with the most recent chunk
// received since the underlying provider stream was last (re)started.
// Empty unless RecordInput(true) was set.
func (s *CheckpointedStream) LastInput() string { return s.lastInput }

// Checkpoints exposes the checkpoint → byte-offset map for inspection and
// testing. Callers must not mutate the returned map.
func (s *CheckpointedStream) Checkpoints() map[int]int { return s.checkpoints }

// Buffer returns the full accumulated text since the last reset.
func (s *CheckpointedStream) Buffer() string { return s.buffer }

// SetAssistantPrefixAndResetCheckpoints installs prefix as the start of the
// assistant turn and rediscovers every checkpoint already present in it, so
// the stream resumes cleanly after the last completed step. The final
// message's trailing whitespace is trimmed, matching back ends that reject
// an assistant turn ending in whitespace.
func (s *CheckpointedStream) SetAssistantPrefixAndResetCheckpoints(prefix []providers.Message) {
	s.nextCheckpoint = 1
	s.checkpoints = map[int]int{0: 0}

	var sb strings.Builder
	for _, m := range prefix {
		sb.WriteString(m.Content)
	}
	s.buffer = strings.TrimRight(sb.String(), " \t\r\n")
	if len(prefix) > 0 {
		prefix[len(prefix)-1].Content = strings.TrimRight(prefix[len(prefix)-1].Content, " \t\r\n")
	}
	s.assistantPrefix = prefix

	for {
		found, idx := s.nextBoundary(s.buffer[s.checkpoints[s.nextCheckpoint-1]:], s.buffer)
		if !found {
			s.checkpoints[s.nextCheckpoint] = len(s.buffer)
			s.nextCheckpoint++
			break
		}
		s.checkpoints[s.nextCheckpoint] = idx
		s.nextCheckpoint++
	}
}

// RollbackToCheckpoint discards the buffer beyond checkpoint index i
// (default: the last completed checkpoint), drops every higher-indexed
// checkpoint, and restarts the underlying provider stream.
func (s *CheckpointedStream) RollbackToCheckpoint(ctx context.Context, i int) error {
	if _, ok := s.checkpoints[i]; !ok {
		return fmt.Errorf("stream: checkpoint %d not found", i)
	}
	s.done = false
	s.buffer = s.buffer[:s.checkpoints[i]]
	for cp := range s.checkpoints {
		if cp > i {
			delete(s.checkpoints, cp)
		}
	}
	s.nextCheckpoint = i + 1
	s.log.Debug("stream: rollback to checkpoint %d", i)
	return s.resetProvider(ctx)
}

func (s *CheckpointedStream) resetProvider(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	all := append(append([]providers.Message{}, s.messages...), s.assistantPrefix...)
	params := s.genParams
	params.WithInput = s.recordInput
	chunks, errc := s.provider.Stream(streamCtx, all, params)
	s.chunks, s.errc = chunks, errc
	s.prevMessage = ""
	s.lastInput = ""
	return nil
}

// Start must be called once before the first Next. Re-calling it resets the
// rollout position but preserves checkpoints already recorded via
// SetAssistantPrefixAndResetCheckpoints.
func (s *CheckpointedStream) Start(ctx context.Context) error {
	if !s.started {
		s.started = true
	}
	s.done = false
	s.prevMessage = ""
	return s.resetProvider(ctx)
}

// Next pulls the next completed step from the stream. It returns the step
// text, a done flag (true once the underlying stream has ended — or, when
// step_rollouts is enabled, on every call, since the buffer is rewound each
// time), and any propagated provider error. Callers should stop iterating
// once done is true and err is nil with an empty text (stream exhausted
// with nothing new since the last checkpoint).
func (s *CheckpointedStream) Next(ctx context.Context) (string, bool, error) {
	if s.done {
		return "", true, nil
	}

	currentCheckpoint := s.checkpoints[s.nextCheckpoint-1]
	// Text already buffered past the current checkpoint (a chunk that held
	// more than one step) counts as received: it may already contain the
	// next boundary, and it is flushed as the final step at stream end.
	anyReceived := len(s.buffer) > currentCheckpoint
	if anyReceived && !s.useStepRollouts {
		if found, idx := s.nextBoundary(s.buffer[currentCheckpoint:], s.buffer); found && idx > currentCheckpoint {
			s.checkpoints[s.nextCheckpoint] = idx
			s.nextCheckpoint++
			return s.buffer[currentCheckpoint:idx], false, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return "", true, ctx.Err()

		case err, ok := <-s.errc:
			if ok && err != nil {
				return "", true, err
			}

		case chunk, ok := <-s.chunks:
			if !ok {
				return s.onStreamEnd(ctx, currentCheckpoint, anyReceived)
			}
			if chunk.Done {
				return s.onStreamEnd(ctx, currentCheckpoint, anyReceived)
			}
			anyReceived = true
			if chunk.Input != "" {
				s.lastInput = chunk.Input
			}
			s.buffer += chunk.Text
			found, idx := s.nextBoundary(s.prevMessage+chunk.Text, s.buffer)
			s.prevMessage = chunk.Text

			if found {
				s.log.Debug("stream: boundary found for checkpoint %d at offset %d", s.nextCheckpoint, idx)
				if s.useStepRollouts {
					stepText := s.buffer[s.checkpoints[s.nextCheckpoint-1]:idx]
					s.checkpoints[s.nextCheckpoint] = idx
					s.buffer = s.buffer[:s.checkpoints[s.nextCheckpoint-1]]
					if err := s.resetProvider(ctx); err != nil {
						return "", true, err
					}
					return stepText, false, nil
				}
				s.checkpoints[s.nextCheckpoint] = idx
				prev := s.nextCheckpoint - 1
				s.nextCheckpoint++
				return s.buffer[s.checkpoints[prev]:idx], false, nil
			}
		}
	}
}

func (s *CheckpointedStream) onStreamEnd(ctx context.Context, currentCheckpoint int, anyReceived bool) (string, bool, error) {
	if s.useStepRollouts {
		text := s.buffer[currentCheckpoint:]
		s.buffer = s.buffer[:currentCheckpoint]
		if err := s.resetProvider(ctx); err != nil {
			return "", true, err
		}
		return text, true, nil
	}
	s.done = true
	if !anyReceived {
		return "", true, nil
	}
	return s.buffer[currentCheckpoint:], true, nil
}

// SingleStep produces one step without an external iteration loop. With
// peek=true, step-rollout mode is forced on for the call and restored
// afterward, so the underlying buffer position is left unchanged.
func (s *CheckpointedStream) SingleStep(ctx context.Context, peek bool, opts providers.Options) (string, bool, error) {
	var savedRollouts bool
	if peek {
		savedRollouts = s.useStepRollouts
		s.useStepRollouts = true
	}
	s.genParams = opts
	defer func() { s.genParams = providers.Options{} }()

	if s.chunks == nil {
		if err := s.Start(ctx); err != nil {
			return "", true, err
		}
	}
	text, done, err := s.Next(ctx)

	if peek {
		s.useStepRollouts = savedRollouts
	}
	return text, done, err
}

// nextBoundary searches window (the recent-chunk concatenation used to
// catch a marker straddling a chunk seam) for the right-most occurrence of
// any marker for the next checkpoint number, and returns its offset within
// buf (the full accumulated buffer). The window is located inside buf via
// strings.Index on the window's first occurrence, matching the straddling
// search the original stream performs against its own buffer.
func (s *CheckpointedStream) nextBoundary(window string, buf string) (bool, int) {
	windowStart := strings.Index(buf, window)
	if windowStart < 0 {
		windowStart = 0
	}
	best := -1
	bestPrefixLen := 0
	for _, m := range markerVariants(s.nextCheckpoint) {
		if idx := strings.LastIndex(buf[windowStart:], m.text); idx >= 0 {
			if best == -1 || idx > best {
				best = idx
				bestPrefixLen = m.prefixLen
			}
		}
	}
	if best == -1 {
		return false, 0
	}
	return true, windowStart + best + bestPrefixLen
}
