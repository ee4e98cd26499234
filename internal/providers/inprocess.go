package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/cotaudit/engine/internal/logging"
)

// StepFunc generates the next reasoning step given the conversation so far.
// An InProcessAdapter calls it once per Stream invocation; the returned text
// is emitted as a single Chunk. Used by tests and by deterministic scripted
// replay of a recorded tree (see DESIGN.md Open Question 4).
type StepFunc func(messages []Message, opts Options) (string, error)

// InProcessAdapter implements Provider without any network call: a non-
// streaming Go function plays the role of the model. Completes C1's closed
// set of three adapters alongside HostedRemoteAdapter and SelfHostedAdapter.
type InProcessAdapter struct {
	config *Config
	step   StepFunc
	log    *logging.Logger
}

// NewInProcessAdapter wraps step as a Provider. A nil step falls back to an
// echo adapter that restates the last user message, useful for smoke tests
// that only exercise the engine's control flow.
func NewInProcessAdapter(cfg *Config, step StepFunc) *InProcessAdapter {
	if cfg == nil {
		cfg = DefaultConfig("in-process")
	}
	if step == nil {
		step = echoStep
	}
	return &InProcessAdapter{config: cfg, step: step, log: logging.Global().WithComponent("in-process")}
}

func echoStep(messages []Message, _ Options) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return fmt.Sprintf("1. Restating the question: %s", strings.TrimSpace(messages[i].Content)), nil
		}
	}
	return "1. No user message to respond to.", nil
}

func (p *InProcessAdapter) Name() string { return "in-process" }

func (p *InProcessAdapter) FormatAssistantMessage(text string) Message {
	return Message{Role: "assistant", Content: text}
}

func (p *InProcessAdapter) Stream(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		p.log.Debug("in-process: invoking step function")
		text, err := p.step(messages, opts)
		if err != nil {
			p.log.Warn("in-process: step function failed: %v", err)
			errc <- err
			return
		}
		var recordedInput string
		if opts.WithInput {
			recordedInput = renderInput(messages)
		}
		select {
		case chunks <- Chunk{Text: text, Input: recordedInput}:
		case <-ctx.Done():
			return
		}
		select {
		case chunks <- Chunk{Done: true}:
		case <-ctx.Done():
		}
	}()

	return chunks, errc
}
