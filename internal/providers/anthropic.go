package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cotaudit/engine/internal/engineerr"
)

// HostedRemoteAdapter implements Provider for an Anthropic-Messages-API
// shaped hosted back end. Grounded on core/internal/llm/anthropic.go's
// request/response shape; rewritten from a single-shot Chat into a
// streaming Provider per spec §4.1/§9.
type HostedRemoteAdapter struct {
	baseAdapter
}

func NewHostedRemoteAdapter(cfg *Config) *HostedRemoteAdapter {
	return &HostedRemoteAdapter{baseAdapter: newBaseAdapter(cfg, "hosted-remote")}
}

func (p *HostedRemoteAdapter) Stream(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 4)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		if p.config.APIKey == "" {
			errc <- engineerr.NewConfigError("hosted-remote adapter: API key not configured")
			return
		}

		if err := remoteSemaphore.Acquire(ctx); err != nil {
			errc <- err
			return
		}
		defer remoteSemaphore.Release()

		if err := globalLimiter.Acquire(ctx, p.Name(), estimateTokens(messages)); err != nil {
			errc <- engineerr.NewRateLimited(err.Error())
			return
		}
		defer globalLimiter.Release(p.Name())

		model := opts.Model
		if model == "" {
			model = p.config.Model
		}
		maxTokens := opts.MaxTokens
		if maxTokens == 0 {
			maxTokens = p.config.MaxTokens
		}

		reqBody := anthropicChatRequest{
			Model:       model,
			MaxTokens:   maxTokens,
			Temperature: opts.Temperature,
			Stream:      true,
		}
		// The Messages API has no seed parameter, so a nonzero Seed or
		// CotInstructionSeed falls back to the advisory content variation
		// described in spec §4.1.
		seeded := ApplySeededVariation(messages, opts)
		for _, m := range seeded {
			reqBody.Messages = append(reqBody.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
		}
		var recordedInput string
		if opts.WithInput {
			recordedInput = renderInput(seeded)
		}

		p.log.Debug("hosted-remote: streaming request (model=%s, max_tokens=%d)", model, maxTokens)

		body, err := json.Marshal(reqBody)
		if err != nil {
			errc <- engineerr.NewFatal("marshal hosted-remote request", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			errc <- engineerr.NewFatal("build hosted-remote request", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", p.config.APIKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errc <- engineerr.NewTransport("hosted-remote request failed", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			errBody, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
			p.log.Warn("hosted-remote: rate limited: %s", errBody)
			errc <- engineerr.NewRateLimited(string(errBody))
			return
		}
		if resp.StatusCode >= 500 {
			errBody, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
			p.log.Warn("hosted-remote: 5xx response: %s", errBody)
			errc <- engineerr.NewTransport(fmt.Sprintf("hosted-remote 5xx: %s", errBody), nil)
			return
		}
		if resp.StatusCode != http.StatusOK {
			errBody, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
			p.log.Error("hosted-remote: fatal error (status %d): %s", resp.StatusCode, errBody)
			errc <- engineerr.NewFatal(fmt.Sprintf("hosted-remote error (status %d): %s", resp.StatusCode, errBody), nil)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var totalBytes int64
		defer func() { globalLimiter.RecordUsage(p.Name(), int(totalBytes)/4+1) }()
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue // tolerate non-JSON keepalive lines
			}
			if event.Type == "content_block_delta" && event.Delta.Type == "text_delta" {
				totalBytes += int64(len(event.Delta.Text))
				if totalBytes > MaxStreamedResponseSize {
					errc <- engineerr.NewFatal("hosted-remote stream exceeded max size", nil)
					return
				}
				select {
				case chunks <- Chunk{Text: event.Delta.Text, Input: recordedInput}:
				case <-ctx.Done():
					return
				}
			}
			if event.Type == "message_stop" {
				chunks <- Chunk{Done: true}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- engineerr.NewTransport("hosted-remote stream read failed", err)
			return
		}
		chunks <- Chunk{Done: true}
	}()

	return chunks, errc
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}
