package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bytes"

	"github.com/cotaudit/engine/internal/engineerr"
	"github.com/cotaudit/engine/internal/logging"
)

// TimeoutConfig defines the 3-phase timeout system for the self-hosted
// adapter. Phase 1 (Connection): time to establish the HTTP connection.
// Phase 2 (First Token): time to receive the first token (model loading
// happens here). Phase 3 (Streaming): max time between tokens.
type TimeoutConfig struct {
	ConnectionTimeout time.Duration
	FirstTokenTimeout time.Duration
	StreamIdleTimeout time.Duration
}

// DefaultTimeoutConfig is tuned for a local connection with cold-start
// model loading.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ConnectionTimeout: 30 * time.Second,
		FirstTokenTimeout: 120 * time.Second,
		StreamIdleTimeout: 30 * time.Second,
	}
}

// RemoteTimeoutConfig is more lenient, for a self-hosted runner reached
// over the network (latency, queueing, larger cold-start models).
func RemoteTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ConnectionTimeout: 60 * time.Second,
		FirstTokenTimeout: 300 * time.Second,
		StreamIdleTimeout: 60 * time.Second,
	}
}

func isRemoteEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := u.Hostname()
	switch host {
	case "localhost", "127.0.0.1", "::1", "host.docker.internal", "docker.for.mac.localhost":
		return false
	}
	return true
}

// SelfHostedAdapter implements Provider for a self-hosted HTTP model
// runner (Ollama-shaped: POST {endpoint}/api/chat, NDJSON streaming
// response). Grounded on core/internal/llm/ollama.go: the 3-phase timeout
// state machine and the goroutine+buffered-channel+select consumption
// pattern are kept; the single accumulated-ChatResponse return is
// replaced with a live Chunk channel per spec §4.1.
type SelfHostedAdapter struct {
	config        *Config
	client        *http.Client
	timeoutConfig TimeoutConfig
	log           *logging.Logger
}

// SelfHostedOption configures a SelfHostedAdapter.
type SelfHostedOption func(*SelfHostedAdapter)

func WithTimeoutConfig(cfg TimeoutConfig) SelfHostedOption {
	return func(p *SelfHostedAdapter) {
		p.timeoutConfig = cfg
		if transport, ok := p.client.Transport.(*http.Transport); ok {
			transport.ResponseHeaderTimeout = cfg.ConnectionTimeout
		}
	}
}

func NewSelfHostedAdapter(cfg *Config, opts ...SelfHostedOption) *SelfHostedAdapter {
	if cfg == nil {
		cfg = DefaultConfig("self-hosted")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://127.0.0.1:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3"
	}

	var timeoutConfig TimeoutConfig
	if isRemoteEndpoint(cfg.Endpoint) {
		timeoutConfig = RemoteTimeoutConfig()
	} else {
		timeoutConfig = DefaultTimeoutConfig()
	}

	p := &SelfHostedAdapter{
		config:        cfg,
		timeoutConfig: timeoutConfig,
		log:           logging.Global().WithComponent("self-hosted"),
		// Deliberately not setting http.Client.Timeout: it would apply to
		// the entire request lifecycle including body reading, firing
		// mid-stream. The 3-phase timers below cover that instead.
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeoutConfig.FirstTokenTimeout,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *SelfHostedAdapter) Name() string { return "self-hosted" }

func (p *SelfHostedAdapter) FormatAssistantMessage(text string) Message {
	return Message{Role: "assistant", Content: text}
}

func (p *SelfHostedAdapter) Stream(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 4)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		if err := localSemaphore.Acquire(ctx); err != nil {
			errc <- err
			return
		}
		defer localSemaphore.Release()

		if err := globalLimiter.Acquire(ctx, p.Name(), estimateTokens(messages)); err != nil {
			errc <- engineerr.NewRateLimited(err.Error())
			return
		}
		defer globalLimiter.Release(p.Name())

		model := opts.Model
		if model == "" {
			model = p.config.Model
		}
		reqBody := ollamaChatRequest{Model: model, Stream: true}
		// Ollama honors Seed natively (unlike the hosted-remote adapter), so
		// only CotInstructionSeed's paraphrase variation is applied to the
		// prompt here; the determinism hint itself goes straight into the
		// request's native seed option below.
		cotOnly := opts
		cotOnly.Seed = 0
		seeded := ApplySeededVariation(messages, cotOnly)
		for _, m := range seeded {
			reqBody.Messages = append(reqBody.Messages, ollamaMessage{Role: m.Role, Content: m.Content})
		}
		var recordedInput string
		if opts.WithInput {
			recordedInput = renderInput(seeded)
		}
		reqBody.Options.Temperature = opts.Temperature
		if reqBody.Options.Temperature == 0 {
			reqBody.Options.Temperature = p.config.Temperature
		}
		reqBody.Options.NumPredict = opts.MaxTokens
		if reqBody.Options.NumPredict == 0 {
			reqBody.Options.NumPredict = p.config.MaxTokens
		}
		reqBody.Options.Seed = opts.Seed

		p.log.Debug("self-hosted: streaming request (model=%s)", model)

		body, err := json.Marshal(reqBody)
		if err != nil {
			errc <- engineerr.NewFatal("marshal self-hosted request", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/api/chat", bytes.NewReader(body))
		if err != nil {
			errc <- engineerr.NewFatal("build self-hosted request", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errc <- engineerr.NewTransport("self-hosted request failed", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			errBody, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
			p.log.Warn("self-hosted: rate limited: %s", errBody)
			errc <- engineerr.NewRateLimited(string(errBody))
			return
		}
		if resp.StatusCode != http.StatusOK {
			errBody, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
			p.log.Warn("self-hosted: error response: %s", errBody)
			errc <- engineerr.NewTransport(strings.TrimSpace(string(errBody)), nil)
			return
		}

		p.streamChunks(ctx, resp.Body, chunks, errc, recordedInput)
	}()

	return chunks, errc
}

// streamChunks implements the 3-phase timeout state machine: wait for the
// first token up to FirstTokenTimeout, then re-arm a StreamIdleTimeout
// timer on every subsequent token. input is paired onto every emitted text
// chunk when the caller requested Options.WithInput; it is the empty
// string otherwise.
func (p *SelfHostedAdapter) streamChunks(ctx context.Context, body io.Reader, chunks chan<- Chunk, errc chan<- error, input string) {
	type decoded struct {
		chunk ollamaChatResponse
		err   error
	}
	decodedc := make(chan decoded, 1)

	go func() {
		defer close(decodedc)
		decoder := json.NewDecoder(body)
		for {
			var c ollamaChatResponse
			if err := decoder.Decode(&c); err != nil {
				if err != io.EOF {
					select {
					case <-ctx.Done():
					case decodedc <- decoded{err: err}:
					}
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case decodedc <- decoded{chunk: c}:
			}
			if c.Done {
				return
			}
		}
	}()

	var totalBytes int64
	defer func() { globalLimiter.RecordUsage(p.Name(), int(totalBytes)/4+1) }()
	firstTokenReceived := false
	firstTokenTimer := time.NewTimer(p.timeoutConfig.FirstTokenTimeout)
	defer firstTokenTimer.Stop()
	var idleTimer *time.Timer

	for {
		var timeout <-chan time.Time
		if !firstTokenReceived {
			timeout = firstTokenTimer.C
		} else if idleTimer != nil {
			timeout = idleTimer.C
		}

		select {
		case <-ctx.Done():
			return

		case d, ok := <-decodedc:
			if !ok {
				chunks <- Chunk{Done: true}
				return
			}
			if d.err != nil {
				p.log.Warn("self-hosted: stream decode failed: %v", d.err)
				errc <- engineerr.NewTransport("self-hosted stream decode failed", d.err)
				return
			}
			if !firstTokenReceived {
				firstTokenReceived = true
				firstTokenTimer.Stop()
				idleTimer = time.NewTimer(p.timeoutConfig.StreamIdleTimeout)
				defer idleTimer.Stop()
			} else if idleTimer != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(p.timeoutConfig.StreamIdleTimeout)
			}
			if d.chunk.Message.Content != "" {
				totalBytes += int64(len(d.chunk.Message.Content))
				if totalBytes > MaxStreamedResponseSize {
					errc <- engineerr.NewFatal("self-hosted stream exceeded max size", nil)
					return
				}
				select {
				case chunks <- Chunk{Text: d.chunk.Message.Content, Input: input}:
				case <-ctx.Done():
					return
				}
			}
			if d.chunk.Done {
				chunks <- Chunk{Done: true}
				return
			}

		case <-timeout:
			if !firstTokenReceived {
				p.log.Warn("self-hosted: timeout waiting for first token")
				errc <- engineerr.NewTransport("timeout waiting for first token", nil)
			} else {
				p.log.Warn("self-hosted: stream idle timeout")
				errc <- engineerr.NewTransport("stream idle timeout", nil)
			}
			return
		}
	}
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	Seed        int     `json:"seed,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}
