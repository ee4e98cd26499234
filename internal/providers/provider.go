// Package providers implements the model back-end adapter (C1): a uniform
// streaming interface over heterogeneous chat completion services, a
// closed variant set of concrete adapters, and a retry/back-off helper
// (WithRetry). The adapters' Stream methods do not call WithRetry: a
// RateLimited or Transport error from an adapter reaches the caller on its
// first occurrence.
package providers

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/cotaudit/engine/internal/engineerr"
	"github.com/cotaudit/engine/internal/logging"
)

// log is the component-scoped logger for C1 adapters and the shared retry
// policy. Resolved lazily from logging.Global() on each call rather than
// cached at package-init time, since SetGlobal may repoint the global
// logger (e.g. cmd/cotaudit's zerolog/file redirect) after this package is
// first imported.
func log() *logging.Logger { return logging.Global().WithComponent("providers") }

// MaxErrorBodySize limits how much error response body an adapter reads,
// preventing memory exhaustion from malformed error responses.
const MaxErrorBodySize = 1 * 1024 * 1024

// ConcurrencySemaphore caps the number of in-flight requests a class of
// back ends may have outstanding at once (§5: "All back-end adapters hold
// a shared semaphore capping concurrent in-flight requests"). Distinct from
// RateLimiter's per-adapter token bucket, which smooths request rate within
// one already-admitted slot; this is the outer admission gate shared across
// every adapter instance of a kind.
type ConcurrencySemaphore struct {
	slots chan struct{}
}

// NewConcurrencySemaphore builds a semaphore with the given capacity. A
// non-positive capacity means unlimited (Acquire/Release are no-ops).
func NewConcurrencySemaphore(capacity int) *ConcurrencySemaphore {
	if capacity <= 0 {
		return &ConcurrencySemaphore{}
	}
	return &ConcurrencySemaphore{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (s *ConcurrencySemaphore) Acquire(ctx context.Context) error {
	if s == nil || s.slots == nil {
		return nil
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a previously acquired slot.
func (s *ConcurrencySemaphore) Release() {
	if s == nil || s.slots == nil {
		return
	}
	<-s.slots
}

// Default semaphore capacities, per §5: hosted back ends cap at 20
// concurrent requests; local/self-hosted back ends cap at 1 since memory
// pressure from concurrent local inference is unknown.
var (
	remoteSemaphore = NewConcurrencySemaphore(20)
	localSemaphore  = NewConcurrencySemaphore(1)
)

// SetConcurrencyLimits reconfigures the shared remote/local semaphores,
// e.g. from the engine's semaphore_limit_remote/semaphore_limit_local
// configuration surface (§6). Not safe to call concurrently with in-flight
// Stream calls.
func SetConcurrencyLimits(remote, local int) {
	remoteSemaphore = NewConcurrencySemaphore(remote)
	localSemaphore = NewConcurrencySemaphore(local)
}

// MaxStreamedResponseSize limits total streamed response size per call.
const MaxStreamedResponseSize = 50 * 1024 * 1024

func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// renderInput renders messages as the flat provenance string paired with a
// chunk when Options.WithInput is set (§6's with_input chunk pairing, §3's
// "opaque metadata (raw model input strings for provenance)").
func renderInput(messages []Message) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// Chunk is one piece of a streamed response, optionally paired with the
// exact input text that produced it (requested via Options.WithInput).
// Chunks are concatenation-preserving: joining every Chunk.Text yields the
// full assistant response.
type Chunk struct {
	Text  string
	Input string
	Done  bool // true on the chunk that ends the underlying stream
}

// Options controls one stream call. Seed is a best-effort determinism
// hint: adapters that cannot honor it at nonzero temperature fall back to
// CotInstructionSeed-driven prompt variation instead.
type Options struct {
	MaxTokens          int
	Temperature        float64
	Seed               int
	Model              string
	CotInstructionSeed int
	WithInput          bool
}

// Provider is the closed-variant-set interface every model back end
// implements (§9: hosted-remote-A, hosted-remote-B, self-hosted-HTTP,
// in-process). Do not grow this into an inheritance hierarchy — back ends
// are selected by value, not by type-switch on concrete structs.
type Provider interface {
	// Stream returns a channel of chunks and a channel that carries at
	// most one terminal error. The chunk channel closes when the
	// underlying stream ends or ctx is cancelled.
	Stream(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, <-chan error)

	// FormatAssistantMessage tags text as assistant-authored for use in a
	// follow-up call.
	FormatAssistantMessage(text string) Message

	Name() string
}

// cotInstructionParaphrases is the small fixed set of step-numbering
// instruction phrasings used to vary prompts in a seeded way when a back
// end does not honor Seed at nonzero temperature (see DESIGN.md Open
// Question 3 — authored here, not drawn from either corpus).
var cotInstructionParaphrases = []string{
	"Number each reasoning step, e.g. \"1. \", \"2. \", and so on.",
	"Work through this step by step, prefixing each step with \"Step 1:\", \"Step 2:\", etc.",
	"Show your work as a numbered list of steps (1., 2., 3., ...).",
	"Break your reasoning into sequential numbered steps.",
	"Enumerate each step of your solution, starting from 1.",
}

// CotInstruction returns the paraphrase selected by seed, stable for a
// given seed value.
func CotInstruction(seed int) string {
	if seed < 0 {
		seed = -seed
	}
	return cotInstructionParaphrases[seed%len(cotInstructionParaphrases)]
}

// seedFingerprint derives a stable int from a seed together with the
// content it is being applied to, via blake2b, so that the same Seed value
// reused across two different prompts still produces independent-looking
// "(Problem N)" tags instead of a single reused literal number leaking
// across unrelated problems.
func seedFingerprint(messages []Message, seed int) int {
	h, _ := blake2b.New256(nil)
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "seed:%d", seed)
	sum := h.Sum(nil)
	var n uint64
	for _, b := range sum[:8] {
		n = n<<8 | uint64(b)
	}
	return int(n & 0x7fffffff)
}

// lastUserMessageIndex returns the index of the last user-role message in
// messages, or -1 if there is none.
func lastUserMessageIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return i
		}
	}
	return -1
}

// ApplySeededVariation implements the advisory seeded-prompt-variation
// fallback from spec §4.1: for back ends that cannot honor Options.Seed
// natively at nonzero temperature, vary the prompt content in a seeded way
// instead — prefix the active user turn with "(Problem <fingerprint>)" and
// pick one of the fixed CotInstruction paraphrases. opts.CotInstructionSeed,
// when set, picks the paraphrase directly instead of deriving it from Seed,
// matching §4.1's "adapter-specific extras" for a caller that wants the
// phrasing varied independently of determinism. A nil Seed and
// CotInstructionSeed leaves messages untouched.
func ApplySeededVariation(messages []Message, opts Options) []Message {
	if opts.Seed == 0 && opts.CotInstructionSeed == 0 {
		return messages
	}
	idx := lastUserMessageIndex(messages)
	if idx == -1 {
		return messages
	}

	out := make([]Message, len(messages))
	copy(out, messages)

	var problemTag string
	instructionSeed := opts.CotInstructionSeed
	if opts.Seed != 0 {
		fp := seedFingerprint(messages, opts.Seed)
		problemTag = fmt.Sprintf("(Problem %d) ", fp)
		if instructionSeed == 0 {
			instructionSeed = fp
		}
	}

	out[idx] = Message{
		Role:    out[idx].Role,
		Content: fmt.Sprintf("%s%s\n\n%s", problemTag, out[idx].Content, CotInstruction(instructionSeed)),
	}
	return out
}

// Config holds per-adapter configuration (endpoint, credentials, defaults).
type Config struct {
	Name        string
	Endpoint    string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// DefaultConfig returns sensible defaults for a named adapter.
func DefaultConfig(name string) *Config {
	switch name {
	case "hosted-remote":
		return &Config{
			Name:        name,
			Endpoint:    "https://api.anthropic.com",
			Model:       "claude-3-5-sonnet-20241022",
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		}
	case "self-hosted":
		return &Config{
			Name:        name,
			Endpoint:    "http://127.0.0.1:11434",
			Model:       "llama3",
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		}
	case "in-process":
		return &Config{Name: name, MaxTokens: 4096, Temperature: 0.7, Timeout: 30 * time.Second}
	default:
		return &Config{Name: name, MaxTokens: 4096, Temperature: 0.7, Timeout: 2 * time.Minute}
	}
}

// baseAdapter holds the HTTP plumbing shared by the hosted-remote and
// self-hosted adapters.
type baseAdapter struct {
	config *Config
	client *http.Client
	log    *logging.Logger
}

func newBaseAdapter(cfg *Config, name string) baseAdapter {
	if cfg == nil {
		cfg = DefaultConfig(name)
	}
	defaults := DefaultConfig(name)
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	cfg.Name = name
	return baseAdapter{config: cfg, client: &http.Client{Timeout: cfg.Timeout}, log: logging.Global().WithComponent(name)}
}

func (b *baseAdapter) Name() string { return b.config.Name }

func (b *baseAdapter) FormatAssistantMessage(text string) Message {
	return Message{Role: "assistant", Content: text}
}

// RetryConfig controls the exponential backoff WithRetry applies around the
// call it wraps.
type RetryConfig struct {
	MaxRetries int
	Sleep      func(d time.Duration) // overridable for tests
}

// DefaultRetryConfig allows up to 5 retries after the first call (at most
// 6 calls in all).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 5, Sleep: func(d time.Duration) { time.Sleep(d) }}
}

// WithRetry wraps a single back-end call with the spec's retry policy:
// RateLimited and Transport errors are retried up to MaxRetries times with
// a (2^attempt + random()) second wait; any other error (including
// ConfigError and Fatal) propagates immediately. Mirrors the retry loop in
// the Python original's AnthropicService._make_request.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, call func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := call()
		if err == nil {
			return result, nil
		}
		if !engineerr.Retryable(err) || attempt >= cfg.MaxRetries {
			if attempt > 0 {
				log().Warn("providers: giving up after %d attempt(s): %v", attempt+1, err)
			}
			return zero, err
		}
		wait := time.Duration(float64(time.Second) * (float64(int64(1)<<uint(attempt)) + rand.Float64()))
		log().Warn("providers: attempt %d failed (%v), retrying in %s", attempt+1, err, wait)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}
		cfg.Sleep(wait)
	}
}
