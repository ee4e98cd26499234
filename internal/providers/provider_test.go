package providers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cotaudit/engine/internal/engineerr"
)

func TestConcurrencySemaphore_CapsInFlight(t *testing.T) {
	sem := NewConcurrencySemaphore(2)
	var inFlight, maxSeen int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, sem.Acquire(context.Background()))
			defer sem.Release()

			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxSeen)
				if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, int32(2))
}

func TestConcurrencySemaphore_NonPositiveCapacityIsUnlimited(t *testing.T) {
	sem := NewConcurrencySemaphore(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, sem.Acquire(ctx))
	}
	sem.Release() // must not panic on a nil-backed semaphore
}

func TestConcurrencySemaphore_AcquireRespectsContextCancellation(t *testing.T) {
	sem := NewConcurrencySemaphore(1)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := sem.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetConcurrencyLimits_ReplacesSharedSemaphores(t *testing.T) {
	SetConcurrencyLimits(20, 1)
	defer SetConcurrencyLimits(20, 1)

	SetConcurrencyLimits(1, 1)
	require.NoError(t, remoteSemaphore.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, remoteSemaphore.Acquire(ctx))
	remoteSemaphore.Release()
}

func TestCotInstruction_StableAndWraps(t *testing.T) {
	first := CotInstruction(0)
	assert.Equal(t, first, CotInstruction(0))
	assert.Equal(t, first, CotInstruction(len(cotInstructionParaphrases)))
	assert.Equal(t, CotInstruction(3), CotInstruction(-3))
}

func TestApplySeededVariation_NoopWithoutSeed(t *testing.T) {
	messages := []Message{{Role: "user", Content: "What is 1+1?"}}
	out := ApplySeededVariation(messages, Options{})
	assert.Equal(t, messages, out)
}

func TestApplySeededVariation_PrefixesLastUserMessageAndIsStable(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "What is 1+1?"},
		{Role: "assistant", Content: "Let's think."},
		{Role: "user", Content: "Go on."},
	}
	out := ApplySeededVariation(messages, Options{Seed: 42})
	require.NotEqual(t, messages[2].Content, out[2].Content)
	assert.Contains(t, out[2].Content, "(Problem ")
	assert.Equal(t, messages[0].Content, out[0].Content)

	again := ApplySeededVariation(messages, Options{Seed: 42})
	assert.Equal(t, out[2].Content, again[2].Content)

	differentSeed := ApplySeededVariation(messages, Options{Seed: 43})
	assert.NotEqual(t, out[2].Content, differentSeed[2].Content)
}

func TestApplySeededVariation_CotInstructionSeedPicksParaphraseWithoutProblemTag(t *testing.T) {
	messages := []Message{{Role: "user", Content: "What is 1+1?"}}
	out := ApplySeededVariation(messages, Options{CotInstructionSeed: 2})
	assert.NotContains(t, out[0].Content, "(Problem ")
	assert.Contains(t, out[0].Content, CotInstruction(2))
}

func TestWithRetry_RetriesRetryableErrorsUntilSuccess(t *testing.T) {
	var attempts int
	var slept []time.Duration
	cfg := RetryConfig{
		MaxRetries: 5,
		Sleep:      func(d time.Duration) { slept = append(slept, d) },
	}

	result, err := WithRetry(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", engineerr.NewTransport("connection reset", nil)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
	assert.Len(t, slept, 2)
}

func TestWithRetry_NonRetryableErrorPropagatesImmediately(t *testing.T) {
	var attempts int
	cfg := DefaultRetryConfig()
	cfg.Sleep = func(time.Duration) {}

	_, err := WithRetry(context.Background(), cfg, func() (string, error) {
		attempts++
		return "", engineerr.NewConfigError("bad model name")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	var attempts int
	cfg := RetryConfig{MaxRetries: 2, Sleep: func(time.Duration) {}}

	_, err := WithRetry(context.Background(), cfg, func() (string, error) {
		attempts++
		return "", engineerr.NewRateLimited("slow down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestWithRetry_ContextCancellationDuringBackoffWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxRetries: 5, Sleep: func(time.Duration) {}}

	_, err := WithRetry(ctx, cfg, func() (string, error) {
		return "", engineerr.NewTransport("connection reset", nil)
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimiter_AcquireReleaseRoundTrip(t *testing.T) {
	rl := NewRateLimiter()
	require.NoError(t, rl.Acquire(context.Background(), "hosted-remote", 100))
	rl.RecordUsage("hosted-remote", 100)
	rl.Release("hosted-remote")

	metrics := rl.GetMetrics("hosted-remote")
	require.NotNil(t, metrics)
	assert.EqualValues(t, 1, metrics.TotalRequests)
	assert.EqualValues(t, 100, metrics.TotalTokens)
}

func TestRateLimiter_UnconfiguredProviderIsUnrestricted(t *testing.T) {
	rl := NewRateLimiter()
	assert.NoError(t, rl.Acquire(context.Background(), "unknown-provider", 1))
	assert.True(t, rl.CanProceed("unknown-provider", 1))
}

func TestRateLimiter_ConcurrentRequestsCapEnforced(t *testing.T) {
	rl := NewRateLimiter()
	rl.SetLimits("self-hosted", &ProviderLimits{
		RequestsPerMinute:  1000,
		TokensPerMinute:    1000000,
		ConcurrentRequests: 1,
		BurstSize:          10,
	})

	require.NoError(t, rl.Acquire(context.Background(), "self-hosted", 1))
	assert.False(t, rl.CanProceed("self-hosted", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := rl.Acquire(ctx, "self-hosted", 1)
	assert.Error(t, err)

	rl.Release("self-hosted")
	assert.True(t, rl.CanProceed("self-hosted", 1))
}

func TestRateLimiter_DailyTokenLimitRejectsOverBudget(t *testing.T) {
	rl := NewRateLimiter()
	rl.SetLimits("hosted-remote", &ProviderLimits{
		RequestsPerMinute:  1000,
		TokensPerMinute:    1000000,
		TokensPerDay:       50,
		ConcurrentRequests: 10,
		BurstSize:          10,
	})

	rl.RecordUsage("hosted-remote", 40)
	err := rl.Acquire(context.Background(), "hosted-remote", 20)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily token limit")

	metrics := rl.GetMetrics("hosted-remote")
	require.NotNil(t, metrics)
	assert.EqualValues(t, 1, metrics.RejectedCount)
}

func TestRateLimiter_WaitTimeReflectsExhaustedBucket(t *testing.T) {
	rl := NewRateLimiter()
	rl.SetLimits("self-hosted", &ProviderLimits{
		RequestsPerMinute:  6, // 0.1 tokens/sec refill
		ConcurrentRequests: 10,
		BurstSize:          1,
	})

	require.NoError(t, rl.Acquire(context.Background(), "self-hosted", 1))
	assert.Greater(t, rl.WaitTime("self-hosted"), time.Duration(0))
}

func TestDefaultProviderLimits_SelfHostedCapsSingleConcurrentRequest(t *testing.T) {
	limits := DefaultProviderLimits("self-hosted")
	assert.Equal(t, 1, limits.ConcurrentRequests)
}

func TestDefaultProviderLimits_InProcessIsEffectivelyUnbounded(t *testing.T) {
	limits := DefaultProviderLimits("in-process")
	assert.Equal(t, 0, limits.ConcurrentRequests)
}

func TestEstimateTokens_ApproximatesCharsOverFour(t *testing.T) {
	n := estimateTokens([]Message{{Role: "user", Content: "12345678"}})
	assert.Equal(t, 8/4+1, n)
}

func TestInProcessAdapter_EchoStepRestatesLastUserMessage(t *testing.T) {
	p := NewInProcessAdapter(nil, nil)
	chunks, errc := p.Stream(context.Background(), []Message{
		{Role: "user", Content: "what is 2+2?"},
	}, Options{})

	var text string
	for c := range chunks {
		text += c.Text
	}
	require.NoError(t, <-errc)
	assert.Contains(t, text, "what is 2+2?")
}

func TestInProcessAdapter_CustomStepFuncAndErrorPropagation(t *testing.T) {
	wantErr := errors.New("boom")
	p := NewInProcessAdapter(nil, func([]Message, Options) (string, error) {
		return "", wantErr
	})

	chunks, errc := p.Stream(context.Background(), nil, Options{})
	for range chunks {
	}
	assert.ErrorIs(t, <-errc, wantErr)
}

func TestBaseAdapter_NameAndFormatAssistantMessage(t *testing.T) {
	a := NewHostedRemoteAdapter(&Config{APIKey: "k"})
	assert.Equal(t, "hosted-remote", a.Name())
	msg := a.FormatAssistantMessage("hello")
	assert.Equal(t, Message{Role: "assistant", Content: "hello"}, msg)
}
