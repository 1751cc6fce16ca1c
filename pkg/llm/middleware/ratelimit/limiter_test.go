package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageengine/pkg/llm"
)

func newTestLimiter(cfg Config) (*TokenBucketLimiter, *time.Time) {
	l := NewTokenBucketLimiter("test-model", cfg)
	clock := l.lastRefill
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestTokenBucketRefills(t *testing.T) {
	l, clock := newTestLimiter(Config{TokensPerMinute: 100})

	release, err := l.Acquire(context.Background(), 60)
	require.NoError(t, err)
	release()
	assert.Equal(t, 40, l.Stats().AvailableTokens)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, 60)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), l.Stats().TokenLimitHits)

	// two refills of 10 tokens each
	*clock = clock.Add(2 * refillInterval)
	release, err = l.Acquire(context.Background(), 60)
	require.NoError(t, err)
	release()
	assert.Equal(t, 0, l.Stats().AvailableTokens)

	*clock = clock.Add(time.Hour)
	assert.Equal(t, 100, l.Stats().AvailableTokens, "refill is capped at capacity")
}

func TestOversizedRequestIsClamped(t *testing.T) {
	l, _ := newTestLimiter(Config{TokensPerMinute: 100})
	release, err := l.Acquire(context.Background(), 5000)
	require.NoError(t, err)
	release()
	assert.Equal(t, 0, l.Stats().AvailableTokens)
}

func TestConcurrencyCap(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxConcurrency: 1})

	release, err := l.Acquire(context.Background(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, 10)
	require.Error(t, err)
	assert.Equal(t, int64(1), l.Stats().ConcurrencyHits)

	release()
	release2, err := l.Acquire(context.Background(), 10)
	require.NoError(t, err)
	release2()
}

func TestUnlimited(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	for i := 0; i < 100; i++ {
		release, err := l.Acquire(context.Background(), 1_000_000)
		require.NoError(t, err)
		release()
	}
}

type countingClient struct{ calls int }

func (c *countingClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.calls++
	return llm.CompletionResponse{Content: "ok"}, nil
}

func (c *countingClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.CompleteAsStream(ctx, c, in), nil
}

func (c *countingClient) GetModelName() string { return "counting" }

func TestMiddlewareReservesEstimate(t *testing.T) {
	l, _ := newTestLimiter(Config{TokensPerMinute: 10_000})
	inner := &countingClient{}
	client := Middleware(l)(inner)

	_, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages:  []llm.CompletionMessage{{Role: llm.RoleUser, Content: "hello there"}},
		MaxTokens: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)
	assert.Less(t, l.Stats().AvailableTokens, 10_000-500)
	assert.Equal(t, "counting", client.GetModelName())

	assert.Same(t, llm.LLMClient(inner), Middleware(nil)(inner))
}
