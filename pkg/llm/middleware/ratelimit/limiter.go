// Package ratelimit throttles completion requests with a token bucket and a
// concurrency cap, so graph batches don't exceed provider quotas.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"stageengine/pkg/logx"
)

// refillInterval splits the per-minute budget into ten refills.
const refillInterval = 6 * time.Second

// Config sets the limits for one model. Zero values disable that limit.
type Config struct {
	TokensPerMinute int
	MaxConcurrency  int
}

// Stats is a snapshot of limiter state.
type Stats struct {
	AvailableTokens int   `json:"available_tokens"`
	Capacity        int   `json:"capacity"`
	TokenLimitHits  int64 `json:"token_limit_hits"`
	ConcurrencyHits int64 `json:"concurrency_hits"`
}

// TokenBucketLimiter hands out estimated tokens from a bucket refilled every
// refillInterval, plus a slot from a weighted semaphore.
//
//nolint:govet // grouped by concern
type TokenBucketLimiter struct {
	mu              sync.Mutex
	available       int
	capacity        int
	perRefill       int
	lastRefill      time.Time
	now             func() time.Time
	slots           *semaphore.Weighted
	tokenLimitHits  int64
	concurrencyHits int64
	logger          *logx.Logger
}

// NewTokenBucketLimiter creates a limiter that starts with a full bucket.
func NewTokenBucketLimiter(model string, cfg Config) *TokenBucketLimiter {
	l := &TokenBucketLimiter{
		available:  cfg.TokensPerMinute,
		capacity:   cfg.TokensPerMinute,
		perRefill:  cfg.TokensPerMinute / 10,
		lastRefill: time.Now(),
		now:        time.Now,
		logger:     logx.NewLogger("ratelimit").With(model),
	}
	if l.perRefill == 0 && cfg.TokensPerMinute > 0 {
		l.perRefill = cfg.TokensPerMinute
	}
	if cfg.MaxConcurrency > 0 {
		l.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	return l
}

// Acquire blocks until tokens and a request slot are available or ctx is done.
// The returned release func must be called once the request finishes.
// Requests larger than the whole bucket are clamped to its capacity.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, tokens int) (func(), error) {
	if l.slots != nil {
		if !l.slots.TryAcquire(1) {
			l.mu.Lock()
			l.concurrencyHits++
			l.mu.Unlock()
			l.logger.Debug("concurrency limit hit, waiting for a slot")
			if err := l.slots.Acquire(ctx, 1); err != nil {
				return nil, fmt.Errorf("waiting for a request slot: %w", err)
			}
		}
	}
	release := func() {
		if l.slots != nil {
			l.slots.Release(1)
		}
	}

	if err := l.takeTokens(ctx, tokens); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (l *TokenBucketLimiter) takeTokens(ctx context.Context, tokens int) error {
	if l.capacity <= 0 {
		return nil
	}
	if tokens > l.capacity {
		tokens = l.capacity
	}

	first := true
	for {
		l.mu.Lock()
		l.refill()
		if l.available >= tokens {
			l.available -= tokens
			l.mu.Unlock()
			return nil
		}
		if first {
			l.tokenLimitHits++
			l.logger.Info("token limit hit, waiting for refill (need %d, have %d)", tokens, l.available)
			first = false
		}
		wait := refillInterval - l.now().Sub(l.lastRefill)
		l.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting for rate limit tokens: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// refill adds one share per elapsed interval. Caller holds mu.
func (l *TokenBucketLimiter) refill() {
	elapsed := l.now().Sub(l.lastRefill)
	if elapsed < refillInterval {
		return
	}
	intervals := int(elapsed / refillInterval)
	l.available += intervals * l.perRefill
	if l.available > l.capacity {
		l.available = l.capacity
	}
	l.lastRefill = l.lastRefill.Add(time.Duration(intervals) * refillInterval)
}

// Stats returns the current counters.
func (l *TokenBucketLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return Stats{
		AvailableTokens: l.available,
		Capacity:        l.capacity,
		TokenLimitHits:  l.tokenLimitHits,
		ConcurrencyHits: l.concurrencyHits,
	}
}
