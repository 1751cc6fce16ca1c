// Package retry provides the category-parameterized retry policy and its LLM middleware.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"stageengine/pkg/config"
	"stageengine/pkg/engineerr"
)

// Backoff defines exponential backoff for one error category.
type Backoff struct {
	MaxRetries    int           // retries after the first attempt
	InitialDelay  time.Duration // delay before the first retry
	MaxDelay      time.Duration // cap; 0 = uncapped
	BackoffFactor float64       // multiplier per retry
	Jitter        bool          // +/-10% jitter
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy is the single retry policy object, keyed by error category.
//
//nolint:govet // logical grouping preferred
type Policy struct {
	Categories map[engineerr.Category]Backoff
	Sleep      SleepFunc
}

// DefaultPolicy retries network and system failures 3 times with 1s doubling backoff,
// processing failures once without delay, and never retries validation or dependency errors.
func DefaultPolicy() *Policy {
	return NewPolicy(config.RetryConfig{
		MaxRetries:        config.MaxRetries,
		InitialDelay:      config.RetryBaseDelay,
		BackoffFactor:     2.0,
		ProcessingRetries: config.ProcessingRetries,
	})
}

// NewPolicy builds a policy from configuration.
func NewPolicy(cfg config.RetryConfig) *Policy {
	transport := Backoff{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		Jitter:        cfg.Jitter,
	}
	return &Policy{
		Categories: map[engineerr.Category]Backoff{
			engineerr.CategoryNetwork:    transport,
			engineerr.CategorySystem:     transport,
			engineerr.CategoryProcessing: {MaxRetries: cfg.ProcessingRetries, BackoffFactor: 1},
			engineerr.CategoryValidation: {},
			engineerr.CategoryDependency: {},
		},
		Sleep: sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MaxRetries returns the retry budget for a category.
func (p *Policy) MaxRetries(c engineerr.Category) int {
	return p.Categories[c].MaxRetries
}

// CalculateDelay returns the delay before retry number n (1-based) of category c.
// With the defaults: 1s, 2s, 4s.
func (p *Policy) CalculateDelay(c engineerr.Category, n int) time.Duration {
	b := p.Categories[c]
	if n < 1 || b.InitialDelay <= 0 {
		return 0
	}
	factor := b.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(b.InitialDelay) * math.Pow(factor, float64(n-1)))
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	if b.Jitter {
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1)) //nolint:gosec // jitter only
		delay += jitter
	}
	return delay
}

// ShouldRetry reports whether err may be retried after `retries` retries have already happened.
func (p *Policy) ShouldRetry(err error, retries int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	classified := engineerr.Classify("", err)
	if !classified.Retryable {
		return false
	}
	return retries < p.MaxRetries(classified.Category)
}

// Do runs op until it succeeds or the policy gives up. Each category spends its own
// budget, so a processing retry does not use up a network retry. A retryable error
// that exhausts its budget is returned marked non-retryable so outer layers do not
// retry it again.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	retries := make(map[engineerr.Category]int)
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		category := engineerr.Classify("", err).Category
		if !p.ShouldRetry(err, retries[category]) {
			return exhausted(err, retries[category])
		}
		retries[category]++
		if serr := sleep(ctx, p.CalculateDelay(category, retries[category])); serr != nil {
			return fmt.Errorf("retry cancelled: %w", serr)
		}
	}
}

func exhausted(err error, retries int) error {
	classified := engineerr.Classify("", err)
	if !classified.Retryable {
		return err
	}
	out := *classified
	out.Retryable = false
	out.Err = err
	if retries > 0 {
		out.Message = fmt.Sprintf("gave up after %d retries", retries)
	}
	return &out
}
