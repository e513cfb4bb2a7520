package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/contentflow/internal/config"
)

// RetryPolicy configures how many times a task is dispatched within one
// run and how long to wait between attempts.
type RetryPolicy struct {
	MaxRetries          int           // Failures a task may accumulate before it is dead-lettered
	InitialInterval     time.Duration // Initial retry interval (default 500ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryPolicy returns the default retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          config.DefaultMaxRetries,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// RetryPolicyFromConfig builds a policy from runtime settings. Zero values
// keep the defaults.
func RetryPolicyFromConfig(rt config.RuntimeConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if rt.MaxRetries > 0 {
		p.MaxRetries = rt.MaxRetries
	}
	if rt.Retry.InitialInterval.Duration > 0 {
		p.InitialInterval = rt.Retry.InitialInterval.Duration
	}
	if rt.Retry.MaxInterval.Duration > 0 {
		p.MaxInterval = rt.Retry.MaxInterval.Duration
	}
	if rt.Retry.Multiplier > 0 {
		p.Multiplier = rt.Retry.Multiplier
	}
	if rt.Retry.RandomizationFactor > 0 {
		p.RandomizationFactor = rt.Retry.RandomizationFactor
	}
	return p
}

// Attempts returns how many dispatches a task with the given failure
// count gets in this run. Always at least one.
func (p RetryPolicy) Attempts(retryCount int) int {
	return max(1, p.MaxRetries-retryCount)
}

// backOff creates the exponential backoff used between attempts, bounded
// by attempts and by ctx.
func (p RetryPolicy) backOff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0 // Attempt count bounds the loop, not wall time
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor

	// Wrap with context to respect cancellation
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(0, attempts-1))), ctx)
}
