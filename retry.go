package apigate

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	internalbackoff "github.com/winnmedia/videoprompt-sub003/internal/backoff"
)

// BackoffStrategy selects the delay algorithm used between retries.
type BackoffStrategy int

const (
	// ExponentialJitter doubles the delay each attempt and adds uniform jitter.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter uses the AWS decorrelated-jitter scheme.
	DecorrelatedJitter
)

// RetryConfig configures a RetryRunner. Zero values fall back to defaults.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	Strategy       BackoffStrategy
	// ShouldRetry classifies an error as retryable. Defaults to IsTransient.
	ShouldRetry func(error) bool
}

// RetryRunner executes an operation with bounded retries and backoff. Only
// errors classified as retryable are attempted again; everything else is
// surfaced immediately. It is safe for concurrent use.
type RetryRunner struct {
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	multiplier     float64
	jitter         float64
	shouldRetry    func(error) bool
	calc           *internalbackoff.Calculator
}

// NewRetryRunner creates a runner from cfg, filling in defaults: 3 retries,
// 100ms initial backoff doubling to a 10s cap with 10% jitter.
func NewRetryRunner(cfg RetryConfig) *RetryRunner {
	r := &RetryRunner{
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		multiplier:     cfg.Multiplier,
		jitter:         cfg.Jitter,
		shouldRetry:    cfg.ShouldRetry,
	}
	if r.maxRetries <= 0 {
		r.maxRetries = 3
	}
	if r.initialBackoff <= 0 {
		r.initialBackoff = 100 * time.Millisecond
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = 10 * time.Second
	}
	if r.multiplier <= 0 {
		r.multiplier = 2.0
	}
	if r.jitter == 0 {
		r.jitter = 0.1
	}
	if r.shouldRetry == nil {
		r.shouldRetry = IsTransient
	}
	switch cfg.Strategy {
	case DecorrelatedJitter:
		r.calc = internalbackoff.DecorrelatedJitterCalculator()
	default:
		r.calc = internalbackoff.ExponentialJitterCalculator()
	}
	return r
}

// WithRetry runs op, retrying retryable failures up to maxRetries times.
// maxRetries < 0 uses the runner default. A server-provided Retry-After hint
// on the error takes precedence over computed backoff. Context cancellation
// aborts the wait between attempts.
func (r *RetryRunner) WithRetry(ctx context.Context, maxRetries int, op func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = r.maxRetries
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries || !r.shouldRetry(err) {
			return err
		}

		delay := retryAfterHint(err)
		if delay <= 0 {
			delay = r.calc.Calculate(attempt, r.initialBackoff, r.maxBackoff, r.multiplier, r.jitter)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// retryAfterHint extracts a server-provided Retry-After delay carried on an
// APIError, if any.
func retryAfterHint(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// parseRetryAfter parses a Retry-After header in either delay-seconds or
// HTTP-date form. Values above one hour are capped.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
