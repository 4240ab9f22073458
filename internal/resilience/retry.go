package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retries of a single platform call with exponential
// backoff and jitter. The defaults are sized for calls that run under the
// dispatcher's 60s per-call timeout: three attempts whose worst-case sleep
// still leaves the final attempt most of the window.
type RetryConfig struct {
	// MaxAttempts counts the first try too; 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the pause before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps a single pause.
	MaxBackoff time.Duration

	// Multiplier grows the pause after each failed attempt.
	Multiplier float64

	// JitterFraction spreads each pause by ±fraction so synchronized jobs
	// do not hammer a recovering platform in lockstep.
	JitterFraction float64

	// SleepBudget caps total pause time across all retries. Once spent, the
	// call fails with the last error even if attempts remain. Zero means no
	// cap.
	SleepBudget time.Duration

	// ShouldRetry overrides the IsTransient default.
	ShouldRetry func(err error) bool

	// OnRetry runs before each pause with the attempt number and error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the tuning used for platform bridge calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     15 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
		SleepBudget:    30 * time.Second,
	}
}

// DoVal runs fn until it succeeds, exhausts its attempts, or hits a
// non-retryable error. A throttling platform's Retry-After hint is honored
// as a floor on the computed backoff. Context cancellation stops retries
// immediately with the last call's error.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	var slept time.Duration
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !shouldRetry(lastErr) {
			return zero, lastErr
		}
		if attempt >= cfg.MaxAttempts-1 {
			break
		}

		delay := backoff(attempt, cfg)
		if hint := RetryAfterHint(lastErr); hint > delay {
			delay = hint
		}
		if cfg.SleepBudget > 0 && slept+delay > cfg.SleepBudget {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
		slept += delay
	}

	return zero, lastErr
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

func backoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	if cfg.JitterFraction > 0 {
		spread := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback tagging log lines with the
// platform and operation being retried.
func RetryLogger(platformID, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying platform call",
			zap.String("platform_id", platformID),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
