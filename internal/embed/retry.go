package embed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/koopa0/ragpipe/internal/log"
)

// RetryConfig configures the retry behavior for embedding backend calls.
type RetryConfig struct {
	MaxAttempts     int           // Total attempts including the first
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
	Timeout         time.Duration // Per-attempt deadline (0 = none)
}

// DefaultRetryConfig returns sensible defaults for embedding API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Timeout:         30 * time.Second,
	}
}

// retryablePatterns groups error substrings by category.
// Matched case-insensitively against err.Error().
//
// NOTE: String matching is used because embedding provider SDKs do not
// expose typed errors for transient failures.
var retryablePatterns = [][]string{
	{"rate limit", "quota", "resource exhausted", "429"}, // rate limiting
	{"500", "502", "503", "504", "unavailable"},          // transient server errors
	{"connection reset", "timeout", "deadline", "temporary", "eof"}, // network errors
}

// retryableError reports whether err is transient and should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(errStr, sub) {
				return true
			}
		}
	}
	return false
}

// callWithRetry runs fn with bounded exponential backoff, a per-attempt
// timeout, and an optional rate limiter applied before each attempt.
// Non-retryable errors fail immediately; exhausted retries surface the
// last error wrapped in ErrBackend.
func callWithRetry(ctx context.Context, logger log.Logger, cfg RetryConfig,
	limiter *rate.Limiter, op string, fn func(context.Context) error) error {

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := cfg.InitialInterval
	start := time.Now()

	for attempt := 1; attempt <= attempts; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if attempt > 1 {
				logger.Debug("backend call recovered",
					"op", op, "attempts", attempt, "elapsed", time.Since(start))
			}
			return nil
		}
		lastErr = err

		// Caller went away: report the cancellation, not a backend fault.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !retryableError(err) {
			return fmt.Errorf("%s: %w", op, err)
		}

		if attempt == attempts {
			break
		}

		logger.Debug("retrying backend call",
			"op", op, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if cfg.MaxInterval > 0 && delay > cfg.MaxInterval {
			delay = cfg.MaxInterval
		}
	}

	return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrBackend, op, attempts, lastErr)
}
