package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// RetryConfig bounds retries of provider calls.
type RetryConfig struct {
	Attempts int
	MinDelay time.Duration
	MaxDelay time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, MinDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// HTTPError is a non-2xx provider reply.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Unwrap classifies every provider HTTP failure as transient IO.
func (e *HTTPError) Unwrap() error { return store.ErrTransientIO }

// ParseRetryAfter reads a Retry-After header given in seconds.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// RetryDo runs fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done. Delays double from MinDelay up to MaxDelay;
// a Retry-After hint takes precedence.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.Attempts, 1)
	delay := cfg.MinDelay

	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || !httpErr.Retryable() || i == attempts-1 {
			break
		}
		wait := delay
		if httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		slog.Debug("provider call failed, retrying", "attempt", i+1, "status", httpErr.Status, "wait", wait)

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %w", store.ErrTransientIO, ctx.Err())
		case <-time.After(wait):
		}
		delay *= 2
	}
	if errors.Is(lastErr, store.ErrTransientIO) {
		return zero, lastErr
	}
	return zero, fmt.Errorf("%w: %w", store.ErrTransientIO, lastErr)
}
