package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"positionwatch/internal/metrics"
)

// RateLimitError marks a provider throttling response. RetryAfter carries the
// server-suggested pause when the provider reported one.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

var throttleHints = []string{
	"rate limit",
	"too many requests",
	"429",
	"throttle",
	"capacity exceeded",
	"exceeded its compute",
}

// IsRetryable reports whether err looks like provider throttling. Anything
// else is treated as fatal for the current call.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range throttleHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// Backoff bounds the retry schedule for throttled calls.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff is used when no explicit policy is configured.
var DefaultBackoff = Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, MaxAttempts: 5}

// Retry runs op, retrying on throttling with exponential backoff. The delay
// doubles from Base up to Max; a server-suggested retry-after wins when
// present. Non-retryable errors propagate immediately.
func (b Backoff) Retry(ctx context.Context, logger zerolog.Logger, op func(context.Context) error) error {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	max := b.Max
	if max <= 0 {
		max = DefaultBackoff.Max
	}
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultBackoff.MaxAttempts
	}

	delay := base
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		wait := delay
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			wait = rl.RetryAfter
		}
		if wait > max {
			wait = max
		}

		logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("rpc throttled, backing off")
		metrics.RPCRetries.Inc()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > max {
			delay = max
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}
