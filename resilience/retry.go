package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/flowmesh/flowmesh/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, including the first
	MaxAttempts int

	// BaseDelay is the fixed component of the inter-attempt delay. The
	// actual delay is BaseDelay plus a uniformly random jitter in
	// [0, BaseDelay). The base never grows between attempts, which bounds
	// worst-case latency for a caller-facing dispatcher; full jitter still
	// de-synchronizes competing clients.
	BaseDelay time.Duration

	// Logger records swallowed per-attempt failures at debug level
	Logger core.Logger
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Logger:      &core.NoOpLogger{},
	}
}

// Validate validates the retry configuration
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("base delay must be non-negative, got %v", c.BaseDelay)
	}
	return nil
}

// Retry executes fn up to MaxAttempts times, sleeping a jittered fixed delay
// between attempts. Errors from non-final attempts are logged at debug level
// and swallowed; on exhaustion the last error is propagated, wrapped together
// with core.ErrMaxRetriesExceeded so both are matchable with errors.Is.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		logger.Debug("Attempt failed, retrying", map[string]interface{}{
			"operation":    "retry_attempt_failed",
			"attempt":      attempt,
			"max_attempts": config.MaxAttempts,
			"error":        lastErr.Error(),
		})

		delay := config.BaseDelay
		if config.BaseDelay > 0 {
			delay += time.Duration(rand.Int63n(int64(config.BaseDelay)))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w: %w", config.MaxAttempts, core.ErrMaxRetriesExceeded, lastErr)
}

// RetryWithCircuitBreaker combines retry logic with circuit breaker
// protection. The circuit check happens inside each attempt, so a
// persistently open circuit fails fast per attempt without consuming the
// retry budget waiting on the network.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.Allow() {
			return fmt.Errorf("circuit breaker '%s' is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
		}

		err := fn()
		if err != nil {
			cb.OnFailure()
			return err
		}

		cb.OnSuccess()
		return nil
	})
}
