package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// TokenBucketConfig configures a token bucket rate limiter
type TokenBucketConfig struct {
	// RatePerSecond is the steady-state refill rate
	RatePerSecond float64

	// Burst is the bucket capacity, the maximum tokens accumulated while idle
	Burst int
}

// DefaultTokenBucketConfig provides sensible defaults
func DefaultTokenBucketConfig() *TokenBucketConfig {
	return &TokenBucketConfig{
		RatePerSecond: 10,
		Burst:         20,
	}
}

// Validate validates the token bucket configuration
func (c *TokenBucketConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.RatePerSecond <= 0 {
		return fmt.Errorf("rate per second must be positive, got %f", c.RatePerSecond)
	}
	if c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1, got %d", c.Burst)
	}
	return nil
}

// TokenBucket is a non-blocking token bucket rate limiter.
//
// Tokens refill lazily on each Allow call, proportional to the time elapsed
// since the previous check and ceilinged at Burst. Allow never blocks; a
// caller that is refused must reject or reschedule the work itself.
//
// Safe for concurrent use; a bucket instance is shared per capability.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a token bucket starting full
func NewTokenBucket(config *TokenBucketConfig) (*TokenBucket, error) {
	if config == nil {
		config = DefaultTokenBucketConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token bucket config: %w", err)
	}

	return &TokenBucket{
		rate:       config.RatePerSecond,
		burst:      float64(config.Burst),
		tokens:     float64(config.Burst),
		lastRefill: time.Now(),
	}, nil
}

// Allow consumes one token and returns true when one is available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.burst {
			tb.tokens = tb.burst
		}
		tb.lastRefill = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Available returns the current token count, for observability only
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := time.Since(tb.lastRefill).Seconds()
	tokens := tb.tokens + elapsed*tb.rate
	if tokens > tb.burst {
		tokens = tb.burst
	}
	return tokens
}
