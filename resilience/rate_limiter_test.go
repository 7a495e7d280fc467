package resilience

import (
	"testing"
	"time"
)

func TestTokenBucketBurstThenRefusal(t *testing.T) {
	tb, err := NewTokenBucket(&TokenBucketConfig{RatePerSecond: 1, Burst: 3})
	if err != nil {
		t.Fatalf("NewTokenBucket: %v", err)
	}

	// Bucket starts full: the burst is admitted back to back
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("call %d refused within burst", i)
		}
	}
	if tb.Allow() {
		t.Error("call admitted with empty bucket")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	tb, err := NewTokenBucket(&TokenBucketConfig{RatePerSecond: 100, Burst: 2})
	if err != nil {
		t.Fatalf("NewTokenBucket: %v", err)
	}

	tb.Allow()
	tb.Allow()
	if tb.Allow() {
		t.Fatal("call admitted with empty bucket")
	}

	// 100 tokens/s means one token roughly every 10ms
	time.Sleep(25 * time.Millisecond)
	if !tb.Allow() {
		t.Error("expected refill to admit a call")
	}
}

// TestTokenBucketRefillCeiling verifies idle time never accumulates tokens
// beyond the burst limit
func TestTokenBucketRefillCeiling(t *testing.T) {
	tb, err := NewTokenBucket(&TokenBucketConfig{RatePerSecond: 1000, Burst: 2})
	if err != nil {
		t.Fatalf("NewTokenBucket: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	admitted := 0
	for i := 0; i < 10; i++ {
		if tb.Allow() {
			admitted++
		}
	}
	// At most burst plus one token refilled during the loop itself
	if admitted > 3 {
		t.Errorf("admitted %d calls back to back, burst is 2", admitted)
	}
}

func TestTokenBucketAvailable(t *testing.T) {
	tb, err := NewTokenBucket(&TokenBucketConfig{RatePerSecond: 1, Burst: 5})
	if err != nil {
		t.Fatalf("NewTokenBucket: %v", err)
	}
	if avail := tb.Available(); avail < 4.9 || avail > 5.0 {
		t.Errorf("expected a full bucket, got %f", avail)
	}
	tb.Allow()
	if avail := tb.Available(); avail > 4.1 {
		t.Errorf("expected one token consumed, got %f", avail)
	}
}

func TestTokenBucketConfigValidation(t *testing.T) {
	if err := DefaultTokenBucketConfig().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if _, err := NewTokenBucket(&TokenBucketConfig{RatePerSecond: 0, Burst: 1}); err == nil {
		t.Error("expected error for zero rate")
	}
	if _, err := NewTokenBucket(&TokenBucketConfig{RatePerSecond: 1, Burst: 0}); err == nil {
		t.Error("expected error for zero burst")
	}
}
