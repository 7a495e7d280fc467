package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a single trial request
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string)                      {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker (typically the capability it guards)
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before allowing a
	// half-open trial request
	ResetTimeout time.Duration

	// Logger for circuit breaker events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector
}

// DefaultCircuitBreakerConfig returns a production-ready default configuration
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate validates the circuit breaker configuration
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive, got %v", c.ResetTimeout)
	}
	return nil
}

// CircuitBreaker is a fail-fast gate around a consistently failing dependency.
//
// Closed passes every call through. After FailureThreshold consecutive
// failures the circuit opens and rejects calls locally, without touching the
// network, until ResetTimeout has elapsed since the last failure. The first
// Allow after the cooldown transitions to half-open and admits exactly one
// trial call: success closes the circuit, failure reopens it and restarts
// the cooldown.
//
// Safe for concurrent use; a breaker instance is shared by every execution
// that calls the capability it guards.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	trialInFlight       bool

	// Counters exposed through GetMetrics
	totalCalls    uint64
	rejectedCalls uint64

	listeners []func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a circuit breaker from the given configuration
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	config.Logger.Debug("Circuit breaker created", map[string]interface{}{
		"operation":         "circuit_breaker_created",
		"name":              config.Name,
		"failure_threshold": config.FailureThreshold,
		"reset_timeout_ms":  config.ResetTimeout.Milliseconds(),
	})

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}, nil
}

// Allow reports whether a call may proceed.
//
// In the open state, the first Allow after ResetTimeout has elapsed since the
// last failure atomically transitions the breaker to half-open and admits the
// caller as the single trial request; every other caller is rejected until
// that trial resolves through OnSuccess or OnFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.ResetTimeout {
			cb.transitionLocked(StateHalfOpen)
			cb.trialInFlight = true
			return true
		}
		cb.rejectedCalls++
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return false

	case StateHalfOpen:
		// Only the transitioning call holds the trial slot
		if !cb.trialInFlight {
			cb.trialInFlight = true
			return true
		}
		cb.rejectedCalls++
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return false

	default:
		return false
	}
}

// OnSuccess records a successful call and closes the circuit
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.trialInFlight = false
	cb.config.Metrics.RecordSuccess(cb.config.Name)

	if cb.state != StateClosed {
		cb.transitionLocked(StateClosed)
	}
}

// OnFailure records a failed call, opening the circuit once the consecutive
// failure count reaches the threshold. A half-open trial failure reopens
// immediately and restarts the cooldown.
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()
	cb.trialInFlight = false
	cb.config.Metrics.RecordFailure(cb.config.Name)

	if cb.state == StateHalfOpen {
		cb.transitionLocked(StateOpen)
		return
	}

	if cb.state == StateClosed && cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.config.Logger.Info("Circuit breaker opening due to consecutive failures", map[string]interface{}{
			"operation":            "circuit_breaker_opening",
			"name":                 cb.config.Name,
			"consecutive_failures": cb.consecutiveFailures,
			"failure_threshold":    cb.config.FailureThreshold,
		})
		cb.transitionLocked(StateOpen)
	}
}

// Execute runs fn with circuit breaker protection.
//
// When the circuit rejects the call, Execute fails immediately with
// core.ErrCircuitBreakerOpen and fn is never invoked. Otherwise fn's outcome
// is routed to OnSuccess or OnFailure and its error is propagated unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

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
}

// transitionLocked changes state (must be called with cb.mu held)
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	if newState == StateHalfOpen {
		cb.trialInFlight = false
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":            "circuit_breaker_state_change",
		"name":                 cb.config.Name,
		"from":                 oldState.String(),
		"to":                   newState.String(),
		"consecutive_failures": cb.consecutiveFailures,
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, oldState, newState)
	}
}

// AddStateChangeListener adds a listener notified on every state change
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// GetState returns the current state name
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// GetMetrics returns a snapshot of breaker counters
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"name":                 cb.config.Name,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"total_calls":          cb.totalCalls,
		"rejected_calls":       cb.rejectedCalls,
	}
}

// Reset returns the breaker to the closed state and clears failure history
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.trialInFlight = false

	cb.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
		"operation":      "circuit_breaker_reset",
		"name":           cb.config.Name,
		"previous_state": oldState.String(),
	})
}
