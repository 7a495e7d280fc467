package orchestration

import (
	"errors"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/core"
)

// OptionalHealthPolicy decides what an unhealthy optional capability does.
// The observed behavior of the original system never pinned this down, so it
// is configurable instead of guessed.
type OptionalHealthPolicy string

const (
	// OptionalHealthIgnore skips unhealthy optional capabilities entirely
	OptionalHealthIgnore OptionalHealthPolicy = "ignore"
	// OptionalHealthDegrade subtracts a confidence penalty per unhealthy
	// optional capability but still admits the execution
	OptionalHealthDegrade OptionalHealthPolicy = "degrade"
)

// ResilienceOptions configures the primitives gating one outbound capability
type ResilienceOptions struct {
	CircuitBreakerEnabled bool          `json:"circuit_breaker_enabled"`
	FailureThreshold      int           `json:"failure_threshold"`
	ResetTimeout          time.Duration `json:"reset_timeout"`
	RetryAttempts         int           `json:"retry_attempts"`
	RetryBaseDelay        time.Duration `json:"retry_base_delay"`
	RateLimitEnabled      bool          `json:"rate_limit_enabled"`
	RatePerSecond         float64       `json:"rate_per_second"`
	Burst                 int           `json:"burst"`
}

// DefaultResilienceOptions returns the defaults applied to every capability
// without an explicit override
func DefaultResilienceOptions() ResilienceOptions {
	return ResilienceOptions{
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		ResetTimeout:          30 * time.Second,
		RetryAttempts:         3,
		RetryBaseDelay:        200 * time.Millisecond,
		RateLimitEnabled:      true,
		RatePerSecond:         20,
		Burst:                 40,
	}
}

// EngineConfig configures the execution engine
type EngineConfig struct {
	// MaxConcurrentExecutions bounds the number of simultaneously
	// non-terminal executions; admission rejects past this limit
	MaxConcurrentExecutions int `json:"max_concurrent_executions"`

	// DefaultTimeout sets each execution's deadline when the submission
	// carries no override
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MonitoringInterval is the async status poll period
	MonitoringInterval time.Duration `json:"monitoring_interval"`

	// HealthCheckTimeout bounds each validation health probe
	HealthCheckTimeout time.Duration `json:"health_check_timeout"`

	// HistorySize bounds the finalized-execution ring
	HistorySize int `json:"history_size"`

	// SourceName is the correlation marker sent on every delegation
	SourceName string `json:"source_name"`

	// OptionalHealthPolicy controls unhealthy optional capabilities
	OptionalHealthPolicy OptionalHealthPolicy `json:"optional_health_policy"`

	// OptionalHealthPenalty is the per-capability confidence penalty under
	// the degrade policy
	OptionalHealthPenalty float64 `json:"optional_health_penalty"`

	// Resilience is the default per-capability gating configuration
	Resilience ResilienceOptions `json:"resilience"`

	// CapabilityOverrides replaces the defaults for named capabilities.
	// The remote orchestrator itself is gated under the capability name
	// "orchestrator".
	CapabilityOverrides map[string]ResilienceOptions `json:"capability_overrides,omitempty"`
}

// DefaultEngineConfig returns production-ready engine defaults
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxConcurrentExecutions: 10,
		DefaultTimeout:          5 * time.Minute,
		MonitoringInterval:      2 * time.Second,
		HealthCheckTimeout:      3 * time.Second,
		HistorySize:             100,
		SourceName:              "flowmesh-engine",
		OptionalHealthPolicy:    OptionalHealthIgnore,
		OptionalHealthPenalty:   0.05,
		Resilience:              DefaultResilienceOptions(),
	}
}

// Validate validates the engine configuration
func (c *EngineConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.MaxConcurrentExecutions < 1 {
		return fmt.Errorf("max concurrent executions must be at least 1, got %d", c.MaxConcurrentExecutions)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive, got %v", c.DefaultTimeout)
	}
	if c.MonitoringInterval <= 0 {
		return fmt.Errorf("monitoring interval must be positive, got %v", c.MonitoringInterval)
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("history size must be at least 1, got %d", c.HistorySize)
	}
	switch c.OptionalHealthPolicy {
	case OptionalHealthIgnore, OptionalHealthDegrade:
	default:
		return fmt.Errorf("unknown optional health policy %q", c.OptionalHealthPolicy)
	}
	return nil
}

// resilienceFor resolves the gating options for one capability
func (c *EngineConfig) resilienceFor(capability string) ResilienceOptions {
	if opts, ok := c.CapabilityOverrides[capability]; ok {
		return opts
	}
	return c.Resilience
}

// SubmitRequest is one unit of work handed to the engine. Workflow selects a
// template by name; when empty, Query (with Intent and Entities) is matched
// against the catalog instead.
type SubmitRequest struct {
	Workflow   string                 `json:"workflow,omitempty"`
	Query      string                 `json:"query,omitempty"`
	Intent     string                 `json:"intent,omitempty"`
	Entities   map[string]interface{} `json:"entities,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	CallerID   string                 `json:"caller_id,omitempty"`
	Priority   int                    `json:"priority,omitempty"`
	Mode       ExecutionMode          `json:"mode,omitempty"`
	Timeout    time.Duration          `json:"timeout,omitempty"`

	// OnComplete runs once at finalization with a terminal snapshot.
	// Callback panics and errors are logged, never propagated.
	OnComplete func(snapshot *ExecutionContext) `json:"-"`
}

// SubmitReceipt acknowledges an admitted execution
type SubmitReceipt struct {
	ExecutionID  string          `json:"execution_id"`
	WorkflowName string          `json:"workflow_name"`
	Confidence   float64         `json:"confidence"`
	Status       ExecutionStatus `json:"status"`
}

// QueueFullError reports admission rejection. It is retryable once capacity
// frees up; EstimatedWait is derived from the rolling average execution
// duration.
type QueueFullError struct {
	ActiveCount   int           `json:"active_count"`
	Limit         int           `json:"limit"`
	QueuePosition int           `json:"queue_position"`
	EstimatedWait time.Duration `json:"estimated_wait"`
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("execution queue full (%d/%d active, position %d, estimated wait %s)",
		e.ActiveCount, e.Limit, e.QueuePosition, e.EstimatedWait)
}

// Unwrap allows errors.Is(err, core.ErrQueueFull)
func (e *QueueFullError) Unwrap() error {
	return core.ErrQueueFull
}

// ValidationError reports unmet requirements found during Preparing. It is
// not retryable until the named conditions are fixed.
type ValidationError struct {
	WorkflowName string   `json:"workflow_name"`
	Issues       []string `json:"issues"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %v", e.WorkflowName, e.Issues)
}

// Unwrap allows errors.Is(err, core.ErrValidationFailed)
func (e *ValidationError) Unwrap() error {
	return core.ErrValidationFailed
}
