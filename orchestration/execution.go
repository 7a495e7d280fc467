package orchestration

import (
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/core"
)

// ExecutionStatus represents the lifecycle state of one admitted run
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusPreparing  ExecutionStatus = "preparing"
	StatusExecuting  ExecutionStatus = "executing"
	StatusMonitoring ExecutionStatus = "monitoring"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusCancelled  ExecutionStatus = "cancelled"
	StatusTimedOut   ExecutionStatus = "timed_out"
)

// IsTerminal returns true for completed, failed, cancelled, and timed-out
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// legalTransitions is the directed edge set of the execution state machine.
// Pending→Preparing→Executing→Monitoring→Completed is the success path;
// failures branch off Preparing and Executing, timeouts off Executing and
// Monitoring, and cancellation is reachable from every non-terminal state.
var legalTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending:    {StatusPreparing, StatusCancelled},
	StatusPreparing:  {StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting:  {StatusMonitoring, StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled},
	StatusMonitoring: {StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled},
}

// canTransition reports whether from→to is a legal state machine edge
func canTransition(from, to ExecutionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExecutionMode selects how the remote orchestrator is driven
type ExecutionMode string

const (
	// ModeSynchronous means the delegation call itself returns the final result
	ModeSynchronous ExecutionMode = "synchronous"
	// ModeAsynchronous means the call returns a handle that must be polled
	ModeAsynchronous ExecutionMode = "asynchronous"
)

// ExecutionProgress tracks step-level progress reported by the remote side
type ExecutionProgress struct {
	CurrentStep    string `json:"current_step,omitempty"`
	TotalSteps     int    `json:"total_steps"`
	CompletedSteps int    `json:"completed_steps"`
	FailedSteps    int    `json:"failed_steps"`
}

// HealthCheckRecord is one capability health probe outcome
type HealthCheckRecord struct {
	Capability string    `json:"capability"`
	Healthy    bool      `json:"healthy"`
	CheckedAt  time.Time `json:"checked_at"`
}

// MonitoringData accumulates observations while an execution is in flight
type MonitoringData struct {
	LastHeartbeat time.Time           `json:"last_heartbeat,omitempty"`
	HealthChecks  []HealthCheckRecord `json:"health_checks,omitempty"`
	LogEntries    []string            `json:"log_entries,omitempty"`
}

// ExecutionResult is populated only once an execution reaches a terminal
// state. Scores are derived at finalization; see finalize.go.
type ExecutionResult struct {
	Success             bool                   `json:"success"`
	Data                map[string]interface{} `json:"data,omitempty"`
	Efficiency          float64                `json:"efficiency"`
	ResourceUtilization float64                `json:"resource_utilization"`
	Score               float64                `json:"score"`
	FollowUps           []string               `json:"follow_ups,omitempty"`
	RecoverySuggestions []string               `json:"recovery_suggestions,omitempty"`
}

// ExecutionContext is the mutable record the engine tracks for one admitted
// run. It is owned exclusively by the engine for its active lifetime; all
// mutation happens under the engine mutex and external readers only ever see
// Snapshot copies. On finalization the context moves into the bounded
// history ring and leaves the active map.
type ExecutionContext struct {
	ID              string                 `json:"id"`
	WorkflowName    string                 `json:"workflow_name"`
	Status          ExecutionStatus        `json:"status"`
	Parameters      map[string]interface{} `json:"parameters"`
	CallerID        string                 `json:"caller_id,omitempty"`
	Mode            ExecutionMode          `json:"mode"`
	MatchConfidence float64                `json:"match_confidence"`
	StartTime       time.Time              `json:"start_time"`
	Deadline        time.Time              `json:"deadline"`
	EndTime         *time.Time             `json:"end_time,omitempty"`
	Progress        ExecutionProgress      `json:"progress"`
	Monitoring      MonitoringData         `json:"monitoring"`
	FinalResult     *ExecutionResult       `json:"final_result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ErrorType       string                 `json:"error_type,omitempty"`

	// AsyncHandle correlates monitoring polls with the remote execution
	AsyncHandle string `json:"async_handle,omitempty"`

	// cancelRequested marks a cooperative cancel; the monitoring loop and
	// the post-call paths act on it at their next scheduling point.
	cancelRequested bool
	completion      func(snapshot *ExecutionContext)
	template        *WorkflowTemplate
}

// transition applies a state machine edge, rejecting illegal moves.
// Callers must hold the engine mutex.
func (ec *ExecutionContext) transition(to ExecutionStatus) error {
	if !canTransition(ec.Status, to) {
		return fmt.Errorf("cannot move %s from %s to %s: %w", ec.ID, ec.Status, to, core.ErrInvalidTransition)
	}
	ec.Status = to
	return nil
}

// Snapshot returns a deep copy safe to hand to callers while the engine
// keeps mutating the original
func (ec *ExecutionContext) Snapshot() *ExecutionContext {
	snap := *ec
	snap.completion = nil

	snap.Parameters = make(map[string]interface{}, len(ec.Parameters))
	for k, v := range ec.Parameters {
		snap.Parameters[k] = v
	}

	snap.Monitoring.HealthChecks = append([]HealthCheckRecord(nil), ec.Monitoring.HealthChecks...)
	snap.Monitoring.LogEntries = append([]string(nil), ec.Monitoring.LogEntries...)

	if ec.EndTime != nil {
		end := *ec.EndTime
		snap.EndTime = &end
	}

	if ec.FinalResult != nil {
		result := *ec.FinalResult
		result.Data = make(map[string]interface{}, len(ec.FinalResult.Data))
		for k, v := range ec.FinalResult.Data {
			result.Data[k] = v
		}
		result.FollowUps = append([]string(nil), ec.FinalResult.FollowUps...)
		result.RecoverySuggestions = append([]string(nil), ec.FinalResult.RecoverySuggestions...)
		snap.FinalResult = &result
	}

	return &snap
}

// Duration returns elapsed wall time, using EndTime when finalized
func (ec *ExecutionContext) Duration() time.Duration {
	if ec.EndTime != nil {
		return ec.EndTime.Sub(ec.StartTime)
	}
	return time.Since(ec.StartTime)
}

// appendLog records a monitoring log entry with a timestamp prefix
func (ec *ExecutionContext) appendLog(entry string) {
	stamped := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), entry)
	ec.Monitoring.LogEntries = append(ec.Monitoring.LogEntries, stamped)
}
