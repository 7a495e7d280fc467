package orchestration

import (
	"sync"
	"time"
)

// EngineMetrics tracks process-wide execution aggregates. It is updated
// exactly once per execution, at finalization, and read through snapshots
// everywhere else.
type EngineMetrics struct {
	mu          sync.RWMutex
	total       int64
	successful  int64
	failed      int64
	cancelled   int64
	timedOut    int64
	rejected    int64
	totalTime   time.Duration
	perWorkflow map[string]*WorkflowStats
}

// WorkflowStats is the per-workflow-name breakdown
type WorkflowStats struct {
	Executions  int64
	Successful  int64
	Failed      int64
	TotalTime   time.Duration
	AverageTime time.Duration
	MinTime     time.Duration
	MaxTime     time.Duration
}

// NewEngineMetrics creates an empty metrics aggregate
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		perWorkflow: make(map[string]*WorkflowStats),
	}
}

// RecordExecution records one finalized execution
func (m *EngineMetrics) RecordExecution(snapshot *ExecutionContext) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	switch snapshot.Status {
	case StatusCompleted:
		m.successful++
	case StatusFailed:
		m.failed++
	case StatusCancelled:
		m.cancelled++
	case StatusTimedOut:
		m.timedOut++
	}

	duration := snapshot.Duration()
	m.totalTime += duration

	stats, ok := m.perWorkflow[snapshot.WorkflowName]
	if !ok {
		stats = &WorkflowStats{MinTime: duration}
		m.perWorkflow[snapshot.WorkflowName] = stats
	}

	stats.Executions++
	switch snapshot.Status {
	case StatusCompleted:
		stats.Successful++
	case StatusFailed, StatusTimedOut:
		stats.Failed++
	}

	stats.TotalTime += duration
	stats.AverageTime = stats.TotalTime / time.Duration(stats.Executions)
	if duration < stats.MinTime {
		stats.MinTime = duration
	}
	if duration > stats.MaxTime {
		stats.MaxTime = duration
	}
}

// RecordRejection counts an admission rejection; rejected submissions never
// become executions, so they only appear here
func (m *EngineMetrics) RecordRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

// EngineMetricsSnapshot is a point-in-time copy of the aggregate
type EngineMetricsSnapshot struct {
	TotalExecutions int64                    `json:"total_executions"`
	Successful      int64                    `json:"successful"`
	Failed          int64                    `json:"failed"`
	Cancelled       int64                    `json:"cancelled"`
	TimedOut        int64                    `json:"timed_out"`
	Rejected        int64                    `json:"rejected"`
	SuccessRate     float64                  `json:"success_rate"`
	AverageDuration time.Duration            `json:"average_duration"`
	PerWorkflow     map[string]WorkflowStats `json:"per_workflow"`
}

// GetMetrics returns a snapshot of current aggregates
func (m *EngineMetrics) GetMetrics() EngineMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := EngineMetricsSnapshot{
		TotalExecutions: m.total,
		Successful:      m.successful,
		Failed:          m.failed,
		Cancelled:       m.cancelled,
		TimedOut:        m.timedOut,
		Rejected:        m.rejected,
		PerWorkflow:     make(map[string]WorkflowStats, len(m.perWorkflow)),
	}

	if m.total > 0 {
		snapshot.SuccessRate = float64(m.successful) / float64(m.total)
		snapshot.AverageDuration = m.totalTime / time.Duration(m.total)
	}

	for name, stats := range m.perWorkflow {
		snapshot.PerWorkflow[name] = *stats
	}

	return snapshot
}

// AverageDuration returns the rolling average execution duration
func (m *EngineMetrics) AverageDuration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.total == 0 {
		return 0
	}
	return m.totalTime / time.Duration(m.total)
}
