package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flowmesh/flowmesh/core"
	"github.com/flowmesh/flowmesh/resilience"
	"github.com/flowmesh/flowmesh/telemetry"
)

// ExecutionEngine owns the execution lifecycle for admitted workflow runs:
// admission control, validation, delegation to the remote orchestrator
// through the resilience primitives, asynchronous completion monitoring,
// timeout and cancellation handling, and rolling performance metrics.
//
// All mutable shared state (the active map and the metrics aggregate) is
// owned by one engine instance; nothing here is a process-wide singleton, so
// multiple engines can run side by side in tests.
type ExecutionEngine struct {
	config   *EngineConfig
	catalog  *WorkflowCatalog
	matcher  *Matcher
	client   OrchestratorClient
	health   HealthChecker
	contexts ContextProvider
	store    ExecutionStore
	metrics  *EngineMetrics
	logger   core.Logger

	// mu guards the active map and every ExecutionContext mutation
	mu      sync.Mutex
	active  map[string]*ExecutionContext
	history *executionHistory

	// Per-capability resilience singletons, created lazily
	resMu    sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	limiters map[string]*resilience.TokenBucket

	// Lifecycle for background monitoring goroutines
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// orchestratorCapability is the resilience capability name gating the remote
// orchestration endpoint itself
const orchestratorCapability = "orchestrator"

// NewExecutionEngine creates an engine over the given catalog and
// collaborators. The health checker may be nil only when no registered
// template requires capabilities, which in practice means tests.
func NewExecutionEngine(config *EngineConfig, catalog *WorkflowCatalog, client OrchestratorClient, health HealthChecker, logger core.Logger) (*ExecutionEngine, error) {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required: %w", core.ErrMissingConfiguration)
	}
	if client == nil {
		return nil, fmt.Errorf("orchestrator client is required: %w", core.ErrMissingConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	engine := &ExecutionEngine{
		config:   config,
		catalog:  catalog,
		matcher:  NewMatcher(catalog, logger),
		client:   client,
		health:   health,
		metrics:  NewEngineMetrics(),
		logger:   logger,
		active:   make(map[string]*ExecutionContext),
		history:  newExecutionHistory(config.HistorySize),
		breakers: make(map[string]*resilience.CircuitBreaker),
		limiters: make(map[string]*resilience.TokenBucket),
		ctx:      ctx,
		cancel:   cancel,
	}

	logger.Info("Execution engine created", map[string]interface{}{
		"operation":                 "engine_created",
		"max_concurrent_executions": config.MaxConcurrentExecutions,
		"default_timeout_ms":        config.DefaultTimeout.Milliseconds(),
		"monitoring_interval_ms":    config.MonitoringInterval.Milliseconds(),
		"templates":                 catalog.Len(),
	})

	return engine, nil
}

// SetContextProvider wires the conversation context collaborator
func (e *ExecutionEngine) SetContextProvider(provider ContextProvider) {
	e.contexts = provider
}

// SetStore wires the execution snapshot store
func (e *ExecutionEngine) SetStore(store ExecutionStore) {
	e.store = store
}

// SetScorer replaces the matcher's scoring strategy
func (e *ExecutionEngine) SetScorer(scorer Scorer) {
	e.matcher.SetScorer(scorer)
}

// Matcher exposes the dispatcher for callers doing match-only lookups
func (e *ExecutionEngine) Matcher() *Matcher {
	return e.matcher
}

// Submit admits one unit of work. It resolves the workflow (explicit name or
// catalog match), enforces the concurrency budget, validates requirements,
// and starts the delegated execution. The receipt returns as soon as the
// execution enters Executing; completion is observed through GetStatus, the
// history, or the request's OnComplete callback.
//
// Rejections are immediate and typed: *QueueFullError, *NoMatchError,
// *ValidationError, or core.ErrWorkflowNotFound.
func (e *ExecutionEngine) Submit(ctx context.Context, req SubmitRequest) (*SubmitReceipt, error) {
	template, confidence, reasons, err := e.resolveWorkflow(ctx, req)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	// Admission: the slot is reserved in the same critical section as the
	// capacity check, so the non-terminal count can never exceed the limit.
	e.mu.Lock()
	activeCount := len(e.active)
	if activeCount >= e.config.MaxConcurrentExecutions {
		e.mu.Unlock()
		e.metrics.RecordRejection()

		queueErr := &QueueFullError{
			ActiveCount:   activeCount,
			Limit:         e.config.MaxConcurrentExecutions,
			QueuePosition: activeCount - e.config.MaxConcurrentExecutions + 1,
			EstimatedWait: e.estimateWait(),
		}
		e.logger.Warn("Submission rejected, queue full", map[string]interface{}{
			"operation":    "admission_rejected",
			"workflow":     template.Name,
			"active_count": activeCount,
			"limit":        e.config.MaxConcurrentExecutions,
		})
		telemetry.AddSpanEvent(ctx, "execution_rejected",
			attribute.String("workflow", template.Name),
			attribute.Int("active_count", activeCount),
		)
		return nil, queueErr
	}

	now := time.Now()
	mode := req.Mode
	if mode == "" {
		mode = ModeSynchronous
	}

	ec := &ExecutionContext{
		ID:              uuid.New().String(),
		WorkflowName:    template.Name,
		Status:          StatusPending,
		Parameters:      req.Parameters,
		CallerID:        req.CallerID,
		Mode:            mode,
		MatchConfidence: confidence,
		StartTime:       now,
		Deadline:        now.Add(timeout),
		completion:      req.OnComplete,
		template:        template,
	}
	e.active[ec.ID] = ec
	e.mu.Unlock()

	telemetry.SetSpanAttributes(ctx,
		attribute.String("flowmesh.execution.id", ec.ID),
		attribute.String("flowmesh.execution.workflow", template.Name),
		attribute.Float64("flowmesh.execution.confidence", confidence),
	)
	e.logger.Info("Execution admitted", map[string]interface{}{
		"operation":    "execution_admitted",
		"execution_id": ec.ID,
		"workflow":     template.Name,
		"caller_id":    req.CallerID,
		"priority":     req.Priority,
		"confidence":   confidence,
		"reasons":      reasons,
		"deadline":     ec.Deadline.UTC().Format(time.RFC3339),
	})

	e.mu.Lock()
	admitted := ec.Snapshot()
	e.mu.Unlock()
	e.persistSnapshot(admitted)

	// Preparing: health checks and parameter validation run synchronously
	// so the caller gets a structured rejection instead of a failed run.
	if vErr := e.prepare(ctx, ec); vErr != nil {
		return nil, vErr
	}

	// A cancel that raced validation takes effect here, before delegation
	e.mu.Lock()
	if ec.cancelRequested {
		e.finalizeLocked(ec, StatusCancelled, "cancelled before delegation", "cancelled", nil)
		e.mu.Unlock()
		return nil, fmt.Errorf("execution %s: %w", ec.ID, core.ErrExecutionCancelled)
	}
	if err := ec.transition(StatusExecuting); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Execution goroutine panic", map[string]interface{}{
					"operation":    "execution_panic",
					"execution_id": ec.ID,
					"panic":        fmt.Sprintf("%v", r),
					"stack":        string(debug.Stack()),
				})
				e.mu.Lock()
				if !ec.Status.IsTerminal() {
					e.finalizeLocked(ec, StatusFailed, fmt.Sprintf("internal panic: %v", r), "internal", nil)
				}
				e.mu.Unlock()
			}
		}()
		e.run(ec)
	}()

	return &SubmitReceipt{
		ExecutionID:  ec.ID,
		WorkflowName: template.Name,
		Confidence:   confidence,
		Status:       StatusExecuting,
	}, nil
}

// resolveWorkflow picks the template for a submission: explicit name lookup
// or catalog matching with conversation context
func (e *ExecutionEngine) resolveWorkflow(ctx context.Context, req SubmitRequest) (*WorkflowTemplate, float64, []string, error) {
	if req.Workflow != "" {
		template := e.catalog.Get(req.Workflow)
		if template == nil {
			return nil, 0, nil, fmt.Errorf("workflow %q: %w", req.Workflow, core.ErrWorkflowNotFound)
		}
		return template, 1.0, []string{"explicit workflow request"}, nil
	}

	matchReq := MatchRequest{
		Query:    req.Query,
		Intent:   req.Intent,
		Entities: req.Entities,
	}
	if e.contexts != nil && req.CallerID != "" {
		// Context failures degrade to no context by provider contract
		if cc, err := e.contexts.GetContext(ctx, req.CallerID); err == nil {
			matchReq.Context = cc
		}
	}

	match, err := e.matcher.Match(matchReq)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return nil, 0, nil, err
	}
	return match.Template, match.Confidence, match.MatchReasons, nil
}

// prepare runs the Preparing stage: capability health checks, parameter
// schema validation, and a final budget sanity check. Any unmet requirement
// finalizes the execution as Failed and returns a *ValidationError; no
// partial execution is ever attempted.
func (e *ExecutionEngine) prepare(ctx context.Context, ec *ExecutionContext) error {
	e.mu.Lock()
	if err := ec.transition(StatusPreparing); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	issues := make([]string, 0)
	confidencePenalty := 0.0

	for _, requirement := range ec.template.RequiredCapabilities {
		healthy := e.probeCapability(ctx, requirement.Name)

		e.mu.Lock()
		ec.Monitoring.HealthChecks = append(ec.Monitoring.HealthChecks, HealthCheckRecord{
			Capability: requirement.Name,
			Healthy:    healthy,
			CheckedAt:  time.Now(),
		})
		e.mu.Unlock()

		if healthy {
			continue
		}
		if !requirement.Optional {
			issues = append(issues, fmt.Sprintf("capability %s is not healthy", requirement.Name))
			continue
		}
		if e.config.OptionalHealthPolicy == OptionalHealthDegrade {
			confidencePenalty += e.config.OptionalHealthPenalty
			e.mu.Lock()
			ec.appendLog(fmt.Sprintf("optional capability %s unhealthy, confidence degraded", requirement.Name))
			e.mu.Unlock()
		}
	}

	normalized, paramIssues, err := ec.template.ValidateParameters(ec.Parameters)
	if err != nil {
		issues = append(issues, fmt.Sprintf("parameter validation error: %v", err))
	} else {
		issues = append(issues, paramIssues...)
	}

	// The budget was enforced at admission; re-check it here so a
	// misconfigured runtime limit change cannot smuggle extra work in.
	e.mu.Lock()
	if len(e.active) > e.config.MaxConcurrentExecutions {
		issues = append(issues, "admission budget exceeded")
	}

	if len(issues) > 0 {
		e.finalizeLocked(ec, StatusFailed, fmt.Sprintf("validation failed: %v", issues), "validation", nil)
		e.mu.Unlock()

		vErr := &ValidationError{WorkflowName: ec.WorkflowName, Issues: issues}
		telemetry.RecordSpanError(ctx, vErr)
		e.logger.Info("Execution failed validation", map[string]interface{}{
			"operation":    "validation_failed",
			"execution_id": ec.ID,
			"workflow":     ec.WorkflowName,
			"issues":       issues,
		})
		return vErr
	}

	ec.Parameters = normalized
	if confidencePenalty > 0 {
		ec.MatchConfidence -= confidencePenalty
		if ec.MatchConfidence < 0 {
			ec.MatchConfidence = 0
		}
	}
	e.mu.Unlock()
	return nil
}

// probeCapability health-checks one capability through its circuit breaker.
// Probe errors count as unhealthy; validation is best-effort and never
// retries, the short timeout keeps Preparing fast.
func (e *ExecutionEngine) probeCapability(ctx context.Context, capability string) bool {
	if e.health == nil {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.config.HealthCheckTimeout)
	defer cancel()

	var healthy bool
	call := func() error {
		h, err := e.health.CheckHealth(probeCtx, capability)
		if err != nil {
			return err
		}
		healthy = h
		return nil
	}

	opts := e.config.resilienceFor(capability)
	var err error
	if opts.CircuitBreakerEnabled {
		err = e.breakerFor(capability, opts).Execute(probeCtx, call)
	} else {
		err = call()
	}
	if err != nil {
		e.logger.Debug("Capability health probe failed", map[string]interface{}{
			"operation":  "health_probe_failed",
			"capability": capability,
			"error":      err.Error(),
		})
		return false
	}
	return healthy
}

// run drives one execution from delegation to finalization. It executes on
// its own goroutine; every mutation of ec happens under the engine mutex.
func (e *ExecutionEngine) run(ec *ExecutionContext) {
	callCtx, cancel := context.WithDeadline(e.ctx, ec.Deadline)
	defer cancel()

	invocation := WorkflowInvocation{
		Name:        ec.WorkflowName,
		Parameters:  ec.Parameters,
		ExecutionID: ec.ID,
		Source:      e.config.SourceName,
	}

	var result *RemoteResult
	err := e.callCapability(callCtx, orchestratorCapability, func() error {
		res, callErr := e.client.ExecuteWorkflow(callCtx, invocation)
		if callErr != nil {
			return callErr
		}
		result = res
		return nil
	})

	e.mu.Lock()
	if ec.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	if ec.cancelRequested {
		e.finalizeLocked(ec, StatusCancelled, "cancelled by caller", "cancelled", nil)
		e.mu.Unlock()
		return
	}
	// Deadline always wins over a late-arriving outcome
	if time.Now().After(ec.Deadline) {
		e.finalizeLocked(ec, StatusTimedOut, "execution deadline exceeded", "timeout", nil)
		e.mu.Unlock()
		return
	}

	if err != nil {
		status, errType := classifyFailure(err)
		e.finalizeLocked(ec, status, err.Error(), errType, nil)
		e.mu.Unlock()
		return
	}

	if result.AsyncHandle != "" {
		ec.Mode = ModeAsynchronous
		ec.AsyncHandle = result.AsyncHandle
		ec.Monitoring.LastHeartbeat = time.Now()
		if result.Progress != nil {
			ec.Progress = *result.Progress
		}
		if transErr := ec.transition(StatusMonitoring); transErr != nil {
			e.finalizeLocked(ec, StatusFailed, transErr.Error(), "internal", nil)
			e.mu.Unlock()
			return
		}
		ec.appendLog(fmt.Sprintf("remote accepted async execution, handle %s", result.AsyncHandle))
		e.mu.Unlock()

		e.monitor(ec)
		return
	}

	switch result.Status {
	case RemoteFailed:
		msg := result.Error
		if msg == "" {
			msg = "remote orchestrator reported failure"
		}
		e.finalizeLocked(ec, StatusFailed, msg, "remote_call", result.Data)
	default:
		e.finalizeLocked(ec, StatusCompleted, "", "", result.Data)
	}
	e.mu.Unlock()
}

// monitor is the cooperative polling loop for asynchronous executions. It
// wakes on a fixed interval, checks cancellation and the deadline first, and
// stops on the first terminal remote status. One loop exists per async
// execution, bounded by the admission limit.
func (e *ExecutionEngine) monitor(ec *ExecutionContext) {
	ticker := time.NewTicker(e.config.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			e.mu.Lock()
			if !ec.Status.IsTerminal() {
				e.finalizeLocked(ec, StatusCancelled, "engine shutting down", "cancelled", nil)
			}
			e.mu.Unlock()
			return

		case <-ticker.C:
			e.mu.Lock()
			if ec.Status.IsTerminal() {
				e.mu.Unlock()
				return
			}
			if ec.cancelRequested {
				e.finalizeLocked(ec, StatusCancelled, "cancelled by caller", "cancelled", nil)
				e.mu.Unlock()
				return
			}
			if time.Now().After(ec.Deadline) {
				e.finalizeLocked(ec, StatusTimedOut, "execution deadline exceeded while monitoring", "timeout", nil)
				e.mu.Unlock()
				return
			}
			handle := ec.AsyncHandle
			e.mu.Unlock()

			pollCtx, cancel := context.WithDeadline(e.ctx, ec.Deadline)
			var result *RemoteResult
			err := e.callCapability(pollCtx, orchestratorCapability, func() error {
				res, pollErr := e.client.GetWorkflowStatus(pollCtx, handle)
				if pollErr != nil {
					return pollErr
				}
				result = res
				return nil
			})
			cancel()

			e.mu.Lock()
			if ec.Status.IsTerminal() {
				e.mu.Unlock()
				return
			}

			if err != nil {
				// Transient poll failures do not fail the run; the
				// deadline bounds how long they can persist.
				ec.appendLog(fmt.Sprintf("status poll failed: %v", err))
				e.mu.Unlock()
				continue
			}

			ec.Monitoring.LastHeartbeat = time.Now()
			if result.Progress != nil {
				ec.Progress = *result.Progress
			}

			// Re-check the deadline before applying a terminal remote
			// status: timeout dominates a success that arrives late.
			if time.Now().After(ec.Deadline) {
				e.finalizeLocked(ec, StatusTimedOut, "execution deadline exceeded while monitoring", "timeout", nil)
				e.mu.Unlock()
				return
			}

			if result.Status.IsTerminal() {
				if result.Status == RemoteFailed {
					msg := result.Error
					if msg == "" {
						msg = "remote orchestrator reported failure"
					}
					e.finalizeLocked(ec, StatusFailed, msg, "remote_call", result.Data)
				} else {
					e.finalizeLocked(ec, StatusCompleted, "", "", result.Data)
				}
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
		}
	}
}

// callCapability applies the standard composition to one outbound call:
// retries on the outside, rate limiting and the circuit check inside each
// attempt. A persistently open circuit therefore fails fast per attempt
// instead of consuming the retry budget waiting on the network, and a rate
// limit refusal never counts as a breaker failure.
func (e *ExecutionEngine) callCapability(ctx context.Context, capability string, fn func() error) error {
	opts := e.config.resilienceFor(capability)

	retryConfig := &resilience.RetryConfig{
		MaxAttempts: opts.RetryAttempts,
		BaseDelay:   opts.RetryBaseDelay,
		Logger:      e.logger,
	}
	if retryConfig.MaxAttempts < 1 {
		retryConfig.MaxAttempts = 1
	}

	attempt := fn
	if opts.CircuitBreakerEnabled {
		cb := e.breakerFor(capability, opts)
		inner := attempt
		attempt = func() error {
			return cb.Execute(ctx, inner)
		}
	}
	if opts.RateLimitEnabled {
		limiter := e.limiterFor(capability, opts)
		inner := attempt
		attempt = func() error {
			if !limiter.Allow() {
				return fmt.Errorf("capability %s: %w", capability, core.ErrRateLimited)
			}
			return inner()
		}
	}

	return resilience.Retry(ctx, retryConfig, attempt)
}

// breakerFor returns the shared circuit breaker for a capability
func (e *ExecutionEngine) breakerFor(capability string, opts ResilienceOptions) *resilience.CircuitBreaker {
	e.resMu.Lock()
	defer e.resMu.Unlock()

	if cb, ok := e.breakers[capability]; ok {
		return cb
	}

	config := resilience.DefaultCircuitBreakerConfig(capability)
	config.FailureThreshold = opts.FailureThreshold
	config.ResetTimeout = opts.ResetTimeout
	config.Logger = e.logger

	cb, err := resilience.NewCircuitBreaker(config)
	if err != nil {
		// Misconfigured overrides fall back to defaults rather than
		// leaving the capability ungated.
		e.logger.Error("Invalid circuit breaker override, using defaults", map[string]interface{}{
			"operation":  "breaker_config_invalid",
			"capability": capability,
			"error":      err.Error(),
		})
		cb, _ = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig(capability))
	}
	e.breakers[capability] = cb
	return cb
}

// limiterFor returns the shared token bucket for a capability
func (e *ExecutionEngine) limiterFor(capability string, opts ResilienceOptions) *resilience.TokenBucket {
	e.resMu.Lock()
	defer e.resMu.Unlock()

	if tb, ok := e.limiters[capability]; ok {
		return tb
	}

	tb, err := resilience.NewTokenBucket(&resilience.TokenBucketConfig{
		RatePerSecond: opts.RatePerSecond,
		Burst:         opts.Burst,
	})
	if err != nil {
		e.logger.Error("Invalid token bucket override, using defaults", map[string]interface{}{
			"operation":  "limiter_config_invalid",
			"capability": capability,
			"error":      err.Error(),
		})
		tb, _ = resilience.NewTokenBucket(resilience.DefaultTokenBucketConfig())
	}
	e.limiters[capability] = tb
	return tb
}

// finalizeLocked moves an execution to a terminal state: derived metrics,
// suggestions, history, aggregate metrics, persistence, and the completion
// callback. Callers must hold e.mu. Side effects that do not touch engine
// state run on a detached goroutine so finalization never blocks the caller
// on a slow store or callback.
func (e *ExecutionEngine) finalizeLocked(ec *ExecutionContext, status ExecutionStatus, errMsg, errType string, data map[string]interface{}) {
	if ec.Status.IsTerminal() {
		return
	}
	if err := ec.transition(status); err != nil {
		// Finalization paths only follow legal edges; reaching this is a
		// programming error worth surfacing loudly in logs.
		e.logger.Error("Illegal finalization transition", map[string]interface{}{
			"operation":    "finalize_illegal_transition",
			"execution_id": ec.ID,
			"from":         string(ec.Status),
			"to":           string(status),
			"error":        err.Error(),
		})
		return
	}

	now := time.Now()
	ec.EndTime = &now
	ec.Error = errMsg
	ec.ErrorType = errType

	success := status == StatusCompleted
	efficiency := efficiencyScore(ec.template.EstimatedDuration, ec.Duration())
	utilization := resourceUtilization(len(ec.template.RequiredCapabilities), e.catalogCapabilityCount())
	richness := resultRichness(data)

	result := &ExecutionResult{
		Success:             success,
		Data:                data,
		Efficiency:          efficiency,
		ResourceUtilization: utilization,
		Score:               compositeScore(success, ec.MatchConfidence, efficiency, richness),
	}
	if success {
		result.FollowUps = followUpsFor(ec.WorkflowName)
	} else {
		result.RecoverySuggestions = recoverySuggestionsFor(errMsg)
	}
	ec.FinalResult = result

	delete(e.active, ec.ID)
	snapshot := ec.Snapshot()
	e.history.add(snapshot)

	callback := ec.completion

	go func() {
		e.metrics.RecordExecution(snapshot)
		e.persistSnapshot(snapshot)

		e.logger.Info("Execution finalized", map[string]interface{}{
			"operation":    "execution_finalized",
			"execution_id": snapshot.ID,
			"workflow":     snapshot.WorkflowName,
			"status":       string(snapshot.Status),
			"duration_ms":  snapshot.Duration().Milliseconds(),
			"score":        result.Score,
			"error":        errMsg,
		})

		if callback != nil {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Completion callback panic", map[string]interface{}{
						"operation":    "completion_callback_panic",
						"execution_id": snapshot.ID,
						"panic":        fmt.Sprintf("%v", r),
					})
				}
			}()
			callback(snapshot)
		}
	}()
}

// persistSnapshot writes a snapshot to the store, best effort
func (e *ExecutionEngine) persistSnapshot(snapshot *ExecutionContext) {
	if e.store == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.store.SaveExecution(storeCtx, snapshot); err != nil {
		e.logger.Warn("Failed to persist execution snapshot", map[string]interface{}{
			"operation":    "snapshot_persist_failed",
			"execution_id": snapshot.ID,
			"error":        err.Error(),
		})
	}
}

// catalogCapabilityCount counts distinct capabilities across the catalog
func (e *ExecutionEngine) catalogCapabilityCount() int {
	seen := make(map[string]bool)
	for _, template := range e.catalog.List() {
		for _, capability := range template.RequiredCapabilities {
			seen[capability.Name] = true
		}
	}
	return len(seen)
}

// estimateWait projects how long a rejected caller should back off before
// resubmitting, from the rolling average execution duration
func (e *ExecutionEngine) estimateWait() time.Duration {
	if avg := e.metrics.AverageDuration(); avg > 0 {
		return avg
	}
	return e.config.DefaultTimeout / 2
}

// GetStatus returns a best-effort snapshot for an active or historical
// execution. The store serves executions already evicted from the history
// ring.
func (e *ExecutionEngine) GetStatus(ctx context.Context, executionID string) (*ExecutionContext, error) {
	e.mu.Lock()
	if ec, ok := e.active[executionID]; ok {
		snapshot := ec.Snapshot()
		e.mu.Unlock()
		return snapshot, nil
	}
	e.mu.Unlock()

	if entry := e.history.get(executionID); entry != nil {
		return entry.Snapshot(), nil
	}

	if e.store != nil {
		if snapshot, err := e.store.GetExecution(ctx, executionID); err == nil {
			return snapshot, nil
		}
	}

	return nil, fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound)
}

// Cancel requests cooperative cancellation. Only the submitting caller, when
// one was recorded, may cancel. The in-flight remote call is not aborted:
// cancellation takes effect at the execution's next scheduling point, which
// is a documented limitation of the protocol, not of this engine.
func (e *ExecutionEngine) Cancel(executionID, callerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ec, ok := e.active[executionID]
	if !ok {
		if e.history.get(executionID) != nil {
			return fmt.Errorf("execution %s already finalized: %w", executionID, core.ErrInvalidTransition)
		}
		return fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound)
	}

	if ec.CallerID != "" && callerID != ec.CallerID {
		return fmt.Errorf("caller %q cannot cancel execution %s: %w", callerID, executionID, core.ErrNotAuthorized)
	}

	ec.cancelRequested = true
	ec.appendLog(fmt.Sprintf("cancellation requested by %q", callerID))

	e.logger.Info("Cancellation requested", map[string]interface{}{
		"operation":    "cancel_requested",
		"execution_id": executionID,
		"caller_id":    callerID,
		"status":       string(ec.Status),
	})
	return nil
}

// GetMetrics returns a snapshot of the process-wide execution aggregates
func (e *ExecutionEngine) GetMetrics() EngineMetricsSnapshot {
	return e.metrics.GetMetrics()
}

// History returns the bounded finalized-execution ring, oldest first
func (e *ExecutionEngine) History() []*ExecutionContext {
	return e.history.list()
}

// ActiveCount returns the number of non-terminal executions
func (e *ExecutionEngine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Shutdown stops background monitoring and waits for in-flight executions'
// goroutines to drain, bounded by ctx
func (e *ExecutionEngine) Shutdown(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifyFailure maps a delegation error onto a terminal status and a
// machine-checkable error type
func classifyFailure(err error) (ExecutionStatus, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrExecutionTimeout):
		return StatusTimedOut, "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, core.ErrExecutionCancelled):
		return StatusCancelled, "cancelled"
	case errors.Is(err, core.ErrCircuitBreakerOpen):
		return StatusFailed, "circuit_open"
	case errors.Is(err, core.ErrRateLimited):
		return StatusFailed, "rate_limited"
	default:
		return StatusFailed, "remote_call"
	}
}
