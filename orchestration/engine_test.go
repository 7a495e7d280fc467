package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/core"
)

// fakeClient is an in-memory OrchestratorClient with scriptable behavior
type fakeClient struct {
	mu           sync.Mutex
	executeCalls int
	statusCalls  int
	executeFn    func(inv WorkflowInvocation) (*RemoteResult, error)
	statusFn     func(handle string) (*RemoteResult, error)
}

func (f *fakeClient) ExecuteWorkflow(ctx context.Context, inv WorkflowInvocation) (*RemoteResult, error) {
	f.mu.Lock()
	f.executeCalls++
	fn := f.executeFn
	f.mu.Unlock()
	if fn == nil {
		return &RemoteResult{Status: RemoteCompleted}, nil
	}
	return fn(inv)
}

func (f *fakeClient) GetWorkflowStatus(ctx context.Context, handle string) (*RemoteResult, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.statusFn
	f.mu.Unlock()
	if fn == nil {
		return &RemoteResult{Status: RemoteRunning}, nil
	}
	return fn(handle)
}

func (f *fakeClient) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executeCalls, f.statusCalls
}

// fakeHealth reports every capability healthy unless listed
type fakeHealth struct {
	mu        sync.Mutex
	unhealthy map[string]bool
	err       error
}

func (f *fakeHealth) CheckHealth(ctx context.Context, capability string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return !f.unhealthy[capability], nil
}

func testEngineConfig() *EngineConfig {
	config := DefaultEngineConfig()
	config.DefaultTimeout = 2 * time.Second
	config.MonitoringInterval = 10 * time.Millisecond
	config.HealthCheckTimeout = 100 * time.Millisecond
	// Resilience gating is exercised by dedicated tests; the baseline runs
	// a single ungated attempt so failures surface immediately.
	config.Resilience = ResilienceOptions{RetryAttempts: 1, RetryBaseDelay: time.Millisecond}
	return config
}

func newTestEngine(t *testing.T, config *EngineConfig, client *fakeClient, health HealthChecker) (*ExecutionEngine, *WorkflowCatalog) {
	t.Helper()
	if config == nil {
		config = testEngineConfig()
	}
	catalog := NewWorkflowCatalog()
	require.NoError(t, catalog.Register(&WorkflowTemplate{
		Name:        "echo-flow",
		Description: "Round-trips a payload through the orchestrator",
		RequiredCapabilities: []CapabilityRequirement{
			{Name: "echo-service"},
		},
		TriggerPhrases: []string{"echo payload"},
		ParameterSchema: map[string]ParameterSpec{
			"payload": {Type: "string", Required: true},
		},
		ConfidenceThreshold: 0.3,
		EstimatedDuration:   time.Second,
	}))

	engine, err := NewExecutionEngine(config, catalog, client, health, &core.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})
	return engine, catalog
}

// submitAndWait submits and blocks until finalization
func submitAndWait(t *testing.T, engine *ExecutionEngine, req SubmitRequest) (*SubmitReceipt, *ExecutionContext, error) {
	t.Helper()
	done := make(chan *ExecutionContext, 1)
	req.OnComplete = func(snapshot *ExecutionContext) { done <- snapshot }

	receipt, err := engine.Submit(context.Background(), req)
	if err != nil {
		return nil, nil, err
	}
	select {
	case snapshot := <-done:
		return receipt, snapshot, nil
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finalize in time")
		return nil, nil, nil
	}
}

func TestEngineSynchronousCompletion(t *testing.T) {
	client := &fakeClient{
		executeFn: func(inv WorkflowInvocation) (*RemoteResult, error) {
			return &RemoteResult{
				Status: RemoteCompleted,
				Data:   map[string]interface{}{"echoed": inv.Parameters["payload"]},
			}, nil
		},
	}
	engine, _ := newTestEngine(t, nil, client, &fakeHealth{})

	receipt, snapshot, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "hello"},
		CallerID:   "user-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "echo-flow", receipt.WorkflowName)
	assert.Equal(t, 1.0, receipt.Confidence)
	assert.Equal(t, StatusExecuting, receipt.Status)

	assert.Equal(t, StatusCompleted, snapshot.Status)
	require.NotNil(t, snapshot.FinalResult)
	assert.True(t, snapshot.FinalResult.Success)
	assert.Equal(t, "hello", snapshot.FinalResult.Data["echoed"])
	assert.Greater(t, snapshot.FinalResult.Score, 0.0)
	assert.NotNil(t, snapshot.EndTime)
	assert.Zero(t, engine.ActiveCount())
}

func TestEngineDelegationCarriesIdentity(t *testing.T) {
	var got WorkflowInvocation
	client := &fakeClient{
		executeFn: func(inv WorkflowInvocation) (*RemoteResult, error) {
			got = inv
			return &RemoteResult{Status: RemoteCompleted}, nil
		},
	}
	engine, _ := newTestEngine(t, nil, client, &fakeHealth{})

	receipt, _, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
	})
	require.NoError(t, err)

	assert.Equal(t, "echo-flow", got.Name)
	assert.Equal(t, receipt.ExecutionID, got.ExecutionID)
	assert.Equal(t, "flowmesh-engine", got.Source)
}

func TestEngineUnknownWorkflow(t *testing.T) {
	engine, _ := newTestEngine(t, nil, &fakeClient{}, &fakeHealth{})

	_, err := engine.Submit(context.Background(), SubmitRequest{Workflow: "nope"})
	assert.True(t, errors.Is(err, core.ErrWorkflowNotFound))
}

func TestEngineMatchesByQuery(t *testing.T) {
	engine, _ := newTestEngine(t, nil, &fakeClient{}, &fakeHealth{})

	receipt, snapshot, err := submitAndWait(t, engine, SubmitRequest{
		Query:      "echo payload back to me",
		Parameters: map[string]interface{}{"payload": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "echo-flow", receipt.WorkflowName)
	assert.Less(t, receipt.Confidence, 1.0)
	assert.Equal(t, StatusCompleted, snapshot.Status)
}

func TestEngineNoMatchPassthrough(t *testing.T) {
	engine, _ := newTestEngine(t, nil, &fakeClient{}, &fakeHealth{})

	_, err := engine.Submit(context.Background(), SubmitRequest{Query: "unrelated gibberish"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNoMatch))
	assert.Zero(t, engine.ActiveCount())
}

// TestEngineAdmissionControl fills the single execution slot with a blocked
// run and verifies the next submission is rejected with queue coordinates,
// then admitted once the slot frees up
func TestEngineAdmissionControl(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{
		executeFn: func(inv WorkflowInvocation) (*RemoteResult, error) {
			<-release
			return &RemoteResult{Status: RemoteCompleted}, nil
		},
	}
	config := testEngineConfig()
	config.MaxConcurrentExecutions = 1
	engine, _ := newTestEngine(t, config, client, &fakeHealth{})

	done := make(chan *ExecutionContext, 1)
	first, err := engine.Submit(context.Background(), SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
		OnComplete: func(snapshot *ExecutionContext) { done <- snapshot },
	})
	require.NoError(t, err)
	require.Equal(t, 1, engine.ActiveCount())

	_, err = engine.Submit(context.Background(), SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "y"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrQueueFull))

	var queueErr *QueueFullError
	require.ErrorAs(t, err, &queueErr)
	assert.Equal(t, 1, queueErr.ActiveCount)
	assert.Equal(t, 1, queueErr.Limit)
	assert.Equal(t, 1, queueErr.QueuePosition)
	assert.Greater(t, queueErr.EstimatedWait, time.Duration(0))

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("blocked execution did not finalize")
	}

	_, snapshot, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "z"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snapshot.Status)

	metrics := engine.GetMetrics()
	assert.Equal(t, int64(1), metrics.Rejected)
	assert.Equal(t, int64(2), metrics.TotalExecutions)
	_ = first
}

// TestEngineUnhealthyCapabilityFailsValidation verifies a required
// capability failing its health probe rejects the submission before any
// delegation happens
func TestEngineUnhealthyCapabilityFailsValidation(t *testing.T) {
	client := &fakeClient{}
	health := &fakeHealth{unhealthy: map[string]bool{"echo-service": true}}
	engine, _ := newTestEngine(t, nil, client, health)

	_, err := engine.Submit(context.Background(), SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrValidationFailed))

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Issues, "capability echo-service is not healthy")

	executes, _ := client.calls()
	assert.Zero(t, executes, "no delegation should happen on failed validation")
	assert.Zero(t, engine.ActiveCount())

	// The rejected run still leaves an auditable Failed record
	history := engine.History()
	require.Len(t, history, 1)
	assert.Equal(t, StatusFailed, history[0].Status)
	assert.Equal(t, "validation", history[0].ErrorType)
	require.Len(t, history[0].Monitoring.HealthChecks, 1)
	assert.False(t, history[0].Monitoring.HealthChecks[0].Healthy)
}

func TestEngineInvalidParametersFailValidation(t *testing.T) {
	client := &fakeClient{}
	engine, _ := newTestEngine(t, nil, client, &fakeHealth{})

	_, err := engine.Submit(context.Background(), SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": 42},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrValidationFailed))

	executes, _ := client.calls()
	assert.Zero(t, executes)
}

// TestEngineOptionalHealthPolicies covers both unhealthy-optional behaviors:
// ignore admits at full confidence, degrade admits with a penalty
func TestEngineOptionalHealthPolicies(t *testing.T) {
	register := func(catalog *WorkflowCatalog) {
		require := require.New(t)
		require.NoError(catalog.Register(&WorkflowTemplate{
			Name: "optional-flow",
			RequiredCapabilities: []CapabilityRequirement{
				{Name: "echo-service"},
				{Name: "extras-service", Optional: true},
			},
			TriggerPhrases:      []string{"optional flow"},
			ConfidenceThreshold: 0.3,
		}))
	}
	health := &fakeHealth{unhealthy: map[string]bool{"extras-service": true}}

	t.Run("ignore", func(t *testing.T) {
		config := testEngineConfig()
		config.OptionalHealthPolicy = OptionalHealthIgnore
		engine, catalog := newTestEngine(t, config, &fakeClient{}, health)
		register(catalog)

		_, snapshot, err := submitAndWait(t, engine, SubmitRequest{Workflow: "optional-flow"})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, snapshot.Status)
		assert.Equal(t, 1.0, snapshot.MatchConfidence)
	})

	t.Run("degrade", func(t *testing.T) {
		config := testEngineConfig()
		config.OptionalHealthPolicy = OptionalHealthDegrade
		config.OptionalHealthPenalty = 0.2
		engine, catalog := newTestEngine(t, config, &fakeClient{}, health)
		register(catalog)

		_, snapshot, err := submitAndWait(t, engine, SubmitRequest{Workflow: "optional-flow"})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, snapshot.Status)
		assert.InDelta(t, 0.8, snapshot.MatchConfidence, 1e-9)
	})
}

// TestEngineTimeoutDominance delays the remote call past the deadline and
// verifies the late success is recorded as a timeout
func TestEngineTimeoutDominance(t *testing.T) {
	client := &fakeClient{
		executeFn: func(inv WorkflowInvocation) (*RemoteResult, error) {
			time.Sleep(80 * time.Millisecond)
			return &RemoteResult{Status: RemoteCompleted, Data: map[string]interface{}{"late": true}}, nil
		},
	}
	engine, _ := newTestEngine(t, nil, client, &fakeHealth{})

	_, snapshot, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
		Timeout:    30 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusTimedOut, snapshot.Status)
	assert.Equal(t, "timeout", snapshot.ErrorType)
	require.NotNil(t, snapshot.FinalResult)
	assert.False(t, snapshot.FinalResult.Success)

	metrics := engine.GetMetrics()
	assert.Equal(t, int64(1), metrics.TimedOut)
	assert.Zero(t, metrics.Successful)
}

func TestEngineRemoteFailure(t *testing.T) {
	client := &fakeClient{
		executeFn: func(inv WorkflowInvocation) (*RemoteResult, error) {
			return nil, errors.New("connection refused")
		},
	}
	engine, _ := newTestEngine(t, nil, client, &fakeHealth{})

	_, snapshot, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, snapshot.Status)
	assert.Equal(t, "remote_call", snapshot.ErrorType)
	require.NotNil(t, snapshot.FinalResult)
	assert.NotEmpty(t, snapshot.FinalResult.RecoverySuggestions)
}

// TestEngineRetriesFlakyDelegation verifies the retry budget covers
// transient delegation failures
func TestEngineRetriesFlakyDelegation(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	client := &fakeClient{
		executeFn: func(inv WorkflowInvocation) (*RemoteResult, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return nil, errors.New("transient")
			}
			return &RemoteResult{Status: RemoteCompleted}, nil
		},
	}
	config := testEngineConfig()
	config.Resilience.RetryAttempts = 3
	engine, _ := newTestEngine(t, config, client, &fakeHealth{})

	_, snapshot, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snapshot.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

// TestEngineCircuitBreakerShieldsOrchestrator verifies repeated delegation
// failures open the orchestrator circuit and later submissions fail fast
// without touching the remote endpoint
func TestEngineCircuitBreakerShieldsOrchestrator(t *testing.T) {
	client := &fakeClient{
		executeFn: func(inv WorkflowInvocation) (*RemoteResult, error) {
			return nil, errors.New("connection refused")
		},
	}
	config := testEngineConfig()
	config.CapabilityOverrides = map[string]ResilienceOptions{
		"orchestrator": {
			CircuitBreakerEnabled: true,
			FailureThreshold:      2,
			ResetTimeout:          time.Hour,
			RetryAttempts:         1,
			RetryBaseDelay:        time.Millisecond,
		},
	}
	engine, _ := newTestEngine(t, config, client, &fakeHealth{})

	for i := 0; i < 2; i++ {
		_, snapshot, err := submitAndWait(t, engine, SubmitRequest{
			Workflow:   "echo-flow",
			Parameters: map[string]interface{}{"payload": "x"},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, snapshot.Status)
		assert.Equal(t, "remote_call", snapshot.ErrorType)
	}

	_, snapshot, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snapshot.Status)
	assert.Equal(t, "circuit_open", snapshot.ErrorType)

	executes, _ := client.calls()
	assert.Equal(t, 2, executes, "open circuit must not reach the remote endpoint")
}

// TestEngineRateLimitsDelegation verifies the token bucket refuses calls
// beyond the burst without counting them as circuit failures
func TestEngineRateLimitsDelegation(t *testing.T) {
	client := &fakeClient{}
	config := testEngineConfig()
	config.CapabilityOverrides = map[string]ResilienceOptions{
		"orchestrator": {
			RateLimitEnabled: true,
			RatePerSecond:    0.001,
			Burst:            1,
			RetryAttempts:    1,
			RetryBaseDelay:   time.Millisecond,
		},
	}
	engine, _ := newTestEngine(t, config, client, &fakeHealth{})

	_, first, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)

	_, second, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, second.Status)
	assert.Equal(t, "rate_limited", second.ErrorType)

	executes, _ := client.calls()
	assert.Equal(t, 1, executes)
}

// TestEngineAsyncMonitoring drives the Monitoring state: the remote accepts
// asynchronously, polls report running, and the terminal poll completes the
// execution
func TestEngineAsyncMonitoring(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	client := &fakeClient{
		executeFn: func(inv WorkflowInvocation) (*RemoteResult, error) {
			return &RemoteResult{Status: RemoteRunning, AsyncHandle: "handle-7"}, nil
		},
		statusFn: func(handle string) (*RemoteResult, error) {
			mu.Lock()
			polls++
			n := polls
			mu.Unlock()
			if n < 3 {
				return &RemoteResult{
					Status:   RemoteRunning,
					Progress: &ExecutionProgress{CompletedSteps: n, TotalSteps: 3},
				}, nil
			}
			return &RemoteResult{
				Status: RemoteCompleted,
				Data:   map[string]interface{}{"result": "done"},
			}, nil
		},
	}
	engine, _ := newTestEngine(t, nil, client, &fakeHealth{})

	_, snapshot, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, snapshot.Status)
	assert.Equal(t, ModeAsynchronous, snapshot.Mode)
	assert.Equal(t, "handle-7", snapshot.AsyncHandle)
	assert.Equal(t, "done", snapshot.FinalResult.Data["result"])
	assert.False(t, snapshot.Monitoring.LastHeartbeat.IsZero())

	_, statusCalls := client.calls()
	assert.GreaterOrEqual(t, statusCalls, 3)
}

// TestEngineAsyncPollFailuresAreTransient verifies failed status polls do
// not fail the execution while the deadline has not passed
func TestEngineAsyncPollFailuresAreTransient(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	client := &fakeClient{
		executeFn: func(inv WorkflowInvocation) (*RemoteResult, error) {
			return &RemoteResult{Status: RemoteRunning, AsyncHandle: "handle-9"}, nil
		},
		statusFn: func(handle string) (*RemoteResult, error) {
			mu.Lock()
			polls++
			n := polls
			mu.Unlock()
			if n < 3 {
				return nil, errors.New("poll failed")
			}
			return &RemoteResult{Status: RemoteCompleted}, nil
		},
	}
	engine, _ := newTestEngine(t, nil, client, &fakeHealth{})

	_, snapshot, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snapshot.Status)
}

// TestEngineCancelAsyncExecution requests cancellation during monitoring
// and verifies the loop honors it at the next tick
func TestEngineCancelAsyncExecution(t *testing.T) {
	client := &fakeClient{
		executeFn: func(inv WorkflowInvocation) (*RemoteResult, error) {
			return &RemoteResult{Status: RemoteRunning, AsyncHandle: "handle-3"}, nil
		},
	}
	engine, _ := newTestEngine(t, nil, client, &fakeHealth{})

	done := make(chan *ExecutionContext, 1)
	receipt, err := engine.Submit(context.Background(), SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
		CallerID:   "user-1",
		OnComplete: func(snapshot *ExecutionContext) { done <- snapshot },
	})
	require.NoError(t, err)

	// Wrong caller is refused
	err = engine.Cancel(receipt.ExecutionID, "intruder")
	assert.True(t, errors.Is(err, core.ErrNotAuthorized))

	require.NoError(t, engine.Cancel(receipt.ExecutionID, "user-1"))

	select {
	case snapshot := <-done:
		assert.Equal(t, StatusCancelled, snapshot.Status)
		assert.Equal(t, "cancelled", snapshot.ErrorType)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation was not honored")
	}

	// Cancelling a finalized execution reports the illegal transition
	err = engine.Cancel(receipt.ExecutionID, "user-1")
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	metrics := engine.GetMetrics()
	assert.Equal(t, int64(1), metrics.Cancelled)
}

func TestEngineCancelUnknownExecution(t *testing.T) {
	engine, _ := newTestEngine(t, nil, &fakeClient{}, &fakeHealth{})
	err := engine.Cancel("does-not-exist", "user-1")
	assert.True(t, errors.Is(err, core.ErrExecutionNotFound))
}

func TestEngineGetStatus(t *testing.T) {
	engine, _ := newTestEngine(t, nil, &fakeClient{}, &fakeHealth{})

	receipt, _, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
	})
	require.NoError(t, err)

	snapshot, err := engine.GetStatus(context.Background(), receipt.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snapshot.Status)

	_, err = engine.GetStatus(context.Background(), "missing")
	assert.True(t, errors.Is(err, core.ErrExecutionNotFound))
}

// TestEngineStoreFallback serves snapshots from the store after they age
// out of the in-memory history
func TestEngineStoreFallback(t *testing.T) {
	config := testEngineConfig()
	config.HistorySize = 1
	engine, _ := newTestEngine(t, config, &fakeClient{}, &fakeHealth{})

	store := NewInMemoryExecutionStore()
	engine.SetStore(store)

	first, _, err := submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "a"},
	})
	require.NoError(t, err)
	_, _, err = submitAndWait(t, engine, SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "b"},
	})
	require.NoError(t, err)

	// History holds one entry; the first execution must come from the store
	require.Len(t, engine.History(), 1)
	snapshot, err := engine.GetStatus(context.Background(), first.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snapshot.Status)
}

func TestEngineMetricsAggregation(t *testing.T) {
	failNext := false
	var mu sync.Mutex
	client := &fakeClient{}
	client.executeFn = func(inv WorkflowInvocation) (*RemoteResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if failNext {
			return nil, errors.New("boom")
		}
		return &RemoteResult{Status: RemoteCompleted}, nil
	}
	engine, _ := newTestEngine(t, nil, client, &fakeHealth{})

	req := SubmitRequest{Workflow: "echo-flow", Parameters: map[string]interface{}{"payload": "x"}}
	_, _, err := submitAndWait(t, engine, req)
	require.NoError(t, err)

	mu.Lock()
	failNext = true
	mu.Unlock()
	_, _, err = submitAndWait(t, engine, req)
	require.NoError(t, err)

	metrics := engine.GetMetrics()
	assert.Equal(t, int64(2), metrics.TotalExecutions)
	assert.Equal(t, int64(1), metrics.Successful)
	assert.Equal(t, int64(1), metrics.Failed)
	assert.InDelta(t, 0.5, metrics.SuccessRate, 1e-9)

	stats, ok := metrics.PerWorkflow["echo-flow"]
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.Executions)
	assert.Equal(t, int64(1), stats.Successful)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestEngineShutdownWaitsForDrain(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{
		executeFn: func(inv WorkflowInvocation) (*RemoteResult, error) {
			<-release
			return &RemoteResult{Status: RemoteCompleted}, nil
		},
	}
	engine, _ := newTestEngine(t, nil, client, &fakeHealth{})

	_, err := engine.Submit(context.Background(), SubmitRequest{
		Workflow:   "echo-flow",
		Parameters: map[string]interface{}{"payload": "x"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, engine.Shutdown(ctx), "shutdown should time out while a run is in flight")

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	assert.NoError(t, engine.Shutdown(ctx2))
}
