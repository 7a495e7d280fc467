package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/flowmesh/flowmesh/core"
)

// RemoteStatus is the status a collaborator reports for a delegated workflow
type RemoteStatus string

const (
	RemoteRunning   RemoteStatus = "running"
	RemoteCompleted RemoteStatus = "completed"
	RemoteFailed    RemoteStatus = "failed"
)

// IsTerminal returns true when the remote side will report no further change
func (s RemoteStatus) IsTerminal() bool {
	return s == RemoteCompleted || s == RemoteFailed
}

// WorkflowInvocation is the payload delegated to the remote orchestration
// endpoint. ExecutionID and Source let the remote side correlate the run
// back to this engine.
type WorkflowInvocation struct {
	Name        string                 `json:"name"`
	Parameters  map[string]interface{} `json:"parameters"`
	ExecutionID string                 `json:"execution_id"`
	Source      string                 `json:"source"`
}

// RemoteResult is what the orchestration endpoint returns, either for the
// initial delegation or for a status poll. A non-empty AsyncHandle means the
// run continues remotely and must be polled.
type RemoteResult struct {
	Status      RemoteStatus           `json:"status"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Error       string                 `json:"error,omitempty"`
	AsyncHandle string                 `json:"async_handle,omitempty"`
	Progress    *ExecutionProgress     `json:"progress,omitempty"`
}

// OrchestratorClient is the remote orchestration endpoint this engine
// delegates admitted executions to. Every call site wraps it with the
// resilience primitives; implementations stay plain transports.
type OrchestratorClient interface {
	ExecuteWorkflow(ctx context.Context, invocation WorkflowInvocation) (*RemoteResult, error)
	GetWorkflowStatus(ctx context.Context, handle string) (*RemoteResult, error)
}

// HealthChecker probes a named remote capability. Used only during
// validation, short-timeout, best-effort.
type HealthChecker interface {
	CheckHealth(ctx context.Context, capability string) (bool, error)
}

// ContextProvider reads conversation context from the external session
// store. Failures must degrade to "no context", never to an error that
// blocks dispatch.
type ContextProvider interface {
	GetContext(ctx context.Context, userID string) (*ConversationContext, error)
}

// HTTPOrchestratorClient delegates workflows to a remote orchestrator over
// JSON/HTTP
type HTTPOrchestratorClient struct {
	baseURL    string
	httpClient *http.Client
	logger     core.Logger
}

// NewHTTPOrchestratorClient creates a client for the orchestrator at baseURL
func NewHTTPOrchestratorClient(baseURL string, logger core.Logger) *HTTPOrchestratorClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &HTTPOrchestratorClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// SetHTTPClient replaces the underlying HTTP client, mainly for tests
func (c *HTTPOrchestratorClient) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// ExecuteWorkflow POSTs the invocation to the orchestrator's execute endpoint
func (c *HTTPOrchestratorClient) ExecuteWorkflow(ctx context.Context, invocation WorkflowInvocation) (*RemoteResult, error) {
	body, err := json.Marshal(invocation)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invocation: %w", err)
	}

	endpoint := c.baseURL + "/api/workflows/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Execution-ID", invocation.ExecutionID)
	req.Header.Set("X-Source", invocation.Source)

	c.logger.Debug("Delegating workflow to orchestrator", map[string]interface{}{
		"operation":    "orchestrator_execute",
		"workflow":     invocation.Name,
		"execution_id": invocation.ExecutionID,
		"url":          endpoint,
	})

	return c.do(req)
}

// GetWorkflowStatus polls the orchestrator for an async execution's status
func (c *HTTPOrchestratorClient) GetWorkflowStatus(ctx context.Context, handle string) (*RemoteResult, error) {
	endpoint := c.baseURL + "/api/workflows/status/" + url.PathEscape(handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return c.do(req)
}

func (c *HTTPOrchestratorClient) do(req *http.Request) (*RemoteResult, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator request failed: %w: %v", core.ErrRemoteCall, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Error closing response body", map[string]interface{}{
				"operation": "orchestrator_response_close",
				"error":     closeErr.Error(),
			})
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("orchestrator returned status %d: %w", resp.StatusCode, core.ErrRemoteCall)
	}

	var result RemoteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode orchestrator response: %w: %v", core.ErrRemoteCall, err)
	}
	return &result, nil
}

// HTTPHealthChecker probes capability health endpoints over HTTP.
// The client timeout is deliberately short: an unreachable health endpoint
// should block validation quickly, not hang it.
type HTTPHealthChecker struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPHealthChecker creates a checker against the capability registry at
// baseURL
func NewHTTPHealthChecker(baseURL string, timeout time.Duration) *HTTPHealthChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPHealthChecker{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CheckHealth probes one capability's health endpoint
func (h *HTTPHealthChecker) CheckHealth(ctx context.Context, capability string) (bool, error) {
	endpoint := h.baseURL + "/api/capabilities/" + url.PathEscape(capability) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check failed: %w: %v", core.ErrRemoteCall, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var payload struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("failed to decode health response: %w: %v", core.ErrRemoteCall, err)
	}
	return payload.Healthy, nil
}
