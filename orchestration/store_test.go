package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/core"
)

func TestInMemoryExecutionStore(t *testing.T) {
	store := NewInMemoryExecutionStore()
	ctx := context.Background()

	require.NoError(t, store.SaveExecution(ctx, &ExecutionContext{ID: "a", WorkflowName: "echo-flow", Status: StatusCompleted}))
	require.NoError(t, store.SaveExecution(ctx, &ExecutionContext{ID: "b", WorkflowName: "echo-flow", Status: StatusFailed}))
	require.NoError(t, store.SaveExecution(ctx, &ExecutionContext{ID: "c", WorkflowName: "other-flow", Status: StatusCompleted}))

	got, err := store.GetExecution(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	_, err = store.GetExecution(ctx, "missing")
	assert.True(t, errors.Is(err, core.ErrExecutionNotFound))

	listed, err := store.ListExecutions(ctx, "echo-flow")
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestStaticContextProvider(t *testing.T) {
	provider := &StaticContextProvider{
		Contexts: map[string]*ConversationContext{
			"user-1": {RecentWorkflows: []string{"echo-flow"}},
		},
	}

	cc, err := provider.GetContext(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo-flow"}, cc.RecentWorkflows)

	// Unknown users degrade to an empty context, never to an error
	cc, err = provider.GetContext(context.Background(), "stranger")
	require.NoError(t, err)
	assert.Empty(t, cc.RecentWorkflows)
}
