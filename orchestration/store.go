package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowmesh/flowmesh/core"
)

// ExecutionStore persists execution snapshots. The engine writes a snapshot
// at admission and another at finalization; GetStatus falls back to the
// store for executions already evicted from the in-memory history ring.
//
// The store is not a recovery log: the engine never replays executions from
// it after a restart.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, snapshot *ExecutionContext) error
	GetExecution(ctx context.Context, executionID string) (*ExecutionContext, error)
	ListExecutions(ctx context.Context, workflowName string) ([]*ExecutionContext, error)
}

// RedisExecutionStore implements ExecutionStore using Redis
type RedisExecutionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisExecutionStore creates a Redis-backed store keeping snapshots for
// 24 hours
func NewRedisExecutionStore(addr string) *RedisExecutionStore {
	return &RedisExecutionStore{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		ttl: 24 * time.Hour,
	}
}

// NewRedisExecutionStoreWithClient wraps an existing client, mainly for tests
func NewRedisExecutionStoreWithClient(client *redis.Client, ttl time.Duration) *RedisExecutionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisExecutionStore{client: client, ttl: ttl}
}

// SaveExecution writes the snapshot and indexes it under its workflow name
func (s *RedisExecutionStore) SaveExecution(ctx context.Context, snapshot *ExecutionContext) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}

	key := fmt.Sprintf("dispatch:exec:%s", snapshot.ID)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving to Redis: %w", err)
	}

	listKey := fmt.Sprintf("dispatch:executions:%s", snapshot.WorkflowName)
	if err := s.client.LPush(ctx, listKey, snapshot.ID).Err(); err != nil {
		return fmt.Errorf("adding to execution list: %w", err)
	}
	// Keep the per-workflow index bounded alongside the TTL'd snapshots
	if err := s.client.LTrim(ctx, listKey, 0, 199).Err(); err != nil {
		return fmt.Errorf("trimming execution list: %w", err)
	}

	return nil
}

// GetExecution retrieves a stored snapshot
func (s *RedisExecutionStore) GetExecution(ctx context.Context, executionID string) (*ExecutionContext, error) {
	key := fmt.Sprintf("dispatch:exec:%s", executionID)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound)
		}
		return nil, fmt.Errorf("getting execution: %w", err)
	}

	var snapshot ExecutionContext
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshaling execution: %w", err)
	}
	return &snapshot, nil
}

// ListExecutions lists stored snapshots for a workflow, most recent first
func (s *RedisExecutionStore) ListExecutions(ctx context.Context, workflowName string) ([]*ExecutionContext, error) {
	listKey := fmt.Sprintf("dispatch:executions:%s", workflowName)

	ids, err := s.client.LRange(ctx, listKey, 0, 99).Result()
	if err != nil {
		return nil, fmt.Errorf("getting execution list: %w", err)
	}

	executions := make([]*ExecutionContext, 0, len(ids))
	for _, id := range ids {
		snapshot, err := s.GetExecution(ctx, id)
		if err != nil {
			// Expired snapshots linger in the index until trimmed
			continue
		}
		executions = append(executions, snapshot)
	}
	return executions, nil
}

// InMemoryExecutionStore implements ExecutionStore in memory
type InMemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*ExecutionContext
}

// NewInMemoryExecutionStore creates an empty in-memory store
func NewInMemoryExecutionStore() *InMemoryExecutionStore {
	return &InMemoryExecutionStore{
		executions: make(map[string]*ExecutionContext),
	}
}

func (s *InMemoryExecutionStore) SaveExecution(ctx context.Context, snapshot *ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[snapshot.ID] = snapshot
	return nil
}

func (s *InMemoryExecutionStore) GetExecution(ctx context.Context, executionID string) (*ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if snapshot, ok := s.executions[executionID]; ok {
		return snapshot, nil
	}
	return nil, fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound)
}

func (s *InMemoryExecutionStore) ListExecutions(ctx context.Context, workflowName string) ([]*ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionContext
	for _, snapshot := range s.executions {
		if snapshot.WorkflowName == workflowName {
			out = append(out, snapshot)
		}
	}
	return out, nil
}
