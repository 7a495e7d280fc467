package orchestration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/flowmesh/flowmesh/core"
)

// RedisContextProvider reads conversation context from the external session
// store. The store is owned by the conversation service; this provider only
// reads, and every failure degrades to an empty context so dispatch never
// depends on the session store being up.
type RedisContextProvider struct {
	client    *redis.Client
	keyPrefix string
	logger    core.Logger
}

// NewRedisContextProvider creates a provider reading session keys from addr
func NewRedisContextProvider(addr string, logger core.Logger) *RedisContextProvider {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisContextProvider{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		keyPrefix: "session:context:",
		logger:    logger,
	}
}

// NewRedisContextProviderWithClient wraps an existing client, mainly for tests
func NewRedisContextProviderWithClient(client *redis.Client, logger core.Logger) *RedisContextProvider {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisContextProvider{
		client:    client,
		keyPrefix: "session:context:",
		logger:    logger,
	}
}

// GetContext loads the conversation context for a user. A missing key or an
// unreachable store returns an empty context, never an error.
func (p *RedisContextProvider) GetContext(ctx context.Context, userID string) (*ConversationContext, error) {
	if userID == "" {
		return &ConversationContext{}, nil
	}

	data, err := p.client.Get(ctx, p.keyPrefix+userID).Bytes()
	if err != nil {
		if err != redis.Nil {
			p.logger.Warn("Conversation context lookup failed, degrading to empty context", map[string]interface{}{
				"operation": "context_lookup_failed",
				"user_id":   userID,
				"error":     err.Error(),
			})
		}
		return &ConversationContext{}, nil
	}

	var cc ConversationContext
	if err := json.Unmarshal(data, &cc); err != nil {
		p.logger.Warn("Conversation context unmarshal failed, degrading to empty context", map[string]interface{}{
			"operation": "context_unmarshal_failed",
			"user_id":   userID,
			"error":     err.Error(),
		})
		return &ConversationContext{}, nil
	}

	return &cc, nil
}

// SaveContext writes a context entry, used by hosts that also own the writer
// side of the session store
func (p *RedisContextProvider) SaveContext(ctx context.Context, userID string, cc *ConversationContext) error {
	data, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("marshaling conversation context: %w", err)
	}
	return p.client.Set(ctx, p.keyPrefix+userID, data, 0).Err()
}

// StaticContextProvider serves a fixed per-user context map, for tests and
// single-process setups without a session store
type StaticContextProvider struct {
	Contexts map[string]*ConversationContext
}

// GetContext returns the configured context or an empty one
func (p *StaticContextProvider) GetContext(ctx context.Context, userID string) (*ConversationContext, error) {
	if cc, ok := p.Contexts[userID]; ok && cc != nil {
		return cc, nil
	}
	return &ConversationContext{}, nil
}
