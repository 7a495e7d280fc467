package orchestration

import "sync"

// executionHistory is the bounded ring of finalized execution snapshots,
// most recent last. The engine appends at finalization; old entries fall off
// the front. Reads return copies of the slice so callers can iterate without
// holding any lock.
type executionHistory struct {
	mu      sync.RWMutex
	entries []*ExecutionContext
	limit   int
}

func newExecutionHistory(limit int) *executionHistory {
	if limit < 1 {
		limit = 1
	}
	return &executionHistory{
		entries: make([]*ExecutionContext, 0, limit),
		limit:   limit,
	}
}

func (h *executionHistory) add(snapshot *ExecutionContext) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, snapshot)
	if len(h.entries) > h.limit {
		h.entries = h.entries[1:]
	}
}

func (h *executionHistory) get(executionID string) *ExecutionContext {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, entry := range h.entries {
		if entry.ID == executionID {
			return entry
		}
	}
	return nil
}

func (h *executionHistory) list() []*ExecutionContext {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*ExecutionContext, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *executionHistory) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
