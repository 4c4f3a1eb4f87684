package memory

import (
	"context"
	"sort"
	"sync"

	"skillswap-backend/internal/domain"
)

// CallHistory keeps finished calls, one entry per call id
type CallHistory struct {
	mu      sync.Mutex
	entries map[string]*domain.CallHistoryEntry
}

// NewCallHistory creates an empty history
func NewCallHistory() *CallHistory {
	return &CallHistory{entries: make(map[string]*domain.CallHistoryEntry)}
}

// Record stores entry; a second entry for the same call is ignored
func (h *CallHistory) Record(_ context.Context, entry *domain.CallHistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[entry.CallID]; ok {
		return nil
	}
	copied := *entry
	h.entries[entry.CallID] = &copied
	return nil
}

// ListForUser returns calls userID took part in, newest first
func (h *CallHistory) ListForUser(_ context.Context, userID string, limit, offset int) ([]*domain.CallHistoryEntry, error) {
	h.mu.Lock()
	var out []*domain.CallHistoryEntry
	for _, e := range h.entries {
		if e.CallerID == userID || e.CalleeID == userID {
			copied := *e
			out = append(out, &copied)
		}
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
