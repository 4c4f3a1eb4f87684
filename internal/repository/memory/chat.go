package memory

import (
	"context"
	"sort"
	"sync"

	"skillswap-backend/internal/domain"
)

// MessageStore keeps each session's messages ordered by timestamp
type MessageStore struct {
	mu       sync.Mutex
	sessions map[string][]domain.ChatMessage
	ids      map[string]struct{}
}

// NewMessageStore creates an empty store
func NewMessageStore() *MessageStore {
	return &MessageStore{
		sessions: make(map[string][]domain.ChatMessage),
		ids:      make(map[string]struct{}),
	}
}

// Append stores msg unless its id is already taken
func (s *MessageStore) Append(_ context.Context, msg *domain.ChatMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.ids[msg.ID]; taken {
		return false, nil
	}
	s.ids[msg.ID] = struct{}{}

	log := append(s.sessions[msg.SessionID], *msg)
	// Keep equal timestamps in arrival order
	sort.SliceStable(log, func(i, j int) bool { return log[i].Timestamp.Before(log[j].Timestamp) })
	s.sessions[msg.SessionID] = log
	return true, nil
}

// ListBySession returns up to limit of the newest messages, oldest first
func (s *MessageStore) ListBySession(_ context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.sessions[sessionID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]domain.ChatMessage(nil), log...), nil
}

// EventBus fans append announcements out to in-process subscribers
type EventBus struct {
	mu     sync.Mutex
	subs   map[string]map[int]func(string)
	nextID int
}

// NewEventBus creates an empty bus
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]map[int]func(string))}
}

// Publish calls every subscriber of sessionID before returning
func (b *EventBus) Publish(_ context.Context, sessionID, messageID string) error {
	b.mu.Lock()
	fns := make([]func(string), 0, len(b.subs[sessionID]))
	for _, fn := range b.subs[sessionID] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(messageID)
	}
	return nil
}

// Subscribe registers onEvent for announcements on sessionID
func (b *EventBus) Subscribe(_ context.Context, sessionID string, onEvent func(messageID string)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]func(string))
	}
	b.subs[sessionID][id] = onEvent
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[sessionID], id)
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
		b.mu.Unlock()
	}, nil
}

// SessionStore keeps the newest preview per session
type SessionStore struct {
	mu        sync.Mutex
	summaries map[string]domain.SessionSummary
}

// NewSessionStore creates an empty store
func NewSessionStore() *SessionStore {
	return &SessionStore{summaries: make(map[string]domain.SessionSummary)}
}

// UpsertSummary replaces the preview unless the stored one is newer
func (s *SessionStore) UpsertSummary(_ context.Context, summary domain.SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.summaries[summary.SessionID]; ok && cur.UpdatedAt.After(summary.UpdatedAt) {
		return nil
	}
	s.summaries[summary.SessionID] = summary
	return nil
}

// GetSummary returns the preview, or nil when the session has none
func (s *SessionStore) GetSummary(_ context.Context, sessionID string) (*domain.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.summaries[sessionID]
	if !ok {
		return nil, nil
	}
	return &summary, nil
}
