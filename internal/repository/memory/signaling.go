// Package memory holds process-local stores used when the service runs
// without external infrastructure, and by scenario tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/service/call"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
)

const signalingBackend = "memory"

// mailbox runs queued callbacks one at a time in push order
type mailbox struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, fn)
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()
	go m.drain()
}

func (m *mailbox) drain() {
	for {
		m.mu.Lock()
		if m.closed || len(m.queue) == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
}

type recordListener struct {
	box      *mailbox
	onChange func(*domain.CallRecord)
}

type queryListener struct {
	box     *mailbox
	filter  domain.CallFilter
	onAdded func(*domain.CallRecord)
	seen    map[string]bool
}

// Signaling is a call record store with in-process subscriptions. Each
// listener receives its events in commit order on its own goroutine.
type Signaling struct {
	mu        sync.Mutex
	records   map[string]*domain.CallRecord
	listeners map[string]map[int]*recordListener
	queries   map[int]*queryListener
	nextID    int
}

// NewSignaling creates an empty store
func NewSignaling() *Signaling {
	return &Signaling{
		records:   make(map[string]*domain.CallRecord),
		listeners: make(map[string]map[int]*recordListener),
		queries:   make(map[int]*queryListener),
	}
}

var _ call.SignalingChannel = (*Signaling)(nil)

// Create stores rec, assigning an id when it has none
func (s *Signaling) Create(_ context.Context, rec *domain.CallRecord) (id string, err error) {
	defer func() { metrics.RecordSignalingOp(signalingBackend, "create", err) }()

	stored := rec.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[stored.ID]; exists {
		return "", fmt.Errorf("call record %s already exists", stored.ID)
	}
	s.records[stored.ID] = stored
	s.fanOutLocked(stored)

	logger.Debug("Call record created",
		zap.String("call_id", stored.ID),
		zap.String("from_id", stored.FromID),
		zap.String("to_id", stored.ToID))
	return stored.ID, nil
}

// Get returns a copy of the record, or nil when it does not exist
func (s *Signaling) Get(_ context.Context, id string) (*domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].Clone(), nil
}

// Update merges patch into the record. A missing record is not an error.
func (s *Signaling) Update(_ context.Context, id string, patch domain.CallPatch) (err error) {
	defer func() { metrics.RecordSignalingOp(signalingBackend, "update", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || !patch.Apply(rec) {
		return nil
	}
	s.fanOutLocked(rec)
	return nil
}

// Delete removes the record. A missing record is not an error.
func (s *Signaling) Delete(_ context.Context, id string) (err error) {
	defer func() { metrics.RecordSignalingOp(signalingBackend, "delete", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	for _, l := range s.listeners[id] {
		onChange := l.onChange
		l.box.push(func() { onChange(nil) })
	}
	return nil
}

// fanOutLocked queues rec for record listeners and matching queries.
// Requires s.mu.
func (s *Signaling) fanOutLocked(rec *domain.CallRecord) {
	for _, l := range s.listeners[rec.ID] {
		snapshot := rec.Clone()
		onChange := l.onChange
		l.box.push(func() { onChange(snapshot) })
	}
	for _, q := range s.queries {
		if !q.filter.Matches(rec) || q.seen[rec.ID] {
			continue
		}
		q.seen[rec.ID] = true
		snapshot := rec.Clone()
		onAdded := q.onAdded
		q.box.push(func() { onAdded(snapshot) })
	}
}

// Subscribe delivers the current record, then every committed change.
// onError is never called; this store cannot fail.
func (s *Signaling) Subscribe(_ context.Context, id string, onChange func(*domain.CallRecord), _ func(error)) (call.Unsubscribe, error) {
	l := &recordListener{box: &mailbox{}, onChange: onChange}

	s.mu.Lock()
	key := s.nextID
	s.nextID++
	current := s.records[id].Clone()
	if current != nil {
		if s.listeners[id] == nil {
			s.listeners[id] = make(map[int]*recordListener)
		}
		s.listeners[id][key] = l
	}
	l.box.push(func() { onChange(current) })
	s.mu.Unlock()

	return func() {
		l.box.close()
		s.mu.Lock()
		if set := s.listeners[id]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(s.listeners, id)
			}
		}
		s.mu.Unlock()
	}, nil
}

// SubscribeQuery reports each pending record matching filter once,
// existing records first
func (s *Signaling) SubscribeQuery(_ context.Context, filter domain.CallFilter, onAdded func(*domain.CallRecord)) (call.Unsubscribe, error) {
	q := &queryListener{box: &mailbox{}, filter: filter, onAdded: onAdded, seen: make(map[string]bool)}

	s.mu.Lock()
	key := s.nextID
	s.nextID++
	for id, rec := range s.records {
		if filter.Matches(rec) {
			q.seen[id] = true
			snapshot := rec.Clone()
			q.box.push(func() { onAdded(snapshot) })
		}
	}
	s.queries[key] = q
	s.mu.Unlock()

	return func() {
		q.box.close()
		s.mu.Lock()
		delete(s.queries, key)
		s.mu.Unlock()
	}, nil
}

// ListenerCount returns how many record listeners are attached to id
func (s *Signaling) ListenerCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[id])
}
