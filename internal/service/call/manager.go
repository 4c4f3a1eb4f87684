package call

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	apperrors "skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/logger"
)

// MediaFactory creates the media session used by one coordinator
type MediaFactory func(selfID, peerID string) MediaSession

// ManagerDeps are shared by every session of a manager
type ManagerDeps struct {
	Signaling  SignalingChannel
	Media      MediaFactory
	Chat       ChatSideChannel
	Presence   PresenceTracker
	Notifier   NotificationDispatcher
	Tokens     TokenIssuer
	History    CallHistory
	Clock      clock.Clock
	OnComplete func(selfID string, outcome Outcome)
}

// ManagerConfig tunes the sessions created by a manager
type ManagerConfig struct {
	CallType     domain.CallType
	RingTimeout  time.Duration
	CleanupGrace time.Duration
}

// Manager keeps one coordinator per peer for a single local user, and
// opens a session on its own when an unknown peer calls.
type Manager struct {
	selfID   string
	selfName string
	cfg      ManagerConfig
	deps     ManagerDeps
	log      *zap.Logger

	mu         sync.Mutex
	sessions   map[string]*Coordinator
	unsubInbox Unsubscribe
	closed     bool
}

// NewManager creates a manager for selfID
func NewManager(selfID, selfName string, cfg ManagerConfig, deps ManagerDeps) *Manager {
	return &Manager{
		selfID:   selfID,
		selfName: selfName,
		cfg:      cfg,
		deps:     deps,
		log:      logger.With(zap.String("user_id", selfID)),
		sessions: make(map[string]*Coordinator),
	}
}

// Start watches for calls from any peer
func (m *Manager) Start(ctx context.Context) error {
	unsub, err := m.deps.Signaling.SubscribeQuery(ctx, domain.CallFilter{ToID: m.selfID}, m.onInbound)
	if err != nil {
		return apperrors.SignalingWriteError("subscribe", err)
	}
	m.mu.Lock()
	if m.closed || m.unsubInbox != nil {
		m.mu.Unlock()
		unsub()
		return nil
	}
	m.unsubInbox = unsub
	m.mu.Unlock()
	return nil
}

func (m *Manager) onInbound(rec *domain.CallRecord) {
	if rec == nil || rec.FromID == m.selfID {
		return
	}
	m.mu.Lock()
	_, known := m.sessions[rec.FromID]
	m.mu.Unlock()
	if known {
		// The session's own inbox delivers the record
		return
	}

	if _, err := m.Open(context.Background(), rec.FromID, rec.FromName); err != nil {
		m.log.Warn("Failed to open session for inbound call",
			zap.String("call_id", rec.ID),
			zap.String("from", rec.FromID),
			zap.Error(err))
	}
}

// Open returns the session with peerID, creating and opening it if needed
func (m *Manager) Open(ctx context.Context, peerID, peerName string) (*Coordinator, error) {
	return m.OpenWithType(ctx, peerID, peerName, m.cfg.CallType)
}

// OpenWithType is Open with the call type used for outgoing calls. An
// existing session keeps the type it was opened with.
func (m *Manager) OpenWithType(ctx context.Context, peerID, peerName string, callType domain.CallType) (*Coordinator, error) {
	if callType == "" {
		callType = m.cfg.CallType
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, apperrors.InvalidStateError("user session manager is closed")
	}
	if c, ok := m.sessions[peerID]; ok {
		m.mu.Unlock()
		return c, nil
	}

	cfg := Config{
		SelfID:       m.selfID,
		SelfName:     m.selfName,
		PeerID:       peerID,
		PeerName:     peerName,
		CallType:     callType,
		RingTimeout:  m.cfg.RingTimeout,
		CleanupGrace: m.cfg.CleanupGrace,
	}
	var media MediaSession
	if m.deps.Media != nil {
		media = m.deps.Media(m.selfID, peerID)
	}
	deps := Deps{
		Signaling: m.deps.Signaling,
		Media:     media,
		Chat:      m.deps.Chat,
		Presence:  m.deps.Presence,
		Notifier:  m.deps.Notifier,
		Tokens:    m.deps.Tokens,
		History:   m.deps.History,
		Clock:     m.deps.Clock,
	}
	if m.deps.OnComplete != nil {
		selfID := m.selfID
		deps.OnComplete = func(o Outcome) { m.deps.OnComplete(selfID, o) }
	}

	c, err := NewCoordinator(cfg, deps)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[peerID] = c
	m.mu.Unlock()

	if err := c.Open(ctx); err != nil {
		m.mu.Lock()
		if m.sessions[peerID] == c {
			delete(m.sessions, peerID)
		}
		m.mu.Unlock()
		c.Close()
		return nil, err
	}
	m.log.Info("Session opened", zap.String("peer_id", peerID), zap.String("session_id", c.SessionID()))
	return c, nil
}

// Get returns the open session with peerID
func (m *Manager) Get(peerID string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[peerID]
	return c, ok
}

// Sessions returns every open session
func (m *Manager) Sessions() []*Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Coordinator, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c)
	}
	return out
}

// CloseSession closes the session with peerID, ending any call in it
func (m *Manager) CloseSession(peerID string) bool {
	m.mu.Lock()
	c, ok := m.sessions[peerID]
	delete(m.sessions, peerID)
	m.mu.Unlock()
	if ok {
		c.Close()
	}
	return ok
}

// Close stops the inbound watch and closes every session
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsub := m.unsubInbox
	m.unsubInbox = nil
	sessions := m.sessions
	m.sessions = make(map[string]*Coordinator)
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	var wg sync.WaitGroup
	for _, c := range sessions {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}

// Registry holds one manager per local user
type Registry struct {
	cfg  ManagerConfig
	deps ManagerDeps

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry
func NewRegistry(cfg ManagerConfig, deps ManagerDeps) *Registry {
	return &Registry{cfg: cfg, deps: deps, managers: make(map[string]*Manager)}
}

// ForUser returns the started manager for userID
func (r *Registry) ForUser(ctx context.Context, userID, userName string) (*Manager, error) {
	r.mu.Lock()
	if m, ok := r.managers[userID]; ok {
		r.mu.Unlock()
		return m, nil
	}
	m := NewManager(userID, userName, r.cfg, r.deps)
	r.managers[userID] = m
	r.mu.Unlock()

	if err := m.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.managers, userID)
		r.mu.Unlock()
		m.Close()
		return nil, err
	}
	return m, nil
}

// Lookup returns the manager for userID without creating one
func (r *Registry) Lookup(userID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[userID]
	return m, ok
}

// Close shuts every manager down
func (r *Registry) Close() {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}
