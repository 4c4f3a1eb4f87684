package memory

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Presence records last-seen times and treats entries older than ttl as
// offline
type Presence struct {
	clock clock.Clock
	ttl   time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewPresence creates an empty presence store
func NewPresence(clk clock.Clock, ttl time.Duration) *Presence {
	if clk == nil {
		clk = clock.New()
	}
	return &Presence{clock: clk, ttl: ttl, lastSeen: make(map[string]time.Time)}
}

// SetUserOnline marks userID as seen now
func (p *Presence) SetUserOnline(_ context.Context, userID string) error {
	p.mu.Lock()
	p.lastSeen[userID] = p.clock.Now()
	p.mu.Unlock()
	return nil
}

// SetUserOffline forgets userID
func (p *Presence) SetUserOffline(_ context.Context, userID string) error {
	p.mu.Lock()
	delete(p.lastSeen, userID)
	p.mu.Unlock()
	return nil
}

// RefreshPresence extends userID's presence
func (p *Presence) RefreshPresence(ctx context.Context, userID string) error {
	return p.SetUserOnline(ctx, userID)
}

// IsUserOnline reports whether userID was seen within ttl
func (p *Presence) IsUserOnline(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen, ok := p.lastSeen[userID]
	return ok && p.clock.Now().Sub(seen) < p.ttl, nil
}
