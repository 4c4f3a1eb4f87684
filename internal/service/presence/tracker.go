package presence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"skillswap-backend/internal/service/call"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/logger"
)

// Store persists per-user presence with expiry
type Store interface {
	SetUserOnline(ctx context.Context, userID string) error
	SetUserOffline(ctx context.Context, userID string) error
	RefreshPresence(ctx context.Context, userID string) error
	IsUserOnline(ctx context.Context, userID string) (bool, error)
}

// Publisher streams explicit online/offline changes. Expiry is not
// announced, so the tracker polls as well.
type Publisher interface {
	SubscribePresence(ctx context.Context, userID string) (<-chan bool, func(), error)
}

// Tracker keeps local users marked online and reports remote users'
// presence. The signal is advisory.
type Tracker struct {
	store    Store
	events   Publisher
	clock    clock.Clock
	interval time.Duration
}

// NewTracker creates a tracker. events and clk may be nil.
func NewTracker(store Store, events Publisher, clk clock.Clock, interval time.Duration) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = constants.PresenceHeartbeat
	}
	return &Tracker{store: store, events: events, clock: clk, interval: interval}
}

var _ call.PresenceTracker = (*Tracker)(nil)

// Heartbeat marks userID online and refreshes it every interval until the
// returned stop is called, which marks the user offline.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) (func(), error) {
	if err := t.store.SetUserOnline(ctx, userID); err != nil {
		return nil, err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	ticker := t.clock.Ticker(t.interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := t.store.RefreshPresence(hbCtx, userID); err != nil {
					logger.Warn("Presence heartbeat failed", zap.String("user_id", userID), zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			offCtx, offCancel := context.WithTimeout(context.Background(), constants.TeardownTimeout)
			defer offCancel()
			if err := t.store.SetUserOffline(offCtx, userID); err != nil {
				logger.Warn("Failed to mark user offline", zap.String("user_id", userID), zap.Error(err))
			}
		})
	}, nil
}

// Watch reports userID's presence now and whenever it changes
func (t *Tracker) Watch(ctx context.Context, userID string, onChange func(online bool)) (call.Unsubscribe, error) {
	online, err := t.store.IsUserOnline(ctx, userID)
	if err != nil {
		return nil, err
	}
	onChange(online)

	watchCtx, cancel := context.WithCancel(context.Background())
	var changes <-chan bool
	stopEvents := func() {}
	if t.events != nil {
		ch, stop, err := t.events.SubscribePresence(watchCtx, userID)
		if err != nil {
			// Polling alone still converges
			logger.Debug("Presence events unavailable", zap.String("user_id", userID), zap.Error(err))
		} else {
			changes, stopEvents = ch, stop
		}
	}

	ticker := t.clock.Ticker(t.interval)
	go func() {
		defer ticker.Stop()
		last := online
		report := func(now bool) {
			if now != last && watchCtx.Err() == nil {
				last = now
				onChange(now)
			}
		}
		for {
			select {
			case <-watchCtx.Done():
				return
			case now, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				report(now)
			case <-ticker.C:
				now, err := t.store.IsUserOnline(watchCtx, userID)
				if err != nil {
					logger.Debug("Presence poll failed", zap.String("user_id", userID), zap.Error(err))
					continue
				}
				report(now)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			stopEvents()
		})
	}, nil
}
