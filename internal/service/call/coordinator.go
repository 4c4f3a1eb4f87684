package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/constants"
	apperrors "skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/logger"
)

// Config identifies the two parties of a session and tunes its timers
type Config struct {
	SelfID       string
	SelfName     string
	PeerID       string
	PeerName     string
	CallType     domain.CallType
	RingTimeout  time.Duration
	CleanupGrace time.Duration
}

// Deps are the coordinator's collaborators. Presence, Notifier, Tokens,
// History and OnComplete are optional.
type Deps struct {
	Signaling  SignalingChannel
	Media      MediaSession
	Chat       ChatSideChannel
	Presence   PresenceTracker
	Notifier   NotificationDispatcher
	Tokens     TokenIssuer
	History    CallHistory
	Clock      clock.Clock
	OnComplete func(Outcome)
}

// Outcome is reported once per call after teardown completes
type Outcome struct {
	CallID    string            `json:"call_id"`
	SessionID string            `json:"session_id"`
	Role      domain.Role       `json:"role"`
	Status    domain.CallStatus `json:"status"`
	Text      string            `json:"text"`
	Duration  *int64            `json:"duration,omitempty"`
}

// attempt is the per-call state. It lives from dial or offer until the
// record is deleted after the grace delay.
type attempt struct {
	id           string
	role         domain.Role
	record       *domain.CallRecord
	startedAt    time.Time
	answeredAt   *time.Time
	unsubRecord  Unsubscribe
	mediaJoined  bool
	lastErr      *apperrors.AppError
	canRetry     bool
	remoteTracks map[domain.TrackKind]bool
}

// Coordinator drives the lifecycle of calls between one local user and
// one peer, and owns the session's chat view.
type Coordinator struct {
	cfg       Config
	sessionID string

	signaling  SignalingChannel
	media      MediaSession
	chat       ChatSideChannel
	presence   PresenceTracker
	notifier   NotificationDispatcher
	tokens     TokenIssuer
	history    CallHistory
	clock      clock.Clock
	onComplete func(Outcome)

	log     *zap.Logger
	machine *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// hasEnded admits exactly one terminal trigger per call
	hasEnded atomic.Bool
	// isConnected admits exactly one connect per call
	isConnected atomic.Bool

	mu            sync.Mutex
	opened        bool
	closed        bool
	call          *attempt
	timer         *clock.Timer
	timerGen      uint64
	unsubInbox    Unsubscribe
	unsubPresence Unsubscribe
	unsubChat     Unsubscribe
	finished      map[string]struct{}
	graceFlush    map[string]func()

	seq           uint64
	status        string
	ring          Ring
	muted         bool
	videoOn       bool
	screenSharing bool
	peerOnline    bool
	messages      []domain.ChatMessage
	lastReadAt    time.Time
	chatErr       *apperrors.AppError
	lastOutcome   domain.CallStatus

	observers    map[int]func(Snapshot)
	nextObserver int
}

// NewCoordinator creates a coordinator for the cfg.SelfID / cfg.PeerID pair
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	if cfg.SelfID == "" || cfg.PeerID == "" {
		return nil, apperrors.ValidationError("both participant ids are required")
	}
	if cfg.SelfID == cfg.PeerID {
		return nil, apperrors.ValidationError("cannot open a session with yourself")
	}
	if deps.Signaling == nil || deps.Media == nil || deps.Chat == nil {
		return nil, fmt.Errorf("signaling, media and chat collaborators are required")
	}
	if cfg.CallType == "" {
		cfg.CallType = domain.CallTypeVideo
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = constants.RingTimeout
	}
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = constants.CleanupGrace
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sessionID := domain.SessionID(cfg.SelfID, cfg.PeerID)
	c := &Coordinator{
		cfg:        cfg,
		sessionID:  sessionID,
		signaling:  deps.Signaling,
		media:      deps.Media,
		chat:       deps.Chat,
		presence:   deps.Presence,
		notifier:   deps.Notifier,
		tokens:     deps.Tokens,
		history:    deps.History,
		clock:      clk,
		onComplete: deps.OnComplete,
		log: logger.With(
			zap.String("session_id", sessionID),
			zap.String("self_id", cfg.SelfID),
			zap.String("peer_id", cfg.PeerID),
		),
		ctx:        ctx,
		cancel:     cancel,
		finished:   make(map[string]struct{}),
		graceFlush: make(map[string]func()),
		videoOn:    cfg.CallType == domain.CallTypeVideo,
		observers:  make(map[int]func(Snapshot)),
	}
	c.machine = newMachine(func(from, to State, event string) {
		c.log.Debug("Call state changed",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("event", event))
	})
	return c, nil
}

// SessionID returns the deterministic pairing key of this session
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// PeerID returns the remote participant's id
func (c *Coordinator) PeerID() string {
	return c.cfg.PeerID
}

// Open starts the standing subscriptions: inbound calls from the peer,
// the session's chat log and the peer's presence.
func (c *Coordinator) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.InvalidStateError("session is closed")
	}
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.mu.Unlock()

	unsubChat, err := c.chat.Subscribe(c.ctx, c.sessionID, c.onMessages)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeServiceUnavail, "Chat is unavailable", err)
	}
	c.mu.Lock()
	c.unsubChat = unsubChat
	c.mu.Unlock()

	if err := c.openInbox(); err != nil {
		return err
	}

	if c.presence != nil {
		unsub, err := c.presence.Watch(c.ctx, c.cfg.PeerID, c.onPresence)
		if err != nil {
			// Presence only picks a status string
			c.log.Warn("Presence watch failed", zap.Error(err))
		} else {
			c.mu.Lock()
			c.unsubPresence = unsub
			c.mu.Unlock()
		}
	}

	c.notify()
	return nil
}

// Close ends any active call, flushes pending cleanup and detaches every
// listener regardless of state.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var activeID string
	if c.call != nil {
		activeID = c.call.id
	}
	c.mu.Unlock()

	if activeID != "" {
		c.terminate(activeID, causeClosed)
	}

	c.mu.Lock()
	unsubs := []Unsubscribe{c.unsubInbox, c.unsubPresence, c.unsubChat}
	c.unsubInbox, c.unsubPresence, c.unsubChat = nil, nil, nil
	flush := make([]func(), 0, len(c.graceFlush))
	for _, fn := range c.graceFlush {
		flush = append(flush, fn)
	}
	c.stopTimerLocked()
	c.mu.Unlock()

	for _, unsub := range unsubs {
		if unsub != nil {
			unsub()
		}
	}
	for _, fn := range flush {
		fn()
	}

	c.cancel()
	c.wg.Wait()
	c.log.Info("Call session closed")
}

// Subscribe registers fn for every state change and returns a function
// that removes it
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// State returns the current observable state
func (c *Coordinator) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) currentLocked() State {
	return State(c.machine.Current())
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	c.seq++
	snap := c.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// goAsync runs fn in the background. Once the session is closed fn runs
// inline, so nothing is added to the wait group while Close waits on it.
func (c *Coordinator) goAsync(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// armTimerLocked (re)starts the ring/connect timer for call id
func (c *Coordinator) armTimerLocked(id string) {
	c.stopTimerLocked()
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(c.cfg.RingTimeout, func() {
		c.onTimeout(id, gen)
	})
}

// stopTimerLocked cancels the timer; the generation bump discards a
// callback that already fired but has not yet taken the lock
func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

// onTimeout ends call id unless the timer was re-armed or stopped, or the
// call connected, before the callback took the lock
func (c *Coordinator) onTimeout(id string, gen uint64) {
	c.terminateIf(id, causeTimeout, func() bool {
		return gen == c.timerGen && !c.isConnected.Load()
	})
}

// afterGrace runs fn once after the cleanup grace delay, or immediately
// when the session is closing
func (c *Coordinator) afterGrace(id string, fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.wg.Add(1)
	var once sync.Once
	run := func() {
		once.Do(func() {
			defer c.wg.Done()
			fn()
		})
	}
	c.graceFlush[id] = run
	c.clock.AfterFunc(c.cfg.CleanupGrace, run)
	c.mu.Unlock()
}
