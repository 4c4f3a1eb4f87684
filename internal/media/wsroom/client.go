// Package wsroom joins media rooms served by the room relay over websocket.
package wsroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/service/call"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/logger"
)

// Wire event types, shared with the relay
const (
	eventParticipantJoined = "participant_joined"
	eventParticipantLeft   = "participant_left"
	eventTrackPublished    = "track_published"
	eventTrackUnpublished  = "track_unpublished"
	eventRoomState         = "room_state"
)

type roomEvent struct {
	Type         string           `json:"type"`
	Room         string           `json:"room,omitempty"`
	Identity     string           `json:"identity,omitempty"`
	Track        domain.TrackKind `json:"track,omitempty"`
	Participants []participant    `json:"participants,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

type participant struct {
	Identity string             `json:"identity"`
	Tracks   []domain.TrackKind `json:"tracks,omitempty"`
}

// CaptureFunc acquires or releases a local capture device. Returning an
// error wrapping domain.ErrPermissionDenied or domain.ErrDeviceUnavailable
// keeps the track unpublished.
type CaptureFunc func(ctx context.Context, kind domain.TrackKind, on bool) error

// ErrNotConnected is returned by track operations outside a room
var ErrNotConnected = errors.New("not connected to a media room")

// Client implements call.MediaSession against the room relay
type Client struct {
	baseURL string
	dialer  *websocket.Dialer
	capture CaptureFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	events  call.MediaEvents
	closing bool
	done    chan struct{}
	stop    chan struct{}
	writeMu sync.Mutex
}

var _ call.MediaSession = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithCapture sets the hook that drives local capture devices
func WithCapture(capture CaptureFunc) Option {
	return func(c *Client) { c.capture = capture }
}

// WithDialer overrides the websocket dialer
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = dialer }
}

// NewClient creates a client for rooms under baseURL, e.g.
// ws://localhost:8090/ws/room
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer:  websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) roomURL(room, token string) (string, error) {
	u, err := url.Parse(c.baseURL + "/" + url.PathEscape(room))
	if err != nil {
		return "", fmt.Errorf("invalid room url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect joins room. Participants already present are reported through
// events.ParticipantJoined, followed by their published tracks.
func (c *Client) Connect(ctx context.Context, room, identity, token string, events call.MediaEvents) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected to a media room")
	}
	c.mu.Unlock()

	target, err := c.roomURL(room, token)
	if err != nil {
		return err
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to join room %s: status %d: %w", room, resp.StatusCode, err)
		}
		return fmt.Errorf("failed to join room %s: %w", room, err)
	}

	done := make(chan struct{})
	stop := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.events = events
	c.closing = false
	c.done = done
	c.stop = stop
	c.mu.Unlock()

	logger.Debug("Joined media room",
		zap.String("room", room),
		zap.String("identity", identity))

	queue := make(chan func(), eventQueueSize)
	go runEvents(queue)
	go c.readLoop(conn, events, queue, done, stop)
	return nil
}

const eventQueueSize = 64

// runEvents invokes callbacks in arrival order. Callbacks may call
// Disconnect, so they never run on the read loop.
func runEvents(queue <-chan func()) {
	for fn := range queue {
		fn()
	}
}

func (c *Client) readLoop(conn *websocket.Conn, events call.MediaEvents, queue chan<- func(), done, stop chan struct{}) {
	defer close(done)
	defer close(queue)

	enqueue := func(fn func()) bool {
		select {
		case queue <- fn:
			return true
		case <-stop:
			return false
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()

			if !closing && events.Disconnected != nil {
				lost := fmt.Errorf("media room connection lost: %w", err)
				enqueue(func() { events.Disconnected(lost) })
			}
			return
		}

		var event roomEvent
		if err := json.Unmarshal(data, &event); err != nil {
			logger.Warn("Invalid media room event", zap.Error(err))
			continue
		}
		if !enqueue(func() { dispatch(event, events) }) {
			conn.Close()
			return
		}
	}
}

func dispatch(event roomEvent, events call.MediaEvents) {
	switch event.Type {
	case eventRoomState:
		for _, p := range event.Participants {
			if events.ParticipantJoined != nil {
				events.ParticipantJoined(p.Identity)
			}
			for _, kind := range p.Tracks {
				if events.TrackSubscribed != nil {
					events.TrackSubscribed(p.Identity, kind)
				}
			}
		}
	case eventParticipantJoined:
		if events.ParticipantJoined != nil {
			events.ParticipantJoined(event.Identity)
		}
	case eventParticipantLeft:
		if events.ParticipantLeft != nil {
			events.ParticipantLeft(event.Identity)
		}
	case eventTrackPublished:
		if events.TrackSubscribed != nil {
			events.TrackSubscribed(event.Identity, event.Track)
		}
	}
}

// EnableCamera publishes or unpublishes the video track
func (c *Client) EnableCamera(ctx context.Context, on bool) error {
	return c.setTrack(ctx, domain.TrackVideo, on)
}

// EnableMicrophone publishes or unpublishes the audio track
func (c *Client) EnableMicrophone(ctx context.Context, on bool) error {
	return c.setTrack(ctx, domain.TrackAudio, on)
}

// EnableScreenShare publishes or unpublishes the screen track
func (c *Client) EnableScreenShare(ctx context.Context, on bool) error {
	return c.setTrack(ctx, domain.TrackScreen, on)
}

func (c *Client) setTrack(ctx context.Context, kind domain.TrackKind, on bool) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if c.capture != nil {
		if err := c.capture(ctx, kind, on); err != nil {
			return fmt.Errorf("failed to toggle %s capture: %w", kind, err)
		}
	}

	eventType := eventTrackUnpublished
	if on {
		eventType = eventTrackPublished
	}
	return c.write(conn, roomEvent{Type: eventType, Track: kind, Timestamp: time.Now()})
}

func (c *Client) write(conn *websocket.Conn, event roomEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", event.Type, err)
	}
	return nil
}

// Disconnect leaves the room without firing Disconnected. It is a no-op
// when not connected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	if !c.closing && c.stop != nil {
		close(c.stop)
	}
	c.closing = true
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(constants.WebSocketWriteWait))
	c.writeMu.Unlock()
	conn.Close()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
