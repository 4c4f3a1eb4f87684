package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/middleware"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/env"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
)

// Room event types
const (
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventTrackPublished    = "track_published"
	EventTrackUnpublished  = "track_unpublished"
	EventRoomState         = "room_state"
)

// RoomEvent is the wire message exchanged with room members
type RoomEvent struct {
	Type         string           `json:"type"`
	Room         string           `json:"room"`
	Identity     string           `json:"identity,omitempty"`
	Track        domain.TrackKind `json:"track,omitempty"`
	Participants []Participant    `json:"participants,omitempty"`
	Origin       string           `json:"origin,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Participant describes one member in a room_state event
type Participant struct {
	Identity string             `json:"identity"`
	Tracks   []domain.TrackKind `json:"tracks,omitempty"`
}

// RoomHub relays membership and track events between members of a media
// room. With Redis, rooms span every hub instance.
type RoomHub struct {
	id      string
	redis   *database.RedisClient
	metrics *metrics.Metrics

	mu            sync.Mutex
	rooms         map[string]map[*RoomClient]bool
	subscriptions map[string]context.CancelFunc
	connections   int

	maxConnections int
	semaphore      chan struct{}
	upgrader       websocket.Upgrader
}

// RoomClient is one websocket connection in a room
type RoomClient struct {
	hub      *RoomHub
	conn     *websocket.Conn
	send     chan []byte
	room     string
	identity string

	mu     sync.Mutex
	tracks map[domain.TrackKind]bool
	closed bool
}

// NewRoomHub creates a hub. redisClient and m may be nil.
func NewRoomHub(redisClient *database.RedisClient, m *metrics.Metrics) *RoomHub {
	maxConns := env.GetInt("WS_MAX_ROOM_CONNECTIONS", 1000)
	allowed := middleware.AllowedOrigins()

	return &RoomHub{
		id:             uuid.NewString(),
		redis:          redisClient,
		metrics:        m,
		rooms:          make(map[string]map[*RoomClient]bool),
		subscriptions:  make(map[string]context.CancelFunc),
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Native clients send no Origin; browsers must be allow-listed
				return origin == "" || allowed[origin]
			},
		},
	}
}

func roomChannel(room string) string {
	return fmt.Sprintf("room:%s:events", room)
}

func roomMembersKey(room string) string {
	return fmt.Sprintf("room:%s:members", room)
}

// ServeWS upgrades an authorized request and joins the caller to the room.
// RoomAuth must run first and set "identity".
func (h *RoomHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("Room connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		h.rejected("capacity")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	room := c.Param("room")
	identity := c.GetString("identity")
	if room == "" || identity == "" {
		<-h.semaphore
		h.rejected("unauthorized")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("room", room),
			zap.String("identity", identity),
			zap.Error(err))
		return
	}

	client := &RoomClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 64),
		room:     room,
		identity: identity,
		tracks:   make(map[domain.TrackKind]bool),
	}
	h.register(client)

	go client.writePump()
	go func() {
		defer func() { <-h.semaphore }()
		client.readPump()
	}()
}

func (h *RoomHub) rejected(reason string) {
	if h.metrics != nil {
		h.metrics.RecordRoomRejected(reason)
	}
}

func (h *RoomHub) register(client *RoomClient) {
	ctx := context.Background()

	h.mu.Lock()
	members := h.rooms[client.room]
	if members == nil {
		members = make(map[*RoomClient]bool)
		h.rooms[client.room] = members
		if h.redis != nil {
			subCtx, cancel := context.WithCancel(context.Background())
			h.subscriptions[client.room] = cancel
			go h.subscribeRoom(subCtx, client.room)
		}
	}
	state := h.localParticipantsLocked(client.room)
	members[client] = true
	h.connections++
	h.updateGaugesLocked()
	h.mu.Unlock()

	if h.redis != nil {
		state = h.mergeRemoteMembers(ctx, client.room, state)
		if err := h.redis.SafeSAdd(ctx, roomMembersKey(client.room), client.identity).Err(); err != nil {
			logger.Debug("Failed to record room member", zap.String("room", client.room), zap.Error(err))
		}
		h.redis.SafeExpire(ctx, roomMembersKey(client.room), constants.RoomTokenExpiry)
	}

	client.deliver(&RoomEvent{
		Type:         EventRoomState,
		Room:         client.room,
		Participants: withoutIdentity(state, client.identity),
		Timestamp:    time.Now(),
	})
	h.broadcast(&RoomEvent{
		Type:      EventParticipantJoined,
		Room:      client.room,
		Identity:  client.identity,
		Timestamp: time.Now(),
	}, true)

	logger.Info("Participant joined room",
		zap.String("room", client.room),
		zap.String("identity", client.identity))
}

func (h *RoomHub) unregister(client *RoomClient) {
	h.mu.Lock()
	members, ok := h.rooms[client.room]
	if !ok || !members[client] {
		h.mu.Unlock()
		return
	}
	delete(members, client)
	h.connections--
	stillPresent := false
	for other := range members {
		if other.identity == client.identity {
			stillPresent = true
		}
	}
	if len(members) == 0 {
		delete(h.rooms, client.room)
		if cancel, ok := h.subscriptions[client.room]; ok {
			cancel()
			delete(h.subscriptions, client.room)
		}
	}
	h.updateGaugesLocked()
	h.mu.Unlock()

	client.close()
	if stillPresent {
		return
	}

	if h.redis != nil {
		h.redis.SafeSRem(context.Background(), roomMembersKey(client.room), client.identity)
	}
	h.broadcast(&RoomEvent{
		Type:      EventParticipantLeft,
		Room:      client.room,
		Identity:  client.identity,
		Timestamp: time.Now(),
	}, true)

	logger.Info("Participant left room",
		zap.String("room", client.room),
		zap.String("identity", client.identity))
}

// localParticipantsLocked requires h.mu
func (h *RoomHub) localParticipantsLocked(room string) []Participant {
	byIdentity := make(map[string]*Participant)
	var order []string
	for member := range h.rooms[room] {
		p, ok := byIdentity[member.identity]
		if !ok {
			p = &Participant{Identity: member.identity}
			byIdentity[member.identity] = p
			order = append(order, member.identity)
		}
		p.Tracks = append(p.Tracks, member.publishedTracks()...)
	}
	out := make([]Participant, 0, len(order))
	for _, id := range order {
		out = append(out, *byIdentity[id])
	}
	return out
}

func (h *RoomHub) mergeRemoteMembers(ctx context.Context, room string, local []Participant) []Participant {
	ids, err := h.redis.SafeSMembers(ctx, roomMembersKey(room)).Result()
	if err != nil {
		return local
	}
	known := make(map[string]bool, len(local))
	for _, p := range local {
		known[p.Identity] = true
	}
	for _, id := range ids {
		if !known[id] {
			local = append(local, Participant{Identity: id})
			known[id] = true
		}
	}
	return local
}

func withoutIdentity(participants []Participant, identity string) []Participant {
	out := participants[:0:0]
	for _, p := range participants {
		if p.Identity != identity {
			out = append(out, p)
		}
	}
	return out
}

// updateGaugesLocked requires h.mu
func (h *RoomHub) updateGaugesLocked() {
	if h.metrics == nil {
		return
	}
	h.metrics.SetWebSocketConnections(h.connections)
	h.metrics.SetActiveRooms(len(h.rooms))
}

// broadcast delivers event to local members other than its sender and,
// when fanOut is set, to other hub instances
func (h *RoomHub) broadcast(event *RoomEvent, fanOut bool) {
	if h.metrics != nil {
		h.metrics.RecordRoomEvent(event.Type)
	}

	h.mu.Lock()
	var targets []*RoomClient
	for member := range h.rooms[event.Room] {
		if member.identity != event.Identity {
			targets = append(targets, member)
		}
	}
	h.mu.Unlock()

	for _, member := range targets {
		member.deliver(event)
	}

	if fanOut && h.redis != nil {
		event.Origin = h.id
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		if err := h.redis.SafePublish(context.Background(), roomChannel(event.Room), data).Err(); err != nil {
			logger.Debug("Failed to fan out room event",
				zap.String("room", event.Room),
				zap.Error(err))
		}
	}
}

// subscribeRoom relays events published by other hub instances
func (h *RoomHub) subscribeRoom(ctx context.Context, room string) {
	pubsub := h.redis.SafeSubscribe(ctx, roomChannel(room))
	if pubsub == nil {
		return
	}
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Warn("Failed to subscribe to room channel",
			zap.String("room", room),
			zap.Error(err))
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event RoomEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("Failed to unmarshal room event",
					zap.String("room", room),
					zap.Error(err))
				continue
			}
			if event.Origin == h.id {
				continue
			}
			h.broadcast(&event, false)
		}
	}
}

// Close disconnects every member
func (h *RoomHub) Close() {
	h.mu.Lock()
	var all []*RoomClient
	for _, members := range h.rooms {
		for member := range members {
			all = append(all, member)
		}
	}
	h.mu.Unlock()

	for _, member := range all {
		member.conn.Close()
	}
}

func (c *RoomClient) publishedTracks() []domain.TrackKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.TrackKind
	for kind, on := range c.tracks {
		if on {
			out = append(out, kind)
		}
	}
	return out
}

func (c *RoomClient) deliver(event *RoomEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketMessage(event.Type, "outbound")
		}
	default:
		// Slow consumer; dropping the connection lets the client reconnect
		logger.Warn("Room client send buffer full, disconnecting",
			zap.String("room", c.room),
			zap.String("identity", c.identity))
		go c.conn.Close()
	}
}

func (c *RoomClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads track changes from the member
func (c *RoomClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Room connection closed",
					zap.String("room", c.room),
					zap.String("identity", c.identity),
					zap.Error(err))
				if c.hub.metrics != nil {
					c.hub.metrics.RecordWebSocketError("unexpected_close")
				}
			}
			return
		}

		var event RoomEvent
		if err := json.Unmarshal(message, &event); err != nil {
			logger.Warn("Invalid room message",
				zap.String("room", c.room),
				zap.String("identity", c.identity),
				zap.Error(err))
			continue
		}
		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketMessage(event.Type, "inbound")
		}

		switch event.Type {
		case EventTrackPublished, EventTrackUnpublished:
			c.mu.Lock()
			c.tracks[event.Track] = event.Type == EventTrackPublished
			c.mu.Unlock()
		default:
			continue
		}

		// Members cannot speak for each other or for another room
		event.Identity = c.identity
		event.Room = c.room
		event.Participants = nil
		event.Timestamp = time.Now()
		c.hub.broadcast(&event, true)
	}
}

// writePump writes queued events and keeps the connection alive
func (c *RoomClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
