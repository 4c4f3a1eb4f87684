package call

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/middleware"
	"skillswap-backend/internal/service/call"
	"skillswap-backend/pkg/constants"
	apperrors "skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/pagination"
	"skillswap-backend/pkg/response"
)

// HistoryLister reads a user's finished calls, newest first
type HistoryLister interface {
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]*domain.CallHistoryEntry, error)
}

// Heartbeater keeps a user marked online until stop is called
type Heartbeater interface {
	Heartbeat(ctx context.Context, userID string) (stop func(), err error)
}

// Handler exposes call sessions over HTTP
type Handler struct {
	ctx           context.Context
	registry      *call.Registry
	history       HistoryLister
	presence      Heartbeater
	maxUploadSize int64
	upgrader      websocket.Upgrader
}

// NewHandler creates a call handler. ctx bounds the standing subscriptions
// of every session the handler opens. history may be nil.
func NewHandler(ctx context.Context, registry *call.Registry, history HistoryLister, maxUploadSize int64) *Handler {
	if maxUploadSize <= 0 {
		maxUploadSize = constants.MaxUploadSize
	}
	allowed := middleware.AllowedOrigins()
	return &Handler{
		ctx:           ctx,
		registry:      registry,
		history:       history,
		maxUploadSize: maxUploadSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
}

// RegisterRoutes mounts the call routes on rg. rg must run Identity.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, placeCall ...gin.HandlerFunc) {
	rg.GET("/sessions", h.ListSessions)

	sessions := rg.Group("/sessions/:peer_id")
	sessions.POST("", h.OpenSession)
	sessions.GET("", h.GetSession)
	sessions.DELETE("", h.CloseSession)
	sessions.POST("/call", append(placeCall, h.StartCall)...)
	sessions.POST("/answer", h.AnswerCall)
	sessions.POST("/decline", h.DeclineCall)
	sessions.POST("/end", h.EndCall)
	sessions.POST("/retry", h.Retry)
	sessions.POST("/mute", h.ToggleMute)
	sessions.POST("/video", h.ToggleVideo)
	sessions.POST("/screenshare", h.ToggleScreenShare)
	sessions.POST("/messages", h.SendMessage)
	sessions.POST("/files", h.SendFile)
	sessions.POST("/read", h.MarkRead)
	sessions.DELETE("/chat-error", h.DismissChatError)
	sessions.GET("/events", h.Events)

	rg.GET("/history", h.History)
}

func (h *Handler) manager(c *gin.Context) (*call.Manager, bool) {
	m, err := h.registry.ForUser(h.ctx, c.GetString("user_id"), c.GetString("user_name"))
	if err != nil {
		response.FromError(c, err)
		return nil, false
	}
	return m, true
}

// session returns the open session with the :peer_id parameter
func (h *Handler) session(c *gin.Context) (*call.Coordinator, bool) {
	m, ok := h.manager(c)
	if !ok {
		return nil, false
	}
	coord, ok := m.Get(c.Param("peer_id"))
	if !ok {
		response.FromError(c, apperrors.NotFoundError("Session"))
		return nil, false
	}
	return coord, true
}

// OpenSessionRequest represents a session open request
type OpenSessionRequest struct {
	PeerName string          `json:"peer_name"`
	CallType domain.CallType `json:"call_type" binding:"omitempty,oneof=audio video"`
}

// OpenSession opens the session with a peer
// POST /v1/sessions/:peer_id
func (h *Handler) OpenSession(c *gin.Context) {
	var req OpenSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	m, ok := h.manager(c)
	if !ok {
		return
	}
	coord, err := m.OpenWithType(h.ctx, c.Param("peer_id"), req.PeerName, req.CallType)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, coord.State())
}

// ListSessions returns a snapshot of every open session, ordered by peer
// GET /v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	coords := m.Sessions()
	snaps := make([]call.Snapshot, 0, len(coords))
	for _, coord := range coords {
		snaps = append(snaps, coord.State())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].PeerID < snaps[j].PeerID })
	response.Success(c, http.StatusOK, snaps)
}

// GetSession returns the session snapshot
// GET /v1/sessions/:peer_id
func (h *Handler) GetSession(c *gin.Context) {
	coord, ok := h.session(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, coord.State())
}

// CloseSession closes the session, ending any call in it
// DELETE /v1/sessions/:peer_id
func (h *Handler) CloseSession(c *gin.Context) {
	m, ok := h.manager(c)
	if !ok {
		return
	}
	if !m.CloseSession(c.Param("peer_id")) {
		response.FromError(c, apperrors.NotFoundError("Session"))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "Session closed"})
}

// StartCall places a call to the peer
// POST /v1/sessions/:peer_id/call
func (h *Handler) StartCall(c *gin.Context) {
	coord, ok := h.session(c)
	if !ok {
		return
	}
	callID, err := coord.StartCall(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{
		"call_id": callID,
		"session": coord.State(),
	})
}

func (h *Handler) action(fn func(*call.Coordinator, context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		coord, ok := h.session(c)
		if !ok {
			return
		}
		if err := fn(coord, c.Request.Context()); err != nil {
			response.FromError(c, err)
			return
		}
		response.Success(c, http.StatusOK, coord.State())
	}
}

// AnswerCall accepts the ringing call
// POST /v1/sessions/:peer_id/answer
func (h *Handler) AnswerCall(c *gin.Context) {
	h.action((*call.Coordinator).AnswerCall)(c)
}

// DeclineCall rejects the ringing call
// POST /v1/sessions/:peer_id/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	h.action((*call.Coordinator).DeclineCall)(c)
}

// EndCall ends or cancels the active call
// POST /v1/sessions/:peer_id/end
func (h *Handler) EndCall(c *gin.Context) {
	h.action((*call.Coordinator).EndCall)(c)
}

// Retry rejoins the media room after a connection failure
// POST /v1/sessions/:peer_id/retry
func (h *Handler) Retry(c *gin.Context) {
	h.action((*call.Coordinator).Retry)(c)
}

func (h *Handler) toggle(field string, fn func(*call.Coordinator, context.Context) (bool, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		coord, ok := h.session(c)
		if !ok {
			return
		}
		on, err := fn(coord, c.Request.Context())
		if err != nil {
			response.FromError(c, err)
			return
		}
		response.Success(c, http.StatusOK, gin.H{field: on})
	}
}

// ToggleMute flips the microphone
// POST /v1/sessions/:peer_id/mute
func (h *Handler) ToggleMute(c *gin.Context) {
	h.toggle("muted", (*call.Coordinator).ToggleMute)(c)
}

// ToggleVideo flips the camera
// POST /v1/sessions/:peer_id/video
func (h *Handler) ToggleVideo(c *gin.Context) {
	h.toggle("video_enabled", (*call.Coordinator).ToggleVideo)(c)
}

// ToggleScreenShare flips screen sharing
// POST /v1/sessions/:peer_id/screenshare
func (h *Handler) ToggleScreenShare(c *gin.Context) {
	h.toggle("screen_sharing", (*call.Coordinator).ToggleScreenShare)(c)
}

// SendMessageRequest represents a chat message
type SendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendMessage appends a text message to the session chat
// POST /v1/sessions/:peer_id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	coord, ok := h.session(c)
	if !ok {
		return
	}
	msg, err := coord.SendChatMessage(c.Request.Context(), req.Text)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, msg)
}

// SendFile uploads the multipart "file" field as a chat attachment
// POST /v1/sessions/:peer_id/files
func (h *Handler) SendFile(c *gin.Context) {
	coord, ok := h.session(c)
	if !ok {
		return
	}

	// Headroom for the multipart envelope and caption
	limit := h.maxUploadSize + 1<<20
	if c.Request.ContentLength > limit {
		response.FromError(c, apperrors.UploadTooLargeError(c.Request.ContentLength, h.maxUploadSize))
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.FromError(c, apperrors.UploadTooLargeError(c.Request.ContentLength, h.maxUploadSize))
			return
		}
		response.ValidationError(c, "file is required")
		return
	}

	file, err := header.Open()
	if err != nil {
		response.FromError(c, apperrors.UploadFailedError(err))
		return
	}
	defer file.Close()

	msg, err := coord.SendFileMessage(c.Request.Context(), domain.FileUpload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Reader:      file,
	}, c.PostForm("caption"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, msg)
}

// MarkRead clears the unread count
// POST /v1/sessions/:peer_id/read
func (h *Handler) MarkRead(c *gin.Context) {
	coord, ok := h.session(c)
	if !ok {
		return
	}
	coord.MarkChatRead()
	response.Success(c, http.StatusOK, coord.State())
}

// DismissChatError clears the last failed chat send
// DELETE /v1/sessions/:peer_id/chat-error
func (h *Handler) DismissChatError(c *gin.Context) {
	coord, ok := h.session(c)
	if !ok {
		return
	}
	coord.ClearChatError()
	response.Success(c, http.StatusOK, coord.State())
}

// History lists the caller's finished calls
// GET /v1/history?page=&limit=
func (h *Handler) History(c *gin.Context) {
	if h.history == nil {
		response.FromError(c, apperrors.ServiceUnavailableError("Call history is unavailable"))
		return
	}
	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	entries, err := h.history.ListForUser(c.Request.Context(), c.GetString("user_id"), params.Limit+1, params.Offset)
	if err != nil {
		response.FromError(c, apperrors.DatabaseError(err))
		return
	}
	response.Success(c, http.StatusOK, pagination.NewPage(params, entries))
}

// WithPresence marks users online while they hold an events stream open
func (h *Handler) WithPresence(hb Heartbeater) *Handler {
	h.presence = hb
	return h
}

// Events streams session snapshots over a websocket. Frames coalesce, so
// a slow reader only ever sees the newest state.
// GET /v1/sessions/:peer_id/events
func (h *Handler) Events(c *gin.Context) {
	coord, ok := h.session(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Session events upgrade failed",
			zap.String("user_id", c.GetString("user_id")),
			zap.Error(err))
		return
	}
	defer conn.Close()

	if h.presence != nil {
		userID := c.GetString("user_id")
		if stop, err := h.presence.Heartbeat(h.ctx, userID); err != nil {
			logger.Warn("Presence heartbeat failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			defer stop()
		}
	}

	var mu sync.Mutex
	var latest *call.Snapshot
	signal := make(chan struct{}, 1)
	publish := func(s call.Snapshot) {
		mu.Lock()
		if latest == nil || s.Seq >= latest.Seq {
			latest = &s
		}
		mu.Unlock()
		select {
		case signal <- struct{}{}:
		default:
		}
	}

	unsubscribe := coord.Subscribe(publish)
	defer unsubscribe()
	publish(coord.State())

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer ticker.Stop()

	var sent uint64
	first := true
	for {
		select {
		case <-done:
			return
		case <-signal:
			mu.Lock()
			snap := *latest
			mu.Unlock()
			if !first && snap.Seq <= sent {
				continue
			}
			first = false
			sent = snap.Seq
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
