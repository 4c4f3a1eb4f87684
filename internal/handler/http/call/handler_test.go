package call

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/middleware"
	"skillswap-backend/internal/repository/memory"
	"skillswap-backend/internal/service/call"
	"skillswap-backend/internal/service/chat"
	"skillswap-backend/internal/service/presence"
)

// idleMedia joins rooms without ever reporting a participant
type idleMedia struct{}

func (idleMedia) Connect(context.Context, string, string, string, call.MediaEvents) error {
	return nil
}
func (idleMedia) EnableCamera(context.Context, bool) error      { return nil }
func (idleMedia) EnableMicrophone(context.Context, bool) error  { return nil }
func (idleMedia) EnableScreenShare(context.Context, bool) error { return nil }
func (idleMedia) Disconnect(context.Context) error              { return nil }

type stubUploader struct{}

func (stubUploader) Upload(_ context.Context, sessionID string, file domain.FileUpload) (*domain.FileAttachment, error) {
	data, err := io.ReadAll(file.Reader)
	if err != nil {
		return nil, err
	}
	return &domain.FileAttachment{
		URL:         "https://files.example/" + sessionID + "/" + file.Name,
		Name:        file.Name,
		ContentType: file.ContentType,
		Size:        int64(len(data)),
	}, nil
}

type testEnv struct {
	router   *gin.Engine
	registry *call.Registry
	history  *memory.CallHistory
	presence *memory.Presence
}

func setupHandler(t *testing.T, maxUpload int64) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	chatSvc := chat.NewService(memory.NewMessageStore(), memory.NewEventBus(), memory.NewSessionStore(), stubUploader{}, 0)
	history := memory.NewCallHistory()
	registry := call.NewRegistry(call.ManagerConfig{
		CallType:     domain.CallTypeVideo,
		RingTimeout:  time.Minute,
		CleanupGrace: 10 * time.Millisecond,
	}, call.ManagerDeps{
		Signaling: memory.NewSignaling(),
		Media:     func(string, string) call.MediaSession { return idleMedia{} },
		Chat:      chatSvc,
		History:   history,
	})
	t.Cleanup(registry.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := memory.NewPresence(nil, time.Minute)
	h := NewHandler(ctx, registry, history, maxUpload).
		WithPresence(presence.NewTracker(store, nil, nil, time.Minute))
	router := gin.New()
	h.RegisterRoutes(router.Group("/v1", middleware.Identity()))

	return &testEnv{router: router, registry: registry, history: history, presence: store}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body io.Reader, contentType string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
		req.Header.Set("X-User-Name", strings.ToUpper(userID[:1])+userID[1:])
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func (e *testEnv) doJSON(t *testing.T, method, path, userID, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	return e.do(t, method, path, userID, reader, "application/json")
}

func decodeSnapshot(t *testing.T, env envelope) call.Snapshot {
	t.Helper()
	var snap call.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	return snap
}

func TestHandler_RequiresIdentity(t *testing.T) {
	e := setupHandler(t, 0)

	w, _ := e.doJSON(t, http.MethodGet, "/v1/sessions/bob", "", "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_SessionLifecycle(t *testing.T) {
	e := setupHandler(t, 0)

	w, _ := e.doJSON(t, http.MethodGet, "/v1/sessions/bob", "alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env := e.doJSON(t, http.MethodPost, "/v1/sessions/bob", "alice", `{"peer_name":"Bob","call_type":"audio"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	snap := decodeSnapshot(t, env)
	assert.Equal(t, domain.SessionID("alice", "bob"), snap.SessionID)
	assert.Equal(t, call.StateIdle, snap.State)
	assert.Equal(t, domain.CallTypeAudio, snap.CallType)

	w, env = e.doJSON(t, http.MethodGet, "/v1/sessions/bob", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bob", decodeSnapshot(t, env).PeerName)

	w, _ = e.doJSON(t, http.MethodDelete, "/v1/sessions/bob", "alice", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = e.doJSON(t, http.MethodDelete, "/v1/sessions/bob", "alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_RejectsUnknownCallType(t *testing.T) {
	e := setupHandler(t, 0)

	w, env := e.doJSON(t, http.MethodPost, "/v1/sessions/bob", "alice", `{"call_type":"hologram"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestHandler_CallAnswerEnd(t *testing.T) {
	e := setupHandler(t, 0)

	w, _ := e.doJSON(t, http.MethodPost, "/v1/sessions/alice", "bob", `{"peer_name":"Alice"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = e.doJSON(t, http.MethodPost, "/v1/sessions/bob", "alice", `{"peer_name":"Bob"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w, env := e.doJSON(t, http.MethodPost, "/v1/sessions/bob/call", "alice", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var started struct {
		CallID string `json:"call_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.NotEmpty(t, started.CallID)

	// A second call while one is in progress conflicts
	w, env = e.doJSON(t, http.MethodPost, "/v1/sessions/bob/call", "alice", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", env.Error.Code)

	bobs, ok := e.registry.Lookup("bob")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		session, ok := bobs.Get("alice")
		return ok && session.State().State == call.StateIncomingOffered
	}, 2*time.Second, 10*time.Millisecond)

	w, env = e.doJSON(t, http.MethodPost, "/v1/sessions/alice/answer", "bob", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, call.StateConnecting, decodeSnapshot(t, env).State)

	w, _ = e.doJSON(t, http.MethodPost, "/v1/sessions/bob/end", "alice", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		session, _ := bobs.Get("alice")
		return session.State().State == call.StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	w, _ = e.doJSON(t, http.MethodPost, "/v1/sessions/bob/end", "alice", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_DeclineWithoutCall(t *testing.T) {
	e := setupHandler(t, 0)
	e.doJSON(t, http.MethodPost, "/v1/sessions/alice", "bob", "")

	w, env := e.doJSON(t, http.MethodPost, "/v1/sessions/alice/decline", "bob", "")

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", env.Error.Code)
}

func TestHandler_ToggleMute(t *testing.T) {
	e := setupHandler(t, 0)
	e.doJSON(t, http.MethodPost, "/v1/sessions/bob", "alice", "")

	w, env := e.doJSON(t, http.MethodPost, "/v1/sessions/bob/mute", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.True(t, body["muted"])

	// Screen sharing needs a joined call
	w, _ = e.doJSON(t, http.MethodPost, "/v1/sessions/bob/screenshare", "alice", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_MessagesAndRead(t *testing.T) {
	e := setupHandler(t, 0)
	e.doJSON(t, http.MethodPost, "/v1/sessions/bob", "alice", "")
	e.doJSON(t, http.MethodPost, "/v1/sessions/alice", "bob", "")

	w, _ := e.doJSON(t, http.MethodPost, "/v1/sessions/bob/messages", "alice", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env := e.doJSON(t, http.MethodPost, "/v1/sessions/bob/messages", "alice", `{"text":"hello bob"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "hello bob", msg.Content)

	bobs, _ := e.registry.Lookup("bob")
	session, _ := bobs.Get("alice")
	require.Eventually(t, func() bool { return session.State().UnreadCount == 1 }, 2*time.Second, 10*time.Millisecond)

	w, env = e.doJSON(t, http.MethodPost, "/v1/sessions/alice/read", "bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decodeSnapshot(t, env).UnreadCount)
}

func multipartBody(t *testing.T, name, contentType string, data []byte, caption string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	if caption != "" {
		require.NoError(t, writer.WriteField("caption", caption))
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestHandler_SendFile(t *testing.T) {
	e := setupHandler(t, 0)
	e.doJSON(t, http.MethodPost, "/v1/sessions/bob", "alice", "")

	body, contentType := multipartBody(t, "diagram.png", "image/png", []byte("png-bytes"), "the diagram")
	w, env := e.do(t, http.MethodPost, "/v1/sessions/bob/files", "alice", body, contentType)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, domain.MessageTypeImage, msg.Type)
	assert.Equal(t, "the diagram", msg.Content)
	assert.Equal(t, "diagram.png", msg.FileName)
	assert.Contains(t, msg.FileURL, "diagram.png")
}

func TestHandler_SendFile_Missing(t *testing.T) {
	e := setupHandler(t, 0)
	e.doJSON(t, http.MethodPost, "/v1/sessions/bob", "alice", "")

	w, _ := e.doJSON(t, http.MethodPost, "/v1/sessions/bob/files", "alice", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SendFile_TooLarge(t *testing.T) {
	e := setupHandler(t, 1024)
	e.doJSON(t, http.MethodPost, "/v1/sessions/bob", "alice", "")

	body, contentType := multipartBody(t, "big.bin", "application/octet-stream", bytes.Repeat([]byte("x"), 2<<20), "")
	w, env := e.do(t, http.MethodPost, "/v1/sessions/bob/files", "alice", body, contentType)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UPLOAD_ERROR", env.Error.Code)
}

func TestHandler_History(t *testing.T) {
	e := setupHandler(t, 0)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.history.Record(ctx, &domain.CallHistoryEntry{
			CallID:    "call-" + string(rune('a'+i)),
			CallerID:  "alice",
			CalleeID:  "bob",
			CallType:  domain.CallTypeVideo,
			Outcome:   domain.CallStatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}))
	}

	w, env := e.doJSON(t, http.MethodGet, "/v1/history?limit=2", "bob", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page struct {
		Page    int                        `json:"page"`
		HasMore bool                       `json:"has_more"`
		Data    []*domain.CallHistoryEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.True(t, page.HasMore)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "call-c", page.Data[0].CallID)

	w, _ = e.doJSON(t, http.MethodGet, "/v1/history?page=x", "bob", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_EventsStream(t *testing.T) {
	e := setupHandler(t, 0)
	e.doJSON(t, http.MethodPost, "/v1/sessions/bob", "alice", "")

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	header := http.Header{}
	header.Set("X-User-ID", "alice")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/sessions/bob/events", header)
	require.NoError(t, err)
	defer conn.Close()

	var first call.Snapshot
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, call.StateIdle, first.State)

	online, err := e.presence.IsUserOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, online)

	w, _ := e.doJSON(t, http.MethodPost, "/v1/sessions/bob/messages", "alice", `{"text":"ping"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	for {
		var snap call.Snapshot
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&snap))
		assert.Greater(t, snap.Seq, first.Seq)
		if len(snap.Messages) == 1 {
			assert.Equal(t, "ping", snap.Messages[0].Content)
			return
		}
	}
}

func TestHandler_EventsStreamEndsPresence(t *testing.T) {
	e := setupHandler(t, 0)
	e.doJSON(t, http.MethodPost, "/v1/sessions/bob", "alice", "")

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	header := http.Header{}
	header.Set("X-User-ID", "alice")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/sessions/bob/events", header)
	require.NoError(t, err)

	var snap call.Snapshot
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&snap))
	conn.Close()

	assert.Eventually(t, func() bool {
		online, _ := e.presence.IsUserOnline(context.Background(), "alice")
		return !online
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_ListSessions(t *testing.T) {
	e := setupHandler(t, 0)
	e.doJSON(t, http.MethodPost, "/v1/sessions/carol", "alice", "")
	e.doJSON(t, http.MethodPost, "/v1/sessions/bob", "alice", "")

	w, env := e.doJSON(t, http.MethodGet, "/v1/sessions", "alice", "")

	require.Equal(t, http.StatusOK, w.Code)
	var snaps []call.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, "bob", snaps[0].PeerID)
	assert.Equal(t, "carol", snaps[1].PeerID)
}

func TestHandler_DismissChatError(t *testing.T) {
	e := setupHandler(t, 0)
	e.doJSON(t, http.MethodPost, "/v1/sessions/bob", "alice", "")

	alices, ok := e.registry.Lookup("alice")
	require.True(t, ok)
	session, ok := alices.Get("bob")
	require.True(t, ok)
	_, err := session.SendFileMessage(context.Background(), domain.FileUpload{
		Name:   "huge.bin",
		Size:   11 * 1024 * 1024,
		Reader: strings.NewReader(""),
	}, "")
	require.Error(t, err)
	require.NotNil(t, session.State().ChatError)

	w, env := e.doJSON(t, http.MethodDelete, "/v1/sessions/bob/chat-error", "alice", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decodeSnapshot(t, env).ChatError)
}
