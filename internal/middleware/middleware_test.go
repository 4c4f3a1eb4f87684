package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillswap-backend/internal/database"
	"skillswap-backend/pkg/jwt"
	"skillswap-backend/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIdentity(t *testing.T) {
	router := gin.New()
	router.GET("/me", Identity(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.GetString("user_id"), "name": c.GetString("user_name")})
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-User-ID", " alice ")
	req.Header.Set("X-User-Name", "Alice")
	w = serve(router, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"alice","name":"Alice"}`, w.Body.String())
}

func TestRoomAuth(t *testing.T) {
	tokens := jwt.NewRoomTokenManager("room-secret-for-middleware-tests-012345", time.Hour)
	router := gin.New()
	router.GET("/ws/room/:room", RoomAuth(tokens), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("identity"))
	})

	token, err := tokens.IssueRoomToken("call-1", "alice")
	require.NoError(t, err)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/ws/room/call-1?token="+token, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/ws/room/call-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = serve(router, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/ws/room/call-2?token="+token, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/ws/room/call-1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCORSMiddleware(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.skillswap.example")
	router := gin.New()
	router.Use(CORSMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://app.skillswap.example")
	w := serve(router, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.skillswap.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.Equal(t, http.StatusForbidden, serve(router, req).Code)

	req = httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, serve(router, req).Code)
}

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRateLimiter(database.WrapRedisClient(client), 2, time.Minute)
	limiter.now = func() time.Time { return time.Unix(1_800_000_000, 0) }

	router := gin.New()
	router.POST("/call", func(c *gin.Context) {
		c.Set("user_id", c.GetHeader("X-User-ID"))
		c.Next()
	}, limiter.Middleware("call"), func(c *gin.Context) { c.Status(http.StatusCreated) })

	call := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/call", nil)
		req.Header.Set("X-User-ID", user)
		return serve(router, req)
	}

	assert.Equal(t, http.StatusCreated, call("alice").Code)
	w := call("alice")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusTooManyRequests, call("alice").Code)

	// Limits are per caller
	assert.Equal(t, http.StatusCreated, call("bob").Code)

	// A new window starts fresh
	limiter.now = func() time.Time { return time.Unix(1_800_000_000, 0).Add(time.Minute) }
	assert.Equal(t, http.StatusCreated, call("alice").Code)
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	limiter := NewRateLimiter(database.WrapRedisClient(client), 1, time.Minute)
	router := gin.New()
	router.POST("/call", limiter.Middleware("call"), func(c *gin.Context) { c.Status(http.StatusCreated) })

	assert.Equal(t, http.StatusCreated, serve(router, httptest.NewRequest(http.MethodPost, "/call", nil)).Code)
	assert.Equal(t, http.StatusCreated, serve(router, httptest.NewRequest(http.MethodPost, "/call", nil)).Code)
}

func TestRecovery(t *testing.T) {
	router := gin.New()
	router.Use(RequestLogger(), Recovery())
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := serve(router, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestHealthCheck(t *testing.T) {
	router := gin.New()
	router.Use(HealthCheck("call-agent"))

	w := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"call-agent"}`, w.Body.String())
}

func TestPrometheusMiddleware(t *testing.T) {
	m := metrics.NewMetrics("middleware-test")
	router := gin.New()
	router.Use(NewPrometheusMiddleware(m).Handler())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", MetricsHandler(m))

	serve(router, httptest.NewRequest(http.MethodGet, "/ping", nil))
	w := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `http_requests_total{endpoint="/ping",method="GET",service="middleware-test",status="200"} 1`)
}
