package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillswap-backend/internal/database"
	"skillswap-backend/internal/middleware"
	"skillswap-backend/internal/repository/redis"
	"skillswap-backend/pkg/push"
)

func setupPushHandler(t *testing.T) (*gin.Engine, *redis.PushTokenRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	repo := redis.NewPushTokenRepository(database.WrapRedisClient(client))

	h := NewHandler(push.NewService(&push.MockProvider{}, repo))
	router := gin.New()
	h.RegisterRoutes(router.Group("/v1", middleware.Identity()))
	return router, repo
}

func send(router *gin.Engine, method, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/push/tokens", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "bob")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRegisterToken(t *testing.T) {
	router, repo := setupPushHandler(t)

	w := send(router, http.MethodPost, `{"token":"device-1","type":"fcm","platform":"android"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	tokens, err := repo.GetByUserID(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "device-1", tokens[0].Token)
	assert.Equal(t, push.TokenTypeFCM, tokens[0].Type)
}

func TestRegisterToken_Validation(t *testing.T) {
	router, _ := setupPushHandler(t)

	assert.Equal(t, http.StatusBadRequest, send(router, http.MethodPost, `{"type":"fcm"}`).Code)
	assert.Equal(t, http.StatusBadRequest, send(router, http.MethodPost, `{"token":"x","type":"pager"}`).Code)
	assert.Equal(t, http.StatusBadRequest, send(router, http.MethodPost, `{"token":"x","type":"apns","platform":"toaster"}`).Code)
}

func TestUnregisterAllTokens(t *testing.T) {
	router, repo := setupPushHandler(t)
	require.Equal(t, http.StatusOK, send(router, http.MethodPost, `{"token":"device-1","type":"apns","platform":"ios"}`).Code)

	w := send(router, http.MethodDelete, "")
	require.Equal(t, http.StatusOK, w.Code)

	tokens, err := repo.GetByUserID(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}
