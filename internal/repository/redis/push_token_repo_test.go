package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillswap-backend/pkg/push"
)

func TestPushTokenRepository(t *testing.T) {
	client, _ := setupRedis(t)
	repo := NewPushTokenRepository(client)
	ctx := context.Background()

	token := &push.Token{UserID: "bob", Token: "device-token-1", Type: push.TokenTypeFCM, Platform: "android"}
	require.NoError(t, repo.Store(ctx, token))
	assert.NotEmpty(t, token.ID)

	tokens, err := repo.GetByUserID(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.True(t, tokens[0].Active)

	require.NoError(t, repo.MarkInactive(ctx, "device-token-1"))
	got, err := repo.GetByToken(ctx, "device-token-1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	// Re-registering the device to another user drops it from bob's set
	got.UserID = "carol"
	got.Active = true
	require.NoError(t, repo.Update(ctx, got))
	tokens, err = repo.GetByUserID(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, tokens)

	require.NoError(t, repo.DeleteByUserID(ctx, "carol"))
	got, err = repo.GetByToken(ctx, "device-token-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
