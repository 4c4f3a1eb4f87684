package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceRepository_OnlineOffline(t *testing.T) {
	client, mr := setupRedis(t)
	repo := NewPresenceRepository(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, repo.SetUserOnline(ctx, "alice"))
	online, err := repo.IsUserOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	users, err := repo.GetOnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	mr.FastForward(2 * time.Minute)
	online, err = repo.IsUserOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	users, err = repo.GetOnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	// Refresh after expiry brings the user back
	require.NoError(t, repo.RefreshPresence(ctx, "alice"))
	online, err = repo.IsUserOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, repo.SetUserOffline(ctx, "alice"))
	online, err = repo.IsUserOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresenceRepository_SubscribePresence(t *testing.T) {
	client, _ := setupRedis(t)
	repo := NewPresenceRepository(client, time.Minute)
	ctx := context.Background()

	events, stop, err := repo.SubscribePresence(ctx, "bob")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, repo.SetUserOnline(ctx, "bob"))
	require.NoError(t, repo.SetUserOffline(ctx, "bob"))

	select {
	case v := <-events:
		assert.True(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no online event")
	}
	select {
	case v := <-events:
		assert.False(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no offline event")
	}
}

func TestChatEventBus(t *testing.T) {
	client, _ := setupRedis(t)
	bus := NewChatEventBus(client)
	ctx := context.Background()

	got := make(chan string, 4)
	unsub, err := bus.Subscribe(ctx, "alice_bob", func(id string) { got <- id })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "alice_bob", "m1"))
	require.NoError(t, bus.Publish(ctx, "carol_dave", "m2"))

	select {
	case id := <-got:
		assert.Equal(t, "m1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no chat event")
	}

	unsub()
	unsub()
	select {
	case id := <-got:
		t.Fatalf("unexpected event %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}
