package presence

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(slog.Default(), rdb, ttl), mr
}

func TestStore_AddAndListOnline(t *testing.T) {
	store, _ := newTestStore(t, 90*time.Second)
	ctx := context.Background()

	require.NoError(t, store.AddOnline(ctx, "alice"))
	require.NoError(t, store.AddOnline(ctx, "bob"))

	users, err := store.ListOnline(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)
}

func TestStore_AddOnlineIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t, 90*time.Second)
	ctx := context.Background()

	require.NoError(t, store.AddOnline(ctx, "alice"))
	require.NoError(t, store.AddOnline(ctx, "alice"))

	users, err := store.ListOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
}

func TestStore_RemoveOnline(t *testing.T) {
	store, mr := newTestStore(t, 90*time.Second)
	ctx := context.Background()

	require.NoError(t, store.AddOnline(ctx, "alice"))
	require.NoError(t, store.RemoveOnline(ctx, "alice"))

	users, err := store.ListOnline(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.False(t, mr.Exists("online_users:hb:alice"))
}

func TestStore_RemoveOnlineUnknownIdentity(t *testing.T) {
	store, _ := newTestStore(t, 90*time.Second)

	// Removing an identity that was never added is not an error.
	assert.NoError(t, store.RemoveOnline(context.Background(), "ghost"))
}

func TestStore_IsOnline(t *testing.T) {
	store, mr := newTestStore(t, 90*time.Second)
	ctx := context.Background()

	online, err := store.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, store.AddOnline(ctx, "alice"))
	online, err = store.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	// Expired heartbeat means offline even while the set member lingers.
	mr.FastForward(91 * time.Second)
	online, err = store.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestStore_HeartbeatRefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t, 90*time.Second)
	ctx := context.Background()

	require.NoError(t, store.AddOnline(ctx, "alice"))

	mr.FastForward(60 * time.Second)
	require.NoError(t, store.Heartbeat(ctx, "alice"))

	// Without the refresh the original TTL would have lapsed here.
	mr.FastForward(60 * time.Second)
	online, err := store.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestStore_HeartbeatWithoutMembershipIsNoop(t *testing.T) {
	store, mr := newTestStore(t, 90*time.Second)
	ctx := context.Background()

	require.NoError(t, store.Heartbeat(ctx, "ghost"))
	assert.False(t, mr.Exists("online_users:hb:ghost"))
}

func TestStore_SweepCollectsExpired(t *testing.T) {
	store, mr := newTestStore(t, 90*time.Second)
	ctx := context.Background()

	require.NoError(t, store.AddOnline(ctx, "alice"))
	require.NoError(t, store.AddOnline(ctx, "bob"))

	mr.FastForward(60 * time.Second)
	require.NoError(t, store.Heartbeat(ctx, "bob"))

	// alice's heartbeat lapses, bob's refreshed one survives.
	mr.FastForward(45 * time.Second)

	expired, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, expired)

	users, err := store.ListOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, users)
}

func TestStore_SweepIsQuietWhenHealthy(t *testing.T) {
	store, _ := newTestStore(t, 90*time.Second)
	ctx := context.Background()

	require.NoError(t, store.AddOnline(ctx, "alice"))

	expired, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestStore_RunSweeperInvokesCallback(t *testing.T) {
	store, mr := newTestStore(t, 1*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.AddOnline(ctx, "alice"))
	mr.FastForward(2 * time.Second)

	expiredCh := make(chan string, 1)
	go store.RunSweeper(ctx, 50*time.Millisecond, func(id string) {
		select {
		case expiredCh <- id:
		default:
		}
	})

	select {
	case id := <-expiredCh:
		assert.Equal(t, "alice", id)
	case <-time.After(3 * time.Second):
		t.Fatal("sweeper never reported the expired identity")
	}
}
