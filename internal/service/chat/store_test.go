package chat

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sample-shop/backend/internal/model/chat"
)

func exerciseStore(t *testing.T, store HistoryStore) {
	t.Helper()
	ctx := context.Background()
	key := "session-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	gen, err := store.Generation(ctx, key)
	require.NoError(t, err)
	require.Empty(t, gen)
	require.ErrorIs(t, store.Append(ctx, key, "g1", chat.UserTurn("orphan", now)), ErrGenerationSuperseded)

	require.NoError(t, store.Begin(ctx, key, "g1"))
	gen, err = store.Generation(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "g1", gen)

	turns, err := store.Load(ctx, key, "g1")
	require.NoError(t, err)
	require.Empty(t, turns)

	require.NoError(t, store.Append(ctx, key, "g1", chat.UserTurn("Hi", now), chat.AssistantTurn("Hello!", now)))
	require.NoError(t, store.Append(ctx, key, "g1", chat.UserTurn("Products?", now)))

	turns, err = store.Load(ctx, key, "g1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, chat.RoleAssistant, turns[1].Role)
	require.Equal(t, "Products?", turns[2].Content)
	require.True(t, turns[0].CreatedAt.Equal(now))

	// A new generation drops the old turns and rejects late writes to it.
	require.NoError(t, store.Begin(ctx, key, "g2"))
	require.ErrorIs(t, store.Append(ctx, key, "g1", chat.UserTurn("late", now)), ErrGenerationSuperseded)
	turns, err = store.Load(ctx, key, "g1")
	require.NoError(t, err)
	require.Empty(t, turns)
	turns, err = store.Load(ctx, key, "g2")
	require.NoError(t, err)
	require.Empty(t, turns)

	require.NoError(t, store.Append(ctx, key, "g2", chat.UserTurn("again", now)))
	require.NoError(t, store.Clear(ctx, key))
	gen, err = store.Generation(ctx, key)
	require.NoError(t, err)
	require.Empty(t, gen)
	turns, err = store.Load(ctx, key, "g2")
	require.NoError(t, err)
	require.Empty(t, turns)
}

func newMiniRedisStore(t *testing.T, opts RedisStoreOptions) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, opts), mr
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreLoadReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Begin(ctx, "k", "g"))
	require.NoError(t, store.Append(ctx, "k", "g", chat.UserTurn("original", time.Now())))

	turns, err := store.Load(ctx, "k", "g")
	require.NoError(t, err)
	turns[0].Content = "mutated"

	turns, err = store.Load(ctx, "k", "g")
	require.NoError(t, err)
	require.Equal(t, "original", turns[0].Content)
}

func TestRedisStore(t *testing.T) {
	store, _ := newMiniRedisStore(t, RedisStoreOptions{Prefix: "sample-shop-test:", TTL: time.Minute})
	exerciseStore(t, store)
}

func TestRedisStoreKeysExpireWhenIdle(t *testing.T) {
	store, mr := newMiniRedisStore(t, RedisStoreOptions{Prefix: "shop:", TTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx, "visitor", "g1"))
	require.NoError(t, store.Append(ctx, "visitor", "g1", chat.UserTurn("hi", time.Now())))
	require.Equal(t, time.Minute, mr.TTL("shop:{visitor}:gen"))
	require.Equal(t, time.Minute, mr.TTL("shop:{visitor}:turns:g1"))

	// Activity pushes expiry out again.
	mr.FastForward(40 * time.Second)
	require.NoError(t, store.Append(ctx, "visitor", "g1", chat.AssistantTurn("hello", time.Now())))
	mr.FastForward(40 * time.Second)
	turns, err := store.Load(ctx, "visitor", "g1")
	require.NoError(t, err)
	require.Len(t, turns, 2)

	mr.FastForward(time.Minute)
	gen, err := store.Generation(ctx, "visitor")
	require.NoError(t, err)
	require.Empty(t, gen)
	require.False(t, mr.Exists("shop:{visitor}:turns:g1"))
	require.True(t, store.ExpiresIdle())
}

func TestRedisStorePersistentSessionNeverExpires(t *testing.T) {
	store, mr := newMiniRedisStore(t, RedisStoreOptions{
		Prefix:     "shop:",
		TTL:        time.Minute,
		Persistent: []string{"default"},
	})
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx, "default", "g1"))
	require.NoError(t, store.Append(ctx, "default", "g1", chat.UserTurn("hi", time.Now())))
	require.Zero(t, mr.TTL("shop:{default}:gen"))
	require.Zero(t, mr.TTL("shop:{default}:turns:g1"))

	mr.FastForward(24 * time.Hour)
	turns, err := store.Load(ctx, "default", "g1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
}

func TestManagersShareRedisConversation(t *testing.T) {
	store, mr := newMiniRedisStore(t, RedisStoreOptions{Prefix: "shop:", TTL: time.Hour})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = clientB.Close() })
	storeB := NewRedisStore(clientB, RedisStoreOptions{Prefix: "shop:", TTL: time.Hour})

	providerA, providerB := &fakeProvider{}, &fakeProvider{}
	a := NewManager(providerA, store, Options{DefaultSessionID: "default"})
	b := NewManager(providerB, storeB, Options{DefaultSessionID: "default"})
	ctx := context.Background()

	started, err := a.Ensure(ctx, "visitor")
	require.NoError(t, err)
	_, err = a.Send(ctx, "visitor", "first")
	require.NoError(t, err)

	// The second replica picks up the same generation and its history.
	joined, err := b.Ensure(ctx, "visitor")
	require.NoError(t, err)
	require.Equal(t, started.Generation, joined.Generation)
	_, err = b.Send(ctx, "visitor", "second")
	require.NoError(t, err)
	history := providerB.lastRequest(t).History
	require.Len(t, history, 2)
	require.Equal(t, "first", history[0].Content)

	// A reset on one replica isolates the next send on the other.
	_, err = b.Reset(ctx, "visitor")
	require.NoError(t, err)
	_, err = a.Send(ctx, "visitor", "after reset")
	require.NoError(t, err)
	require.Empty(t, providerA.lastRequest(t).History)

	turns, err := b.Transcript(ctx, "visitor")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "after reset", turns[0].Content)
}

func TestManagerAdoptsConversationAfterRestart(t *testing.T) {
	store, _ := newMiniRedisStore(t, RedisStoreOptions{Prefix: "shop:"})
	ctx := context.Background()

	before := NewManager(&fakeProvider{}, store, Options{})
	session, err := before.Ensure(ctx, "default")
	require.NoError(t, err)
	_, err = before.Send(ctx, "default", "remember me")
	require.NoError(t, err)

	provider := &fakeProvider{}
	after := NewManager(provider, store, Options{})
	restored, err := after.Ensure(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, session.Generation, restored.Generation)

	_, err = after.Send(ctx, "default", "still there?")
	require.NoError(t, err)
	require.Len(t, provider.lastRequest(t).History, 2)
}

func TestManagerForgetsExpiredRedisConversation(t *testing.T) {
	store, mr := newMiniRedisStore(t, RedisStoreOptions{Prefix: "shop:", TTL: time.Minute})
	m := NewManager(&fakeProvider{}, store, Options{})
	ctx := context.Background()

	_, err := m.Ensure(ctx, "visitor")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	_, err = m.Send(ctx, "visitor", "hello?")
	require.ErrorIs(t, err, ErrNotInitialized)
	require.Equal(t, chat.StateNotInitialized, m.State("visitor"))
}
