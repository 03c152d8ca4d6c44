package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sample-shop/backend/internal/model/chat"
	"github.com/zhouzirui/sample-shop/backend/internal/service/ai"
)

const testInstruction = "You are the assistant for 'The Sample Shop'."

type fakeProvider struct {
	mu       sync.Mutex
	requests []ai.Request
	failNext bool
	reply    func(req ai.Request) string
	block    chan struct{}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(ctx context.Context, req ai.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.failNext
	f.failNext = false
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return "", errors.New("remote unavailable")
	}
	if f.reply != nil {
		return f.reply(req), nil
	}
	return "reply to " + req.Message, nil
}

func (f *fakeProvider) lastRequest(t *testing.T) ai.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestManager(provider ai.Provider) *Manager {
	return NewManager(provider, NewMemoryStore(), Options{
		SystemInstruction: testInstruction,
		DefaultSessionID:  "default",
	})
}

func TestSendAfterStartup(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(provider)
	ctx := context.Background()

	_, err := m.Initialize(ctx, m.DefaultSessionID())
	require.NoError(t, err)
	require.Equal(t, chat.StateActive, m.State("default"))

	reply, err := m.Send(ctx, "default", "What's the price of Sample Product 1?")
	require.NoError(t, err)
	require.Equal(t, "reply to What's the price of Sample Product 1?", reply)
}

func TestSendUninitializedSession(t *testing.T) {
	m := newTestManager(&fakeProvider{})

	require.Equal(t, chat.StateNotInitialized, m.State("someone"))
	_, err := m.Send(context.Background(), "someone", "hi")
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestSendKeepsHistoryAcrossTurns(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(provider)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "default")
	require.NoError(t, err)

	_, err = m.Send(ctx, "default", "Hi")
	require.NoError(t, err)
	_, err = m.Send(ctx, "default", "What products do you have?")
	require.NoError(t, err)

	req := provider.lastRequest(t)
	require.Equal(t, testInstruction, req.System)
	require.Len(t, req.History, 2)
	require.Equal(t, chat.RoleUser, req.History[0].Role)
	require.Equal(t, "Hi", req.History[0].Content)
	require.Equal(t, chat.RoleAssistant, req.History[1].Role)
	require.Equal(t, "reply to Hi", req.History[1].Content)

	turns, err := m.Transcript(ctx, "default")
	require.NoError(t, err)
	require.Len(t, turns, 4)
}

func TestFailureResetsSession(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(provider)
	ctx := context.Background()
	before, err := m.Initialize(ctx, "default")
	require.NoError(t, err)

	_, err = m.Send(ctx, "default", "remember the number 7")
	require.NoError(t, err)

	provider.failNext = true
	_, err = m.Send(ctx, "default", "what number?")
	require.ErrorIs(t, err, ErrSessionReset)

	after, ok := m.Session("default")
	require.True(t, ok)
	require.NotEqual(t, before.Generation, after.Generation)

	_, err = m.Send(ctx, "default", "what number?")
	require.NoError(t, err)
	require.Empty(t, provider.lastRequest(t).History, "no turn may survive a forced reset")
}

func TestResetThenSend(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(provider)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "default")
	require.NoError(t, err)

	_, err = m.Send(ctx, "default", "Hi")
	require.NoError(t, err)

	_, err = m.Reset(ctx, "default")
	require.NoError(t, err)

	reply, err := m.Send(ctx, "default", "hello")
	require.NoError(t, err)
	require.Equal(t, "reply to hello", reply)
	require.Empty(t, provider.lastRequest(t).History)

	turns, err := m.Transcript(ctx, "default")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "hello", turns[0].Content)
}

func TestResetUnknownSessionSucceeds(t *testing.T) {
	m := newTestManager(&fakeProvider{})

	session, err := m.Reset(context.Background(), "fresh")
	require.NoError(t, err)
	require.Equal(t, "fresh", session.ID)
	require.NotEmpty(t, session.Generation)
	require.Equal(t, chat.StateActive, m.State("fresh"))
}

func TestSessionsAreIsolated(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(provider)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		_, err := m.Initialize(ctx, id)
		require.NoError(t, err)
	}

	_, err := m.Send(ctx, "alice", "I like product 2")
	require.NoError(t, err)
	_, err = m.Send(ctx, "bob", "hello")
	require.NoError(t, err)

	require.Empty(t, provider.lastRequest(t).History)
}

func TestSendWithoutProviderResets(t *testing.T) {
	m := newTestManager(nil)
	ctx := context.Background()
	before, err := m.Initialize(ctx, "default")
	require.NoError(t, err)

	_, err = m.Send(ctx, "default", "hi")
	require.ErrorIs(t, err, ErrSessionReset)

	after, ok := m.Session("default")
	require.True(t, ok)
	require.NotEqual(t, before.Generation, after.Generation)
}

func TestEmptyMessagePassedThrough(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(provider)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "default")
	require.NoError(t, err)

	_, err = m.Send(ctx, "default", "")
	require.NoError(t, err)
	require.Equal(t, "", provider.lastRequest(t).Message)
}

func TestReplyForSupersededSessionIsNotRecorded(t *testing.T) {
	provider := &fakeProvider{block: make(chan struct{})}
	m := newTestManager(provider)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "default")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Send(ctx, "default", "slow question")
		done <- err
	}()

	require.Eventually(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return len(provider.requests) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = m.Reset(ctx, "default")
	require.NoError(t, err)

	close(provider.block)
	require.NoError(t, <-done)

	turns, err := m.Transcript(ctx, "default")
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestHistoryLimit(t *testing.T) {
	provider := &fakeProvider{}
	m := NewManager(provider, NewMemoryStore(), Options{HistoryLimit: 2})
	ctx := context.Background()
	_, err := m.Initialize(ctx, "default")
	require.NoError(t, err)

	for _, msg := range []string{"one", "two", "three"} {
		_, err := m.Send(ctx, "default", msg)
		require.NoError(t, err)
	}

	history := provider.lastRequest(t).History
	require.Len(t, history, 2)
	require.Equal(t, "two", history[0].Content)
}

func TestStreamDeliversDeltas(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(provider)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "default")
	require.NoError(t, err)

	var deltas []string
	reply, err := m.Stream(ctx, "default", "hi", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "reply to hi", reply)
	require.Equal(t, []string{"reply to hi"}, deltas)
}

func TestTranscriptUninitialized(t *testing.T) {
	m := newTestManager(&fakeProvider{})
	_, err := m.Transcript(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestRemove(t *testing.T) {
	m := newTestManager(&fakeProvider{})
	ctx := context.Background()
	_, err := m.Initialize(ctx, "temp")
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, "temp"))
	require.Equal(t, chat.StateNotInitialized, m.State("temp"))
	require.NoError(t, m.Remove(ctx, "temp"))
}

func TestEnsureInitializesOnce(t *testing.T) {
	m := newTestManager(&fakeProvider{})
	ctx := context.Background()

	first, err := m.Ensure(ctx, "visitor")
	require.NoError(t, err)
	require.Equal(t, chat.StateActive, m.State("visitor"))

	second, err := m.Ensure(ctx, "visitor")
	require.NoError(t, err)
	require.Equal(t, first.Generation, second.Generation)
}

func TestEnsureRefreshesActivity(t *testing.T) {
	clock := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(&fakeProvider{}, NewMemoryStore(), Options{
		Now: func() time.Time { return clock },
	})
	m.SetEvictionConfig(10*time.Minute, time.Minute)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "visitor")
	require.NoError(t, err)

	clock = clock.Add(15 * time.Minute)
	session, err := m.Ensure(ctx, "visitor")
	require.NoError(t, err)
	require.Equal(t, clock, session.LastActiveAt)

	// An eviction pass between Ensure and Send keeps the session.
	require.Equal(t, 0, m.evictIdleOnce(ctx, clock.Add(time.Minute)))
	_, err = m.Send(ctx, "visitor", "still here")
	require.NoError(t, err)
}
