package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/sample-shop/backend/internal/model/chat"
	"github.com/zhouzirui/sample-shop/backend/internal/service/ai"
)

var (
	// ErrNotInitialized is returned when a session key has no active conversation.
	ErrNotInitialized = errors.New("chat session not initialized")
	// ErrSessionReset is returned when the remote call failed and the
	// conversation was replaced with a fresh one.
	ErrSessionReset = errors.New("chat call failed, session reset")
	// ErrProviderUnavailable marks sends attempted without a configured provider.
	ErrProviderUnavailable = errors.New("ai provider not configured")
)

const (
	// FallbackReply is shown to the user whenever a remote call fails.
	FallbackReply = "Sorry, I am unable to respond right now. My memory has been reset. Please try your question again."
	// ResetNotice acknowledges an explicit reset.
	ResetNotice = "Chat history has been reset. Start a new conversation!"
)

// Options configures a Manager.
type Options struct {
	SystemInstruction string
	DefaultSessionID  string
	// HistoryLimit caps how many past turns are sent with each message; 0 sends all.
	HistoryLimit int
	Now          func() time.Time
}

// Manager owns one conversation per session key and routes messages to the
// remote chat provider. Any provider failure discards the conversation.
type Manager struct {
	provider     ai.Provider
	store        HistoryStore
	system       string
	defaultID    string
	historyLimit int
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	// epoch changes whenever this process rewrites a generation in the store.
	epoch uint64

	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

// sessionEntry is the local view of one generation of a conversation. A reset
// installs a new entry instead of editing this one.
type sessionEntry struct {
	sendMu  sync.Mutex
	session chat.Session
}

// NewManager builds a manager. provider may be nil, in which case every send
// fails and resets the session.
func NewManager(provider ai.Provider, store HistoryStore, opts Options) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	defaultID := opts.DefaultSessionID
	if defaultID == "" {
		defaultID = "default"
	}

	return &Manager{
		provider:     provider,
		store:        store,
		system:       opts.SystemInstruction,
		defaultID:    defaultID,
		historyLimit: opts.HistoryLimit,
		now:          now,
		sessions:     make(map[string]*sessionEntry),
	}
}

// DefaultSessionID is the key used by callers that do not identify themselves.
func (m *Manager) DefaultSessionID() string {
	return m.defaultID
}

// SystemInstruction returns the instruction every session is bound to.
func (m *Manager) SystemInstruction() string {
	return m.system
}

// State reports whether sessionID currently has a conversation.
func (m *Manager) State(sessionID string) chat.State {
	if _, ok := m.lookup(sessionID); ok {
		return chat.StateActive
	}
	return chat.StateNotInitialized
}

// Session returns the active session for sessionID.
func (m *Manager) Session(sessionID string) (chat.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[sessionID]
	if !ok {
		return chat.Session{}, false
	}
	return entry.session, true
}

// Initialize starts a new conversation for sessionID, replacing any existing one.
// The new generation is recorded in the store first so other processes
// sharing it stop using the old one.
func (m *Manager) Initialize(ctx context.Context, sessionID string) (chat.Session, error) {
	now := m.now()
	entry := &sessionEntry{session: chat.Session{
		ID:           sessionID,
		Generation:   uuid.NewString(),
		CreatedAt:    now,
		LastActiveAt: now,
	}}

	log.Info().Str("session_id", sessionID).Str("generation", entry.session.Generation).Msg("initializing new chat session")

	if err := m.store.Begin(ctx, sessionID, entry.session.Generation); err != nil {
		return chat.Session{}, errors.Wrap(err, "begin conversation")
	}

	m.mu.Lock()
	m.epoch++
	m.sessions[sessionID] = entry
	m.mu.Unlock()
	return entry.session, nil
}

// Ensure returns the active session for sessionID, initializing one when
// the key has no conversation yet. An existing session counts as active from now.
func (m *Manager) Ensure(ctx context.Context, sessionID string) (chat.Session, error) {
	entry, err := m.resolve(ctx, sessionID)
	if err == nil {
		m.touch(entry, m.now())
		m.mu.Lock()
		session := entry.session
		m.mu.Unlock()
		return session, nil
	}
	if !errors.Is(err, ErrNotInitialized) {
		return chat.Session{}, err
	}
	return m.Initialize(ctx, sessionID)
}

// Reset discards the conversation for sessionID and starts a new one.
func (m *Manager) Reset(ctx context.Context, sessionID string) (chat.Session, error) {
	return m.Initialize(ctx, sessionID)
}

// Send forwards text to the session's conversation and returns the reply.
// text is passed through unchanged, including when empty.
func (m *Manager) Send(ctx context.Context, sessionID, text string) (string, error) {
	return m.exchange(ctx, sessionID, text, nil)
}

// Stream behaves like Send and also reports reply fragments to onDelta as
// they arrive.
func (m *Manager) Stream(ctx context.Context, sessionID, text string, onDelta func(string) error) (string, error) {
	return m.exchange(ctx, sessionID, text, onDelta)
}

// Transcript returns the recorded turns of the active conversation.
func (m *Manager) Transcript(ctx context.Context, sessionID string) ([]chat.Turn, error) {
	entry, err := m.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.store.Load(ctx, sessionID, entry.session.Generation)
}

// Remove drops the conversation for sessionID entirely.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	if err := m.store.Clear(ctx, sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	m.epoch++
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) exchange(ctx context.Context, sessionID, text string, onDelta func(string) error) (string, error) {
	entry, err := m.resolve(ctx, sessionID)
	if err != nil {
		return "", err
	}

	entry.sendMu.Lock()
	defer entry.sendMu.Unlock()

	reply, err := m.call(ctx, entry, text, onDelta)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Str("generation", entry.session.Generation).Msg("chat call failed, resetting session")
		m.replace(ctx, entry)
		return "", errors.Wrap(ErrSessionReset, err.Error())
	}

	now := m.now()
	err = m.store.Append(ctx, sessionID, entry.session.Generation, chat.UserTurn(text, now), chat.AssistantTurn(reply, now))
	switch {
	case errors.Is(err, ErrGenerationSuperseded):
		// Reset while this call was in flight; the reply belongs to nobody's history.
		log.Debug().Str("session_id", sessionID).Str("generation", entry.session.Generation).Msg("dropping turn for superseded generation")
	case err != nil:
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to record chat turn")
	}

	m.touch(entry, now)
	return reply, nil
}

func (m *Manager) call(ctx context.Context, entry *sessionEntry, text string, onDelta func(string) error) (string, error) {
	if m.provider == nil {
		return "", ErrProviderUnavailable
	}

	history, err := m.store.Load(ctx, entry.session.ID, entry.session.Generation)
	if err != nil {
		return "", err
	}
	if m.historyLimit > 0 && len(history) > m.historyLimit {
		history = history[len(history)-m.historyLimit:]
	}

	req := ai.Request{System: m.system, History: history, Message: text}
	if onDelta != nil {
		return ai.StreamOrGenerate(ctx, m.provider, req, onDelta)
	}
	return m.provider.Generate(ctx, req)
}

// replace installs a fresh conversation unless stale was already superseded,
// locally or by another process sharing the store.
func (m *Manager) replace(ctx context.Context, stale *sessionEntry) {
	m.mu.Lock()
	current, ok := m.sessions[stale.session.ID]
	m.mu.Unlock()
	if ok && current != stale {
		return
	}

	// Detached so that a cancelled request still leaves a usable session behind.
	ctx = context.WithoutCancel(ctx)
	if gen, err := m.store.Generation(ctx, stale.session.ID); err == nil && gen != "" && gen != stale.session.Generation {
		return
	}
	if _, err := m.Initialize(ctx, stale.session.ID); err != nil {
		log.Warn().Err(err).Str("session_id", stale.session.ID).Msg("failed to start replacement session")
	}
}

// touch records activity and reports whether entry is still the current generation.
func (m *Manager) touch(entry *sessionEntry, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[entry.session.ID]
	if !ok || current != entry {
		return false
	}
	entry.session.LastActiveAt = now
	return true
}

// resolve returns the local entry for sessionID after reconciling it with the
// generation held by the store. A generation started elsewhere is adopted; a
// generation gone from the store (expired or cleared) drops the local entry.
func (m *Manager) resolve(ctx context.Context, sessionID string) (*sessionEntry, error) {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	gen, err := m.store.Generation(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[sessionID]
	if m.epoch != epoch {
		// A local write landed after the read above; the local view is newer.
		if !ok {
			return nil, ErrNotInitialized
		}
		return entry, nil
	}

	switch {
	case gen == "":
		delete(m.sessions, sessionID)
		return nil, ErrNotInitialized
	case ok && entry.session.Generation == gen:
		return entry, nil
	}

	now := m.now()
	entry = &sessionEntry{session: chat.Session{
		ID:           sessionID,
		Generation:   gen,
		CreatedAt:    now,
		LastActiveAt: now,
	}}
	m.sessions[sessionID] = entry
	log.Debug().Str("session_id", sessionID).Str("generation", gen).Msg("adopted chat session from store")
	return entry, nil
}

func (m *Manager) lookup(sessionID string) (*sessionEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[sessionID]
	return entry, ok
}
