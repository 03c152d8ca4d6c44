package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhouzirui/sample-shop/backend/internal/model/chat"
)

// ErrGenerationSuperseded is returned when turns are appended to a generation
// that is no longer current. Nothing is written.
var ErrGenerationSuperseded = errors.New("session generation superseded")

// HistoryStore holds the current generation of each session key and the turns
// recorded for it. Processes sharing a store see the same conversation.
type HistoryStore interface {
	// Generation returns the current generation, or "" when there is none.
	Generation(ctx context.Context, sessionID string) (string, error)
	// Begin makes generation current and drops the previous one's turns.
	Begin(ctx context.Context, sessionID, generation string) error
	Load(ctx context.Context, sessionID, generation string) ([]chat.Turn, error)
	// Append writes only while generation is current.
	Append(ctx context.Context, sessionID, generation string, turns ...chat.Turn) error
	// Clear drops the generation and its turns.
	Clear(ctx context.Context, sessionID string) error
}

// idleExpirer is implemented by stores that expire idle sessions on their own.
// Local eviction leaves their data alone.
type idleExpirer interface {
	ExpiresIdle() bool
}

type memoryHistory struct {
	generation string
	turns      []chat.Turn
}

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryHistory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memoryHistory)}
}

func (s *MemoryStore) Generation(_ context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if h, ok := s.sessions[sessionID]; ok {
		return h.generation, nil
	}
	return "", nil
}

func (s *MemoryStore) Begin(_ context.Context, sessionID, generation string) error {
	s.mu.Lock()
	s.sessions[sessionID] = &memoryHistory{generation: generation}
	s.mu.Unlock()
	return nil
}

// Load returns a copy. Unknown keys and stale generations have no turns.
func (s *MemoryStore) Load(_ context.Context, sessionID, generation string) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.sessions[sessionID]
	if !ok || h.generation != generation {
		return []chat.Turn{}, nil
	}
	copied := make([]chat.Turn, len(h.turns))
	copy(copied, h.turns)
	return copied, nil
}

func (s *MemoryStore) Append(_ context.Context, sessionID, generation string, turns ...chat.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.sessions[sessionID]
	if !ok || h.generation != generation {
		return ErrGenerationSuperseded
	}
	h.turns = append(h.turns, turns...)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

var _ HistoryStore = (*MemoryStore)(nil)
