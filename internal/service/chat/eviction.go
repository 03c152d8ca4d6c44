package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SetEvictionConfig sets how long a session may stay idle and how often the
// eviction loop checks. Zero values disable eviction.
func (m *Manager) SetEvictionConfig(idle, interval time.Duration) {
	m.mu.Lock()
	m.evictIdle = idle
	m.evictInterval = interval
	m.mu.Unlock()
}

// StartEvictionLoop runs idle eviction until ctx is done. It is a no-op when
// eviction is disabled or the loop already runs.
func (m *Manager) StartEvictionLoop(ctx context.Context) {
	m.mu.Lock()
	if m.evictRunning {
		m.mu.Unlock()
		return
	}
	idle := m.evictIdle
	interval := m.evictInterval
	if idle <= 0 || interval <= 0 {
		m.mu.Unlock()
		return
	}
	m.evictRunning = true
	m.mu.Unlock()

	go m.runEvictionLoop(ctx, interval)
}

func (m *Manager) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.evictRunning = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			if n := m.evictIdleOnce(ctx, m.now()); n > 0 {
				log.Info().Int("evicted", n).Msg("evicted idle chat sessions")
			}
		}
	}
}

// evictIdleOnce drops idle sessions and returns how many were removed. The
// default session and sessions with a send in flight are kept.
func (m *Manager) evictIdleOnce(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	idle := m.evictIdle
	if idle <= 0 {
		m.mu.Unlock()
		return 0
	}
	candidates := make([]*sessionEntry, 0, len(m.sessions))
	for id, entry := range m.sessions {
		if id == m.defaultID {
			continue
		}
		if now.Sub(entry.session.LastActiveAt) >= idle {
			candidates = append(candidates, entry)
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, entry := range candidates {
		if !entry.sendMu.TryLock() {
			continue
		}

		m.mu.Lock()
		current, ok := m.sessions[entry.session.ID]
		stillIdle := ok && current == entry && now.Sub(entry.session.LastActiveAt) >= idle
		if stillIdle {
			m.epoch++
			delete(m.sessions, entry.session.ID)
		}
		m.mu.Unlock()
		entry.sendMu.Unlock()

		if !stillIdle {
			continue
		}
		if err := m.clearEvicted(ctx, entry); err != nil {
			log.Warn().Err(err).Str("session_id", entry.session.ID).Msg("failed to clear evicted history")
		}
		evicted++
	}
	return evicted
}

// clearEvicted drops the stored history of an evicted entry. Stores that
// expire idle sessions themselves are left alone, and a generation started
// by another process is never cleared.
func (m *Manager) clearEvicted(ctx context.Context, entry *sessionEntry) error {
	if exp, ok := m.store.(idleExpirer); ok && exp.ExpiresIdle() {
		return nil
	}
	gen, err := m.store.Generation(ctx, entry.session.ID)
	if err != nil {
		return err
	}
	if gen != entry.session.Generation {
		return nil
	}
	return m.store.Clear(ctx, entry.session.ID)
}
