package network

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/events"
)

// Manager tracks the live sessions of the proxy.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	eventBus *events.EventBus

	watchMu  sync.RWMutex
	onAdded  []func(s *Session)
	onClosed []func(s *Session)
}

// NewManager creates a session manager. eventBus may be nil.
func NewManager(eventBus *events.EventBus) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		eventBus: eventBus,
	}
}

// WatchAdded registers fn to run synchronously whenever a session is added.
func (m *Manager) WatchAdded(fn func(s *Session)) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	m.onAdded = append(m.onAdded, fn)
}

// WatchClosed registers fn to run when a tracked session closes.
func (m *Manager) WatchClosed(fn func(s *Session)) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	m.onClosed = append(m.onClosed, fn)
}

// Add starts tracking s. It returns false if a session with the same id is
// already tracked. Added watchers and the session_added event run before Add
// returns.
func (m *Manager) Add(s *Session) bool {
	m.mu.Lock()
	if _, exists := m.sessions[s.ID()]; exists {
		m.mu.Unlock()
		return false
	}
	m.sessions[s.ID()] = s
	count := len(m.sessions)
	m.mu.Unlock()

	log.Debug().Str("session_id", s.ID()).Int("sessions", count).Msg("session added")

	m.watchMu.RLock()
	added := m.onAdded
	m.watchMu.RUnlock()
	for _, fn := range added {
		fn(s)
	}

	if m.eventBus != nil {
		m.eventBus.EmitSync(context.Background(), events.Event{
			Type:    events.EventSessionAdded,
			Source:  "session_manager",
			Payload: sessionPayload(s),
		})
	}

	s.OnClosed(m.sessionClosed)
	return true
}

func (m *Manager) sessionClosed(s *Session) {
	m.Remove(s.ID())

	m.watchMu.RLock()
	closed := m.onClosed
	m.watchMu.RUnlock()
	for _, fn := range closed {
		fn(s)
	}

	if m.eventBus != nil {
		m.eventBus.Emit(context.Background(), events.Event{
			Type:    events.EventSessionClosed,
			Source:  "session_manager",
			Payload: sessionPayload(s),
		})
	}
}

// Remove stops tracking id. Removing an unknown id is a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// All returns a snapshot of the tracked sessions, oldest first.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt().Before(out[j].StartedAt())
	})
	return out
}

// Find returns the sessions whose client IP or player UUID equals target.
func (m *Manager) Find(target string) []*Session {
	if target == "" {
		return nil
	}
	var out []*Session
	for _, s := range m.All() {
		if s.RemoteIP() == target || s.Player().Info().UUID == target {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every tracked session.
func (m *Manager) CloseAll() {
	sessions := m.All()
	for _, s := range sessions {
		s.Close()
	}
	if len(sessions) > 0 {
		log.Info().Int("sessions", len(sessions)).Msg("closed all sessions")
	}
}

func sessionPayload(s *Session) events.SessionPayload {
	p := s.Player().Info()
	return events.SessionPayload{
		SessionID:  s.ID(),
		RemoteAddr: s.RemoteAddr(),
		PlayerName: p.Name,
		PlayerUUID: p.UUID,
		StartedAt:  s.StartedAt(),
		Duration:   time.Since(s.StartedAt()),
	}
}
