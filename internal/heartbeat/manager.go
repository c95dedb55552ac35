// Package heartbeat watches live sessions: it kicks sessions that went
// silent, prunes expired bans and publishes a periodic status heartbeat.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/config"
	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/network"
)

// IdleKickReason is sent to clients disconnected for inactivity.
const IdleKickReason = "Disconnected for inactivity."

const banCleanupInterval = 10 * time.Minute

// BanCleaner removes bans that have expired.
type BanCleaner interface {
	CleanExpiredBans(ctx context.Context) (int64, error)
}

// Manager runs the periodic session checks.
type Manager struct {
	cfg      *config.Config
	sessions *network.Manager
	eventBus *events.EventBus
	bans     BanCleaner
	logger   zerolog.Logger
	now      func() time.Time
	started  time.Time

	mu      sync.Mutex
	watched map[string]*network.Session
}

// NewManager creates a heartbeat manager and starts watching sessions added
// to sessions. bans and eventBus may be nil.
func NewManager(cfg *config.Config, sessions *network.Manager, eventBus *events.EventBus, bans BanCleaner) *Manager {
	m := &Manager{
		cfg:      cfg,
		sessions: sessions,
		eventBus: eventBus,
		bans:     bans,
		logger:   log.With().Str("component", "heartbeat").Logger(),
		now:      time.Now,
		started:  time.Now(),
		watched:  make(map[string]*network.Session),
	}
	sessions.WatchAdded(m.watch)
	sessions.WatchClosed(m.unwatch)
	return m
}

func (m *Manager) watch(s *network.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[s.ID()] = s
}

func (m *Manager) unwatch(s *network.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, s.ID())
}

// Watched returns the number of sessions being monitored.
func (m *Manager) Watched() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watched)
}

func (m *Manager) snapshot() []*network.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*network.Session, 0, len(m.watched))
	for _, s := range m.watched {
		out = append(out, s)
	}
	return out
}

// Start launches the checks and blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	proxy := m.cfg.GetProxy()

	checks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"idle_sessions", proxy.HeartbeatInterval(), m.checkIdleSessions},
		{"status", proxy.HeartbeatInterval(), m.publishStatus},
		{"expired_bans", banCleanupInterval, m.cleanBans},
	}

	var wg sync.WaitGroup
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}

		check := check
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(check.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Dur("interval", proxy.HeartbeatInterval()).Msg("heartbeat started")

	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("heartbeat stopped")
}

// checkIdleSessions kicks every watched session whose last read or write is
// older than the idle timeout. A zero timeout disables the check.
func (m *Manager) checkIdleSessions(ctx context.Context) {
	timeout := m.cfg.GetProxy().IdleTimeout()
	if timeout <= 0 {
		return
	}

	now := m.now()
	for _, s := range m.snapshot() {
		idle := now.Sub(s.LastActivity())
		if idle < timeout {
			continue
		}

		m.logger.Info().
			Str("session_id", s.ID()).
			Str("player", s.Player().Name()).
			Dur("idle", idle).
			Msg("kicking idle session")

		if m.eventBus != nil {
			m.eventBus.Emit(ctx, events.Event{
				Type:    events.EventPlayerKicked,
				Source:  "heartbeat",
				Payload: events.KickPayload{SessionID: s.ID(), Reason: IdleKickReason},
			})
		}
		s.Kick(IdleKickReason)
	}
}

func (m *Manager) publishStatus(ctx context.Context) {
	if m.eventBus == nil {
		return
	}

	all := m.sessions.All()
	authenticated := 0
	for _, s := range all {
		if s.Player().Authenticated() {
			authenticated++
		}
	}

	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventProxyStatus,
		Source: "heartbeat",
		Payload: events.StatusPayload{
			Sessions:      len(all),
			Authenticated: authenticated,
			Uptime:        m.now().Sub(m.started),
			Timestamp:     m.now().Unix(),
		},
	})
}

func (m *Manager) cleanBans(ctx context.Context) {
	if m.bans == nil {
		return
	}
	n, err := m.bans.CleanExpiredBans(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to clean expired bans")
		return
	}
	if n > 0 {
		m.logger.Info().Int64("removed", n).Msg("expired bans removed")
	}
}
