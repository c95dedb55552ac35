package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/starrelay-project/starrelay/internal/protocol"
)

// Session relays one game client to the upstream server through a pair of
// connections.
type Session struct {
	id        string
	client    *Connection
	server    *Connection
	player    *Player
	startedAt time.Time
	logger    zerolog.Logger

	closed   atomic.Bool
	closedCh chan struct{}

	hooksMu  sync.Mutex
	onClosed []func(s *Session)
}

// SessionInfo is the JSON view of a session used by the API and CLI.
type SessionInfo struct {
	ID           string     `json:"id"`
	RemoteAddr   string     `json:"remote_addr"`
	Connected    bool       `json:"connected"`
	StartedAt    time.Time  `json:"started_at"`
	LastActivity time.Time  `json:"last_activity"`
	PacketsIn    uint64     `json:"packets_in"`
	PacketsOut   uint64     `json:"packets_out"`
	BytesIn      uint64     `json:"bytes_in"`
	BytesOut     uint64     `json:"bytes_out"`
	Player       PlayerInfo `json:"player"`
}

// NewSession pairs client and server. Closing either leg closes the session.
func NewSession(client, server *Connection) *Session {
	s := &Session{
		id:        uuid.NewString(),
		client:    client,
		server:    server,
		player:    &Player{},
		startedAt: time.Now(),
		closedCh:  make(chan struct{}),
	}
	s.logger = log.With().
		Str("component", "session").
		Str("session_id", s.id).
		Logger()

	client.other, server.other = server, client
	client.sess, server.sess = s, s

	client.OnDisconnected(s.legClosed)
	server.OnDisconnected(s.legClosed)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Client returns the client-facing connection.
func (s *Session) Client() *Connection { return s.client }

// Server returns the upstream connection.
func (s *Session) Server() *Connection { return s.server }

// Player returns the identity bound to this session.
func (s *Session) Player() *Player { return s.player }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.closedCh }

// Closed reports whether the session was closed.
func (s *Session) Closed() bool { return s.closed.Load() }

// Connected is true only while both legs are connected.
func (s *Session) Connected() bool {
	return s.client.Connected() && s.server.Connected()
}

// RemoteAddr returns the client's address as a string.
func (s *Session) RemoteAddr() string {
	if addr := s.client.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// RemoteIP returns the client's IP address without the port.
func (s *Session) RemoteIP() string {
	if addr := s.client.RemoteAddr(); addr != nil {
		return extractIP(addr)
	}
	return ""
}

// LastActivity returns the most recent read or write on either leg.
func (s *Session) LastActivity() time.Time {
	c, u := s.client.LastActivity(), s.server.LastActivity()
	if u.After(c) {
		return u
	}
	return c
}

// OnClosed registers fn to run once when the session closes. If the session
// is already closed fn runs immediately.
func (s *Session) OnClosed(fn func(s *Session)) {
	s.hooksMu.Lock()
	if !s.closed.Load() {
		s.onClosed = append(s.onClosed, fn)
		s.hooksMu.Unlock()
		return
	}
	s.hooksMu.Unlock()
	fn(s)
}

// Start opens both legs concurrently, then starts relaying. If either leg
// fails to open, typically the upstream dial, the session is closed and the
// error returned.
func (s *Session) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.client.Open(gctx) })
	g.Go(func() error { return s.server.Open(gctx) })
	if err := g.Wait(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to start session")
		s.Close()
		return fmt.Errorf("session %s: %w", s.id, err)
	}

	// gctx is cancelled once Wait returns, so the legs follow ctx instead.
	s.server.serve(ctx)
	s.client.serve(ctx)

	s.logger.Info().Str("remote", s.RemoteAddr()).Msg("session started")
	return nil
}

// Close closes both legs. Safe to call repeatedly and concurrently; closed
// hooks run exactly once.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.client.Close()
	s.server.Close()

	s.hooksMu.Lock()
	hooks := s.onClosed
	s.onClosed = nil
	s.hooksMu.Unlock()

	close(s.closedCh)
	s.logger.Info().
		Str("player", s.player.Name()).
		Dur("duration", time.Since(s.startedAt)).
		Msg("session closed")

	for _, fn := range hooks {
		fn(s)
	}
}

func (s *Session) legClosed(*Connection) {
	s.Close()
}

// Kick tells the client why it is being disconnected, then closes the
// session.
func (s *Session) Kick(reason string) {
	if s.client.Connected() {
		if err := s.client.Send(&protocol.ServerDisconnectPacket{Reason: reason}); err != nil {
			s.logger.Debug().Err(err).Msg("failed to send disconnect reason")
		}
	}
	s.logger.Info().Str("reason", reason).Msg("kicking session")
	s.Close()
}

// Info returns a snapshot for reporting.
func (s *Session) Info() SessionInfo {
	inC, outC, bInC, bOutC := s.client.Stats()
	return SessionInfo{
		ID:           s.id,
		RemoteAddr:   s.RemoteAddr(),
		Connected:    s.Connected(),
		StartedAt:    s.startedAt,
		LastActivity: s.LastActivity(),
		PacketsIn:    inC,
		PacketsOut:   outC,
		BytesIn:      bInC,
		BytesOut:     bOutC,
		Player:       s.player.Info(),
	}
}
