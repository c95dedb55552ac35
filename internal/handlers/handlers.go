// Package handlers contains the packet handlers the proxy installs by
// default: player identity, ban enforcement, chat logging and protocol
// version logging.
package handlers

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/db"
	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/network"
	"github.com/starrelay-project/starrelay/internal/protocol"
)

// ErrBanned is returned by the ban handler when it rejects a client.
var ErrBanned = errors.New("client is banned")

const defaultBanReason = "You are banned from this server."

// Store is the subset of the database the handlers use.
type Store interface {
	BanByIP(ctx context.Context, ip string) (*db.Ban, error)
	BanByUUID(ctx context.Context, uuid string) (*db.Ban, error)
	UpsertAccount(ctx context.Context, name string) (*db.Account, error)
	RecordCharacter(ctx context.Context, c db.Character) error
}

// Options configures the default handlers.
type Options struct {
	// Store may be nil, which disables ban checks and character records.
	Store       Store
	EventBus    *events.EventBus
	EnforceBans bool
	LogChat     bool
}

// RegisterDefaults installs the default handlers on r. Ban enforcement is
// registered first so a rejected client never reaches the identity handler.
func RegisterDefaults(r *network.HandlerRegistry, opts Options) {
	h := &handlers{
		opts:   opts,
		logger: log.With().Str("component", "handlers").Logger(),
	}

	if opts.EnforceBans && opts.Store != nil {
		network.Register(r, "bans", network.HandlerFuncs[*protocol.ClientConnectPacket]{
			BeforeFunc: h.checkBans,
		})
	}

	network.Register(r, "protocol", network.HandlerFuncs[*protocol.ProtocolRequestPacket]{
		BeforeFunc: h.protocolRequest,
	})
	network.Register(r, "protocol", network.HandlerFuncs[*protocol.ProtocolResponsePacket]{
		AfterFunc: h.protocolResponse,
	})

	network.Register(r, "identity", network.HandlerFuncs[*protocol.ClientConnectPacket]{
		BeforeFunc: h.identify,
		AfterFunc:  h.recordCharacter,
	})
	network.Register(r, "identity", network.HandlerFuncs[*protocol.ConnectSuccessPacket]{
		BeforeFunc: h.authenticated,
	})
	network.Register(r, "identity", network.HandlerFuncs[*protocol.ConnectFailurePacket]{
		AfterFunc: h.rejected,
	})

	network.Register(r, "chat", network.HandlerFuncs[*protocol.ChatSentPacket]{
		AfterFunc: h.chat,
	})
}

type handlers struct {
	opts   Options
	logger zerolog.Logger
}

func (h *handlers) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if h.opts.EventBus == nil {
		return
	}
	h.opts.EventBus.Emit(ctx, events.Event{Type: t, Source: "handlers", Payload: payload})
}

func (h *handlers) sessionLogger(c *network.Connection) zerolog.Logger {
	if s := c.Session(); s != nil {
		return h.logger.With().Str("session_id", s.ID()).Logger()
	}
	return h.logger
}

func sessionID(c *network.Connection) string {
	if s := c.Session(); s != nil {
		return s.ID()
	}
	return ""
}

// remoteIP returns the client's IP for a connection of either direction.
func remoteIP(c *network.Connection) string {
	client := c
	if c.Direction() == protocol.FromServer && c.Other() != nil {
		client = c.Other()
	}
	addr := client.RemoteAddr()
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
