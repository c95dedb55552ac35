package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/starrelay-project/starrelay/internal/db"
	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/network"
	"github.com/starrelay-project/starrelay/internal/protocol"
)

func (h *handlers) protocolRequest(ctx context.Context, p *protocol.ProtocolRequestPacket, c *network.Connection) error {
	logger := h.sessionLogger(c)
	logger.Debug().Uint32("version", p.ProtocolVersion).Msg("client protocol version")
	return nil
}

func (h *handlers) protocolResponse(ctx context.Context, p *protocol.ProtocolResponsePacket, c *network.Connection) error {
	if !p.Allowed {
		logger := h.sessionLogger(c)
		logger.Warn().Msg("server rejected the client's protocol version")
	}
	return nil
}

func (h *handlers) identify(ctx context.Context, p *protocol.ClientConnectPacket, c *network.Connection) error {
	s := c.Session()
	if s == nil {
		return nil
	}

	id := uuid.UUID(p.PlayerUUID)
	s.Player().Identify(p.PlayerName, id, p.PlayerSpecies, p.Account)

	logger := h.sessionLogger(c)
	logger.Info().
		Str("player", p.PlayerName).
		Str("uuid", id.String()).
		Str("species", p.PlayerSpecies).
		Msg("player identified")

	h.emit(ctx, events.EventPlayerIdentified, events.PlayerPayload{
		SessionID: s.ID(),
		Name:      p.PlayerName,
		UUID:      id.String(),
		Species:   p.PlayerSpecies,
		Account:   p.Account,
	})
	return nil
}

// recordCharacter stores the character once the handshake was forwarded.
func (h *handlers) recordCharacter(ctx context.Context, p *protocol.ClientConnectPacket, c *network.Connection) error {
	if h.opts.Store == nil {
		return nil
	}

	character := db.Character{
		UUID:    uuid.UUID(p.PlayerUUID).String(),
		Name:    p.PlayerName,
		Species: p.PlayerSpecies,
		LastIP:  remoteIP(c),
	}
	if name := strings.TrimSpace(p.Account); name != "" {
		account, err := h.opts.Store.UpsertAccount(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to record account %q: %w", name, err)
		}
		character.AccountID = account.ID
	}
	return h.opts.Store.RecordCharacter(ctx, character)
}

func (h *handlers) authenticated(ctx context.Context, p *protocol.ConnectSuccessPacket, c *network.Connection) error {
	s := c.Session()
	if s == nil {
		return nil
	}

	s.Player().Authenticate(p.ClientID)
	info := s.Player().Info()

	logger := h.sessionLogger(c)
	logger.Info().
		Str("player", info.Name).
		Uint64("client_id", p.ClientID).
		Msg("player joined the server")

	h.emit(ctx, events.EventPlayerAuthenticated, events.PlayerPayload{
		SessionID: s.ID(),
		Name:      info.Name,
		UUID:      info.UUID,
		Species:   info.Species,
		Account:   info.Account,
		ClientID:  p.ClientID,
	})
	return nil
}

func (h *handlers) rejected(ctx context.Context, p *protocol.ConnectFailurePacket, c *network.Connection) error {
	logger := h.sessionLogger(c)
	logger.Info().Str("reason", p.Reason).Msg("server refused the player")
	return nil
}

func (h *handlers) checkBans(ctx context.Context, p *protocol.ClientConnectPacket, c *network.Connection) error {
	ip := remoteIP(c)
	id := uuid.UUID(p.PlayerUUID).String()

	ban, err := h.opts.Store.BanByIP(ctx, ip)
	if errors.Is(err, db.ErrNotFound) {
		ban, err = h.opts.Store.BanByUUID(ctx, id)
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		// Fail open on lookup errors.
		logger := h.sessionLogger(c)
		logger.Error().Err(err).Str("ip", ip).Msg("ban lookup failed, admitting client")
		return nil
	}

	reason := ban.Reason
	if reason == "" {
		reason = defaultBanReason
	}

	p.Ignore = true
	if err := c.Send(&protocol.ConnectFailurePacket{Reason: reason}); err != nil {
		logger := h.sessionLogger(c)
		logger.Debug().Err(err).Msg("failed to send ban notice")
	}

	h.emit(ctx, events.EventPlayerKicked, events.KickPayload{
		SessionID: sessionID(c),
		Reason:    reason,
	})
	if s := c.Session(); s != nil {
		s.Close()
	}
	return fmt.Errorf("%w: %s (ban %d)", ErrBanned, p.PlayerName, ban.ID)
}
