package handlers

import (
	"context"

	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/network"
	"github.com/starrelay-project/starrelay/internal/protocol"
)

func (h *handlers) chat(ctx context.Context, p *protocol.ChatSentPacket, c *network.Connection) error {
	var player string
	if s := c.Session(); s != nil {
		player = s.Player().Name()
	}

	if h.opts.LogChat {
		logger := h.sessionLogger(c)
		logger.Info().
			Str("player", player).
			Uint8("mode", p.SendMode).
			Str("text", p.Text).
			Msg("chat")
	}

	h.emit(ctx, events.EventChatMessage, events.ChatPayload{
		SessionID:  sessionID(c),
		PlayerName: player,
		Text:       p.Text,
		Mode:       p.SendMode,
	})
	return nil
}
