package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/db"
	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/network"
)

// ErrSessionNotFound is returned when a kick names an unknown session.
var ErrSessionNotFound = errors.New("session not found")

const defaultKickReason = "You have been kicked from the server."

// BanStore is the part of the database operator commands change.
type BanStore interface {
	AddBan(ctx context.Context, b db.Ban) (int64, error)
	RemoveBan(ctx context.Context, id int64) error
	RemoveBansFor(ctx context.Context, ipOrUUID string) (int64, error)
	ListBans(ctx context.Context) ([]db.Ban, error)
}

// Moderator carries out operator actions for the console and the REST API.
type Moderator struct {
	store    BanStore
	sessions *network.Manager
	eventBus *events.EventBus
	logger   zerolog.Logger
}

// NewModerator creates a Moderator. eventBus may be nil.
func NewModerator(store BanStore, sessions *network.Manager, eventBus *events.EventBus) *Moderator {
	return &Moderator{
		store:    store,
		sessions: sessions,
		eventBus: eventBus,
		logger:   log.With().Str("component", "moderation").Logger(),
	}
}

// Kick disconnects the session with the given id.
func (m *Moderator) Kick(ctx context.Context, id, reason string) error {
	s, ok := m.sessions.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.kick(ctx, s, reason)
	return nil
}

func (m *Moderator) kick(ctx context.Context, s *network.Session, reason string) {
	if reason == "" {
		reason = defaultKickReason
	}
	m.emit(ctx, events.EventPlayerKicked, events.KickPayload{SessionID: s.ID(), Reason: reason})
	s.Kick(reason)
}

// Ban stores b and kicks every live session it matches. It returns the new
// ban id and the number of sessions kicked.
func (m *Moderator) Ban(ctx context.Context, b db.Ban) (int64, int, error) {
	id, err := m.store.AddBan(ctx, b)
	if err != nil {
		return 0, 0, err
	}
	m.emit(ctx, events.EventBanAdded, events.BanPayload{IP: b.IP, UUID: b.UUID, Reason: b.Reason})

	reason := b.Reason
	if reason == "" {
		reason = defaultBanReason
	}

	kicked := 0
	for _, target := range []string{b.IP, b.UUID} {
		for _, s := range m.sessions.Find(target) {
			if s.Closed() {
				continue
			}
			m.kick(ctx, s, reason)
			kicked++
		}
	}

	m.logger.Info().
		Int64("ban_id", id).
		Str("ip", b.IP).
		Str("uuid", b.UUID).
		Int("kicked", kicked).
		Msg("ban applied")
	return id, kicked, nil
}

// Unban removes bans. A numeric target is a ban id; anything else is an IP
// or UUID whose bans are all removed. It returns how many bans were removed.
func (m *Moderator) Unban(ctx context.Context, target string) (int64, error) {
	var removed int64
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		if err := m.store.RemoveBan(ctx, id); err != nil {
			return 0, err
		}
		removed = 1
	} else {
		n, err := m.store.RemoveBansFor(ctx, target)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, db.ErrNotFound
		}
		removed = n
	}

	m.emit(ctx, events.EventBanRemoved, events.BanPayload{IP: target})
	return removed, nil
}

// Bans lists every stored ban, newest first.
func (m *Moderator) Bans(ctx context.Context) ([]db.Ban, error) {
	return m.store.ListBans(ctx)
}

func (m *Moderator) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Emit(ctx, events.Event{Type: t, Source: "moderation", Payload: payload})
}
