// Package events defines event types and payloads for the starrelay event system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle events
	EventSessionAdded  EventType = "session_added"
	EventSessionClosed EventType = "session_closed"

	// Player events
	EventPlayerIdentified    EventType = "player_identified"
	EventPlayerAuthenticated EventType = "player_authenticated"
	EventPlayerKicked        EventType = "player_kicked"
	EventChatMessage         EventType = "chat_message"

	// Moderation events
	EventBanAdded   EventType = "ban_added"
	EventBanRemoved EventType = "ban_removed"

	// System events
	EventProxyStatus   EventType = "proxy_status"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload describes a proxied session.
type SessionPayload struct {
	SessionID  string
	RemoteAddr string
	PlayerName string
	PlayerUUID string
	StartedAt  time.Time
	Duration   time.Duration
}

// PlayerPayload is emitted when a session learns who its player is.
type PlayerPayload struct {
	SessionID string
	Name      string
	UUID      string
	Species   string
	Account   string
	ClientID  uint64
}

// KickPayload is emitted when a session is closed by an operator or a rule.
type KickPayload struct {
	SessionID string
	Reason    string
}

// ChatPayload carries one chat line sent by a client.
type ChatPayload struct {
	SessionID  string
	PlayerName string
	Text       string
	Mode       uint8
}

// BanPayload describes a ban change.
type BanPayload struct {
	IP     string
	UUID   string
	Reason string
}

// StatusPayload is the periodic proxy heartbeat.
type StatusPayload struct {
	Sessions      int           `json:"sessions"`
	Authenticated int           `json:"authenticated"`
	Uptime        time.Duration `json:"uptime"`
	Timestamp     int64         `json:"timestamp"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
