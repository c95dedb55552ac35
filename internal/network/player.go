package network

import (
	"sync"

	"github.com/google/uuid"
)

// Player is the identity a session learns from the handshake. Handlers fill
// it in; it is never shared between sessions.
type Player struct {
	mu            sync.RWMutex
	name          string
	uuid          uuid.UUID
	species       string
	account       string
	clientID      uint64
	authenticated bool
}

// PlayerInfo is a point-in-time copy of a Player.
type PlayerInfo struct {
	Name          string `json:"name"`
	UUID          string `json:"uuid,omitempty"`
	Species       string `json:"species,omitempty"`
	Account       string `json:"account,omitempty"`
	ClientID      uint64 `json:"client_id,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// Identify records what the client announced about itself.
func (p *Player) Identify(name string, id uuid.UUID, species, account string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
	p.uuid = id
	p.species = species
	p.account = account
}

// Authenticate marks the player as accepted by the server.
func (p *Player) Authenticate(clientID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.authenticated = true
}

// Name returns the player name, empty until the client identified.
func (p *Player) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// UUID returns the player UUID, uuid.Nil until the client identified.
func (p *Player) UUID() uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.uuid
}

// Authenticated reports whether the server accepted the player.
func (p *Player) Authenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.authenticated
}

// Info returns a snapshot of the player.
func (p *Player) Info() PlayerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info := PlayerInfo{
		Name:          p.name,
		Species:       p.species,
		Account:       p.account,
		ClientID:      p.clientID,
		Authenticated: p.authenticated,
	}
	if p.uuid != uuid.Nil {
		info.UUID = p.uuid.String()
	}
	return info
}
