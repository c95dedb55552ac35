package handlers

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starrelay-project/starrelay/internal/db"
	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/network"
	"github.com/starrelay-project/starrelay/internal/protocol"
)

const waitTimeout = 5 * time.Second

type fakeStore struct {
	mu         sync.Mutex
	bannedIP   map[string]*db.Ban
	bannedUUID map[string]*db.Ban
	characters []db.Character
	accounts   []string
	failBans   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{bannedIP: map[string]*db.Ban{}, bannedUUID: map[string]*db.Ban{}}
}

func (f *fakeStore) BanByIP(ctx context.Context, ip string) (*db.Ban, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBans {
		return nil, errors.New("database is locked")
	}
	if b, ok := f.bannedIP[ip]; ok {
		return b, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) BanByUUID(ctx context.Context, id string) (*db.Ban, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bannedUUID[id]; ok {
		return b, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) UpsertAccount(ctx context.Context, name string) (*db.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, name)
	return &db.Account{ID: int64(len(f.accounts)), Name: name}, nil
}

func (f *fakeStore) RecordCharacter(ctx context.Context, c db.Character) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.characters = append(f.characters, c)
	return nil
}

func (f *fakeStore) recorded() []db.Character {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.Character(nil), f.characters...)
}

type harness struct {
	sess       *network.Session
	clientPeer net.Conn
	serverPeer net.Conn
	toClient   <-chan protocol.Packet
	toServer   <-chan protocol.Packet
}

func startHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	reg, err := protocol.DefaultRegistry()
	require.NoError(t, err)

	hr := network.NewHandlerRegistry()
	RegisterDefaults(hr, opts)

	clientPeer, clientSock := net.Pipe()
	serverPeer, serverSock := net.Pipe()
	client := network.NewConnection(clientSock, network.ConnectionOptions{Direction: protocol.FromClient, Packets: reg, Handlers: hr})
	server := network.NewConnection(serverSock, network.ConnectionOptions{Direction: protocol.FromServer, Packets: reg, Handlers: hr})
	sess := network.NewSession(client, server)
	require.NoError(t, sess.Start(context.Background()))

	h := &harness{
		sess:       sess,
		clientPeer: clientPeer,
		serverPeer: serverPeer,
		toClient:   collect(clientPeer, reg),
		toServer:   collect(serverPeer, reg),
	}
	t.Cleanup(func() {
		sess.Close()
		clientPeer.Close()
		serverPeer.Close()
	})
	return h
}

func collect(conn net.Conn, reg *protocol.Registry) <-chan protocol.Packet {
	ch := make(chan protocol.Packet, 64)
	go func() {
		defer close(ch)
		r := protocol.NewPacketReader(reg, 0)
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				packets, _ := r.Read(buf[:n], 0)
				for _, p := range packets {
					ch <- p
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func write(t *testing.T, conn net.Conn, p protocol.Packet) {
	t.Helper()
	payload, err := protocol.Encode(p)
	require.NoError(t, err)
	frame, err := protocol.EncodeFrame(p.Type(), payload, false)
	require.NoError(t, err)
	go conn.Write(frame)
}

func next(t *testing.T, ch <-chan protocol.Packet) protocol.Packet {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "stream ended")
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

var playerUUID = uuid.MustParse("6f1c3a52-1d8e-4e8b-9a77-0c2b9d1e5f10")

func connectPacket() *protocol.ClientConnectPacket {
	return &protocol.ClientConnectPacket{
		AssetDigest:   []byte{1, 2, 3},
		PlayerUUID:    protocol.UUID(playerUUID),
		PlayerName:    "Nova",
		PlayerSpecies: "novakid",
		Account:       "nova_account",
	}
}

func TestIdentityFromHandshake(t *testing.T) {
	bus, err := events.NewEventBus(4)
	require.NoError(t, err)
	defer bus.Stop()

	identified := make(chan events.PlayerPayload, 1)
	authenticated := make(chan events.PlayerPayload, 1)
	bus.Subscribe(events.EventPlayerIdentified, "test", func(ctx context.Context, e events.Event) error {
		identified <- e.Payload.(events.PlayerPayload)
		return nil
	})
	bus.Subscribe(events.EventPlayerAuthenticated, "test", func(ctx context.Context, e events.Event) error {
		authenticated <- e.Payload.(events.PlayerPayload)
		return nil
	})

	store := newFakeStore()
	h := startHarness(t, Options{Store: store, EventBus: bus, EnforceBans: true})

	write(t, h.clientPeer, connectPacket())
	p := next(t, h.toServer)
	require.IsType(t, &protocol.ClientConnectPacket{}, p)

	player := h.sess.Player()
	assert.Equal(t, "Nova", player.Name())
	assert.Equal(t, playerUUID, player.UUID())
	assert.False(t, player.Authenticated())

	select {
	case got := <-identified:
		assert.Equal(t, h.sess.ID(), got.SessionID)
		assert.Equal(t, playerUUID.String(), got.UUID)
	case <-time.After(waitTimeout):
		t.Fatal("no player_identified event")
	}

	write(t, h.serverPeer, &protocol.ConnectSuccessPacket{ClientID: 7})
	next(t, h.toClient)
	assert.True(t, player.Authenticated())
	assert.Equal(t, uint64(7), player.Info().ClientID)

	select {
	case got := <-authenticated:
		assert.Equal(t, "Nova", got.Name)
		assert.Equal(t, uint64(7), got.ClientID)
	case <-time.After(waitTimeout):
		t.Fatal("no player_authenticated event")
	}

	assert.Eventually(t, func() bool { return len(store.recorded()) == 1 }, waitTimeout, 10*time.Millisecond)
	c := store.recorded()[0]
	assert.Equal(t, playerUUID.String(), c.UUID)
	assert.Equal(t, int64(1), c.AccountID)
}

func TestBannedUUIDIsRejected(t *testing.T) {
	store := newFakeStore()
	store.bannedUUID[playerUUID.String()] = &db.Ban{ID: 3, Reason: "cheating"}

	h := startHarness(t, Options{Store: store, EnforceBans: true})
	write(t, h.clientPeer, connectPacket())

	p := next(t, h.toClient)
	require.IsType(t, &protocol.ConnectFailurePacket{}, p)
	assert.Equal(t, "cheating", p.(*protocol.ConnectFailurePacket).Reason)

	select {
	case <-h.sess.Done():
	case <-time.After(waitTimeout):
		t.Fatal("banned session was not closed")
	}

	for p := range h.toServer {
		t.Fatalf("server received %s from a banned client", p.Type())
	}
	assert.Empty(t, h.sess.Player().Name(), "identity is not recorded for banned clients")
	assert.Empty(t, store.recorded())
}

func TestBannedIPIsRejected(t *testing.T) {
	store := newFakeStore()
	// net.Pipe reports "pipe" as its address.
	store.bannedIP["pipe"] = &db.Ban{ID: 1}

	h := startHarness(t, Options{Store: store, EnforceBans: true})
	write(t, h.clientPeer, connectPacket())

	p := next(t, h.toClient)
	require.IsType(t, &protocol.ConnectFailurePacket{}, p)
	assert.NotEmpty(t, p.(*protocol.ConnectFailurePacket).Reason)
}

func TestBanLookupFailureAdmits(t *testing.T) {
	store := newFakeStore()
	store.failBans = true

	h := startHarness(t, Options{Store: store, EnforceBans: true})
	write(t, h.clientPeer, connectPacket())

	require.IsType(t, &protocol.ClientConnectPacket{}, next(t, h.toServer))
	assert.True(t, h.sess.Connected())
}

func TestBansNotEnforcedWhenDisabled(t *testing.T) {
	store := newFakeStore()
	store.bannedUUID[playerUUID.String()] = &db.Ban{ID: 3}

	h := startHarness(t, Options{Store: store})
	write(t, h.clientPeer, connectPacket())
	require.IsType(t, &protocol.ClientConnectPacket{}, next(t, h.toServer))
}

func TestChatIsPublished(t *testing.T) {
	bus, err := events.NewEventBus(4)
	require.NoError(t, err)
	defer bus.Stop()

	messages := make(chan events.ChatPayload, 1)
	bus.Subscribe(events.EventChatMessage, "test", func(ctx context.Context, e events.Event) error {
		messages <- e.Payload.(events.ChatPayload)
		return nil
	})

	h := startHarness(t, Options{EventBus: bus, LogChat: true})
	write(t, h.clientPeer, &protocol.ChatSentPacket{Text: "hi all", SendMode: 1})

	p := next(t, h.toServer)
	assert.Equal(t, "hi all", p.(*protocol.ChatSentPacket).Text)

	select {
	case m := <-messages:
		assert.Equal(t, "hi all", m.Text)
		assert.Equal(t, uint8(1), m.Mode)
		assert.Equal(t, h.sess.ID(), m.SessionID)
	case <-time.After(waitTimeout):
		t.Fatal("no chat_message event")
	}
}
