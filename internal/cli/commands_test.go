package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starrelay-project/starrelay/internal/config"
	"github.com/starrelay-project/starrelay/internal/db"
	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/handlers"
	"github.com/starrelay-project/starrelay/internal/network"
	"github.com/starrelay-project/starrelay/internal/protocol"
)

type console struct {
	cli      *CLI
	out      *bytes.Buffer
	cfg      *config.Config
	sessions *network.Manager
	store    *db.Store
}

func newConsole(t *testing.T, bus *events.EventBus, in io.Reader) *console {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load(dir)
	require.NoError(t, err)

	store, err := db.NewStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessions := network.NewManager(nil)
	out := &bytes.Buffer{}
	return &console{
		cli:      NewCLI(cfg, bus, sessions, handlers.NewModerator(store, sessions, nil), in, out),
		out:      out,
		cfg:      cfg,
		sessions: sessions,
		store:    store,
	}
}

func (c *console) run(t *testing.T, line string) error {
	t.Helper()
	parts := strings.Fields(line)
	return c.cli.Execute(context.Background(), parts[0], parts[1:])
}

func (c *console) addSession(t *testing.T) *network.Session {
	t.Helper()
	reg, err := protocol.DefaultRegistry()
	require.NoError(t, err)

	clientPeer, clientSock := net.Pipe()
	serverPeer, serverSock := net.Pipe()
	go io.Copy(io.Discard, clientPeer)
	go io.Copy(io.Discard, serverPeer)
	t.Cleanup(func() {
		clientPeer.Close()
		serverPeer.Close()
	})

	opts := network.ConnectionOptions{Packets: reg}
	sess := network.NewSession(network.NewConnection(clientSock, opts), network.NewConnection(serverSock, opts))
	require.True(t, c.sessions.Add(sess))
	t.Cleanup(sess.Close)
	return sess
}

func TestSessionsTable(t *testing.T) {
	c := newConsole(t, nil, nil)
	sess := c.addSession(t)

	require.NoError(t, c.run(t, "sessions"))
	out := c.out.String()
	assert.Contains(t, out, "PLAYER")
	assert.Contains(t, out, sess.ID())

	c.out.Reset()
	require.NoError(t, c.run(t, "status"))
	assert.Contains(t, c.out.String(), "Sessions:      1")

	c.out.Reset()
	require.NoError(t, c.run(t, "info "+sess.ID()))
	assert.Contains(t, c.out.String(), sess.ID())
	assert.Error(t, c.run(t, "info missing"))
}

func TestKickCommand(t *testing.T) {
	c := newConsole(t, nil, nil)
	sess := c.addSession(t)

	assert.Error(t, c.run(t, "kick"))
	assert.ErrorIs(t, c.run(t, "kick nope"), handlers.ErrSessionNotFound)

	require.NoError(t, c.run(t, "kick "+sess.ID()+" server restart"))
	assert.True(t, sess.Closed())
	assert.Contains(t, c.out.String(), "Kicked")
}

func TestBanCommands(t *testing.T) {
	c := newConsole(t, nil, nil)
	sess := c.addSession(t)
	ctx := context.Background()

	require.NoError(t, c.run(t, "ban pipe being rude"))
	assert.Contains(t, c.out.String(), "1 session(s) kicked")
	assert.True(t, sess.Closed())

	require.NoError(t, c.run(t, "ban 6f1c3a52-1d8e-4e8b-9a77-0c2b9d1e5f10"))
	ban, err := c.store.BanByUUID(ctx, "6f1c3a52-1d8e-4e8b-9a77-0c2b9d1e5f10")
	require.NoError(t, err)
	assert.Equal(t, "console", ban.BannedBy)

	ban, err = c.store.BanByIP(ctx, "pipe")
	require.NoError(t, err)
	assert.Equal(t, "being rude", ban.Reason)

	c.out.Reset()
	require.NoError(t, c.run(t, "bans"))
	assert.Contains(t, c.out.String(), "being rude")

	require.NoError(t, c.run(t, "unban pipe"))
	_, err = c.store.BanByIP(ctx, "pipe")
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Error(t, c.run(t, "unban pipe"))
}

func TestSetConfigCommand(t *testing.T) {
	c := newConsole(t, nil, nil)

	require.NoError(t, c.run(t, "setconfig idle_timeout_sec 60"))
	assert.Equal(t, 60, c.cfg.GetProxy().IdleTimeoutSec)

	require.NoError(t, c.run(t, "setconfig log_chat false"))
	assert.False(t, c.cfg.GetProxy().LogChat)

	require.NoError(t, c.run(t, "setconfig upstream_host game.example.org"))
	assert.Equal(t, "game.example.org", c.cfg.GetProxy().UpstreamHost)

	assert.Error(t, c.run(t, "setconfig bogus 1"))
	assert.Error(t, c.run(t, "setconfig idle_timeout_sec"))
}

func TestQuitEmitsShutdown(t *testing.T) {
	bus, err := events.NewEventBus(2)
	require.NoError(t, err)
	defer bus.Stop()

	shutdown := make(chan struct{}, 1)
	bus.Subscribe(events.EventShutdown, "test", func(ctx context.Context, e events.Event) error {
		shutdown <- struct{}{}
		return nil
	})

	c := newConsole(t, bus, strings.NewReader("help\nnonsense\nquit\nsessions\n"))
	done := make(chan struct{})
	go func() {
		c.cli.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("console did not stop on quit")
	}
	select {
	case <-shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("no shutdown event")
	}

	out := c.out.String()
	assert.Contains(t, out, "Commands:")
	assert.Contains(t, out, "Unknown command: 'nonsense'")
	assert.NotContains(t, out, "ADDRESS", "commands after quit are not run")
}
