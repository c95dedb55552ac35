package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starrelay-project/starrelay/internal/protocol"
)

const waitTimeout = 5 * time.Second

func testRegistry(t *testing.T) *protocol.Registry {
	t.Helper()
	reg, err := protocol.DefaultRegistry()
	require.NoError(t, err)
	return reg
}

// pipeSession is a session whose legs are in-memory pipes. clientPeer plays
// the game client, serverPeer the upstream server.
type pipeSession struct {
	sess       *Session
	clientPeer net.Conn
	serverPeer net.Conn
	fromProxyC <-chan protocol.Packet
	fromProxyS <-chan protocol.Packet
}

func startPipeSession(t *testing.T, handlers *HandlerRegistry) *pipeSession {
	t.Helper()
	reg := testRegistry(t)

	clientPeer, clientSock := net.Pipe()
	serverPeer, serverSock := net.Pipe()

	client := NewConnection(clientSock, ConnectionOptions{Direction: protocol.FromClient, Packets: reg, Handlers: handlers})
	server := NewConnection(serverSock, ConnectionOptions{Direction: protocol.FromServer, Packets: reg, Handlers: handlers})
	sess := NewSession(client, server)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sess.Start(ctx))

	ps := &pipeSession{
		sess:       sess,
		clientPeer: clientPeer,
		serverPeer: serverPeer,
		fromProxyC: collect(clientPeer, reg),
		fromProxyS: collect(serverPeer, reg),
	}
	t.Cleanup(func() {
		cancel()
		sess.Close()
		clientPeer.Close()
		serverPeer.Close()
	})
	return ps
}

// collect decodes every frame the proxy writes to conn.
func collect(conn net.Conn, reg *protocol.Registry) <-chan protocol.Packet {
	ch := make(chan protocol.Packet, 128)
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

func frame(t *testing.T, p protocol.Packet) []byte {
	t.Helper()
	payload, err := protocol.Encode(p)
	require.NoError(t, err)
	f, err := protocol.EncodeFrame(p.Type(), payload, false)
	require.NoError(t, err)
	return f
}

func send(t *testing.T, conn net.Conn, packets ...protocol.Packet) {
	t.Helper()
	var stream []byte
	for _, p := range packets {
		stream = append(stream, frame(t, p)...)
	}
	go conn.Write(stream)
}

func receive(t *testing.T, ch <-chan protocol.Packet) protocol.Packet {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "peer stream ended")
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func chat(text string) *protocol.ChatSentPacket {
	return &protocol.ChatSentPacket{Text: text}
}

func TestSessionRelaysBothDirections(t *testing.T) {
	ps := startPipeSession(t, nil)
	assert.True(t, ps.sess.Connected())

	send(t, ps.clientPeer, chat("hello"))
	p := receive(t, ps.fromProxyS)
	require.IsType(t, &protocol.ChatSentPacket{}, p)
	assert.Equal(t, "hello", p.(*protocol.ChatSentPacket).Text)
	assert.Equal(t, protocol.FromClient, p.Header().Direction)

	send(t, ps.serverPeer, &protocol.ServerInfoPacket{Players: 3, MaxPlayers: 8})
	p = receive(t, ps.fromProxyC)
	require.IsType(t, &protocol.ServerInfoPacket{}, p)
	assert.Equal(t, uint16(3), p.(*protocol.ServerInfoPacket).Players)
}

func TestSessionPreservesOrderWithSlowHandlers(t *testing.T) {
	handlers := NewHandlerRegistry()

	var mu sync.Mutex
	var seen []string
	Register(handlers, "slow", HandlerFuncs[*protocol.ChatSentPacket]{
		BeforeFunc: func(ctx context.Context, p *protocol.ChatSentPacket, c *Connection) error {
			if p.Text == "0" || p.Text == "1" {
				time.Sleep(50 * time.Millisecond)
			}
			mu.Lock()
			seen = append(seen, p.Text)
			mu.Unlock()
			return nil
		},
	})

	ps := startPipeSession(t, handlers)

	want := []string{"0", "1", "2", "3", "4", "5", "6", "7"}
	var packets []protocol.Packet
	for _, s := range want {
		packets = append(packets, chat(s))
	}
	send(t, ps.clientPeer, packets...)

	var got []string
	for range want {
		got = append(got, receive(t, ps.fromProxyS).(*protocol.ChatSentPacket).Text)
	}
	assert.Equal(t, want, got)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestIgnoreSuppressesForwarding(t *testing.T) {
	handlers := NewHandlerRegistry()
	var afterRuns atomic.Int32
	Register(handlers, "filter", HandlerFuncs[*protocol.ChatSentPacket]{
		BeforeFunc: func(ctx context.Context, p *protocol.ChatSentPacket, c *Connection) error {
			if p.Text == "secret" {
				p.Ignore = true
			}
			return nil
		},
		AfterFunc: func(ctx context.Context, p *protocol.ChatSentPacket, c *Connection) error {
			afterRuns.Add(1)
			return nil
		},
	})

	ps := startPipeSession(t, handlers)
	send(t, ps.clientPeer, chat("secret"), chat("public"))

	p := receive(t, ps.fromProxyS)
	assert.Equal(t, "public", p.(*protocol.ChatSentPacket).Text)
	assert.Eventually(t, func() bool { return afterRuns.Load() == 2 }, waitTimeout, 10*time.Millisecond)
}

func TestSendingHookCanDrop(t *testing.T) {
	ps := startPipeSession(t, nil)
	ps.sess.Server().OnSending(func(p protocol.Packet, c *Connection) {
		if cs, ok := p.(*protocol.ChatSentPacket); ok && cs.Text == "drop" {
			p.Header().Ignore = true
		}
	})

	var sent atomic.Int32
	ps.sess.Server().OnSent(func(p protocol.Packet, c *Connection) { sent.Add(1) })

	send(t, ps.clientPeer, chat("drop"), chat("keep"))
	assert.Equal(t, "keep", receive(t, ps.fromProxyS).(*protocol.ChatSentPacket).Text)
	assert.Eventually(t, func() bool { return sent.Load() == 1 }, waitTimeout, 10*time.Millisecond)
}

func TestHandlerFailureSkipsOnlyThatPacket(t *testing.T) {
	handlers := NewHandlerRegistry()
	Register(handlers, "picky", HandlerFuncs[*protocol.ChatSentPacket]{
		BeforeFunc: func(ctx context.Context, p *protocol.ChatSentPacket, c *Connection) error {
			switch p.Text {
			case "error":
				return errors.New("rejected")
			case "panic":
				panic("handler blew up")
			}
			return nil
		},
	})

	ps := startPipeSession(t, handlers)
	send(t, ps.clientPeer, chat("error"), chat("panic"), chat("fine"))

	assert.Equal(t, "fine", receive(t, ps.fromProxyS).(*protocol.ChatSentPacket).Text)
	assert.True(t, ps.sess.Connected())
}

func TestReceivedHooksFireAroundForward(t *testing.T) {
	ps := startPipeSession(t, nil)

	var mu sync.Mutex
	var order []string
	record := func(s string) PacketHook {
		return func(p protocol.Packet, c *Connection) {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}
	ps.sess.Client().OnReceived(record("received"))
	ps.sess.Server().OnSent(record("sent"))
	ps.sess.Client().OnAfterReceived(record("after"))

	send(t, ps.clientPeer, chat("x"))
	receive(t, ps.fromProxyS)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, []string{"received", "sent", "after"}, order)
}

func TestUnknownPacketPassesThroughUnchanged(t *testing.T) {
	ps := startPipeSession(t, nil)

	raw := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	go ps.serverPeer.Write(append([]byte{200, byte(len(raw) * 2)}, raw...))

	p := receive(t, ps.fromProxyC)
	g, ok := p.(*protocol.GenericPacket)
	require.True(t, ok)
	assert.Equal(t, protocol.PacketType(200), g.ID)
	assert.Equal(t, raw, g.Data)
}

func TestLargePacketIsCompressedAndRestored(t *testing.T) {
	ps := startPipeSession(t, nil)

	data := make([]byte, 20000)
	for i := range data {
		data[i] = byte(i % 7)
	}
	send(t, ps.clientPeer, &protocol.ClientDisconnectRequestPacket{Data: data})

	p := receive(t, ps.fromProxyS)
	require.IsType(t, &protocol.ClientDisconnectRequestPacket{}, p)
	assert.Equal(t, data, p.(*protocol.ClientDisconnectRequestPacket).Data)

	_, _, _, bytesOut := ps.sess.Server().Stats()
	assert.Less(t, bytesOut, uint64(len(data)))
}

func TestConcurrentCloseFiresOnce(t *testing.T) {
	ps := startPipeSession(t, nil)

	var closedHooks, clientDisc, serverDisc atomic.Int32
	ps.sess.OnClosed(func(*Session) { closedHooks.Add(1) })
	ps.sess.Client().OnDisconnected(func(*Connection) { clientDisc.Add(1) })
	ps.sess.Server().OnDisconnected(func(*Connection) { serverDisc.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); ps.sess.Close() }()
		go func() { defer wg.Done(); ps.sess.Client().Close() }()
		go func() { defer wg.Done(); ps.sess.Server().Close() }()
	}
	wg.Wait()

	<-ps.sess.Done()
	assert.Equal(t, int32(1), closedHooks.Load())
	assert.Equal(t, int32(1), clientDisc.Load())
	assert.Equal(t, int32(1), serverDisc.Load())
	assert.Equal(t, StateClosed, ps.sess.Client().State())
	assert.Equal(t, StateClosed, ps.sess.Server().State())
	assert.False(t, ps.sess.Connected())

	assert.ErrorIs(t, ps.sess.Client().Send(chat("late")), ErrConnectionClosed)
}

func TestPeerDisconnectClosesSession(t *testing.T) {
	ps := startPipeSession(t, nil)

	ps.clientPeer.Close()

	select {
	case <-ps.sess.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not close after client hung up")
	}
	assert.Equal(t, StateClosed, ps.sess.Server().State())
}

func TestOnClosedAfterCloseRunsImmediately(t *testing.T) {
	ps := startPipeSession(t, nil)
	ps.sess.Close()

	var ran bool
	ps.sess.OnClosed(func(*Session) { ran = true })
	assert.True(t, ran)
}

func TestKickSendsReason(t *testing.T) {
	ps := startPipeSession(t, nil)

	ps.sess.Kick("server restarting")

	p := receive(t, ps.fromProxyC)
	require.IsType(t, &protocol.ServerDisconnectPacket{}, p)
	assert.Equal(t, "server restarting", p.(*protocol.ServerDisconnectPacket).Reason)
	assert.True(t, ps.sess.Closed())
}

func TestSessionStartFailsWhenUpstreamIsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	reg := testRegistry(t)
	clientPeer, clientSock := net.Pipe()
	defer clientPeer.Close()

	client := NewConnection(clientSock, ConnectionOptions{Direction: protocol.FromClient, Packets: reg})
	server := NewDialConnection(addr, time.Second, ConnectionOptions{Direction: protocol.FromServer, Packets: reg})
	sess := NewSession(client, server)

	err = sess.Start(context.Background())
	require.Error(t, err)
	assert.True(t, sess.Closed())
	assert.Equal(t, StateClosed, client.State())

	_, err = clientPeer.Read(make([]byte, 1))
	assert.Error(t, err, "client leg must not be left half open")
}

func TestPlayerInfo(t *testing.T) {
	ps := startPipeSession(t, nil)
	info := ps.sess.Info()
	assert.Empty(t, info.Player.Name)
	assert.Empty(t, info.Player.UUID)
	assert.NotEmpty(t, info.ID)
	assert.True(t, info.Connected)
}
