package network

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starrelay-project/starrelay/internal/config"
)

func queryProxyConfig() config.ProxyConfig {
	p := config.DefaultConfig().Proxy
	p.ListenHost = "127.0.0.1"
	p.QueryPort = 0
	p.ServerName = "Test Relay"
	p.MaxConcurrentSession = 8
	return p
}

func TestQueryInfoReportsPlayers(t *testing.T) {
	m := NewManager(newBus(t))
	identified := startPipeSession(t, nil)
	identified.sess.Player().Identify("Ava", uuid.New(), "human", "")
	require.True(t, m.Add(identified.sess))
	require.True(t, m.Add(startPipeSession(t, nil).sess))

	q := NewQueryResponder(queryProxyConfig(), m, "1.2.3")
	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 27015}

	infoReq := []byte(queryPrefix + "T" + queryInfoPayload)
	reply := q.handle(infoReq, remote)
	require.Len(t, reply, 9)
	assert.Equal(t, queryPrefix+"A", string(reply[:5]), "info without a challenge gets only the challenge")
	assert.Less(t, len(reply), len(infoReq))

	reply = q.handle(append(infoReq, reply[5:9]...), remote)
	require.NotNil(t, reply)
	assert.Equal(t, queryPrefix+"I", string(reply[:5]))
	assert.Equal(t, byte(queryProtocol), reply[5])
	assert.Contains(t, string(reply), "Test Relay\x00")
	assert.Contains(t, string(reply), "1.2.3\x00")

	// Fixed fields follow the four strings and the app id.
	rest := reply[6:]
	for i := 0; i < 4; i++ {
		end := bytes.IndexByte(rest, 0)
		require.GreaterOrEqual(t, end, 0)
		rest = rest[end+1:]
	}
	rest = rest[2:]
	assert.Equal(t, byte(1), rest[0], "only identified players count")
	assert.Equal(t, byte(8), rest[1])
}

func TestQueryPlayerRequiresChallenge(t *testing.T) {
	m := NewManager(newBus(t))
	ps := startPipeSession(t, nil)
	ps.sess.Player().Identify("Ava", uuid.New(), "human", "")
	require.True(t, m.Add(ps.sess))

	q := NewQueryResponder(queryProxyConfig(), m, "1")
	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 27015}

	req := []byte(queryPrefix + "U")
	req = binary.LittleEndian.AppendUint32(req, uint32(0xFFFFFFFF))
	reply := q.handle(req, remote)
	require.Len(t, reply, 9)
	assert.Equal(t, queryPrefix+"A", string(reply[:5]))

	req = append([]byte(queryPrefix+"U"), reply[5:9]...)
	reply = q.handle(req, remote)
	require.NotNil(t, reply)
	assert.Equal(t, queryPrefix+"D", string(reply[:5]))
	assert.Equal(t, byte(1), reply[5])
	assert.Equal(t, "Ava", string(reply[7:10]))

	other := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 27015}
	reply = q.handle(req, other)
	assert.Equal(t, queryPrefix+"A", string(reply[:5]), "challenges are per source IP")
}

func TestQueryIgnoresGarbage(t *testing.T) {
	q := NewQueryResponder(queryProxyConfig(), NewManager(newBus(t)), "1")
	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 27015}

	assert.Nil(t, q.handle(nil, remote))
	assert.Nil(t, q.handle([]byte("hello world"), remote))
	assert.Nil(t, q.handle([]byte(queryPrefix+"Tnot a query"), remote))
	assert.Nil(t, q.handle([]byte(queryPrefix+"U\x01"), remote))
	assert.Nil(t, q.handle([]byte(queryPrefix+"V"), remote))

	wrong := binary.LittleEndian.AppendUint32([]byte(queryPrefix+"T"+queryInfoPayload), uint32(q.challenge(remote))+1)
	assert.Equal(t, queryPrefix+"A", string(q.handle(wrong, remote)[:5]))
}

func TestQueryResponderOverUDP(t *testing.T) {
	q := NewQueryResponder(queryProxyConfig(), NewManager(newBus(t)), "1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Listen(ctx))
	done := make(chan error, 1)
	go func() { done <- q.Serve(ctx) }()

	conn, err := net.Dial("udp", q.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	infoReq := []byte(queryPrefix + "T" + queryInfoPayload)
	_, err = conn.Write(infoReq)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1400)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 9, n)
	assert.Equal(t, queryPrefix+"A", string(buf[:5]))

	_, err = conn.Write(append(infoReq, buf[5:9]...))
	require.NoError(t, err)
	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, queryPrefix+"I", string(buf[:5]))
	assert.Contains(t, string(buf[:n]), "Test Relay")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
