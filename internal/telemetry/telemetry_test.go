package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starrelay-project/starrelay/internal/config"
	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/network"
	"github.com/starrelay-project/starrelay/internal/protocol"
)

func TestObservePacket(t *testing.T) {
	m := NewMetrics()

	p := &protocol.ChatSentPacket{Text: "hi"}
	p.Header().Direction = protocol.FromClient
	m.ObservePacket(p, nil)
	m.ObservePacket(p, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.packetsTotal.WithLabelValues("client", "ChatSent")))

	m.DecodeFailure(protocol.ChatSent, errors.New("short payload"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeFailures.WithLabelValues("ChatSent")))
}

func TestAttachTracksSessions(t *testing.T) {
	m := NewMetrics()
	sessions := network.NewManager(nil)
	m.Attach(sessions)

	a, b := net.Pipe()
	c, d := net.Pipe()
	t.Cleanup(func() {
		b.Close()
		d.Close()
	})
	go io.Copy(io.Discard, b)
	go io.Copy(io.Discard, d)

	reg, err := protocol.DefaultRegistry()
	require.NoError(t, err)
	opts := network.ConnectionOptions{Packets: reg}
	client := network.NewConnection(a, opts)
	server := network.NewConnection(c, opts)
	sess := network.NewSession(client, server)

	require.True(t, sessions.Add(sess))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsTotal))

	sess.Close()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsTotal))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.sessionsTotal.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "starrelay_sessions_total 1")
	assert.Contains(t, body, "go_goroutines")
}

type sentMessage struct {
	topic string
	msg   map[string]interface{}
}

func newTestHandler(t *testing.T, bus *events.EventBus, prefix string) (*MQTTHandler, func() []sentMessage) {
	t.Helper()
	h, err := NewMQTTHandler(config.MQTTConfig{
		Enabled:   true,
		BrokerURL: "127.0.0.1",
		Port:      1883,
		Topic:     prefix,
	}, bus)
	require.NoError(t, err)

	var mu sync.Mutex
	var sent []sentMessage
	h.send = func(topic string, data []byte) {
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		mu.Lock()
		sent = append(sent, sentMessage{topic: topic, msg: msg})
		mu.Unlock()
	}
	return h, func() []sentMessage {
		mu.Lock()
		defer mu.Unlock()
		return append([]sentMessage(nil), sent...)
	}
}

func TestMQTTDisabled(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{}, nil)
	assert.Error(t, err)
}

func TestMQTTRoutesEvents(t *testing.T) {
	bus, err := events.NewEventBus(2)
	require.NoError(t, err)
	t.Cleanup(bus.Stop)

	h, sent := newTestHandler(t, bus, "/relay/eu/")
	h.subscribeEvents()

	ctx := context.Background()
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventPlayerKicked,
		Payload: events.KickPayload{SessionID: "s1", Reason: "idle"},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventProxyStatus,
		Payload: events.StatusPayload{Sessions: 3},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventConfigChanged}))

	got := sent()
	require.Len(t, got, 2)

	assert.Equal(t, "relay/eu/moderation", got[0].topic)
	assert.Equal(t, "player_kicked", got[0].msg["event"])
	assert.Contains(t, got[0].msg, "hostname")
	assert.Contains(t, got[0].msg, "timestamp")

	assert.Equal(t, "relay/eu/status", got[1].topic)
	status := got[1].msg["payload"].(map[string]interface{})
	assert.Equal(t, 3.0, status["sessions"])

	h.unsubscribeEvents()
	assert.Zero(t, bus.HandlerCount(events.EventPlayerKicked))
}

func TestMQTTPublishShutdown(t *testing.T) {
	h, sent := newTestHandler(t, nil, "")
	h.PublishShutdown()

	got := sent()
	require.Len(t, got, 1)
	assert.Equal(t, "starrelay/admin", got[0].topic)
	assert.Equal(t, "shutdown", got[0].msg["event"])
}

func TestBrokerTLSConfigBadCA(t *testing.T) {
	_, err := brokerTLSConfig(config.MQTTConfig{CAFile: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}
