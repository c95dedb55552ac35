package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starrelay-project/starrelay/internal/config"
	"github.com/starrelay-project/starrelay/internal/db"
	"github.com/starrelay-project/starrelay/internal/handlers"
	"github.com/starrelay-project/starrelay/internal/network"
	"github.com/starrelay-project/starrelay/internal/protocol"
)

const testToken = "s3cret"

type testAPI struct {
	server   *Server
	cfg      *config.Config
	sessions *network.Manager
	store    *db.Store
}

func newTestAPI(t *testing.T, metrics http.Handler) *testAPI {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	cfg.API.AuthToken = testToken

	store, err := db.NewStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessions := network.NewManager(nil)
	srv := NewServer(cfg, Deps{
		Sessions:  sessions,
		Moderator: handlers.NewModerator(store, sessions, nil),
		Metrics:   metrics,
		DiskPath:  dir,
	})
	return &testAPI{server: srv, cfg: cfg, sessions: sessions, store: store}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (a *testAPI) addSession(t *testing.T) *network.Session {
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
	require.True(t, a.sessions.Add(sess))
	t.Cleanup(sess.Close)
	return sess
}

func TestPingIsPublic(t *testing.T) {
	a := newTestAPI(t, nil)
	rec := a.do(t, "GET", "/api/public/ping", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	a := newTestAPI(t, nil)

	assert.Equal(t, http.StatusUnauthorized, a.do(t, "GET", "/api/sessions", nil, false).Code)

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, a.do(t, "GET", "/api/sessions", nil, true).Code)
}

func TestSessionRoutes(t *testing.T) {
	a := newTestAPI(t, nil)
	sess := a.addSession(t)

	rec := a.do(t, "GET", "/api/sessions", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decode(t, rec)["count"])

	rec = a.do(t, "GET", "/api/sessions/"+sess.ID(), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sess.ID(), decode(t, rec)["id"])

	assert.Equal(t, http.StatusNotFound, a.do(t, "GET", "/api/sessions/nope", nil, true).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, "POST", "/api/sessions/nope/kick", nil, true).Code)

	rec = a.do(t, "POST", "/api/sessions/"+sess.ID()+"/kick", map[string]string{"reason": "maintenance"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sess.Closed())
	assert.Zero(t, a.sessions.Count())
}

func TestBanRoutes(t *testing.T) {
	a := newTestAPI(t, nil)
	sess := a.addSession(t)

	assert.Equal(t, http.StatusBadRequest, a.do(t, "POST", "/api/bans", map[string]string{"reason": "x"}, true).Code)

	rec := a.do(t, "POST", "/api/bans", map[string]interface{}{
		"ip":           "pipe",
		"reason":       "griefing",
		"duration_sec": 3600,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, 1.0, body["kicked"])
	assert.True(t, sess.Closed())

	rec = a.do(t, "GET", "/api/bans", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)
	assert.Equal(t, 1.0, list["count"])
	ban := list["bans"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "griefing", ban["reason"])
	assert.NotNil(t, ban["expires_at"])

	assert.Equal(t, http.StatusOK, a.do(t, "DELETE", "/api/bans/pipe", nil, true).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, "DELETE", "/api/bans/pipe", nil, true).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, "DELETE", "/api/bans/99", nil, true).Code)
}

func TestConfigRoutes(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(t, "GET", "/api/config", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	apiSection := decode(t, rec)["api"].(map[string]interface{})
	assert.Equal(t, "********", apiSection["auth_token"])

	rec = a.do(t, "PUT", "/api/config/proxy", map[string]interface{}{"key": "idle_timeout_sec", "value": 42}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 42, a.cfg.GetProxy().IdleTimeoutSec)

	reloaded, err := config.Load(filepath.Dir(a.cfg.Path()))
	require.NoError(t, err)
	assert.Equal(t, 42, reloaded.GetProxy().IdleTimeoutSec)

	rec = a.do(t, "PUT", "/api/config/proxy", map[string]interface{}{"key": "no_such_option", "value": 1}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemAndStatus(t *testing.T) {
	a := newTestAPI(t, nil)
	a.addSession(t)

	rec := a.do(t, "GET", "/api/system", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec), "usage")

	rec = a.do(t, "GET", "/api/public/status", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, 1.0, status["sessions"])
	assert.Equal(t, 0.0, status["authenticated"])
}

func TestMetricsRoute(t *testing.T) {
	a := newTestAPI(t, nil)
	assert.Equal(t, http.StatusOK, a.do(t, "GET", "/metrics", nil, false).Code, "falls through to the index")
	assert.NotContains(t, a.do(t, "GET", "/metrics", nil, false).Body.String(), "metric")

	b := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "starrelay_active_sessions 0\n")
	}))
	rec := b.do(t, "GET", "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "starrelay_active_sessions")
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(1)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"), "burst is twice the rate")
	assert.True(t, rl.Allow("5.6.7.8"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("1.2.3.4"))

	assert.True(t, NewRateLimiter(0).Allow("1.2.3.4"))
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "abc", extractBearerToken("Bearer abc"))
	assert.Equal(t, "abc", extractBearerToken("bearer abc"))
	assert.Empty(t, extractBearerToken("Basic abc"))
	assert.Empty(t, extractBearerToken(""))
}
