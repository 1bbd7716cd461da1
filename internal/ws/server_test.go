package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pageguard/internal/protocol"
	"github.com/whisper/pageguard/internal/ratelimit"
	"github.com/whisper/pageguard/internal/settings"
	"github.com/whisper/pageguard/internal/watch"
)

const page = `<html><body><p id="p1">this is a damn good day</p><div id="feed"></div></body></html>`

func testDeps() PageDeps {
	log, _ := test.NewNullLogger()
	s := settings.Default()
	s.Language = settings.English
	return PageDeps{
		Settings: settings.NewStatic(s),
		Logger:   log,
		Watch:    watch.Options{Debounce: 10 * time.Millisecond, FullRescanDelay: 50 * time.Millisecond},
	}
}

func newTestServer(t *testing.T, limiter Limiter) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Heartbeat = HeartbeatConfig{Interval: time.Minute, Timeout: time.Minute}
	srv := NewServer(cfg, testDeps(), limiter)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Shutdown(context.Background())
	})
	return srv, hs
}

type client struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, hs *httptest.Server) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	conn, br, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &client{t: t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *client) send(msg string) {
	c.t.Helper()
	require.NoError(c.t, wsutil.WriteClientText(c.conn, []byte(msg)))
}

func (c *client) recv() map[string]interface{} {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(c.t, err)
	var out map[string]interface{}
	require.NoError(c.t, json.Unmarshal(data, &out))
	return out
}

func (c *client) expect(msgType string) map[string]interface{} {
	c.t.Helper()
	msg := c.recv()
	require.Equal(c.t, msgType, msg["type"], "got %v", msg)
	return msg
}

func (c *client) loadPage() map[string]interface{} {
	c.t.Helper()
	req, _ := json.Marshal(protocol.LoadPageMsg{Type: protocol.TypeLoadPage, URL: "https://example.com/a", HTML: page})
	c.send(string(req))
	return c.expect(protocol.TypePageLoaded)
}

func connected(t *testing.T, hs *httptest.Server) *client {
	t.Helper()
	c := dial(t, hs)
	created := c.expect(protocol.TypeSessionCreated)
	require.NotEmpty(t, created["session_id"])
	return c
}

func TestServer_LoadPageAndSnapshot(t *testing.T) {
	srv, hs := newTestServer(t, nil)
	c := connected(t, hs)
	assert.Eventually(t, func() bool { return srv.Connections().Count() == 1 }, time.Second, 5*time.Millisecond)

	loaded := c.loadPage()
	assert.NotEmpty(t, loaded["page_id"])
	assert.Equal(t, "active", loaded["state"])
	assert.EqualValues(t, 1, loaded["flagged_count"])

	c.send(`{"type":"get_snapshot"}`)
	snap := c.expect(protocol.TypeSnapshot)
	assert.Contains(t, snap["html"], `data-pg-marker`)
	markers := snap["markers"].([]interface{})
	require.Len(t, markers, 1)
	assert.Equal(t, "this is a damn good day", markers[0].(map[string]interface{})["window"])
}

func TestServer_ControlMessages(t *testing.T) {
	_, hs := newTestServer(t, nil)
	c := connected(t, hs)
	c.loadPage()

	c.send(`{"type":"toggle"}`)
	st := c.expect(protocol.TypeStats)
	assert.Equal(t, false, st["is_active"])
	assert.EqualValues(t, 0, st["flagged_count"])

	c.send(`{"type":"toggle"}`)
	st = c.expect(protocol.TypeStats)
	assert.Equal(t, true, st["is_active"])
	assert.EqualValues(t, 1, st["flagged_count"])

	c.send(`{"type":"rescan"}`)
	st = c.expect(protocol.TypeStats)
	assert.EqualValues(t, 1, st["flagged_count"])

	c.send(`{"type":"update_settings","settings":{"enabled":true,"language":"english","flag_style":"blur","whitelist_terms":["damn"]}}`)
	st = c.expect(protocol.TypeStats)
	assert.EqualValues(t, 0, st["flagged_count"])

	c.send(`{"type":"get_stats"}`)
	st = c.expect(protocol.TypeStats)
	assert.Equal(t, "active", st["state"])
}

func TestServer_MutationIsRedacted(t *testing.T) {
	_, hs := newTestServer(t, nil)
	c := connected(t, hs)
	c.loadPage()

	c.send(`{"type":"mutate","op":"append","target_id":"feed","html":"<p>well shit happens</p>"}`)
	c.expect(protocol.TypeStats)

	var flagged float64
	require.Eventually(t, func() bool {
		c.send(`{"type":"get_stats"}`)
		flagged = c.expect(protocol.TypeStats)["flagged_count"].(float64)
		return flagged == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_Errors(t *testing.T) {
	_, hs := newTestServer(t, nil)
	c := connected(t, hs)

	c.send(`{"type":"get_stats"}`)
	assert.Equal(t, protocol.CodeNoPage, c.expect(protocol.TypeError)["code"])

	c.send(`not json`)
	assert.Equal(t, protocol.CodeBadRequest, c.expect(protocol.TypeError)["code"])

	c.send(`{"type":"load_page","url":"https://example.com","html":"` + strings.Repeat("a", DefaultMaxPageBytes+1) + `"}`)
	assert.Equal(t, protocol.CodeBadRequest, c.expect(protocol.TypeError)["code"])

	c.loadPage()
	c.send(`{"type":"mutate","op":"remove","target_id":"missing"}`)
	assert.Equal(t, protocol.CodeNotFound, c.expect(protocol.TypeError)["code"])

	c.send(`{"type":"mutate","op":"remove"}`)
	assert.Equal(t, protocol.CodeBadRequest, c.expect(protocol.TypeError)["code"])
}

func TestServer_Ping(t *testing.T) {
	_, hs := newTestServer(t, nil)
	c := connected(t, hs)
	c.send(`{"type":"ping"}`)
	c.expect(protocol.TypePong)
}

// countingLimiter allows the first n calls per rule key.
type countingLimiter struct {
	mu    sync.Mutex
	n     int
	calls map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, id string, rule ratelimit.Rule) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = make(map[string]int)
	}
	l.calls[rule.Key]++
	return l.calls[rule.Key] <= l.n, nil
}

func TestServer_ControlRateLimit(t *testing.T) {
	_, hs := newTestServer(t, &countingLimiter{n: 2})
	c := connected(t, hs)

	c.send(`{"type":"get_stats"}`)
	c.expect(protocol.TypeError)
	c.send(`{"type":"get_stats"}`)
	c.expect(protocol.TypeError)

	c.send(`{"type":"get_stats"}`)
	limited := c.expect(protocol.TypeRateLimited)
	assert.EqualValues(t, 10, limited["retry_after"])

	// Pings are never throttled.
	c.send(`{"type":"ping"}`)
	c.expect(protocol.TypePong)
}

func TestServer_ConnectRateLimit(t *testing.T) {
	_, hs := newTestServer(t, &countingLimiter{n: 1})
	connected(t, hs)

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	_, _, _, err := ws.Dial(context.Background(), url)
	require.Error(t, err)
	var status ws.StatusError
	if assert.ErrorAs(t, err, &status) {
		assert.Equal(t, http.StatusTooManyRequests, int(status))
	}
}

func TestServer_DisconnectClosesSession(t *testing.T) {
	srv, hs := newTestServer(t, nil)
	c := connected(t, hs)
	c.loadPage()

	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.sessions) == 0 && srv.Connections().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_HeartbeatEvictsIdle(t *testing.T) {
	srv, hs := newTestServer(t, nil)
	connected(t, hs)
	require.Eventually(t, func() bool { return srv.Connections().Count() == 1 }, time.Second, 5*time.Millisecond)

	for _, c := range srv.Connections().All() {
		c.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	}
	srv.checkConnections(HeartbeatConfig{Interval: time.Second, Timeout: time.Second})
	assert.Equal(t, 0, srv.Connections().Count())
}

func TestHandleHealth(t *testing.T) {
	_, hs := newTestServer(t, nil)

	resp, err := http.Get(hs.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleRedact(t *testing.T) {
	_, hs := newTestServer(t, nil)

	post := func(body string) *http.Response {
		resp, err := http.Post(hs.URL+"/v1/redact", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("default settings", func(t *testing.T) {
		req, _ := json.Marshal(RedactRequest{URL: "https://example.com", HTML: page})
		resp := post(string(req))
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out RedactResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, 1, out.FlaggedCount)
		assert.Contains(t, out.HTML, `data-pg-flag="highlight"`)
		require.Len(t, out.Markers, 1)
	})

	t.Run("override settings", func(t *testing.T) {
		s := settings.Default()
		s.Language = settings.English
		s.FlagStyle = settings.StyleAsterisk
		req, _ := json.Marshal(RedactRequest{URL: "https://example.com", HTML: page, Settings: &s})
		resp := post(string(req))
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out RedactResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Contains(t, out.HTML, `data-pg-flag="asterisk"`)
	})

	t.Run("whitelisted site", func(t *testing.T) {
		s := settings.Default()
		s.WhitelistWebsites = []string{"example.com"}
		req, _ := json.Marshal(RedactRequest{URL: "https://example.com", HTML: page, Settings: &s})
		resp := post(string(req))

		var out RedactResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, "paused", out.State)
		assert.Zero(t, out.FlaggedCount)
		assert.NotContains(t, out.HTML, "data-pg-marker")
	})

	t.Run("bad body", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post(`{`).StatusCode)
	})

	t.Run("method", func(t *testing.T) {
		resp, err := http.Get(hs.URL + "/v1/redact")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
