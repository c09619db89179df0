package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/event"
)

type stubSource struct{ ch chan event.ASREvent }

func (s *stubSource) Fetch(ctx context.Context) (event.ASREvent, error) {
	select {
	case e := <-s.ch:
		return e, nil
	case <-ctx.Done():
		return event.ASREvent{}, ctx.Err()
	}
}

func testRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		Listen:         ":0",
		AllowedOrigins: []string{"*"},
		MaxDelay:       5.0,
	}
}

// startTestServer brings up the router's HTTP handler on an httptest
// listener and returns a websocket dialer target.
func startTestServer(t *testing.T, cfg config.RouterConfig) (*Router, string, func()) {
	t.Helper()
	rt := New(cfg, &stubSource{ch: make(chan event.ASREvent)}, "test-endpoint")
	ctx, cancel := context.WithCancel(context.Background())
	rt.runCtx = ctx

	server := rt.newServer(cfg)
	ts := httptest.NewServer(server.Handler)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return rt, wsURL, func() {
		cancel()
		ts.Close()
	}
}

// readUntil reads frames until one matches the wanted type, skipping
// heartbeats.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == wantType {
			return msg
		}
	}
	t.Fatalf("no %q frame before deadline", wantType)
	return nil
}

func dial(t *testing.T, wsURL, forwardedFor string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if forwardedFor != "" {
		header.Set("X-Forwarded-For", forwardedFor)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/listening", header)
	require.NoError(t, err)
	return conn
}

func TestWebSocketLifecycle(t *testing.T) {
	rt, wsURL, stop := startTestServer(t, testRouterConfig())
	defer stop()

	conn := dial(t, wsURL, "10.1.1.1")
	defer conn.Close()

	// Heartbeats flow every second.
	hb := readUntil(t, conn, "server_heartbeat")
	assert.NotEmpty(t, hb["ts"])

	// ping → pong
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	pong := readUntil(t, conn, "pong")
	assert.NotEmpty(t, pong["ts"])

	// A targeted event reaches the matching client.
	waitClients(t, rt, 1)
	rt.deliver(event.ASREvent{
		Type:         event.TypeASRUpdate,
		Text:         "你好",
		PeerIP:       "10.1.1.1",
		Source:       event.SourceCitizen,
		UniqueKey:    "k",
		SSRC:         7,
		VoiceStartTs: 12.5,
	})
	got := readUntil(t, conn, event.TypeASRUpdate)
	assert.Equal(t, "你好", got["text"])
	assert.Equal(t, "10.1.1.1", got["peer_ip"])

	// stop_listening → stopped, then the server closes the socket.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "stop_listening"}))
	stopped := readUntil(t, conn, "stopped")
	assert.NotEmpty(t, stopped["ts"])
	waitClients(t, rt, 0)
}

func TestTargetedRoutingByPeerIP(t *testing.T) {
	rt, wsURL, stop := startTestServer(t, testRouterConfig())
	defer stop()

	matching := dial(t, wsURL, "10.1.1.1")
	defer matching.Close()
	other := dial(t, wsURL, "10.2.2.2")
	defer other.Close()
	waitClients(t, rt, 2)

	rt.deliver(event.ASREvent{Type: event.TypeASRUpdate, Text: "hi", PeerIP: "10.1.1.1"})

	got := readUntil(t, matching, event.TypeASRUpdate)
	assert.Equal(t, "hi", got["text"])

	// The other client sees heartbeats but never the event.
	_ = other.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := other.ReadMessage()
		if err != nil {
			break // deadline: nothing but heartbeats arrived
		}
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		require.NotEqual(t, event.TypeASRUpdate, msg["type"], "event leaked to wrong peer")
	}
}

func TestBroadcastAllMode(t *testing.T) {
	cfg := testRouterConfig()
	cfg.BroadcastAll = true
	rt, wsURL, stop := startTestServer(t, cfg)
	defer stop()

	a := dial(t, wsURL, "10.1.1.1")
	defer a.Close()
	b := dial(t, wsURL, "10.2.2.2")
	defer b.Close()
	waitClients(t, rt, 2)

	rt.deliver(event.ASREvent{Type: event.TypeASRUpdate, Text: "all", PeerIP: "10.1.1.1"})

	assert.Equal(t, "all", readUntil(t, a, event.TypeASRUpdate)["text"])
	assert.Equal(t, "all", readUntil(t, b, event.TypeASRUpdate)["text"])
}

func TestSendFailureEvictsClient(t *testing.T) {
	rt, wsURL, stop := startTestServer(t, testRouterConfig())
	defer stop()

	conn := dial(t, wsURL, "10.1.1.1")
	waitClients(t, rt, 1)

	// Kill the socket from the client side, then deliver: the write (or
	// the reader) fails and the registry drops the client.
	conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for rt.registry.count() > 0 && time.Now().Before(deadline) {
		rt.deliver(event.ASREvent{Type: event.TypeASRUpdate, PeerIP: "10.1.1.1"})
		time.Sleep(50 * time.Millisecond)
	}
	assert.Zero(t, rt.registry.count())
}

func TestHealthEndpoint(t *testing.T) {
	rt, wsURL, stop := startTestServer(t, testRouterConfig())
	defer stop()
	_ = rt

	resp, err := http.Get(strings.Replace(wsURL, "ws", "http", 1) + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-endpoint", body["endpoint"])
	assert.NotNil(t, body["clients"])
	assert.NotEmpty(t, body["ts"])
}

func TestClientIPFromRequest(t *testing.T) {
	mk := func(headers map[string]string, remote string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/listening", nil)
		req.RemoteAddr = remote
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req
	}

	assert.Equal(t, "1.2.3.4", clientIPFromRequest(
		mk(map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, "9.9.9.9:1234")))
	assert.Equal(t, "2.3.4.5", clientIPFromRequest(
		mk(map[string]string{"X-Real-IP": "2.3.4.5"}, "9.9.9.9:1234")))
	assert.Equal(t, "9.9.9.9", clientIPFromRequest(mk(nil, "9.9.9.9:1234")))
	assert.Equal(t, "::1", clientIPFromRequest(mk(nil, "[::1]:1234")))
}

// waitClients blocks until the registry reaches the wanted size.
func waitClients(t *testing.T, rt *Router, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rt.registry.count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, want, rt.registry.count())
}
