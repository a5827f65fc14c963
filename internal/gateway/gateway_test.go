// ABOUTME: Tests for the Gateway orchestrator lifecycle and the agent WebSocket endpoint
// ABOUTME: Dials real WebSockets through httptest to exercise the full agent path

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ferry-gateway/internal/config"
	"github.com/2389/ferry-gateway/internal/packet"
	"github.com/2389/ferry-gateway/internal/relay"
)

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := ln.Addr().String()
	ln.Close()

	cfg := config.Default()
	cfg.Server.HTTPAddr = httpAddr
	cfg.Database.Path = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Agents.SweepInterval = 20 * time.Millisecond
	cfg.Agents.EnqueueTimeout = time.Second
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds a gateway that is shut down when the test ends.
func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

// serveGateway serves gw's handler on an httptest server.
func serveGateway(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	// Registered after srv.Close so it runs first and releases hijacked sockets.
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.agents.Shutdown(ctx)
	})
	return srv
}

// testAgent is the agent side of a real WebSocket.
type testAgent struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialAgent(t *testing.T, srv *httptest.Server, path string) *testAgent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return &testAgent{t: t, conn: conn}
}

func (a *testAgent) send(frame []byte) {
	a.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(a.t, a.conn.Write(ctx, websocket.MessageText, frame))
}

func (a *testAgent) identify(name, scope string) {
	a.t.Helper()
	b, err := packet.EncodeSetName(name)
	require.NoError(a.t, err)
	a.send(b)
	b, err = packet.EncodeSetServer(scope)
	require.NoError(a.t, err)
	a.send(b)
}

func (a *testAgent) next() packet.ServerFrame {
	a.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := a.conn.Read(ctx)
	require.NoError(a.t, err)
	require.Equal(a.t, websocket.MessageText, typ)
	f, err := packet.DecodeServerFrame(data)
	require.NoError(a.t, err)
	return f
}

// expectSilence asserts no frame arrives within d.
func (a *testAgent) expectSilence(d time.Duration) {
	a.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_, data, err := a.conn.Read(ctx)
	require.Error(a.t, err, "unexpected frame %s", data)
}

func waitForScope(t *testing.T, gw *Gateway, scope string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(gw.relay.ListByScope(scope)) == n
	}, 2*time.Second, 5*time.Millisecond, "scope %s never reached %d agents", scope, n)
}

func postDispatch(t *testing.T, srv *httptest.Server, body string) relay.Outcome {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/dispatch", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out relay.Outcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGateway(t, cfg)

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.agents)
	assert.NotNil(t, gw.relay)
	assert.NotNil(t, gw.events)
	assert.NotNil(t, gw.metrics)
	assert.NotNil(t, gw.ledger)
	assert.True(t, strings.HasPrefix(gw.serverID, "ferry-gateway-"))
}

func TestGatewayNew_OptionalComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = ""
	cfg.Metrics.Enabled = false

	gw := newTestGateway(t, cfg)
	assert.Nil(t, gw.ledger)
	assert.Nil(t, gw.metrics)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGatewayNew_DBPathFromEnv(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = ""
	t.Setenv("FERRY_DB_PATH", filepath.Join(t.TempDir(), "env.db"))

	gw := newTestGateway(t, cfg)
	assert.NotNil(t, gw.ledger)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}
}

func TestGatewayRun_ListenError(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	cfg.Server.HTTPAddr = ln.Addr().String()

	gw := newTestGateway(t, cfg)
	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestGatewayRun_ShutdownClosesAgentsAndStreams(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	base := "http://" + cfg.Server.HTTPAddr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+cfg.Server.HTTPAddr+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	streamResp, err := http.Get(base + "/api/events")
	require.NoError(t, err)
	defer streamResp.Body.Close()

	require.Eventually(t, func() bool { return gw.agents.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The agent keeps reading so it answers the close handshake.
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(context.Background())
		readErr <- err
	}()

	start := time.Now()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}
	assert.Less(t, time.Since(start), 4*time.Second, "open streams should not hold shutdown to its deadline")

	select {
	case err := <-readErr:
		assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	case <-time.After(2 * time.Second):
		t.Fatal("agent socket was not closed")
	}
}

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := serveGateway(t, gw)

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no agents connected")

	a := dialAgent(t, srv, "/ws")
	a.identify("alpha", "guild-1")
	waitForScope(t, gw, "guild-1", 1)

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (1 agents)", string(body))
}

func TestAgentSocket_DispatchEndToEnd(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := serveGateway(t, gw)

	alpha := dialAgent(t, srv, "/ws")
	alpha.identify("alpha", "guild-1")
	beta := dialAgent(t, srv, "/ws")
	beta.identify("beta", "guild-1")
	other := dialAgent(t, srv, "/ws")
	other.identify("alpha", "guild-2")
	waitForScope(t, gw, "guild-1", 2)
	waitForScope(t, gw, "guild-2", 1)

	out := postDispatch(t, srv, `{"scope":"guild-1","document":"on: al.*\nrun:\n  - say hi\n"}`)
	assert.Equal(t, 1, out.Matched)
	assert.Equal(t, 1, out.Delivered)
	assert.Empty(t, out.Failures)
	assert.False(t, out.NoMatch)
	assert.NotEmpty(t, out.DispatchID)

	f := alpha.next()
	assert.Equal(t, 0, f.ID)
	require.NotNil(t, f.Exec)
	assert.Equal(t, []string{"say hi"}, f.Exec.Run)
	assert.Equal(t, []string{}, f.Exec.Query)
	assert.Equal(t, map[string]string{}, f.Exec.Set)

	out = postDispatch(t, srv, `{"scope":"guild-1","command":{"selector":"beta","query":["players"],"set":{"motd":"hi"}}}`)
	assert.Equal(t, 1, out.Delivered)
	f = beta.next()
	require.NotNil(t, f.Exec)
	assert.Equal(t, []string{"players"}, f.Exec.Query)
	assert.Equal(t, map[string]string{"motd": "hi"}, f.Exec.Set)

	out = postDispatch(t, srv, `{"scope":"guild-1","command":{"selector":"nope"}}`)
	assert.True(t, out.NoMatch)
	assert.Equal(t, 0, out.Matched)

	// The same name in another scope never received anything.
	other.expectSilence(100 * time.Millisecond)
}

func TestAgentSocket_ProtocolErrors(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := serveGateway(t, gw)

	a := dialAgent(t, srv, "/ws")

	a.send([]byte(`{"id":7}`))
	f := a.next()
	assert.Equal(t, -1, f.ID)
	assert.Equal(t, packet.ErrorPacketInvalidID, f.Error)
	assert.Equal(t, "Invalid packet ID", f.Message)

	a.send([]byte(`not json`))
	f = a.next()
	assert.Equal(t, packet.ErrorDeserialization, f.Error)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.conn.Write(ctx, websocket.MessageBinary, []byte{0x01}))
	f = a.next()
	assert.Equal(t, packet.ErrorDeserialization, f.Error)

	// The connection survives every error and can still identify.
	a.identify("alpha", "guild-1")
	waitForScope(t, gw, "guild-1", 1)
}

func TestAgentSocket_HangupIsSwept(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := serveGateway(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.agents.RunSweeper(ctx, 10*time.Millisecond)

	a := dialAgent(t, srv, "/ws")
	a.identify("alpha", "guild-1")
	waitForScope(t, gw, "guild-1", 1)

	require.NoError(t, a.conn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool { return gw.agents.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	out := postDispatch(t, srv, `{"scope":"guild-1","command":{"selector":"alpha"}}`)
	assert.True(t, out.NoMatch)
}

func TestAgentSocket_RejectsForeignOrigin(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := serveGateway(t, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", &websocket.DialOptions{HTTPHeader: header})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, gw.agents.Len())
}

func TestEventsStream(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := serveGateway(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?scope=guild-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan [2]string, 16)
	go readSSE(resp.Body, events)

	ev := nextSSE(t, events)
	assert.Equal(t, "ready", ev[0])

	a := dialAgent(t, srv, "/ws")
	a.identify("alpha", "guild-1")
	b := dialAgent(t, srv, "/ws")
	b.identify("zeta", "guild-2")

	ev = nextSSE(t, events)
	assert.Equal(t, "agent_online", ev[0])

	var payload EventPayload
	require.NoError(t, json.Unmarshal([]byte(ev[1]), &payload))
	assert.Equal(t, "alpha", payload.Name)
	assert.Equal(t, "guild-1", payload.Scope)
	assert.NotEmpty(t, payload.ConnectionID)

	a.send([]byte(`{"id":42}`))
	ev = nextSSE(t, events)
	assert.Equal(t, "protocol_error", ev[0])
	assert.Contains(t, ev[1], "alpha")
}

// readSSE parses "event:"/"data:" pairs from r until it closes.
func readSSE(r io.Reader, out chan<- [2]string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	var event string
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case bytes.HasPrefix(line, []byte("event: ")):
			event = string(line[len("event: "):])
		case bytes.HasPrefix(line, []byte("data: ")):
			out <- [2]string{event, string(line[len("data: "):])}
		}
	}
}

func nextSSE(t *testing.T, events <-chan [2]string) [2]string {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return [2]string{}
	}
}
