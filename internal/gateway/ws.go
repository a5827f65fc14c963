// ABOUTME: WebSocket endpoint where agents connect and HTTP request instrumentation
// ABOUTME: Hands each upgraded socket to the agent registry and holds it until the actor ends

package gateway

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/2389/ferry-gateway/internal/agent"
)

// handleAgentSocket upgrades an agent's request and registers the connection.
// The handler returns only once the connection's actor has terminated.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Agents.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		g.logger.Warn("agent upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := g.agents.Accept(agent.NewWebSocket(conn))
	g.logger.Debug("agent socket accepted", "connection_id", c.ID, "remote_addr", r.RemoteAddr)

	<-c.Done()
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// instrument counts requests to path by response status.
func (g *Gateway) instrument(path string, h http.HandlerFunc) http.Handler {
	if g.metrics == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		g.metrics.HTTPRequest(path, rec.status)
	})
}
