// ABOUTME: HTTP API handlers for operators: agent listing, dispatch, ledger and events
// ABOUTME: JSON request/response bodies plus an SSE stream of agent lifecycle events

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/ferry-gateway/internal/agent"
	"github.com/2389/ferry-gateway/internal/events"
	"github.com/2389/ferry-gateway/internal/packet"
	"github.com/2389/ferry-gateway/internal/relay"
	"github.com/2389/ferry-gateway/internal/store"
)

// maxDispatchBody bounds a POST /api/dispatch body.
const maxDispatchBody = 1 << 20

// sseKeepAlive is how often an idle event stream gets a comment line.
var sseKeepAlive = 25 * time.Second

// DispatchRequest is the JSON request body for POST /api/dispatch.
// Exactly one of Command and Document is set.
type DispatchRequest struct {
	Scope    string          `json:"scope"`
	Command  *CommandRequest `json:"command,omitempty"`
	Document string          `json:"document,omitempty"`
	Source   string          `json:"source,omitempty"`
}

// CommandRequest is the structured form of a command.
type CommandRequest struct {
	Selector string            `json:"selector"`
	Run      []string          `json:"run,omitempty"`
	Query    []string          `json:"query,omitempty"`
	Set      map[string]string `json:"set,omitempty"`
}

// AgentInfoResponse is the JSON response element for GET /api/agents.
type AgentInfoResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Scope       string    `json:"scope"`
	Alive       bool      `json:"alive"`
	ConnectedAt time.Time `json:"connected_at"`
}

// handleListAgents handles GET /api/agents. With ?scope= it lists the
// identified agents of that scope; without it, every connection.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var infos []agent.AgentInfo
	if scope := r.URL.Query().Get("scope"); scope != "" {
		infos = g.relay.ListByScope(scope)
	} else {
		infos = g.agents.ListAgents()
	}

	resp := make([]AgentInfoResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, AgentInfoResponse{
			ID:          info.ID,
			Name:        info.Name,
			Scope:       info.Scope,
			Alive:       info.Alive,
			ConnectedAt: info.ConnectedAt,
		})
	}

	g.sendJSON(w, http.StatusOK, resp)
}

// handleDispatch handles POST /api/dispatch.
func (g *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	req, cmd, err := parseDispatchRequest(http.MaxBytesReader(w, r.Body, maxDispatchBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	source := req.Source
	if source == "" {
		source = "http:" + r.RemoteAddr
	}

	out := g.relay.Dispatch(relay.WithSource(r.Context(), source), cmd, req.Scope)
	g.sendJSON(w, http.StatusOK, out)
}

// parseDispatchRequest decodes and validates a dispatch body, returning the
// command it carries.
func parseDispatchRequest(body io.Reader) (*DispatchRequest, packet.ServerCommand, error) {
	var req DispatchRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, packet.ServerCommand{}, errors.New("invalid JSON body")
	}

	if req.Scope == "" {
		return nil, packet.ServerCommand{}, errors.New("scope is required")
	}

	switch {
	case req.Command != nil && req.Document != "":
		return nil, packet.ServerCommand{}, errors.New("command and document are mutually exclusive")
	case req.Command != nil:
		if req.Command.Selector == "" {
			return nil, packet.ServerCommand{}, errors.New("command.selector is required")
		}
		return &req, packet.ServerCommand{
			Selector: req.Command.Selector,
			Run:      req.Command.Run,
			Query:    req.Command.Query,
			Set:      req.Command.Set,
		}, nil
	case req.Document != "":
		cmd, err := packet.ParseCommand(req.Document)
		if err != nil {
			return nil, packet.ServerCommand{}, fmt.Errorf("invalid command document: %w", err)
		}
		return &req, cmd, nil
	default:
		return nil, packet.ServerCommand{}, errors.New("command or document is required")
	}
}

// handleListDispatches handles GET /api/dispatches?scope=&selector=&since=&limit=.
func (g *Gateway) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if g.ledger == nil {
		g.sendJSONError(w, http.StatusNotFound, "dispatch ledger not configured")
		return
	}

	q := r.URL.Query()
	filter := store.DispatchFilter{
		Scope:    q.Get("scope"),
		Selector: q.Get("selector"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &since
	}

	records, err := g.ledger.ListDispatches(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list dispatches", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if records == nil {
		records = []*store.DispatchRecord{}
	}
	g.sendJSON(w, http.StatusOK, records)
}

// handleGetDispatch handles GET /api/dispatches/{id}.
func (g *Gateway) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if g.ledger == nil {
		g.sendJSONError(w, http.StatusNotFound, "dispatch ledger not configured")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/dispatches/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusNotFound, "dispatch not found")
		return
	}

	rec, err := g.ledger.GetDispatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get dispatch", "id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, rec)
}

// handleEvents handles GET /api/events?scope=, streaming lifecycle events as SSE.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	scope := r.URL.Query().Get("scope")
	sub, _ := g.events.Subscribe(ctx, scope)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "ready", map[string]string{"server_id": g.serverID, "scope": scope})
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-sub:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Kind), eventPayload(ev))
			flusher.Flush()
		}
	}
}

// EventPayload is the SSE data object for one lifecycle event.
type EventPayload struct {
	ConnectionID string    `json:"connection_id"`
	Name         string    `json:"name"`
	Scope        string    `json:"scope"`
	Detail       string    `json:"detail,omitempty"`
	Time         time.Time `json:"time"`
}

func eventPayload(ev events.Event) EventPayload {
	return EventPayload{
		ConnectionID: ev.ConnectionID,
		Name:         ev.Name,
		Scope:        ev.Scope,
		Detail:       ev.Detail,
		Time:         ev.Time,
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
