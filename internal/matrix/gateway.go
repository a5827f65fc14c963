// ABOUTME: Gateway API client for the ferry Matrix bridge
// ABOUTME: Lists agents, posts dispatches and streams lifecycle events over SSE

package matrix

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/ferry-gateway/internal/packet"
)

// EventType represents SSE event types from the gateway.
type EventType string

const (
	EventReady         EventType = "ready"
	EventAgentOnline   EventType = "agent_online"
	EventAgentOffline  EventType = "agent_offline"
	EventProtocolError EventType = "protocol_error"
)

// SSEEvent represents a parsed Server-Sent Event.
type SSEEvent struct {
	Type EventType
	Data string
}

// AgentEventData is the JSON structure for agent lifecycle events.
type AgentEventData struct {
	ConnectionID string `json:"connection_id"`
	Name         string `json:"name"`
	Scope        string `json:"scope"`
	Detail       string `json:"detail,omitempty"`
}

// ErrorResponse is the JSON body of a non-200 gateway response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Agent is one entry of GET /api/agents.
type Agent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Scope string `json:"scope"`
}

// Outcome is the response of POST /api/dispatch.
type Outcome struct {
	Selector   string   `json:"selector"`
	Matched    int      `json:"matched"`
	Delivered  int      `json:"delivered"`
	Failures   []string `json:"failures"`
	NoMatch    bool     `json:"no_match"`
	Literal    bool     `json:"literal"`
	DispatchID string   `json:"dispatch_id,omitempty"`
}

// DispatchRequest is the request body for POST /api/dispatch.
type DispatchRequest struct {
	Scope   string         `json:"scope"`
	Command CommandRequest `json:"command"`
	Source  string         `json:"source,omitempty"`
}

// CommandRequest is the structured command inside a DispatchRequest.
type CommandRequest struct {
	Selector string            `json:"selector"`
	Run      []string          `json:"run,omitempty"`
	Query    []string          `json:"query,omitempty"`
	Set      map[string]string `json:"set,omitempty"`
}

// GatewayClient communicates with the ferry-gateway HTTP API.
type GatewayClient struct {
	baseURL string
	client  *http.Client
}

// NewGatewayClient creates a new gateway client. The HTTP client carries no
// overall timeout because the event stream is long-lived; callers bound
// requests with their context.
func NewGatewayClient(baseURL string) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

// ListAgents returns the agents that joined scope.
func (g *GatewayClient) ListAgents(ctx context.Context, scope string) ([]Agent, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"/api/agents?scope="+url.QueryEscape(scope), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, g.handleErrorResponse(resp)
	}

	var agents []Agent
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return nil, fmt.Errorf("decoding agents: %w", err)
	}
	return agents, nil
}

// Dispatch sends cmd to the agents of scope that its selector matches.
func (g *GatewayClient) Dispatch(ctx context.Context, scope string, cmd packet.ServerCommand, source string) (Outcome, error) {
	body, err := json.Marshal(DispatchRequest{
		Scope: scope,
		Command: CommandRequest{
			Selector: cmd.Selector,
			Run:      cmd.Run,
			Query:    cmd.Query,
			Set:      cmd.Set,
		},
		Source: source,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/api/dispatch", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Outcome{}, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Outcome{}, g.handleErrorResponse(resp)
	}

	var out Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Outcome{}, fmt.Errorf("decoding outcome: %w", err)
	}
	return out, nil
}

// StreamEvents subscribes to lifecycle events for scope (all scopes when
// empty) and calls onEvent for each until ctx ends or the stream breaks.
func (g *GatewayClient) StreamEvents(ctx context.Context, scope string, onEvent func(SSEEvent)) error {
	target := g.baseURL + "/api/events"
	if scope != "" {
		target += "?scope=" + url.QueryEscape(scope)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return g.handleErrorResponse(resp)
	}

	return g.parseSSEStream(ctx, resp.Body, onEvent)
}

// handleErrorResponse extracts error message from non-200 responses.
func (g *GatewayClient) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	if resp.Header.Get("Content-Type") == "application/json" {
		var errResp ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("gateway error (%d): %s", resp.StatusCode, errResp.Error)
		}
	}

	return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// parseSSEStream reads SSE events from the response body.
func (g *GatewayClient) parseSSEStream(ctx context.Context, body io.Reader, onEvent func(SSEEvent)) error {
	scanner := bufio.NewScanner(body)

	var eventType EventType
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 && onEvent != nil {
				onEvent(SSEEvent{
					Type: eventType,
					Data: strings.Join(dataLines, "\n"),
				})
			}
			eventType = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			eventType = EventType(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reading SSE stream: %w", err)
	}

	return nil
}
