// Package gateway orchestrates the ferry-gateway server components.
//
// # Overview
//
// The gateway package owns the agent registry, the command relay, the
// lifecycle broadcaster, the optional audit ledger and metrics, and the one
// HTTP server that agents and operators share.
//
// # Agent Transport
//
// Agents dial the WebSocket endpoint at server.agent_path (default /ws) and
// exchange JSON text frames. Each upgraded socket becomes an agent.Connection.
//
// # HTTP API
//
//   - GET /api/agents?scope=S - Agents that joined scope S (all connections without scope)
//   - POST /api/dispatch - Send a command to the agents its selector matches
//   - GET /api/dispatches - Audit ledger rows (404 when no database is configured)
//   - GET /api/dispatches/{id} - One ledger row
//   - GET /api/events?scope=S - SSE stream of agent lifecycle events
//   - GET /health - Liveness check
//   - GET /health/ready - Ready once at least one agent is connected
//   - GET /metrics - Prometheus metrics (when enabled)
//
// A dispatch body carries either a structured command or a YAML document:
//
//	{"scope": "!room:example.org", "command": {"selector": "lobby-.*", "run": ["say hi"]}}
//	{"scope": "!room:example.org", "document": "on: lobby-.*\nrun:\n  - say hi\n"}
//
// # SSE Streaming
//
//	event: agent_online
//	data: {"connection_id": "...", "name": "alpha", "scope": "guild-1", ...}
//
// Event types: ready, agent_online, agent_offline, protocol_error.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Cancelling ctx stops the HTTP server, the sweep loop and every agent
// connection, then closes the ledger.
package gateway
