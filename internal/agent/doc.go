// Package agent manages WebSocket connections from remote agents.
//
// # Overview
//
// Agents are long-running servers that dial the gateway, announce a name and
// the scope (control-plane room) they belong to, and then wait for commands.
// This package owns the table of those connections and one actor goroutine
// per socket.
//
// # Manager
//
// The Manager is the connection registry:
//
//	mgr := agent.NewManager(logger,
//	    agent.WithMailboxSize(16),
//	    agent.WithPublisher(broadcaster),
//	    agent.WithMetrics(m))
//
// Key operations:
//
//   - Accept(sock): register a socket under a fresh UUID and start its actor
//   - Sweep(): remove connections whose transport has failed
//   - RunSweeper(ctx, interval): call Sweep periodically
//   - LookupByScope / LookupByName / LookupByPattern: resolve agents in a scope
//   - ListAgents(), Get(id), Len()
//   - Shutdown(ctx): kill every actor and wait for it to exit
//
// Lookups copy the connection handles under the registry's read lock, release
// it, and only then read each connection's identity. Entries leave the table
// only through Sweep, so the handles a dispatch holds stay valid.
//
// # Connection
//
// A Connection starts with an empty name and scope. Its actor loop waits on
// two sources: frames from the socket (fed by a reader goroutine) and packets
// queued in its mailbox.
//
//   - SetName / SetServer update identity; once both are set an AgentOnline
//     event is published.
//   - Undecodable frames are answered with an Error packet and published as
//     ProtocolError. The reply is queued without blocking; if the mailbox is
//     full it is dropped.
//   - A read or write failure marks the connection dead and ends the loop.
//
// Enqueue blocks while the mailbox (16 packets by default) is full. It returns
// ErrMailboxClosed once the loop has ended, so a sender can never wait on a
// connection that will not drain.
//
// # Thread Safety
//
// Manager and Connection are safe for concurrent use. Identity fields are
// written only by the owning actor and read under the connection's lock.
package agent
