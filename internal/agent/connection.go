// ABOUTME: Per-socket actor owning an agent's mailbox, identity and liveness.
// ABOUTME: Multiplexes inbound frames and queued outbound packets on one goroutine.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/ferry-gateway/internal/events"
	"github.com/2389/ferry-gateway/internal/packet"
)

// ErrMailboxClosed indicates the connection's actor has terminated.
var ErrMailboxClosed = errors.New("mailbox closed")

// DefaultMailboxSize is the number of packets that may wait for an agent.
const DefaultMailboxSize = 16

// writeTimeout bounds a single socket write.
const writeTimeout = 10 * time.Second

// AgentInfo is a point-in-time view of a connection.
type AgentInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Scope       string    `json:"scope"`
	Alive       bool      `json:"alive"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Observer receives packet counts. *metrics.Metrics satisfies it.
type Observer interface {
	PacketIn(kind string)
	PacketOut(kind string)
}

// Publisher receives lifecycle events. *events.Broadcaster satisfies it.
type Publisher interface {
	Publish(ev events.Event)
}

// Connection is one agent socket. Name and scope start empty and are set only
// by the actor goroutine in response to the agent's own packets.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	seq     uint64
	sock    Socket
	mailbox chan packet.Outgoing
	kill    chan struct{}
	done    chan struct{}

	mu    sync.RWMutex
	name  string
	scope string
	alive bool

	killOnce  sync.Once
	publisher Publisher
	observer  Observer
	logger    *slog.Logger
}

func newConnection(id string, seq uint64, sock Socket, mailboxSize int, pub Publisher, obs Observer, logger *slog.Logger) *Connection {
	return &Connection{
		ID:          id,
		ConnectedAt: time.Now(),
		seq:         seq,
		sock:        sock,
		mailbox:     make(chan packet.Outgoing, mailboxSize),
		kill:        make(chan struct{}),
		done:        make(chan struct{}),
		alive:       true,
		publisher:   pub,
		observer:    obs,
		logger:      logger.With("connection_id", id),
	}
}

// Name returns the agent's announced name, or "" before SetName.
func (c *Connection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Scope returns the scope the agent joined, or "" before SetServer.
func (c *Connection) Scope() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scope
}

// Alive reports whether the transport is still usable.
func (c *Connection) Alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive
}

// Info returns a snapshot of the connection's identity.
func (c *Connection) Info() AgentInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return AgentInfo{
		ID:          c.ID,
		Name:        c.name,
		Scope:       c.scope,
		Alive:       c.alive,
		ConnectedAt: c.ConnectedAt,
	}
}

// Done is closed once the actor loop has returned.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Enqueue places p in the mailbox, blocking while it is full. It fails with
// ErrMailboxClosed once the actor has terminated, or with ctx's error.
func (c *Connection) Enqueue(ctx context.Context, p packet.Outgoing) error {
	select {
	case <-c.done:
		return ErrMailboxClosed
	default:
	}

	select {
	case c.mailbox <- p:
		return nil
	case <-c.done:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill marks the connection dead and stops its loop. Safe to call repeatedly.
func (c *Connection) Kill() {
	c.markDead()
	c.killOnce.Do(func() { close(c.kill) })
}

func (c *Connection) markDead() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

// tryEnqueue is used by the actor for its own replies; it must never block
// on the mailbox the actor itself drains.
func (c *Connection) tryEnqueue(p packet.Outgoing) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.mailbox <- p:
		return true
	default:
		return false
	}
}

type inbound struct {
	frame string
	err   error
}

// run is the actor loop. It returns when the socket fails, Kill is called or
// parent is cancelled.
func (c *Connection) run(parent context.Context) {
	defer close(c.done)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Kill interrupts an in-flight read or write as well as an idle loop.
	go func() {
		select {
		case <-c.kill:
			cancel()
		case <-ctx.Done():
		}
	}()

	frames := make(chan inbound)
	go c.readLoop(ctx, frames)

	for {
		select {
		case in := <-frames:
			if in.err != nil {
				if errors.Is(in.err, ErrBinaryFrame) {
					c.handleDecoded(packet.Invalid{Detail: in.err.Error()})
					continue
				}
				c.logger.Debug("agent stream ended", "error", in.err)
				c.terminate(ctx)
				return
			}
			c.handleDecoded(packet.Decode(in.frame))

		case p := <-c.mailbox:
			if !c.write(ctx, p) {
				c.terminate(ctx)
				return
			}

		case <-ctx.Done():
			c.logger.Debug("connection stopped")
			c.terminate(ctx)
			return
		}
	}
}

// readLoop feeds frames to the actor until the stream ends.
func (c *Connection) readLoop(ctx context.Context, out chan<- inbound) {
	for {
		frame, err := c.sock.Read(ctx)
		select {
		case out <- inbound{frame: frame, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil && !errors.Is(err, ErrBinaryFrame) {
			return
		}
	}
}

func (c *Connection) write(ctx context.Context, p packet.Outgoing) bool {
	data, err := packet.Encode(p)
	if err != nil {
		c.logger.Error("dropping unencodable packet", "kind", p.Label(), "error", err)
		return true
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.sock.Write(wctx, string(data)); err != nil {
		c.logger.Debug("write to agent failed", "kind", p.Label(), "error", err)
		return false
	}
	c.observer.PacketOut(p.Label())
	return true
}

// terminate marks the connection dead and attempts a normal close. A
// cancelled ctx means the gateway ended the connection rather than the agent.
func (c *Connection) terminate(ctx context.Context) {
	c.markDead()
	reason := ""
	if ctx.Err() != nil {
		reason = "going away"
	}
	c.closeSocket(reason)
}

func (c *Connection) closeSocket(reason string) {
	if err := c.sock.Close(reason); err != nil {
		c.logger.Debug("close handshake failed", "error", err)
	}
}

func (c *Connection) handleDecoded(pkt packet.Incoming) {
	c.observer.PacketIn(pkt.Label())

	switch p := pkt.(type) {
	case packet.SetName:
		c.mu.Lock()
		c.name = p.Name
		c.mu.Unlock()
		c.logger.Info("agent named", "name", p.Name)
		c.announceIfIdentified()

	case packet.SetServer:
		c.mu.Lock()
		c.scope = p.ScopeID
		c.mu.Unlock()
		c.logger.Info("agent joined scope", "scope", p.ScopeID)
		c.announceIfIdentified()

	case packet.InvalidID:
		c.reject(packet.InvalidIDError())

	case packet.Invalid:
		c.reject(packet.DeserializationError(p.Detail))
	}
}

func (c *Connection) announceIfIdentified() {
	info := c.Info()
	if info.Name == "" || info.Scope == "" {
		return
	}
	c.publisher.Publish(events.Event{
		Kind:         events.AgentOnline,
		ConnectionID: c.ID,
		Name:         info.Name,
		Scope:        info.Scope,
	})
}

func (c *Connection) reject(e packet.Error) {
	c.logger.Warn("rejected agent packet", "error_kind", e.Kind, "detail", e.Message)
	if !c.tryEnqueue(e) {
		c.logger.Debug("mailbox full, error reply dropped", "error_kind", e.Kind)
	}

	info := c.Info()
	c.publisher.Publish(events.Event{
		Kind:         events.ProtocolError,
		ConnectionID: c.ID,
		Name:         info.Name,
		Scope:        info.Scope,
		Detail:       e.Message,
	})
}
