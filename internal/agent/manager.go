// ABOUTME: Registry of connected agents: accepts sockets, sweeps dead ones, resolves lookups.
// ABOUTME: Central coordinator between the WebSocket endpoint and the command relay.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/ferry-gateway/internal/events"
)

// ErrAgentNotFound indicates the specified connection was not found.
var ErrAgentNotFound = errors.New("agent not found")

// DefaultSweepInterval is how often dead connections are removed.
const DefaultSweepInterval = 10 * time.Second

// Metrics is everything the registry reports. *metrics.Metrics satisfies it.
type Metrics interface {
	Observer
	AgentsConnected(n int)
	SweepRemoved(n int)
}

// Option configures a Manager.
type Option func(*Manager)

// WithMailboxSize sets the per-connection mailbox capacity.
func WithMailboxSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.mailboxSize = n
		}
	}
}

// WithPublisher sets where lifecycle events are published.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// Manager owns every live connection. Entries are added by Accept and removed
// only by Sweep, so a dispatch never observes a connection vanishing mid-way.
type Manager struct {
	agents  map[string]*Connection
	nextSeq uint64
	mu      sync.RWMutex

	mailboxSize int
	publisher   Publisher
	metrics     Metrics
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// NewManager creates an empty registry. Actors it spawns live until they fail,
// are killed, or Shutdown is called.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		agents:      make(map[string]*Connection),
		mailboxSize: DefaultMailboxSize,
		publisher:   nopPublisher{},
		metrics:     nopMetrics{},
		logger:      logger.With("component", "agents"),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Accept registers sock under a fresh id and starts its actor. The returned
// connection has no name or scope until the agent announces them.
func (m *Manager) Accept(sock Socket) *Connection {
	id := uuid.New().String()

	m.mu.Lock()
	m.nextSeq++
	conn := newConnection(id, m.nextSeq, sock, m.mailboxSize, m.publisher, m.metrics, m.logger)
	m.agents[id] = conn
	total := len(m.agents)
	m.loops.Add(1)
	m.mu.Unlock()

	m.logger.Info("=== AGENT CONNECTED ===",
		"connection_id", id,
		"total_agents", total,
	)
	m.metrics.AgentsConnected(total)

	go func() {
		defer m.loops.Done()
		conn.run(m.ctx)
	}()
	return conn
}

// snapshot copies the connection handles in acceptance order. The registry
// lock is released before any per-connection state is read.
func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.agents))
	for _, c := range m.agents {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].seq < conns[j].seq })
	return conns
}

// Sweep removes every connection that is no longer alive and returns how many
// were removed. Connections accepted during the scan wait for the next sweep.
func (m *Manager) Sweep() int {
	var dead []*Connection
	for _, c := range m.snapshot() {
		if !c.Alive() {
			dead = append(dead, c)
		}
	}
	if len(dead) == 0 {
		return 0
	}

	m.mu.Lock()
	for _, c := range dead {
		delete(m.agents, c.ID)
	}
	total := len(m.agents)
	m.mu.Unlock()

	for _, c := range dead {
		info := c.Info()
		m.logger.Info("=== AGENT DISCONNECTED ===",
			"connection_id", info.ID,
			"name", info.Name,
			"scope", info.Scope,
			"total_agents", total,
		)
		if info.Name != "" {
			m.publisher.Publish(events.Event{
				Kind:         events.AgentOffline,
				ConnectionID: info.ID,
				Name:         info.Name,
				Scope:        info.Scope,
			})
		}
	}
	m.metrics.SweepRemoved(len(dead))
	m.metrics.AgentsConnected(total)
	return len(dead)
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("sweep removed connections", "removed", n)
			}
		}
	}
}

// Get returns the connection with the given id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.agents[id]
	return c, ok
}

// Len returns the number of registered connections, dead or alive.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// ListAgents returns every registered connection in acceptance order.
func (m *Manager) ListAgents() []AgentInfo {
	conns := m.snapshot()
	out := make([]AgentInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

// LookupByScope returns the connections that joined scope, in acceptance
// order.
func (m *Manager) LookupByScope(scope string) []AgentInfo {
	var out []AgentInfo
	if scope == "" {
		return out
	}
	for _, c := range m.snapshot() {
		if info := c.Info(); info.Scope == scope {
			out = append(out, info)
		}
	}
	return out
}

// LookupByName returns the first connection in scope whose name is exactly
// name.
func (m *Manager) LookupByName(scope, name string) (*Connection, bool) {
	if scope == "" || name == "" {
		return nil, false
	}
	for _, c := range m.snapshot() {
		if info := c.Info(); info.Scope == scope && info.Name == name {
			return c, true
		}
	}
	return nil, false
}

// LookupByPattern returns every connection in scope whose name matches re.
// Connections without a name never match.
func (m *Manager) LookupByPattern(scope string, re *regexp.Regexp) []*Connection {
	var out []*Connection
	if scope == "" || re == nil {
		return out
	}
	for _, c := range m.snapshot() {
		info := c.Info()
		if info.Scope == scope && info.Name != "" && re.MatchString(info.Name) {
			out = append(out, c)
		}
	}
	return out
}

// Shutdown kills every actor and waits for their loops to return, or for
// ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, c := range m.snapshot() {
		c.Kill()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all agent connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

type nopMetrics struct{}

func (nopMetrics) PacketIn(string)     {}
func (nopMetrics) PacketOut(string)    {}
func (nopMetrics) AgentsConnected(int) {}
func (nopMetrics) SweepRemoved(int)    {}
