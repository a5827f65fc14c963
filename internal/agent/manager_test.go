// ABOUTME: Tests for the connection registry.
// ABOUTME: Validates id uniqueness, sweeping, scoped lookups and shutdown.

package agent_test

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ferry-gateway/internal/agent"
	"github.com/2389/ferry-gateway/internal/agent/agenttest"
	"github.com/2389/ferry-gateway/internal/events"
)

type recordingMetrics struct {
	mu        sync.Mutex
	connected int
	removed   int
	in        map[string]int
	out       map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{in: map[string]int{}, out: map[string]int{}}
}

func (r *recordingMetrics) PacketIn(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.in[kind]++
}

func (r *recordingMetrics) PacketOut(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out[kind]++
}

func (r *recordingMetrics) AgentsConnected(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = n
}

func (r *recordingMetrics) SweepRemoved(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed += n
}

func TestManagerAcceptAssignsUniqueIDs(t *testing.T) {
	mgr := newTestManager(t)

	const n = 200
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- mgr.Accept(agenttest.NewSocket()).ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate connection id %s", id)
		}
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, mgr.Len())
}

func TestManagerSweep(t *testing.T) {
	t.Run("removes exactly the dead connections", func(t *testing.T) {
		mgr := newTestManager(t)
		a, _ := agenttest.Connect(t, mgr, "a", "G")
		b, sockB := agenttest.Connect(t, mgr, "b", "G")
		c, _ := agenttest.Connect(t, mgr, "c", "G")

		sockB.Hangup()
		waitDone(t, b)
		c.Kill()
		waitDone(t, c)

		assert.Equal(t, 2, mgr.Sweep())
		assert.Equal(t, 1, mgr.Len())

		_, ok := mgr.Get(a.ID)
		assert.True(t, ok)
		_, ok = mgr.Get(b.ID)
		assert.False(t, ok)
		_, ok = mgr.Get(c.ID)
		assert.False(t, ok)

		assert.Equal(t, 0, mgr.Sweep(), "second sweep has nothing to do")
	})

	t.Run("keeps alive connections", func(t *testing.T) {
		mgr := newTestManager(t)
		agenttest.Connect(t, mgr, "a", "G")
		mgr.Accept(agenttest.NewSocket())

		assert.Equal(t, 0, mgr.Sweep())
		assert.Equal(t, 2, mgr.Len())
	})

	t.Run("publishes offline for named connections", func(t *testing.T) {
		bus := events.NewBroadcaster(nil)
		defer bus.Close()
		mgr := newTestManager(t, agent.WithPublisher(bus))

		named, _ := agenttest.Connect(t, mgr, "alpha", "G")
		anon := mgr.Accept(agenttest.NewSocket())

		evs, _ := bus.Subscribe(t.Context(), "")
		named.Kill()
		anon.Kill()
		waitDone(t, named)
		waitDone(t, anon)

		require.Equal(t, 2, mgr.Sweep())

		ev := waitEvent(t, evs)
		assert.Equal(t, events.AgentOffline, ev.Kind)
		assert.Equal(t, "alpha", ev.Name)
		assert.Equal(t, "G", ev.Scope)

		select {
		case extra := <-evs:
			t.Fatalf("unnamed connection should not publish, got %+v", extra)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("reports metrics", func(t *testing.T) {
		rec := newRecordingMetrics()
		mgr := newTestManager(t, agent.WithMetrics(rec))

		a, _ := agenttest.Connect(t, mgr, "a", "G")
		agenttest.Connect(t, mgr, "b", "G")
		a.Kill()
		waitDone(t, a)
		mgr.Sweep()

		rec.mu.Lock()
		defer rec.mu.Unlock()
		assert.Equal(t, 1, rec.connected)
		assert.Equal(t, 1, rec.removed)
		assert.Equal(t, 2, rec.in["set_name"])
		assert.Equal(t, 2, rec.in["set_server"])
	})
}

func TestManagerRunSweeper(t *testing.T) {
	mgr := newTestManager(t)
	conn, sock := agenttest.Connect(t, mgr, "a", "G")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.RunSweeper(ctx, 10*time.Millisecond)
		close(done)
	}()

	sock.Hangup()
	waitDone(t, conn)
	require.Eventually(t, func() bool { return mgr.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancellation")
	}
}

func TestManagerLookups(t *testing.T) {
	mgr := newTestManager(t)

	alpha, _ := agenttest.Connect(t, mgr, "alpha", "G")
	alphabeta, _ := agenttest.Connect(t, mgr, "alphabeta", "G")
	beta, _ := agenttest.Connect(t, mgr, "beta", "G")
	other, _ := agenttest.Connect(t, mgr, "alpha", "H")
	agenttest.Connect(t, mgr, "", "G")
	agenttest.Connect(t, mgr, "gamma", "")

	t.Run("by scope in acceptance order", func(t *testing.T) {
		infos := mgr.LookupByScope("G")
		require.Len(t, infos, 4)
		assert.Equal(t, alpha.ID, infos[0].ID)
		assert.Equal(t, alphabeta.ID, infos[1].ID)
		assert.Equal(t, beta.ID, infos[2].ID)
		assert.Equal(t, "", infos[3].Name)

		h := mgr.LookupByScope("H")
		require.Len(t, h, 1)
		assert.Equal(t, other.ID, h[0].ID)

		assert.Empty(t, mgr.LookupByScope("nope"))
		assert.Empty(t, mgr.LookupByScope(""))
	})

	t.Run("by name is exact and scoped", func(t *testing.T) {
		c, ok := mgr.LookupByName("G", "alpha")
		require.True(t, ok)
		assert.Equal(t, alpha.ID, c.ID)

		c, ok = mgr.LookupByName("H", "alpha")
		require.True(t, ok)
		assert.Equal(t, other.ID, c.ID)

		_, ok = mgr.LookupByName("G", "alph")
		assert.False(t, ok)
		_, ok = mgr.LookupByName("G", "")
		assert.False(t, ok)
		_, ok = mgr.LookupByName("", "gamma")
		assert.False(t, ok)
	})

	t.Run("by pattern", func(t *testing.T) {
		ids := func(conns []*agent.Connection) []string {
			out := make([]string, 0, len(conns))
			for _, c := range conns {
				out = append(out, c.ID)
			}
			return out
		}

		got := mgr.LookupByPattern("G", regexp.MustCompile(`^(?:alpha.*)$`))
		assert.Equal(t, []string{alpha.ID, alphabeta.ID}, ids(got))

		got = mgr.LookupByPattern("G", regexp.MustCompile(`^(?:beta)$`))
		assert.Equal(t, []string{beta.ID}, ids(got))

		got = mgr.LookupByPattern("G", regexp.MustCompile(`.*`))
		assert.Len(t, got, 3, "unnamed connections never match")

		assert.Empty(t, mgr.LookupByPattern("G", nil))
		assert.Empty(t, mgr.LookupByPattern("", regexp.MustCompile(`.*`)))
	})

	t.Run("list agents", func(t *testing.T) {
		all := mgr.ListAgents()
		require.Len(t, all, 6)
		assert.Equal(t, alpha.ID, all[0].ID)
		assert.True(t, all[0].Alive)
		assert.False(t, all[0].ConnectedAt.IsZero())
	})
}

func TestManagerGetUnknown(t *testing.T) {
	mgr := newTestManager(t)
	_, ok := mgr.Get("missing")
	assert.False(t, ok)
}

func TestManagerShutdown(t *testing.T) {
	mgr := agent.NewManager(nil)

	var conns []*agent.Connection
	var socks []*agenttest.Socket
	for i := 0; i < 5; i++ {
		s := agenttest.NewSocket()
		socks = append(socks, s)
		conns = append(conns, mgr.Accept(s))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))

	for i, c := range conns {
		select {
		case <-c.Done():
		default:
			t.Fatalf("connection %d still running after shutdown", i)
		}
		assert.False(t, c.Alive())
		closed, _ := socks[i].Closed()
		assert.True(t, closed)
	}
}
