// ABOUTME: Tests for command dispatch.
// ABOUTME: Covers selector anchoring and fallback, partial delivery, recording and an end-to-end scenario.

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ferry-gateway/internal/agent"
	"github.com/2389/ferry-gateway/internal/agent/agenttest"
	"github.com/2389/ferry-gateway/internal/metrics"
	"github.com/2389/ferry-gateway/internal/packet"
	"github.com/2389/ferry-gateway/internal/store"
)

func newManager(t *testing.T, opts ...agent.Option) *agent.Manager {
	t.Helper()
	mgr := agent.NewManager(nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr
}

func expectRun(t *testing.T, sock *agenttest.Socket, want []string) {
	t.Helper()
	frame, ok := sock.NextWrite(2 * time.Second)
	require.True(t, ok, "no frame written")
	f, err := packet.DecodeServerFrame([]byte(frame))
	require.NoError(t, err)
	require.NotNil(t, f.Exec, "expected a ServerRun, got %s", frame)
	assert.Equal(t, want, f.Exec.Run)
}

func expectSilence(t *testing.T, sock *agenttest.Socket) {
	t.Helper()
	if frame, ok := sock.NextWrite(50 * time.Millisecond); ok {
		t.Fatalf("unexpected frame %s", frame)
	}
}

func TestCompileSelector(t *testing.T) {
	tests := []struct {
		raw         string
		wantLiteral bool
		matches     []string
		rejects     []string
	}{
		{raw: "alpha", matches: []string{"alpha"}, rejects: []string{"alphabeta", "xalpha", "alph"}},
		{raw: "al.*", matches: []string{"alpha", "al"}, rejects: []string{"beta"}},
		{raw: "a|b", matches: []string{"a", "b"}, rejects: []string{"ab"}},
		{raw: "lobby-[0-9]+", matches: []string{"lobby-1", "lobby-42"}, rejects: []string{"lobby-", "lobby-1x"}},
		{raw: "srv[1", wantLiteral: true},
		{raw: "a)|(b", wantLiteral: true},
		{raw: "=srv.1", wantLiteral: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			sel := compileSelector(tt.raw)
			assert.Equal(t, tt.wantLiteral, sel.isLiteral())
			if sel.isLiteral() {
				return
			}
			for _, name := range tt.matches {
				assert.True(t, sel.pattern.MatchString(name), "%q should match %q", tt.raw, name)
			}
			for _, name := range tt.rejects {
				assert.False(t, sel.pattern.MatchString(name), "%q should not match %q", tt.raw, name)
			}
		})
	}

	assert.Equal(t, "srv.1", compileSelector("=srv.1").literal)
	assert.Equal(t, "srv[1", compileSelector("srv[1").literal)
}

func TestDispatchEndToEnd(t *testing.T) {
	mgr := newManager(t)
	r := New(mgr, Config{}, nil)

	_, alphaSock := agenttest.Connect(t, mgr, "alpha", "G")
	_, betaSock := agenttest.Connect(t, mgr, "beta", "G")

	t.Run("pattern reaches alpha only", func(t *testing.T) {
		out := r.Dispatch(t.Context(), packet.ServerCommand{Selector: "al.*", Run: []string{"say hi"}}, "G")
		assert.Equal(t, Outcome{Selector: "al.*", Matched: 1, Delivered: 1, Failures: []string{}}, out)

		expectRun(t, alphaSock, []string{"say hi"})
		expectSilence(t, betaSock)
	})

	t.Run("exact name reaches beta only", func(t *testing.T) {
		out := r.Dispatch(t.Context(), packet.ServerCommand{Selector: "beta", Run: []string{"x"}}, "G")
		assert.Equal(t, 1, out.Delivered)
		assert.False(t, out.NoMatch)

		expectRun(t, betaSock, []string{"x"})
		expectSilence(t, alphaSock)
	})

	t.Run("no match sends nothing", func(t *testing.T) {
		out := r.Dispatch(t.Context(), packet.ServerCommand{Selector: "nope", Run: []string{"x"}}, "G")
		assert.True(t, out.NoMatch)
		assert.Equal(t, 0, out.Matched)
		assert.Empty(t, out.Failures)

		expectSilence(t, alphaSock)
		expectSilence(t, betaSock)
	})

	t.Run("other scope is invisible", func(t *testing.T) {
		out := r.Dispatch(t.Context(), packet.ServerCommand{Selector: ".*", Run: []string{"x"}}, "H")
		assert.True(t, out.NoMatch)
		expectSilence(t, alphaSock)
	})

	t.Run("list by scope", func(t *testing.T) {
		infos := r.ListByScope("G")
		require.Len(t, infos, 2)
		assert.Equal(t, "alpha", infos[0].Name)
		assert.Equal(t, "beta", infos[1].Name)
		assert.Empty(t, r.ListByScope("H"))
	})
}

func TestDispatchLiteralFallback(t *testing.T) {
	mgr := newManager(t)
	r := New(mgr, Config{}, nil)

	_, weird := agenttest.Connect(t, mgr, "srv[1", "G")
	_, dotted := agenttest.Connect(t, mgr, "srv.1", "G")
	_, similar := agenttest.Connect(t, mgr, "srvx1", "G")

	t.Run("invalid pattern is an exact name", func(t *testing.T) {
		out := r.Dispatch(t.Context(), packet.ServerCommand{Selector: "srv[1", Run: []string{"a"}}, "G")
		assert.True(t, out.Literal)
		assert.Equal(t, 1, out.Delivered)
		expectRun(t, weird, []string{"a"})
	})

	t.Run("equals prefix forces exact name", func(t *testing.T) {
		out := r.Dispatch(t.Context(), packet.ServerCommand{Selector: "=srv.1", Run: []string{"b"}}, "G")
		assert.True(t, out.Literal)
		assert.Equal(t, 1, out.Delivered)
		expectRun(t, dotted, []string{"b"})
		expectSilence(t, similar)
	})

	t.Run("without prefix the dot is a wildcard", func(t *testing.T) {
		out := r.Dispatch(t.Context(), packet.ServerCommand{Selector: "srv.1", Run: []string{"c"}}, "G")
		assert.False(t, out.Literal)
		assert.Equal(t, 3, out.Delivered)
		expectRun(t, weird, []string{"c"})
		expectRun(t, dotted, []string{"c"})
		expectRun(t, similar, []string{"c"})
	})

	t.Run("literal miss is no match", func(t *testing.T) {
		out := r.Dispatch(t.Context(), packet.ServerCommand{Selector: "nope[", Run: []string{"d"}}, "G")
		assert.True(t, out.NoMatch)
		assert.True(t, out.Literal)
	})
}

func TestDispatchPartialDelivery(t *testing.T) {
	mgr := newManager(t)
	r := New(mgr, Config{}, nil)

	alpha, _ := agenttest.Connect(t, mgr, "alpha", "G")
	_, betaSock := agenttest.Connect(t, mgr, "beta", "G")

	// alpha is dead but not yet swept.
	alpha.Kill()
	<-alpha.Done()

	out := r.Dispatch(t.Context(), packet.ServerCommand{Selector: ".*", Run: []string{"x"}}, "G")
	assert.Equal(t, 2, out.Matched)
	assert.Equal(t, 1, out.Delivered)
	assert.Equal(t, []string{alpha.ID}, out.Failures)
	assert.Equal(t, metrics.ResultPartial, out.Result())

	expectRun(t, betaSock, []string{"x"})
}

func TestDispatchSlowAgentDoesNotBlockOthers(t *testing.T) {
	mgr := newManager(t, agent.WithMailboxSize(1))
	r := New(mgr, Config{EnqueueTimeout: 100 * time.Millisecond}, nil)

	slow, slowSock := agenttest.Connect(t, mgr, "slow", "G")
	_, fastSock := agenttest.Connect(t, mgr, "fast", "G")

	release := slowSock.BlockWrites()
	defer release()
	require.NoError(t, slow.Enqueue(t.Context(), packet.ServerRun{}))
	require.NoError(t, slow.Enqueue(t.Context(), packet.ServerRun{}))

	out := r.Dispatch(t.Context(), packet.ServerCommand{Selector: ".*", Run: []string{"x"}}, "G")
	assert.Equal(t, 2, out.Matched)
	assert.Equal(t, 1, out.Delivered)
	assert.Equal(t, []string{slow.ID}, out.Failures)

	expectRun(t, fastSock, []string{"x"})
}

func TestDispatchAllFailed(t *testing.T) {
	mgr := newManager(t)
	r := New(mgr, Config{}, nil)

	c, _ := agenttest.Connect(t, mgr, "alpha", "G")
	c.Kill()
	<-c.Done()

	out := r.Dispatch(t.Context(), packet.ServerCommand{Selector: "alpha"}, "G")
	assert.Equal(t, 0, out.Delivered)
	assert.Equal(t, metrics.ResultFailed, out.Result())
}

type fakeRecorder struct {
	mu      sync.Mutex
	results []string
	failed  int
}

func (f *fakeRecorder) Dispatch(result string, failures int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	f.failed += failures
}

type fakeLedger struct {
	mu      sync.Mutex
	records []*store.DispatchRecord
	err     error
}

func (f *fakeLedger) RecordDispatch(_ context.Context, rec *store.DispatchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	rec.ID = "d-" + rec.Selector
	f.records = append(f.records, rec)
	return nil
}

func TestDispatchRecords(t *testing.T) {
	mgr := newManager(t)
	rec := &fakeRecorder{}
	ledger := &fakeLedger{}
	r := New(mgr, Config{Metrics: rec, Ledger: ledger}, nil)

	agenttest.Connect(t, mgr, "alpha", "G")

	ctx := WithSource(t.Context(), "matrix:@ops:example.org")
	out := r.Dispatch(ctx, packet.ServerCommand{
		Selector: "alpha",
		Run:      []string{"say hi"},
		Set:      map[string]string{"k": "v"},
	}, "G")
	assert.Equal(t, "d-alpha", out.DispatchID)

	r.Dispatch(ctx, packet.ServerCommand{Selector: "nope"}, "G")

	assert.Equal(t, []string{metrics.ResultDelivered, metrics.ResultNoMatch}, rec.results)

	require.Len(t, ledger.records, 2)
	first := ledger.records[0]
	assert.Equal(t, "G", first.Scope)
	assert.Equal(t, "alpha", first.Selector)
	assert.Equal(t, "matrix:@ops:example.org", first.Source)
	assert.Equal(t, []string{"say hi"}, first.Run)
	assert.Equal(t, 1, first.Delivered)
	assert.True(t, ledger.records[1].NoMatch)
}

func TestDispatchLedgerFailureIsNotFatal(t *testing.T) {
	mgr := newManager(t)
	r := New(mgr, Config{Ledger: &fakeLedger{err: errors.New("disk full")}}, nil)
	_, sock := agenttest.Connect(t, mgr, "alpha", "G")

	out := r.Dispatch(t.Context(), packet.ServerCommand{Selector: "alpha", Run: []string{"x"}}, "G")
	assert.Equal(t, 1, out.Delivered)
	assert.Empty(t, out.DispatchID)
	expectRun(t, sock, []string{"x"})
}

func TestDispatchCancelledContext(t *testing.T) {
	mgr := newManager(t, agent.WithMailboxSize(1))
	r := New(mgr, Config{}, nil)

	c, sock := agenttest.Connect(t, mgr, "alpha", "G")
	release := sock.BlockWrites()
	defer release()
	require.NoError(t, c.Enqueue(t.Context(), packet.ServerRun{}))
	require.NoError(t, c.Enqueue(t.Context(), packet.ServerRun{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := r.Dispatch(ctx, packet.ServerCommand{Selector: "alpha"}, "G")
	assert.Equal(t, []string{c.ID}, out.Failures)
}

func TestSourceFromContext(t *testing.T) {
	assert.Empty(t, SourceFromContext(context.Background()))
	assert.Equal(t, "cli", SourceFromContext(WithSource(context.Background(), "cli")))
}
