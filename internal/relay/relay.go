// ABOUTME: Command relay: resolves a selector within a scope and fans a command out.
// ABOUTME: Aggregates per-agent delivery results and records them to metrics and the ledger.

package relay

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/2389/ferry-gateway/internal/agent"
	"github.com/2389/ferry-gateway/internal/metrics"
	"github.com/2389/ferry-gateway/internal/packet"
	"github.com/2389/ferry-gateway/internal/store"
)

// DefaultEnqueueTimeout bounds how long a dispatch waits on one agent's full
// mailbox.
const DefaultEnqueueTimeout = 5 * time.Second

// Registry is the subset of *agent.Manager the relay needs.
type Registry interface {
	LookupByScope(scope string) []agent.AgentInfo
	LookupByName(scope, name string) (*agent.Connection, bool)
	LookupByPattern(scope string, re *regexp.Regexp) []*agent.Connection
}

// Recorder records dispatch results. *metrics.Metrics satisfies it.
type Recorder interface {
	Dispatch(result string, failures int, took time.Duration)
}

// Ledger persists dispatches. *store.SQLiteStore satisfies it.
type Ledger interface {
	RecordDispatch(ctx context.Context, r *store.DispatchRecord) error
}

// Outcome summarizes one dispatch.
type Outcome struct {
	Selector  string   `json:"selector"`
	Matched   int      `json:"matched"`
	Delivered int      `json:"delivered"`
	Failures  []string `json:"failures"`
	NoMatch   bool     `json:"no_match"`
	// Literal is true when the selector was resolved as an exact name.
	Literal bool `json:"literal"`
	// DispatchID is the ledger id, empty when no ledger is configured.
	DispatchID string `json:"dispatch_id,omitempty"`
}

// Result classifies the outcome for metrics and logs.
func (o Outcome) Result() string {
	switch {
	case o.NoMatch:
		return metrics.ResultNoMatch
	case o.Delivered == o.Matched:
		return metrics.ResultDelivered
	case o.Delivered == 0:
		return metrics.ResultFailed
	default:
		return metrics.ResultPartial
	}
}

// Config holds optional collaborators and limits.
type Config struct {
	EnqueueTimeout time.Duration
	Metrics        Recorder
	Ledger         Ledger
}

// Relay dispatches operator commands to agents.
type Relay struct {
	registry       Registry
	enqueueTimeout time.Duration
	metrics        Recorder
	ledger         Ledger
	logger         *slog.Logger
}

// New creates a relay over registry.
func New(registry Registry, cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.EnqueueTimeout
	if timeout <= 0 {
		timeout = DefaultEnqueueTimeout
	}
	return &Relay{
		registry:       registry,
		enqueueTimeout: timeout,
		metrics:        cfg.Metrics,
		ledger:         cfg.Ledger,
		logger:         logger.With("component", "relay"),
	}
}

type sourceKey struct{}

// WithSource tags ctx with the operator identity recorded in the ledger.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext returns the operator identity set by WithSource.
func SourceFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

// ListByScope returns the agents that joined scope.
func (r *Relay) ListByScope(scope string) []agent.AgentInfo {
	return r.registry.LookupByScope(scope)
}

// Resolve returns the connections cmd's selector addresses in scope, and
// whether the selector was treated as an exact name.
func (r *Relay) Resolve(scope, rawSelector string) ([]*agent.Connection, bool) {
	sel := compileSelector(rawSelector)
	if !sel.isLiteral() {
		return r.registry.LookupByPattern(scope, sel.pattern), false
	}
	if c, ok := r.registry.LookupByName(scope, sel.literal); ok {
		return []*agent.Connection{c}, true
	}
	return nil, true
}

// Dispatch sends cmd to every agent in scope its selector matches. One
// target's failure never prevents delivery to the others.
func (r *Relay) Dispatch(ctx context.Context, cmd packet.ServerCommand, scope string) Outcome {
	start := time.Now()

	targets, literal := r.Resolve(scope, cmd.Selector)
	out := Outcome{
		Selector: cmd.Selector,
		Matched:  len(targets),
		Failures: []string{},
		Literal:  literal,
	}

	if len(targets) == 0 {
		out.NoMatch = true
	} else {
		out.Delivered, out.Failures = r.fanOut(ctx, targets, packet.ServerRun{Command: cmd})
	}

	r.logger.Info("dispatched command",
		"scope", scope,
		"selector", cmd.Selector,
		"literal", literal,
		"matched", out.Matched,
		"delivered", out.Delivered,
		"failed", len(out.Failures),
	)

	if r.metrics != nil {
		r.metrics.Dispatch(out.Result(), len(out.Failures), time.Since(start))
	}
	out.DispatchID = r.record(ctx, cmd, scope, out)
	return out
}

// fanOut enqueues pkt to every target concurrently so that one full mailbox
// does not delay the rest. Failures are reported in target order.
func (r *Relay) fanOut(ctx context.Context, targets []*agent.Connection, pkt packet.ServerRun) (int, []string) {
	errs := make([]error, len(targets))

	var wg sync.WaitGroup
	for i, conn := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(ctx, r.enqueueTimeout)
			defer cancel()
			errs[i] = conn.Enqueue(tctx, pkt)
		}()
	}
	wg.Wait()

	delivered := 0
	failures := []string{}
	for i, err := range errs {
		if err != nil {
			r.logger.Warn("delivery failed",
				"connection_id", targets[i].ID,
				"name", targets[i].Name(),
				"error", err,
			)
			failures = append(failures, targets[i].ID)
			continue
		}
		delivered++
	}
	return delivered, failures
}

func (r *Relay) record(ctx context.Context, cmd packet.ServerCommand, scope string, out Outcome) string {
	if r.ledger == nil {
		return ""
	}
	rec := &store.DispatchRecord{
		Scope:     scope,
		Selector:  cmd.Selector,
		Source:    SourceFromContext(ctx),
		Run:       cmd.Run,
		Query:     cmd.Query,
		Set:       cmd.Set,
		Matched:   out.Matched,
		Delivered: out.Delivered,
		Failures:  out.Failures,
		NoMatch:   out.NoMatch,
	}
	// The ledger write must not be lost because the caller gave up waiting.
	if err := r.ledger.RecordDispatch(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Error("failed to record dispatch", "error", err)
		return ""
	}
	return rec.ID
}
