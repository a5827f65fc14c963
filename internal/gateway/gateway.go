// ABOUTME: Gateway orchestrator that owns the agent registry, relay and HTTP server
// ABOUTME: Manages listeners (TCP or tailnet), the sweep loop, ledger and shutdown lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/ferry-gateway/internal/agent"
	"github.com/2389/ferry-gateway/internal/config"
	"github.com/2389/ferry-gateway/internal/events"
	"github.com/2389/ferry-gateway/internal/metrics"
	"github.com/2389/ferry-gateway/internal/relay"
	"github.com/2389/ferry-gateway/internal/store"
)

// Gateway orchestrates the ferry-gateway server components.
// Agents and operators share one HTTP server: agents upgrade to a WebSocket
// on the agent path, operators use the JSON and SSE API.
type Gateway struct {
	config      *config.Config
	agents      *agent.Manager
	relay       *relay.Relay
	events      *events.Broadcaster
	metrics     *metrics.Metrics   // nil when metrics are disabled
	ledger      *store.SQLiteStore // nil when no database is configured
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// initLedger opens the audit ledger. An empty path disables it.
func initLedger(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FERRY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, nil
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ledger, err := initLedger(cfg)
	if err != nil {
		return nil, err
	}

	var mt *metrics.Metrics
	if cfg.Metrics.Enabled {
		mt = metrics.New(true)
	}

	broadcaster := events.NewBroadcaster(logger.With("component", "broadcaster"))

	managerOpts := []agent.Option{
		agent.WithPublisher(broadcaster),
		agent.WithMailboxSize(cfg.Agents.MailboxSize),
	}
	if mt != nil {
		managerOpts = append(managerOpts, agent.WithMetrics(mt))
	}
	agentMgr := agent.NewManager(logger.With("component", "agent-manager"), managerOpts...)

	relayCfg := relay.Config{EnqueueTimeout: cfg.Agents.EnqueueTimeout}
	if mt != nil {
		relayCfg.Metrics = mt
	}
	if ledger != nil {
		relayCfg.Ledger = ledger
	}

	gw := &Gateway{
		config:   cfg,
		agents:   agentMgr,
		relay:    relay.New(agentMgr, relayCfg, logger),
		events:   broadcaster,
		metrics:  mt,
		ledger:   ledger,
		logger:   logger.With("component", "gateway"),
		serverID: generateServerID(),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// SSE streams never go idle; closing their subscriptions lets Shutdown finish.
	gw.httpServer.RegisterOnShutdown(broadcaster.Close)

	return gw, nil
}

// routes builds the HTTP mux for agents and operators.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Agent transport; never wrapped so the upgrade can hijack the connection
	mux.HandleFunc(g.config.Server.AgentPath, g.handleAgentSocket)

	mux.Handle("/health", g.instrument("/health", g.handleHealth))
	mux.Handle("/health/ready", g.instrument("/health/ready", g.handleReady))

	mux.Handle("/api/agents", g.instrument("/api/agents", g.handleListAgents))
	mux.Handle("/api/dispatch", g.instrument("/api/dispatch", g.handleDispatch))
	mux.Handle("/api/dispatches", g.instrument("/api/dispatches", g.handleListDispatches))
	mux.Handle("/api/dispatches/", g.instrument("/api/dispatches/", g.handleGetDispatch))
	mux.Handle("/api/events", g.instrument("/api/events", g.handleEvents))

	if g.metrics != nil {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	return mux
}

// Handler returns the gateway's HTTP handler. Tests serve it with httptest.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Agents returns the connection registry.
func (g *Gateway) Agents() *agent.Manager {
	return g.agents
}

// Relay returns the command relay.
func (g *Gateway) Relay() *relay.Relay {
	return g.relay
}

// Events returns the lifecycle broadcaster.
func (g *Gateway) Events() *events.Broadcaster {
	return g.events
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway",
		"server_id", g.serverID,
		"http_addr", g.config.Server.HTTPAddr,
		"agent_path", g.config.Server.AgentPath,
	)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// warnIgnoredAddress logs a warning if an HTTP address is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddress() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddress()
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServers starts the HTTP server and the sweep loop in goroutines,
// returning the server error channel.
func (g *Gateway) startServers(ctx context.Context, ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go g.agents.RunSweeper(ctx, g.config.Agents.SweepInterval)

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()

	errCh := g.startServers(sweepCtx, ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopSweep()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout,
// since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "ferry-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns the HTTP listener on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, closes every agent connection and
// releases the tailnet node and ledger.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Upgraded sockets are hijacked and outlive http.Server.Shutdown.
	errs = appendCloseError(errs, "agent shutdown", g.agents.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.ledger != nil {
		errs = appendCloseError(errs, "store close", g.ledger.Close())
	}

	g.events.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.agents.ListAgents()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return "ferry-gateway-" + uuid.NewString()[:8]
}
