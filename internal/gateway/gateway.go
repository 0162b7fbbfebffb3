// ABOUTME: Gateway orchestrator that wires the dispatch core to its HTTP and gRPC servers
// ABOUTME: Owns the store, sweeper, metrics collector and listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/kex"
	"github.com/2389/coven-dispatch/internal/metrics"
	"github.com/2389/coven-dispatch/internal/operator"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/queue"
	"github.com/2389/coven-dispatch/internal/replay"
	"github.com/2389/coven-dispatch/internal/session"
	"github.com/2389/coven-dispatch/internal/store"
)

// Tailscale ports used when listening on a tsnet node.
const (
	tailscaleGRPCPort = ":50051"
	tailscaleHTTPPort = ":80"
)

// maintenanceInterval is how often throttle and limiter state is pruned.
const maintenanceInterval = time.Minute

// Gateway orchestrates the coven-dispatch server components.
type Gateway struct {
	config     *config.Config
	store      store.Store
	agents     *agent.Registry
	replay     *replay.Cache
	sessions   *session.Manager
	engine     *dispatch.Engine
	exchanger  *kex.Exchanger
	authn      *auth.Authenticator
	limiter    *remoteLimiter
	collector  *metrics.Collector
	grpcServer *grpc.Server
	httpServer *http.Server
	handler    http.Handler
	tsnet      *tsnet.Server
	logger     *slog.Logger
}

// New opens the configured SQLite database and builds a Gateway around it.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	retry := cfg.Store.Retry
	st := store.NewRetrying(sqlStore, store.RetryPolicy{
		Attempts:  retry.Attempts,
		BaseDelay: retry.BaseDelay,
		MaxDelay:  retry.MaxDelay,
	}, logger)

	gw, err := newGateway(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return gw, nil
}

// initStore opens the SQLite store, honouring COVEN_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newGateway wires every component on top of st.
func newGateway(cfg *config.Config, st store.Store, logger *slog.Logger) (*Gateway, error) {
	storageKey, err := cfg.Auth.StorageKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("decoding storage key: %w", err)
	}

	agents := agent.NewRegistry(logger)
	// Nonces are only accepted inside the clock-skew window, so they only
	// need remembering for twice that long.
	replayCache := replay.New(2*cfg.Sessions.MaxClockSkew, 1_000_000)

	sessions, err := session.New(session.Params{
		Store:  st,
		Agents: agents,
		Replay: replayCache,
		Config: session.Config{
			RotationInterval: cfg.Sessions.RotationInterval,
			RotationGrace:    cfg.Sessions.RotationGrace,
			LivenessTimeout:  cfg.Sessions.LivenessTimeout,
			MaxClockSkew:     cfg.Sessions.MaxClockSkew,
			StorageKey:       storageKey,
		},
		Logger: logger,
	})
	if err != nil {
		replayCache.Close()
		return nil, fmt.Errorf("creating session manager: %w", err)
	}

	q := queue.New(st, agents, queue.Config{
		CompletionTimeout: cfg.Commands.CompletionTimeout,
		MaxPayloadBytes:   cfg.Commands.MaxPayloadBytes,
	}, logger, nil)

	engine := dispatch.New(dispatch.Params{
		Store:    st,
		Agents:   agents,
		Sessions: sessions,
		Queue:    q,
		Logger:   logger,
	})

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		replayCache.Close()
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	authn, err := auth.NewAuthenticator(st, verifier, cfg.Auth.TokenTTL, logger)
	if err != nil {
		replayCache.Close()
		return nil, fmt.Errorf("creating authenticator: %w", err)
	}

	gw := &Gateway{
		config:    cfg,
		store:     st,
		agents:    agents,
		replay:    replayCache,
		sessions:  sessions,
		engine:    engine,
		exchanger: kex.New(sessions, logger),
		authn:     authn,
		limiter:   newRemoteLimiter(cfg.Sessions.HandshakeRate, cfg.Sessions.HandshakeBurst),
		collector: metrics.NewCollector(agents, 15*time.Second, logger),
		logger:    logger.With("component", "gateway"),
	}

	gw.grpcServer = createGRPCServer(st, verifier, logger)
	operator.RegisterOperatorServiceServer(gw.grpcServer, operator.NewServer(engine, authn, st, logger))

	mux := http.NewServeMux()
	mux.Handle("POST "+protocol.PathHandshake, metrics.Middleware(protocol.PathHandshake, http.HandlerFunc(gw.handleHandshake)))
	mux.Handle("POST "+protocol.PathPoll, metrics.Middleware(protocol.PathPoll, http.HandlerFunc(gw.handlePoll)))
	mux.Handle("POST "+protocol.PathResults, metrics.Middleware(protocol.PathResults, http.HandlerFunc(gw.handleResults)))
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}
	gw.handler = mux

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// createGRPCServer creates the operator gRPC server with token authentication
// followed by the operator role check.
func createGRPCServer(st store.Store, verifier *auth.JWTVerifier, logger *slog.Logger) *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			auth.UnaryInterceptor(st, verifier, operator.PublicMethods, logger),
			auth.RequireRole("/"+operator.ServiceName+"/", auth.RoleOperator, operator.PublicMethods),
		),
	)
}

// Handler returns the HTTP handler serving the agent API, health and metrics.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Authenticator returns the operator authenticator, used by bootstrap.
func (g *Gateway) Authenticator() *auth.Authenticator {
	return g.authn
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run restores state from the store, starts the servers and background loops
// and blocks until ctx is cancelled or one of them fails. The store is closed
// before Run returns.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.close()

	if err := g.engine.Load(ctx); err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	g.logger.Info("gateway listening", "grpc_addr", grpcLn.Addr().String(), "http_addr", httpLn.Addr().String())

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		return g.engine.RunSweeper(egCtx, g.config.Commands.SweepInterval)
	})
	eg.Go(func() error {
		return g.collector.Run(egCtx)
	})
	eg.Go(func() error {
		return g.runMaintenance(egCtx)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// runMaintenance prunes login throttle and handshake limiter state.
func (g *Gateway) runMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.authn.Prune()
			g.limiter.Prune()
		}
	}
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
	return filepath.Join(homeDir, ".local", "share", "coven-dispatch", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners brings up a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnet = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnet.Up(ctx)
	if err != nil {
		_ = g.tsnet.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnet.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnet.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnet.Listen("tcp", tailscaleHTTPPort)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnet.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP and gRPC servers and the tailscale node. In-flight
// long polls are given until ctx expires to finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnet != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnet.Close())
	}
	return errors.Join(errs...)
}

// close releases the store and replay cache.
func (g *Gateway) close() {
	g.replay.Close()
	if err := g.store.Close(); err != nil {
		g.logger.Error("closing store", "error", err)
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	counts := g.agents.CountByState()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active agents)", counts[store.AgentActive])
}
