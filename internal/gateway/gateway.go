// ABOUTME: Gateway orchestrator that wires the scheduler, history store, telemetry, and ingress
// ABOUTME: and serves the HTTP API and gRPC health service over TCP or a tailnet

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
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/dedupe"
	"github.com/2389/fleet-gateway/internal/ingress"
	"github.com/2389/fleet-gateway/internal/observability"
	"github.com/2389/fleet-gateway/internal/scheduler"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/telemetry"
	"github.com/2389/fleet-gateway/internal/worker"
)

// workerRuntime launches browsers and runs request steps on them.
type workerRuntime interface {
	scheduler.Launcher
	scheduler.Executor
}

// Gateway orchestrates the fleet-gateway server components.
// It owns the scheduler and everything that feeds it or reads from it.
type Gateway struct {
	config      *config.Config
	scheduler   *scheduler.Scheduler
	history     store.HistoryStore
	runtime     workerRuntime
	stopRuntime func() error
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// dedupe maps idempotency keys to request ids for HTTP and NATS submitters
	dedupe    *dedupe.Cache
	submitter *dedupe.Submitter

	// broadcaster fans lifecycle events and snapshots out to WebSocket clients
	broadcaster *telemetry.Broadcaster
	sampler     *telemetry.Sampler
	redisSink   *telemetry.RedisSink

	// natsConns holds one connection per distinct server URL
	natsConns map[string]*nats.Conn
	ingress   *ingress.Ingress

	shutdownTracing func(context.Context) error

	// background runs the scheduler, sampler, and readiness watcher while Run is active
	background     *errgroup.Group
	stopBackground context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the history store. An empty path keeps history in memory.
func initStore(cfg *config.Config, logger *slog.Logger) (store.HistoryStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FLEET_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		logger.Info("no database.path configured, history kept in memory")
		return store.NewMockStore(), nil
	}

	s, err := store.NewSQLiteStore(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initRuntime creates the worker runtime selected by runtime.kind.
func initRuntime(cfg *config.Config, logger *slog.Logger) (workerRuntime, func() error, error) {
	rc := cfg.Runtime
	switch rc.Kind {
	case "playwright":
		rt, err := worker.NewPlaywrightRuntime(worker.PlaywrightOptions{
			Headless:        rc.Headless,
			InstallBrowsers: rc.InstallBrowsers,
			Browsers:        rc.Browsers,
			StepTimeout:     rc.StepTimeout,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("starting playwright: %w", err)
		}
		return rt, rt.Stop, nil
	default:
		logger.Warn("using simulated worker runtime, no browsers will be started")
		rt := worker.NewSimulatedRuntime(worker.SimulatedOptions{
			LaunchDelay:   rc.LaunchDelay,
			ExecutionTime: rc.ExecutionTime,
			FailureRate:   rc.FailureRate,
			Capabilities:  rc.Browsers,
			Logger:        logger,
		})
		return rt, func() error { return nil }, nil
	}
}

// schedulerConfig maps the file configuration onto the scheduler's tunables.
func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		MinAgents:                cfg.Pool.MinAgents,
		MaxAgents:                cfg.Pool.MaxAgents,
		RequestsPerAgent:         cfg.Autoscale.RequestsPerAgent,
		DefaultCapability:        cfg.Pool.DefaultCapability,
		HeartbeatInterval:        cfg.Pool.HeartbeatInterval,
		HeartbeatTimeout:         cfg.Pool.HeartbeatTimeout,
		ErrorGracePeriod:         cfg.Pool.ErrorGracePeriod,
		ErrorBudget:              cfg.Pool.ErrorBudget,
		ErrorBudgetWindow:        cfg.Pool.ErrorBudgetWindow,
		LaunchTimeout:            cfg.Pool.LaunchTimeout,
		DispatchInterval:         cfg.Dispatch.Interval,
		CreateOnDemand:           cfg.Dispatch.CreateOnDemand,
		CancelTimeout:            cfg.Dispatch.CancelTimeout,
		AutoscaleEnabled:         cfg.Autoscale.Enabled,
		AutoscaleInterval:        cfg.Autoscale.Interval,
		AutoscaleCooldown:        cfg.Autoscale.Cooldown,
		HistorySize:              cfg.Queue.HistorySize,
		DefaultExecutionEstimate: cfg.Queue.DefaultExecutionEstimate,
		AverageWindow:            cfg.Queue.AverageWindow,
	}
}

// connectNATS returns the shared connection for url, dialing it on first use.
func (g *Gateway) connectNATS(url string) (*nats.Conn, error) {
	if nc, ok := g.natsConns[url]; ok {
		return nc, nil
	}
	logger := g.logger.With("nats_url", url)
	nc, err := nats.Connect(url,
		nats.Name("fleet-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	g.natsConns[url] = nc
	logger.Info("connected to nats")
	return nc, nil
}

// initTelemetry builds the broadcaster and the optional Redis and NATS sinks.
// It returns the event publisher the scheduler should use and the sampler sinks.
func (g *Gateway) initTelemetry(ctx context.Context) (scheduler.EventPublisher, []telemetry.Sink, error) {
	tc := g.config.Telemetry
	g.broadcaster = telemetry.NewBroadcaster(tc.BufferSize, g.logger)

	events := telemetry.Fanout{g.broadcaster}
	sinks := []telemetry.Sink{g.broadcaster}

	if tc.Redis.Enabled {
		sink, err := telemetry.NewRedisSink(ctx, telemetry.RedisOptions{
			Addr:     tc.Redis.Addr,
			Password: tc.Redis.Password,
			DB:       tc.Redis.DB,
			Channel:  tc.Redis.Channel,
			Key:      tc.Redis.Key,
			TTL:      tc.Redis.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		g.redisSink = sink
		sinks = append(sinks, sink)
		g.logger.Info("redis telemetry sink enabled", "addr", tc.Redis.Addr, "channel", tc.Redis.Channel)
	}

	if tc.NATS.Enabled {
		nc, err := g.connectNATS(tc.NATS.URL)
		if err != nil {
			return nil, nil, err
		}
		sink := telemetry.NewNATSSink(nc, tc.NATS.SubjectPrefix, g.logger)
		events = append(events, sink)
		sinks = append(sinks, sink)
		g.logger.Info("nats telemetry sink enabled", "subject", sink.SnapshotSubject())
	}
	return events, sinks, nil
}

// seedDurations primes the ETA average from persisted history.
func (g *Gateway) seedDurations(ctx context.Context) {
	ds, err := g.history.RecentExecutionDurations(ctx, g.config.Queue.AverageWindow)
	if err != nil {
		g.logger.Warn("failed to load recent execution durations", "error", err)
		return
	}
	if len(ds) > 0 {
		g.scheduler.SeedDurations(ds)
		g.logger.Info("seeded execution time average", "samples", len(ds))
	}
}

// New creates a new Gateway instance with the given configuration.
// External connections (Redis, NATS, tracing collector) are established here.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	gw := &Gateway{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		natsConns: make(map[string]*nats.Conn),
	}
	if err := gw.init(ctx, logger); err != nil {
		gw.closeOptionalComponents()
		return nil, err
	}
	return gw, nil
}

func (g *Gateway) init(ctx context.Context, logger *slog.Logger) error {
	cfg := g.config

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingOptions{
		Service:     cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	g.shutdownTracing = shutdownTracing

	g.history, err = initStore(cfg, g.logger)
	if err != nil {
		return err
	}

	events, sinks, err := g.initTelemetry(ctx)
	if err != nil {
		return err
	}

	g.runtime, g.stopRuntime, err = initRuntime(cfg, logger)
	if err != nil {
		return err
	}

	g.scheduler, err = scheduler.New(scheduler.Params{
		Config:   schedulerConfig(cfg),
		Launcher: g.runtime,
		Executor: g.runtime,
		Events:   events,
		Recorder: store.Recorder(g.history),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	g.seedDurations(ctx)

	g.dedupe = dedupe.New(cfg.Queue.IdempotencyTTL, cfg.Queue.IdempotencyMaxEntries)
	g.submitter = dedupe.NewSubmitter(g.scheduler, g.dedupe)

	if ic := cfg.Ingress.NATS; ic.Enabled {
		nc, err := g.connectNATS(ic.URL)
		if err != nil {
			return err
		}
		g.ingress = ingress.New(nc, ic.Subject, ic.QueueGroup, g.submitter, logger)
	}

	g.sampler = telemetry.NewSampler(g.scheduler, cfg.Telemetry.SampleInterval, logger, sinks...)

	g.grpcServer, g.health = newGRPCServer(logger.With("component", "grpc"))

	mux := http.NewServeMux()
	g.registerRoutes(mux)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

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

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBackground runs the scheduler loops, the telemetry sampler, and the
// readiness watcher. They outlive ctx so Shutdown can stop them after the
// servers have stopped accepting work.
func (g *Gateway) startBackground(ctx context.Context) context.Context {
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	bg, bgCtx := errgroup.WithContext(runCtx)
	g.background, g.stopBackground = bg, stop

	bg.Go(func() error { return g.scheduler.Run(bgCtx) })
	bg.Go(func() error { return g.sampler.Run(bgCtx) })
	bg.Go(func() error {
		g.watchReadiness(bgCtx)
		return nil
	})
	return bgCtx
}

// waitForShutdownSignal waits for context cancellation, a server error, or a
// background loop exiting early.
func (g *Gateway) waitForShutdownSignal(ctx, bgCtx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case <-bgCtx.Done():
		g.logger.Error("background loop exited, initiating shutdown")
		return errors.New("background loop exited")
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

// Run starts the scheduler and the servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	if g.ingress != nil {
		if err := g.ingress.Start(); err != nil {
			_ = grpcListener.Close()
			_ = httpListener.Close()
			_ = g.gracefulShutdown()
			return err
		}
	}

	bgCtx := g.startBackground(ctx)
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, bgCtx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "fleet-gateway", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener()
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
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

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
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

// closeOptionalComponents closes components that may be nil and returns the
// errors they report.
func (g *Gateway) closeOptionalComponents() []error {
	var errs []error
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
	if g.redisSink != nil {
		errs = appendCloseError(errs, "redis close", g.redisSink.Close())
	}
	for url, nc := range g.natsConns {
		if err := nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = appendCloseError(errs, "nats drain "+url, err)
		}
	}
	if g.stopRuntime != nil {
		errs = appendCloseError(errs, "runtime stop", g.stopRuntime())
	}
	if g.history != nil {
		errs = appendCloseError(errs, "store close", g.history.Close())
	}
	if g.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = appendCloseError(errs, "tracing shutdown", g.shutdownTracing(ctx))
		cancel()
	}
	return errs
}

// Shutdown stops accepting work, shuts the scheduler down (cancelling queued and
// failing in-flight requests), and releases every resource. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if g.ingress != nil {
		errs = appendCloseError(errs, "ingress stop", g.ingress.Stop())
	}
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)

	if g.stopBackground != nil {
		g.stopBackground()
		errs = appendCloseError(errs, "background loops", g.background.Wait())
	}
	g.scheduler.Shutdown()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeOptionalComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
