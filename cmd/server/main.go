// Roadwatch watches a traffic camera (or a directory of images), asks a
// vision model about every new frame and records the violations it reports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/flock"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	vc "github.com/linnemanlabs/roadwatch/internal/cfg"
	"github.com/linnemanlabs/roadwatch/internal/dashboard"
	"github.com/linnemanlabs/roadwatch/internal/frame"
	"github.com/linnemanlabs/roadwatch/internal/llm/claude"
	"github.com/linnemanlabs/roadwatch/internal/pipeline"
	"github.com/linnemanlabs/roadwatch/internal/postgres"
	"github.com/linnemanlabs/roadwatch/internal/queue"
	"github.com/linnemanlabs/roadwatch/internal/violation"
)

const appName = "roadwatch"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var (
		showVersion bool
		envFile     string
	)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded into the environment before ROADWATCH_ variables are read (missing file is ignored)")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	// Fill in config values from environment variables with prefix ROADWATCH_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "ROADWATCH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}
	loc, err := appCfg.Location()
	if err != nil {
		return err
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"source", appCfg.Source,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"queue_capacity", appCfg.QueueCapacity,
		"classifier_model", appCfg.ClaudeModel,
		"min_confidence", appCfg.MinConfidence,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Only one process may own the ledger and the output directories.
	if err := os.MkdirAll(appCfg.ViolationDir, 0o750); err != nil {
		return fmt.Errorf("create violation dir: %w", err)
	}
	if dir := filepath.Dir(appCfg.DatabasePath); appCfg.DatabaseURL == "" && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}
	lock := flock.New(lockPath(&appCfg))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("another %s instance holds %s", appName, lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// Link spans to pyroscope profiles when both are running
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, v.Component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Pipeline metrics and the per-query DB observer share the same registry
	pm := pipeline.NewMetrics(m.Registry())
	postgres.SetQueryObserver(pm.QueryObserver())

	// Storage. The coordinator owns the store from here on and closes it.
	rawStore, backend, err := openStore(postgres.WithComponent(ctx, "startup"), &appCfg)
	if err != nil {
		return err
	}
	store := violation.Observed(rawStore, pm.StoreObserver(backend))
	L.Info(ctx, "opened violation store", "backend", backend)

	// Bounded frame queue between capture and the classifier worker
	q := queue.New[*frame.Frame](appCfg.QueueCapacity, frame.Key)
	pm.ObserveQueue(q.Len, q.Cap)

	// Initialize Claude classifier
	classifier := claude.New(claude.Options{
		APIKey: appCfg.ClaudeAPIKey,
		Model:  appCfg.ClaudeModel,
		Width:  appCfg.InputWidth,
		Height: appCfg.InputHeight,
	})
	L.Info(ctx, "initialized classifier", "provider", "claude", "model", appCfg.ClaudeModel)

	// Initialize notification channels, nil when none are configured
	notifier, channels := newNotifier(&appCfg, pm.NotifyResult)
	if len(channels) > 0 {
		L.Info(ctx, "notifications enabled", "channels", channels)
	}

	// live stream subscribers get every record the worker persists
	hub := dashboard.NewHub(L)
	hooks := pm.Hooks()
	hooks.OnRecord = hub.Publish

	worker := pipeline.NewWorker(q, classifier, store, notifier, pipeline.WorkerConfig{
		DequeueTimeout:  appCfg.DequeueTimeout(),
		ClassifyTimeout: appCfg.ClassifyTimeout(),
		ViolationDir:    appCfg.ViolationDir,
		MinConfidence:   appCfg.MinConfidence,
		Location:        loc,
		Recipient:       appCfg.NotifyRecipient,
	}, hooks, L)

	source := newSource(&appCfg, store, q, pm.CaptureHooks(), L)
	coord := pipeline.NewCoordinator(source, worker, store, L)

	// The pipeline keeps running through the drain period and is stopped
	// explicitly during shutdown.
	pipelineCtx := postgres.WithComponent(context.WithoutCancel(ctx), "pipeline")
	pipelineErr := make(chan error, 1)
	go func() { pipelineErr <- coord.Start(pipelineCtx) }()

	stopPipeline := func(sctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- coord.Stop() }()
		select {
		case err := <-done:
			return err
		case <-sctx.Done():
			return fmt.Errorf("pipeline stop: %w", sctx.Err())
		}
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return errors.Join(err, coord.Stop())
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// register dashboard routes, the live stream is mounted outside the router
	api := dashboard.New(L, store, dashboard.Options{
		FrameDir:     appCfg.FrameDir,
		ViolationDir: appCfg.ViolationDir,
		Token:        appCfg.APIToken,
		Hub:          hub,
	})
	r := newRouter(
		// add health check endpoints to main listener
		func(r chi.Router) {
			r.Get("/-/healthy", health.HealthzHandler(liveness))
			r.Get("/-/ready", health.ReadyzHandler(readiness))
		},
		api.RegisterRoutes,
	)

	h := newHandler(L, m, httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	}, r, api.StreamHandler())

	// Configure http server options from config
	dashboardOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return errors.Join(err, coord.Stop())
	}

	// Start dashboard HTTP server with middleware and handlers
	dashboardHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, dashboardOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start dashboard http listener")
		return errors.Join(err, coord.Stop())
	}
	defer func() {
		if err := dashboardHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop dashboard http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm, or for the pipeline to fail on its own
	// (typically an unopenable camera).
	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
	case err := <-pipelineErr:
		if err == nil {
			err = errors.New("pipeline exited unexpectedly")
		}
		L.Error(context.Background(), err, "pipeline failed")
		hub.Close()
		return err
	}

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"live stream", func(context.Context) error { hub.Close(); return nil }},
		{"dashboard http server", dashboardHTTPStop},
		{"pipeline", stopPipeline},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// loadEnvFile exports variables from a dotenv file without overriding ones
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is from NOTIFY_SOCKET set by systemd, net has no context dial for unixgram
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
