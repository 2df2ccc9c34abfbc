package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentauth/internal/anonverify"
	"github.com/basket/agentauth/internal/audit"
	"github.com/basket/agentauth/internal/bus"
	"github.com/basket/agentauth/internal/config"
	"github.com/basket/agentauth/internal/directory"
	"github.com/basket/agentauth/internal/drift"
	"github.com/basket/agentauth/internal/gateway"
	otelPkg "github.com/basket/agentauth/internal/otel"
	"github.com/basket/agentauth/internal/persistence"
	"github.com/basket/agentauth/internal/persona"
	"github.com/basket/agentauth/internal/telemetry"
	"github.com/basket/agentauth/internal/webhook"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the trust service (foreground)

SUBCOMMANDS:
  %s status                   Show service health status (/healthz)
  %s sweep                    Trigger a commitment expiry sweep now
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the build version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TRUSTD_HOME             Data directory (default: ~/.trustd)
  TRUSTD_BIND_ADDR        Listen address override
  TRUSTD_AUTH_TOKEN       Enable auth with this bearer token
  TRUSTD_LOG_LEVEL        debug, info, warn or error
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "sweep":
			os.Exit(runSweepCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger failures are still on disk somewhere.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.Auth.Enabled {
			logger.Warn("auth is disabled on a non-loopback bind; anyone who can reach this address can manage agents", "bind_addr", cfg.BindAddr)
		}
	}

	// OpenTelemetry is a no-op when disabled.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DatabasePath)

	eventBus := bus.New()
	dir := directory.New(store)
	personas := persona.NewRegistry(store, dir, eventBus, logger)

	window := drift.NewWindow(cfg.Drift.WindowMaxAgents,
		time.Duration(cfg.Drift.WindowTTLMinutes)*time.Minute)
	driftEngine := drift.NewEngine(store, dir, eventBus, window, driftDefaults(cfg), logger)

	anonEngine, err := anonverify.NewEngine(store, dir, logger, anonverify.Options{
		VerificationKeyPath: cfg.ZKP.VerificationKeyPath,
	})
	if err != nil {
		fatalStartup(logger, "E_ANONVERIFY_INIT", err)
	}
	if cfg.ZKP.VerificationKeyPath != "" {
		logger.Info("zkp verification enabled", "key_path", cfg.ZKP.VerificationKeyPath)
	}

	sweeper, err := anonverify.NewSweeper(anonverify.SweeperConfig{
		Engine:   anonEngine,
		Logger:   logger,
		Schedule: cfg.Sweep.Schedule,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEP_SCHEDULE", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if len(cfg.Webhooks) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(cfg.Webhooks))
		for _, wh := range cfg.Webhooks {
			endpoints = append(endpoints, webhook.Endpoint{
				URL:    wh.URL,
				Secret: wh.Secret,
				Events: wh.Events,
			})
		}
		dispatcher := webhook.NewDispatcher(endpoints, logger)
		dispatcher.Start(ctx, eventBus)
		defer dispatcher.Stop()
		logger.Info("webhook dispatcher started", "endpoints", len(endpoints))
	}

	// Config reloads apply the tunables that are safe to swap at runtime:
	// drift defaults for agents without a stored config. Bind address, auth
	// and webhook changes still need a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed, keeping previous settings", "error", err)
					continue
				}
				driftEngine.SetDefaults(driftDefaults(reloaded))
				logger.Info("config reloaded", "fingerprint", reloaded.Fingerprint())
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Directory:         dir,
		Personas:          personas,
		Drift:             driftEngine,
		Anon:              anonEngine,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		AllowOrigins:      cfg.CORS.AllowedOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	var handler http.Handler = gw.Handler()
	auth := gateway.NewAuthMiddleware(cfg.Auth)
	handler = auth.Wrap(handler)
	if cfg.RateLimit.Enabled {
		rl := gateway.NewRateLimitMiddleware(cfg.RateLimit)
		rl.StartEviction(ctx, time.Minute, 10*time.Minute)
		handler = rl.Wrap(handler)
	}
	handler = gateway.NewCORSMiddleware(cfg.CORS)(handler)
	handler = gateway.RequestSizeLimitMiddleware(1 << 20)(handler)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: handler,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND",
				fmt.Errorf("%w\n\n  Another process is using %s. Stop it first or change bind_addr in config.yaml.", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/events", "version", Version)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("trustd %s listening on %s (ctrl-c to stop)\n", Version, cfg.BindAddr)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func driftDefaults(cfg config.Config) drift.Defaults {
	return drift.Defaults{
		DriftThreshold:   cfg.Drift.DriftThreshold,
		WarningThreshold: cfg.Drift.WarningThreshold,
		AutoRevoke:       cfg.Drift.AutoRevoke,
		SpikeSensitivity: cfg.Drift.SpikeSensitivity,
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"trustd","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
