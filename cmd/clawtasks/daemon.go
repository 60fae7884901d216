package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/basket/clawtasks/internal/audit"
	"github.com/basket/clawtasks/internal/bus"
	"github.com/basket/clawtasks/internal/config"
	"github.com/basket/clawtasks/internal/cron"
	"github.com/basket/clawtasks/internal/gateway"
	"github.com/basket/clawtasks/internal/notify"
	otelPkg "github.com/basket/clawtasks/internal/otel"
	"github.com/basket/clawtasks/internal/persistence"
	"github.com/basket/clawtasks/internal/sandbox"
	"github.com/basket/clawtasks/internal/tasks"
	"github.com/basket/clawtasks/internal/telemetry"
	"github.com/basket/clawtasks/internal/validator"
)

// runDaemon starts the scheduler, sandbox and gateway and blocks until ctx
// is cancelled.
func runDaemon(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}
	if cfg.Missing {
		if _, err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(nil, nil, "E_CONFIG_WRITE", err)
		}
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = auditLog.Close() }()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, quiet)
	if err != nil {
		fatalStartup(nil, auditLog, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("gateway bound to a non-loopback address without auth_token", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, auditLog, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, auditLog, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()
	defer eventBus.Close()

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, auditLog, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	val := validator.New(validator.Config{
		Denylist: denylistFor(cfg),
		Checkers: checkersFor(cfg),
		Logger:   logger,
	})

	executor, closeExecutor := buildExecutor(ctx, cfg, logger)
	defer closeExecutor()
	runner := sandbox.NewRunner(sandbox.Config{
		Executor:       executor,
		DefaultRuntime: cfg.Tasks.DefaultRuntime,
		CaptureLimit:   cfg.Sandbox.CaptureLimitMB * 1024 * 1024,
		Logger:         logger,
		Tracer:         otelProvider.Tracer,
		Metrics:        metrics,
	})
	logger.Info("startup phase", "phase", "sandbox_ready", "backend", runner.Backend())

	svc := tasks.NewService(tasks.Config{
		Store:               store,
		Validator:           val,
		Runner:              runner,
		Bus:                 eventBus,
		Logger:              logger,
		Tracer:              otelProvider.Tracer,
		Metrics:             metrics,
		Audit:               auditLog,
		DefaultRuntime:      cfg.Tasks.DefaultRuntime,
		DefaultTimeout:      cfg.DefaultTimeout(),
		DisableVerification: !cfg.Tasks.VerifyOnCreate,
	})

	notifier := notify.New(notify.Config{
		Bus:     eventBus,
		Logger:  logger,
		Senders: sendersFor(cfg, logger),
	})
	if err := notifier.Start(ctx); err != nil {
		fatalStartup(logger, auditLog, "E_NOTIFIER_START", err)
	}

	var fingerprint atomic.Value
	fingerprint.Store(cfg.Fingerprint())

	gw := gateway.New(gateway.Config{
		Service:      svc,
		Bus:          eventBus,
		Audit:        auditLog,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.Gateway.AllowOrigins,
		RateLimit:    cfg.Gateway.RateLimitPerSecond,
		RateBurst:    cfg.Gateway.RateLimitBurst,
		Fingerprint:  func() string { return fingerprint.Load().(string) },
	})
	if rl := gw.Limiter(); rl != nil {
		rl.StartEviction(ctx, time.Minute, 10*time.Minute)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w: stop the other process or change bind_addr in config.yaml", err)
		}
		fatalStartup(logger, auditLog, "E_GATEWAY_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	poller := cron.NewPoller(cron.Config{
		Service:  svc,
		Bus:      eventBus,
		Logger:   logger,
		Interval: cfg.PollInterval(),
		Metrics:  metrics,
	})
	if err := poller.Start(ctx); err != nil {
		fatalStartup(logger, auditLog, "E_POLLER_START", err)
	}
	logger.Info("startup phase", "phase", "scheduler_started", "interval", cfg.PollInterval())

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; hot reload disabled", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
				sdNotify(logger, daemon.SdNotifyReloading)
				next, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
					sdNotify(logger, daemon.SdNotifyReady)
					continue
				}
				val.SetDenylist(denylistFor(next))
				level.Set(telemetry.ParseLevel(next.LogLevel))
				fp := next.Fingerprint()
				fingerprint.Store(fp)
				eventBus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{Fingerprint: fp})
				logger.Info("config.yaml hot-reloaded", "fingerprint", fp, "log_level", next.LogLevel)
				sdNotify(logger, daemon.SdNotifyReady)
			}
		}()
	}

	sdNotify(logger, daemon.SdNotifyReady)
	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}
	sdNotify(logger, daemon.SdNotifyStopping)

	// Stop intake first, then drain executions within the configured bound.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drained := make(chan struct{})
	go func() {
		poller.Stop()
		svc.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.DrainTimeout()):
		live := runner.Running()
		logger.Warn("drain timeout; terminating live executions", "count", len(live))
		for _, id := range live {
			runner.Terminate(id)
		}
		<-drained
	}
	notifier.Stop()
	logger.Info("shutdown complete")
	return 0
}

func denylistFor(cfg config.Config) map[string][]string {
	if len(cfg.Validator.Denylist) == 0 {
		return validator.DefaultDenylist
	}
	return cfg.Validator.Denylist
}

func checkersFor(cfg config.Config) map[string]validator.Checker {
	if !cfg.Validator.ASTCheck {
		return nil
	}
	bin := cfg.Sandbox.Binaries[sandbox.RuntimePython]
	if bin == "" {
		bin = "python3"
	}
	return map[string]validator.Checker{
		sandbox.RuntimePython: validator.NewPythonASTChecker(bin, cfg.Validator.StrictAST, cfg.CheckerTimeout()),
	}
}

// buildExecutor returns the configured sandbox backend. A docker backend
// that cannot be reached falls back to host execution.
func buildExecutor(ctx context.Context, cfg config.Config, logger *slog.Logger) (sandbox.Executor, func()) {
	host := &sandbox.HostExecutor{Binaries: cfg.Sandbox.Binaries}
	if cfg.Sandbox.Backend != "docker" {
		return host, func() {}
	}
	d, err := sandbox.NewDockerExecutor(sandbox.DockerConfig{
		Images:      cfg.Sandbox.Docker.Images,
		MemoryMB:    cfg.Sandbox.Docker.MemoryMB,
		NetworkMode: cfg.Sandbox.Docker.Network,
		PidsLimit:   cfg.Sandbox.Docker.PidsLimit,
	})
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = d.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = d.Close()
		}
	}
	if err != nil {
		logger.Warn("docker sandbox unavailable, falling back to host", "error", err)
		return host, func() {}
	}
	logger.Info("docker sandbox enabled", "memory_mb", cfg.Sandbox.Docker.MemoryMB, "network", cfg.Sandbox.Docker.Network)
	return d, func() { _ = d.Close() }
}

func sendersFor(cfg config.Config, logger *slog.Logger) []notify.Sender {
	var senders []notify.Sender
	tg := cfg.Channels.Telegram
	if tg.Enabled {
		sender, err := notify.NewTelegramSender(tg.Token, tg.AllowedIDs, logger)
		if err != nil {
			logger.Warn("telegram notifications disabled", "error", err)
		} else {
			senders = append(senders, sender)
		}
	}
	return senders
}

// sdNotify reports lifecycle state to systemd when running under a unit
// with Type=notify. Outside systemd it is a no-op.
func sdNotify(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Debug("sd_notify failed", "state", state, "error", err)
		return
	}
	if sent {
		logger.Debug("sd_notify sent", "state", state)
	}
}

func fatalStartup(logger *slog.Logger, auditLog *audit.Recorder, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	auditLog.Record(context.Background(), "runtime.startup", audit.DecisionDeny, reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"clawtasks","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}
