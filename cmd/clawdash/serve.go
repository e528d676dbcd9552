package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basket/clawdash/internal/api"
	"github.com/basket/clawdash/internal/audit"
	"github.com/basket/clawdash/internal/auth"
	"github.com/basket/clawdash/internal/bus"
	"github.com/basket/clawdash/internal/config"
	"github.com/basket/clawdash/internal/gateway"
	"github.com/basket/clawdash/internal/install"
	otelPkg "github.com/basket/clawdash/internal/otel"
	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/sampler"
	"github.com/basket/clawdash/internal/supervisor"
	"github.com/basket/clawdash/internal/telemetry"
	"github.com/basket/clawdash/internal/workspace"
)

const shutdownTimeout = 5 * time.Second

func runServe(ctx context.Context, quietLogs bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.FirstRun {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
	}

	// Audit comes up before the logger so E_LOGGER_INIT is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "first_run", cfg.FirstRun)
	warnOpenBind(logger, cfg)

	otelCfg := cfg.OTel
	otelCfg.ServiceVersion = Version
	otelProvider, err := otelPkg.Init(ctx, otelCfg)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = otelProvider.Shutdown(sctx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DatabasePath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetSink(store)
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DatabasePath())

	probe := install.NewProbe(cfg.OpenClaw.Dir)
	sup, err := supervisor.New(supervisor.Options{
		Probe:      probe,
		Bus:        eventBus,
		Tracer:     otelProvider.Tracer,
		Metrics:    metrics,
		Logger:     logger.With("component", "supervisor"),
		StartGrace: time.Duration(cfg.OpenClaw.StartGraceSeconds) * time.Second,
		StopGrace:  time.Duration(cfg.OpenClaw.StopGraceSeconds) * time.Second,
		HealthHost: cfg.OpenClaw.GatewayHost,
	})
	if err != nil {
		fatalStartup(logger, "E_SUPERVISOR_INIT", err)
	}
	if _, err := otelPkg.RegisterProcessGauges(otelProvider.Meter, sup.Sample); err != nil {
		logger.Warn("process gauges not registered", "error", err)
	}
	logger.Info("startup phase", "phase", "supervisor_ready", "installation", probe.Detect(), "openclaw_dir", probe.Dir())

	gw := gateway.New(gateway.Options{
		URL:     cfg.GatewayURL(),
		Logger:  logger.With("component", "gateway"),
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	})
	defer gw.Disconnect()
	if cfg.OpenClaw.AutoConnect {
		go func() {
			if err := gw.Connect(ctx); err != nil {
				logger.Info("gateway not reachable yet", "url", gw.URL(), "error", err)
			}
		}()
	}
	go connectOnRunning(ctx, eventBus, gw, logger)

	authSvc, err := auth.New(auth.Options{
		Store:         store,
		Logger:        logger.With("component", "auth"),
		SessionTTL:    time.Duration(cfg.Auth.SessionTTLHours) * time.Hour,
		LoginAttempts: cfg.RateLimit.LoginAttempts,
		LoginWindow:   time.Duration(cfg.RateLimit.LoginWindowMinutes) * time.Minute,
		SecureCookies: cfg.Auth.SecureCookies,
	})
	if err != nil {
		fatalStartup(logger, "E_AUTH_INIT", err)
	}
	created, err := authSvc.EnsureDefaultAdmin(ctx)
	if err != nil {
		fatalStartup(logger, "E_AUTH_INIT", err)
	}
	if created {
		logger.Warn("default admin account created; change its password after first login", "username", "admin")
	}

	ws := workspace.New(cfg.OpenClaw.Dir)
	skills := ws.NewSkillsWatcher(logger.With("component", "skills"))
	if err := skills.Start(ctx); err != nil {
		logger.Warn("skills watcher disabled", "error", err)
	} else {
		go reloadSkillsOnChange(ctx, skills.Events(), gw, logger)
	}

	if cfg.Sampler.Enabled {
		smp, err := sampler.New(sampler.Config{
			Source:    sup,
			Store:     store,
			Logger:    logger.With("component", "sampler"),
			Schedule:  cfg.Sampler.Schedule,
			Retention: time.Duration(cfg.Sampler.RetentionHours) * time.Hour,
			AuditDays: cfg.Sampler.AuditRetentionDays,
		})
		if err != nil {
			fatalStartup(logger, "E_SAMPLER_INIT", err)
		}
		smp.Start(ctx)
		defer smp.Stop()
	}

	srv, err := api.New(api.Options{
		Config:     cfg,
		Process:    sup,
		Gateway:    gw,
		Store:      store,
		Auth:       authSvc,
		Workspace:  ws,
		Bus:        eventBus,
		Metrics:    metrics,
		Tracer:     otelProvider.Tracer,
		Logger:     logger.With("component", "api"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Version:    Version,
	})
	if err != nil {
		fatalStartup(logger, "E_API_INIT", err)
	}
	srv.StartEviction(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_PORT_IN_USE", fmt.Errorf("%w\n%s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTEN", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "listening", "addr", ln.Addr().String(), "gateway_url", cfg.GatewayURL())

	watcher := config.NewWatcher(cfg.HomeDir, cfg.OpenClaw.Dir, logger.With("component", "config"))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if ev.Source == config.SourceDashboard {
					next, err := config.Load()
					if err != nil {
						logger.Error("config reload failed; keeping previous config", "path", ev.Path, "error", err)
						continue
					}
					if next.Fingerprint() == cfg.Fingerprint() {
						continue
					}
					if next.BindAddr != cfg.BindAddr {
						logger.Warn("bind_addr change needs a restart", "current", cfg.BindAddr, "configured", next.BindAddr)
					}
					telemetry.SetLevel(next.LogLevel)
					srv.ApplyConfig(next)
					cfg = next
					logger.Info("dashboard config reloaded", "path", ev.Path)
				} else {
					logger.Info("openclaw config changed", "path", ev.Path, "op", ev.Op.String())
				}
				eventBus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{
					Source: string(ev.Source),
					Path:   ev.Path,
				})
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
	}

	// The supervised assistant is left running; it outlives the dashboard.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// connectOnRunning dials the gateway whenever the assistant reaches running.
func connectOnRunning(ctx context.Context, events *bus.Bus, gw *gateway.Client, logger *slog.Logger) {
	sub := events.SubscribeTopic(bus.TopicProcessStateChanged)
	defer events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			change, isChange := ev.Payload.(bus.ProcessStateChangedEvent)
			if !isChange || change.NewState != string(supervisor.StateRunning) || gw.IsConnected() {
				continue
			}
			if err := gw.Connect(ctx); err != nil {
				logger.Info("gateway connect after start failed", "error", err)
			}
		}
	}
}

// reloadSkillsOnChange asks the assistant to rescan whenever the skills
// directory changes on disk.
func reloadSkillsOnChange(ctx context.Context, changes <-chan struct{}, gw *gateway.Client, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			sent, err := gw.ReloadSkills(ctx)
			if err != nil {
				logger.Warn("skills reload not sent", "error", err)
				continue
			}
			logger.Info("skills changed on disk; reload requested", "sent", sent)
		}
	}
}

func warnOpenBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return
	}
	if !cfg.Auth.Enabled {
		logger.Warn("dashboard bound to a non-loopback address with auth disabled", "bind_addr", cfg.BindAddr)
	}
	if len(cfg.CORS.AllowedOrigins) == 0 && cfg.CORS.Enabled {
		logger.Warn("cors enabled with no allowed_origins; browsers on other origins will be rejected", "bind_addr", cfg.BindAddr)
	}
}
