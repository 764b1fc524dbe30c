// Command fleetbroker runs the broker: the REST control plane that tracks
// task state, resolves triggers for polling runners, and pushes a live feed
// to dashboard clients. Runners (cmd/fleetrunner) are separate processes
// that register with this broker and do the actual work.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/audit"
	"github.com/orbiter-labs/fleetbroker/internal/broker"
	"github.com/orbiter-labs/fleetbroker/internal/bus"
	"github.com/orbiter-labs/fleetbroker/internal/channels"
	"github.com/orbiter-labs/fleetbroker/internal/config"
	"github.com/orbiter-labs/fleetbroker/internal/cron"
	"github.com/orbiter-labs/fleetbroker/internal/dashboard"
	"github.com/orbiter-labs/fleetbroker/internal/doctor"
	"github.com/orbiter-labs/fleetbroker/internal/otel"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
	"github.com/orbiter-labs/fleetbroker/internal/router"
	"github.com/orbiter-labs/fleetbroker/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	runDoctor := flag.Bool("doctor", false, "run startup diagnostics and exit")
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Parse()

	logger, logCloser, err := telemetry.NewLogger(config.HomeDir(), "info", *quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if *runDoctor {
		diagnosis := doctor.Run(context.Background(), &cfg, Version)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(diagnosis)
		for _, result := range diagnosis.Results {
			if result.Status == "FAIL" {
				os.Exit(1)
			}
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("failed to init otel", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	eventBus := bus.NewWithLogger(logger)

	dbPath := persistence.DefaultDBPath()
	if cfg.HomeDir != "" {
		dbPath = cfg.HomeDir + "/fleetbroker.db"
	}
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	audit.SetDB(store.DB())
	defer audit.Close()

	r := router.New(store)

	brokerSrv := broker.New(broker.Config{
		Store:    store,
		Bus:      eventBus,
		Router:   r,
		Auth:     cfg.Auth,
		CORS:     cfg.CORS,
		Channels: cfg.Channels,
		Logger:   logger,
	})

	dashboardSrv := dashboard.New(dashboard.Config{
		Bus:            eventBus,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	})

	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: brokerSrv.Handler()}
	dashboardServer := &http.Server{Addr: cfg.DashboardBindAddr, Handler: dashboardSrv.Handler()}

	serverErr := make(chan error, 2)
	startListener(ctx, logger, httpServer, "broker", serverErr)
	startListener(ctx, logger, dashboardServer, "dashboard", serverErr)

	go runRetentionLoop(ctx, store, cfg, logger)
	go runLeaseSweepLoop(ctx, store, cfg, logger)
	startChannels(ctx, cfg, store, eventBus, logger)

	scheduler := cron.NewScheduler(cron.Config{Store: store, Schedule: cfg.Cron, Logger: logger})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DefaultShutdownTimeout())
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = dashboardServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func startListener(ctx context.Context, logger *slog.Logger, srv *http.Server, name string, errCh chan<- error) {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to bind %s listener", name), "addr", srv.Addr, "error", err)
		os.Exit(1)
	}
	logger.Info(fmt.Sprintf("%s listening", name), "addr", srv.Addr)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
}

// startChannels launches every enabled chat/forge channel adapter as a
// background goroutine tied to ctx. Inbound events from slack/github arrive
// over the broker's own webhook handlers (internal/broker); these channels
// only own reply delivery and, for telegram, also direct-message ingestion.
func startChannels(ctx context.Context, cfg config.Config, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) {
	type startable interface {
		Name() string
		Start(ctx context.Context) error
	}

	var active []startable
	if cfg.Channels.Telegram.Enabled {
		active = append(active, channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, store, logger, eventBus))
	}
	if cfg.Channels.Slack.Enabled {
		active = append(active, channels.NewSlackChannel(cfg.Channels.Slack.BotToken, eventBus, store, logger))
	}
	if cfg.Channels.GitHub.Enabled {
		active = append(active, channels.NewGitHubChannel(cfg.Channels.GitHub.AppToken, eventBus, store, logger))
	}
	if cfg.Channels.Mail.Enabled {
		active = append(active, channels.NewMailChannel(true, logger))
	}

	for _, ch := range active {
		ch := ch
		go func() {
			if err := ch.Start(ctx); err != nil {
				logger.Error("channel exited with error", "channel", ch.Name(), "error", err)
			}
		}()
	}
}

// runLeaseSweepLoop periodically reclaims in_progress tasks whose owning
// agent has stopped pinging for longer than the configured lease duration.
func runLeaseSweepLoop(ctx context.Context, store *persistence.Store, cfg config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.DefaultLeaseDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := store.SweepStaleTasks(ctx, cfg.DefaultLeaseDuration())
			if err != nil {
				logger.Error("lease sweep failed", "error", err)
				continue
			}
			if reclaimed > 0 {
				logger.Info("lease sweep reclaimed stale tasks", "count", reclaimed)
			}
		}
	}
}

// runRetentionLoop periodically purges old task events, audit logs, and
// session logs per the configured retention windows (spec §4.5).
func runRetentionLoop(ctx context.Context, store *persistence.Store, cfg config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := store.RunRetention(ctx, cfg.RetentionTaskEventsDays, cfg.RetentionAuditLogDays, cfg.RetentionSessionLogDays)
			if err != nil {
				logger.Error("retention job failed", "error", err)
				continue
			}
			logger.Info("retention job completed",
				"purged_task_events", result.PurgedTaskEvents,
				"purged_audit_logs", result.PurgedAuditLogs,
				"purged_session_logs", result.PurgedSessionLogs)
		}
	}
}
