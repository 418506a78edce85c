package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/visionforge/internal/audit"
	"github.com/basket/visionforge/internal/budget"
	"github.com/basket/visionforge/internal/bus"
	"github.com/basket/visionforge/internal/config"
	"github.com/basket/visionforge/internal/cron"
	"github.com/basket/visionforge/internal/engine"
	"github.com/basket/visionforge/internal/gateway"
	"github.com/basket/visionforge/internal/llm"
	otelPkg "github.com/basket/visionforge/internal/otel"
	"github.com/basket/visionforge/internal/persistence"
	"github.com/basket/visionforge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("visiond", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures are audited.
	rec, err := audit.New(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = rec.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		rec.Record(ctx, "fatal", "runtime.startup", "E_LOGGER_INIT", "", err.Error())
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	// OpenTelemetry is a no-op when disabled.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "visionforge.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	rec.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	guard := budget.NewGuard(store, cfg.Budget, eventBus, rec, logger)

	provider, model, apiKey := cfg.ResolveLLMConfig()
	client := llm.NewGenkitClient(ctx, llm.Config{
		Provider:                 provider,
		APIKey:                   apiKey,
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	}, logger)
	logger.Info("startup phase", "phase", "llm_initialized", "provider", provider, "model", model)

	eng, err := engine.New(store, guard, client, engine.Config{
		WorkerCount:     cfg.WorkerCount,
		PollInterval:    time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		TaskTimeout:     time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		MaxQueueDepth:   cfg.MaxQueueDepth,
		RetentionWindow: time.Duration(cfg.Retention.TerminalTaskMinutes) * time.Minute,
		AppendSeparator: cfg.AppendSeparator,
		Bus:             eventBus,
	}, metrics, logger)
	if err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
	}
	eng.Start(ctx)

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:                store,
		Evictor:              eng,
		Logger:               logger,
		Schedule:             cfg.Retention.SweepSchedule,
		UsageEventsRetention: time.Duration(cfg.Retention.UsageEventsDays) * 24 * time.Hour,
		AuditLogRetention:    time.Duration(cfg.Retention.AuditLogDays) * 24 * time.Hour,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Hot reload: budget settings apply without a restart. Everything
	// else (workers, bind address) needs one.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; budget hot reload disabled", "error", err)
	} else {
		go func() {
			fingerprint := cfg.Fingerprint()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-watcher.Events():
					if !ok {
						return
					}
					newCfg, err := config.Load()
					if err != nil {
						logger.Warn("config reload failed; keeping previous settings", "path", ev.Path, "error", err)
						continue
					}
					if newCfg.Fingerprint() == fingerprint {
						continue
					}
					fingerprint = newCfg.Fingerprint()
					guard.UpdateConfig(newCfg.Budget)
					rec.Record(ctx, "allow", "config.reload", "budget_settings_applied", newCfg.Budget.PreferredModel, ev.Path)
					logger.Info("config reloaded", "fingerprint", fingerprint)
				}
			}
		}()
	}

	srv := gateway.New(gateway.Config{
		Engine:            eng,
		Store:             store,
		Bus:               eventBus,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalStartup(logger, "E_GATEWAY_SERVE", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	eng.Drain(time.Duration(cfg.DrainTimeoutSeconds) * time.Second)
	logger.Info("shutdown complete")
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
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from the given file without
// overriding variables already present in the environment.
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
