package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/shineme/aiproxy/internal/admin"
	"github.com/shineme/aiproxy/internal/auditlog"
	"github.com/shineme/aiproxy/internal/config"
	"github.com/shineme/aiproxy/internal/headers"
	"github.com/shineme/aiproxy/internal/metrics"
	"github.com/shineme/aiproxy/internal/notifier"
	"github.com/shineme/aiproxy/internal/proxy"
	"github.com/shineme/aiproxy/internal/ratelimit"
	"github.com/shineme/aiproxy/internal/reconciler"
	"github.com/shineme/aiproxy/internal/redaction"
	"github.com/shineme/aiproxy/internal/rules"
	"github.com/shineme/aiproxy/internal/scripthost"
	"github.com/shineme/aiproxy/internal/selector"
	"github.com/shineme/aiproxy/internal/storage"
	"github.com/shineme/aiproxy/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/aiproxy.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting aiproxy",
		"version", "0.1.0",
		"listen", cfg.Listen,
		"admin_listen", cfg.Admin.Listen,
		"database", cfg.Database.URL,
	)

	store, err := storage.Open(sqlitePath(cfg.Database.URL))
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}

	var redisClient *redis.Client
	if cfg.RateLimit.Backend == "redis" || cfg.Reconciler.LeaderLockEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis", "addr", cfg.RateLimit.Redis.Addr)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Backend == "redis" {
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.Redis.KeyPrefix)
		slog.Info("using Redis rate limit backend")
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.SweepInterval)
		slog.Info("using in-memory rate limit backend")
	}
	rateGate := ratelimit.NewGate(limiter)

	scripts := scripthost.New(cfg.ScriptHost.EnablePythonDialect)
	assembler := headers.New(scripts)
	sel := selector.New(store)
	notify := notifier.New()
	ruleEngine := rules.New(store, notify)
	redactor := redaction.NewSecretRedactor()
	auditor := auditlog.New(store, redactor)

	proxyHandler := proxy.New(store, rateGate, sel, assembler, ruleEngine, auditor, tp)

	var recon *reconciler.Reconciler
	if cfg.Reconciler.Enabled {
		var opts []reconciler.Option
		if cfg.Reconciler.LeaderLockEnabled {
			opts = append(opts, reconciler.WithLeaderLock(redisClient, cfg.RateLimit.Redis.KeyPrefix+"reconciler:"))
		}
		retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
		recon = reconciler.New(store, retention, opts...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if recon != nil {
		go recon.Run(ctx)
		slog.Info("reconciler started", "leader_lock", cfg.Reconciler.LeaderLockEnabled)
	}

	proxyServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      proxyHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminHandler := admin.New(store, cfg.Admin.Auth.Enabled, cfg.Admin.Auth.APIKey, cfg.Admin.CORSOrigins)
		adminMux := http.NewServeMux()
		adminMux.Handle("/metrics", promhttp.HandlerFor(metrics.NewRegistry(), promhttp.HandlerOpts{}))
		adminMux.Handle("/", adminHandler)
		adminServer = &http.Server{
			Addr:         cfg.Admin.Listen,
			Handler:      adminMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	errChan := make(chan error, 2)

	go func() {
		slog.Info("proxy server starting", "addr", cfg.Listen)
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("proxy server error: %w", err)
		}
	}()

	if adminServer != nil {
		go func() {
			slog.Info("admin server starting", "addr", cfg.Admin.Listen)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down servers")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("proxy server shutdown error", "error", err)
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("Redis close error", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		slog.Error("storage close error", "error", err)
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("aiproxy stopped")
}

// sqlitePath strips a "sqlite://" scheme prefix, if present, from the
// configured database URL: the driver wants a bare file path.
func sqlitePath(url string) string {
	return strings.TrimPrefix(url, "sqlite://")
}
