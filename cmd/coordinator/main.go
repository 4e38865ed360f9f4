package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AltairaLabs/promptguard/internal/audit"
	"github.com/AltairaLabs/promptguard/internal/config"
	"github.com/AltairaLabs/promptguard/internal/coordinator"
	"github.com/AltairaLabs/promptguard/internal/escrow"
	"github.com/AltairaLabs/promptguard/internal/identity"
	"github.com/AltairaLabs/promptguard/internal/kms"
	"github.com/AltairaLabs/promptguard/internal/observer"
)

const (
	serviceVersion  = "0.1.0"
	shutdownTimeout = 5 * time.Second
)

var (
	version    = flag.Bool("version", false, "Print version and exit")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	httpMode   = flag.Bool("http", false, "Enable HTTP/SSE transport instead of stdio")
	configPath = flag.String("config", "", "Path to YAML configuration file")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Println("PromptGuard Coordinator v" + serviceVersion)
		os.Exit(0)
	}

	// Setup structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	httpPort := os.Getenv("HTTP_PORT")
	if httpPort == "" {
		httpPort = "8080"
	}

	logger.Info("starting PromptGuard coordinator",
		"version", serviceVersion,
		"debug", *debug,
		"http_mode", *httpMode,
		"key", cfg.Key.ID().ResourceName(),
	)

	rootSecret := []byte(cfg.Key.RootSecret)
	if len(rootSecret) == 0 {
		// Ephemeral secret: sealed traffic does not survive a restart.
		rootSecret = make([]byte, 32)
		if _, err := rand.Read(rootSecret); err != nil {
			logger.Error("generating root secret", "error", err)
			os.Exit(1)
		}
		logger.Warn("no root secret configured, using an ephemeral one",
			"env", config.EnvRootSecret)
	}

	keys, err := kms.NewLocalKeyService(cfg.Key.ID(), rootSecret, logger)
	if err != nil {
		logger.Error("key service initialization failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := keys.TestConnection(ctx); err != nil {
		logger.Error("key service probe failed", "error", err)
		os.Exit(1)
	}

	// Audit ledger: SQLite when a path is configured, in-memory
	// otherwise.
	var store audit.Store
	if cfg.Audit.SQLitePath != "" {
		sqliteStore, err := audit.NewSQLiteStore(cfg.Audit.SQLitePath)
		if err != nil {
			logger.Error("opening audit store", "error", err, "path", cfg.Audit.SQLitePath)
			os.Exit(1)
		}
		store = sqliteStore
	} else {
		logger.Warn("no audit store path configured, entries will not survive a restart")
		store = audit.NewMemoryStore()
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing audit store", "error", err)
		}
	}()
	auditLog := audit.NewLogger(store, cfg.Audit.RetentionDays, logger)

	vault, err := escrow.New(cfg.Escrow.AuthorizedParties, cfg.Escrow.MinimumSignatures, auditLog, logger)
	if err != nil {
		logger.Error("escrow initialization failed", "error", err)
		os.Exit(1)
	}

	coord := coordinator.New(logger)
	go coord.Run()

	sessions := identity.NewManager(logger)

	metrics := observer.NewMetrics(prometheus.DefaultRegisterer)
	health := observer.NewRunner(cfg.Observe.CheckInterval.Std(),
		keys, vault, auditLog, sessions, coord, metrics, logger)
	go health.Run(ctx)

	serverCfg := coordinator.Config{
		Name:           cfg.Server.Name,
		Version:        serviceVersion,
		RatePerSecond:  cfg.Server.RatePerSecond,
		RateBurst:      cfg.Server.RateBurst,
		RecoveryAdmins: cfg.Server.RecoveryAdmins,
	}
	mcpServer := coordinator.NewMCPServer(serverCfg, coord, sessions, keys, vault, auditLog, metrics, logger)

	logger.Info("MCP gateway initialized", "name", serverCfg.Name, "version", serverCfg.Version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Metrics and health endpoints
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health.Handler())
	obsServer := &http.Server{
		Addr:              cfg.Observe.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting observability listener", "address", cfg.Observe.ListenAddr)
		if err := obsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("observability listener error", "error", err)
			cancel()
		}
	}()

	// Start MCP gateway in goroutine
	go func() {
		if *httpMode {
			if err := mcpServer.ServeHTTPWithLogger(":"+httpPort, logger); err != nil {
				logger.Error("MCP gateway error", "error", err)
				cancel()
			}
		} else {
			if err := mcpServer.ServeWithLogger(logger); err != nil {
				logger.Error("MCP gateway error", "error", err)
				cancel()
			}
		}
	}()

	// Retention and session cleanup loop
	go func() {
		ticker := time.NewTicker(cfg.Audit.CleanupInterval.Std())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := auditLog.CleanupOldEntries(ctx); err != nil {
					logger.Error("audit cleanup failed", "error", err)
				}
				sessions.CleanupStale(cfg.Server.SessionMaxAge.Std())
			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logger.Info("received shutdown signal")
	case <-ctx.Done():
		logger.Info("context canceled")
	}

	logger.Info("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator drain incomplete", "error", err)
	}
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability listener shutdown incomplete", "error", err)
	}

	logger.Info("coordinator shutdown complete")
}
