package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/api"
	"github.com/mysqlgate/mysqlgate/internal/audit"
	"github.com/mysqlgate/mysqlgate/internal/auth"
	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/config"
	"github.com/mysqlgate/mysqlgate/internal/crypto"
	"github.com/mysqlgate/mysqlgate/internal/health"
	"github.com/mysqlgate/mysqlgate/internal/mcp"
	"github.com/mysqlgate/mysqlgate/internal/metrics"
	"github.com/mysqlgate/mysqlgate/internal/pool"
	"github.com/mysqlgate/mysqlgate/internal/query"
	"github.com/mysqlgate/mysqlgate/internal/session"
)

const shutdownTimeout = 30 * time.Second

// Exit codes: 1 means invalid startup configuration, 2 means the catalog
// store could not be opened.
const (
	exitConfig  = 1
	exitCatalog = 2
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML configuration file")
	rotateKey := flag.Bool("rotate-key", false, "rotate the master key, re-encrypt stored credentials, and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(exitConfig)
	}

	ks, err := crypto.LoadOrCreateKeystore(cfg.DataDir)
	if err != nil {
		slog.Error("failed to load master key", "err", err)
		os.Exit(exitCatalog)
	}

	store, err := catalog.Open(cfg.DataDir, ks)
	if err != nil {
		slog.Error("failed to open catalog store", "dataDir", cfg.DataDir, "err", err)
		os.Exit(exitCatalog)
	}
	defer store.Close()

	if *rotateKey {
		if err := ks.Rotate(store.ReencryptPasswords); err != nil {
			slog.Error("key rotation failed", "err", err)
			os.Exit(exitCatalog)
		}
		slog.Info("master key rotated; stored credentials re-encrypted")
		return
	}

	if err := store.Bootstrap(); err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(exitCatalog)
	}

	// Without a configured JWT secret, mint an ephemeral one. Cookie logins
	// then stop working across restarts, which is fine for development.
	if cfg.JWT.Secret == "" {
		secret, err := crypto.NewToken()
		if err != nil {
			slog.Error("failed to generate JWT secret", "err", err)
			os.Exit(exitConfig)
		}
		cfg.JWT.Secret = secret
		cfg.JWT.Generated = true
		slog.Warn("JWT_SECRET is not set; generated an ephemeral secret, sessions will not survive restarts")
	}

	issuer, err := crypto.NewTokenIssuer(cfg.JWT.Secret, cfg.JWT.ExpiresIn)
	if err != nil {
		slog.Error("invalid JWT configuration", "err", err)
		os.Exit(exitConfig)
	}

	m := metrics.New()
	pm := pool.NewManager(store)
	sm := session.NewManager(store, pm, cfg.Transport == config.TransportStdio)
	authenticator := auth.New(store, issuer)
	auditor := audit.New(store, cfg.Audit.ResponseCapByte, cfg.Audit.RetentionDays)
	executor := query.NewExecutor(sm, pm, m)
	dispatcher := mcp.NewDispatcher(store, sm, executor, auditor)

	if cfg.Transport == config.TransportStdio {
		runStdio(cfg, dispatcher, sm, authenticator, auditor, pm)
		return
	}

	hc := health.NewChecker(store, m, 30*time.Second, 5*time.Second)
	hc.Start()

	mcpHandler := mcp.NewHTTPHandler(dispatcher, sm, store)
	apiServer := api.NewServer(cfg, store, pm, sm, executor, authenticator, issuer, auditor, hc, m, mcpHandler)
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start HTTP server", "err", err)
		os.Exit(exitConfig)
	}

	// Feed the pool and session gauges on a fixed cadence.
	statsStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, st := range pm.AllStats() {
					m.UpdatePoolStats(st.ConnectionID, st.Open, st.InUse, st.Idle)
				}
				m.SetSessionCount(sm.SessionCount())
				m.SetAuditDropped(auditor.Dropped())
			case <-statsStop:
				return
			}
		}
	}()

	var watcher *config.Watcher
	if *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, func(newCfg *config.Config) {
			slog.Info("configuration reloaded", "path", *configPath)
			apiServer.ApplyRateLimit(newCfg.RateLimit)
		})
		if err != nil {
			slog.Warn("config hot-reload not available", "err", err)
		}
	}

	slog.Info("gateway ready", "transport", cfg.Transport, "port", cfg.HTTPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down...", "signal", sig)

	done := make(chan struct{})
	go func() {
		if watcher != nil {
			watcher.Stop()
		}
		close(statsStop)
		apiServer.Stop()
		hc.Stop()
		sm.Close()
		auditor.Close()
		pm.CloseAll()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("gateway stopped")
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}
}

// runStdio serves the tool surface on stdin/stdout until EOF or a signal.
// Logs go to stderr so they never corrupt the frame stream.
func runStdio(cfg *config.Config, dispatcher *mcp.Dispatcher, sm *session.Manager,
	authenticator *auth.Authenticator, auditor *audit.Logger, pm *pool.Manager) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	transport := mcp.NewStdio(dispatcher, sm, authenticator, cfg.AuthToken)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := transport.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		slog.Error("stdio transport error", "err", err)
	}

	sm.Close()
	auditor.Close()
	pm.CloseAll()
}
