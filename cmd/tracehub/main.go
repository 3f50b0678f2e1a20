package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/tracehub/internal/cache"
	"github.com/xiaot623/tracehub/internal/config"
	"github.com/xiaot623/tracehub/internal/hub"
	"github.com/xiaot623/tracehub/internal/ingest"
	"github.com/xiaot623/tracehub/internal/metrics"
	"github.com/xiaot623/tracehub/internal/relation"
	"github.com/xiaot623/tracehub/internal/store"
	"github.com/xiaot623/tracehub/internal/sweeper"
	transport "github.com/xiaot623/tracehub/internal/transport/http"
	"github.com/xiaot623/tracehub/internal/transport/ws"
)

func main() {
	cfg := config.Load()

	// Set up slog
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting tracehub", "port", cfg.HTTPPort, "database", cfg.DatabaseURL)

	// Durable tier; a failure here is fatal.
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open durable store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Accelerator tier; a failure here only degrades.
	var accel metrics.Cache
	if cfg.CachePath != "" {
		duck, err := cache.Open(cfg.CachePath)
		if err != nil {
			slog.Warn("accelerator cache unavailable, running degraded", "error", err)
		} else {
			accel = duck
			defer duck.Close()
		}
	} else {
		slog.Info("accelerator cache disabled")
	}

	broadcastHub := hub.NewHub(cfg.SnapshotEvents * 4)
	go broadcastHub.Run()

	registry := metrics.NewRegistry(cfg.AgentTTL, cfg.RecentWindow)
	coordinator := metrics.NewCoordinator(db, accel, registry, cfg)
	relations := relation.NewEngine(db, broadcastHub)
	gateway := ingest.NewGateway(db, relations, coordinator, registry, broadcastHub)

	// Warm the cache from the durable tier before serving reads.
	if accel != nil {
		warmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := coordinator.Resync(warmCtx, true); err != nil {
			slog.Warn("initial cache warming failed", "error", err)
		}
		cancel()
	}

	wsServer := ws.NewServer(cfg, broadcastHub, db, coordinator)
	e := transport.NewServer(gateway, coordinator, relations, db, cfg, wsServer.HandleStream)

	sweep := sweeper.New(db, registry, relations, broadcastHub, cfg)
	if err := sweep.Start(); err != nil {
		slog.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()
	slog.Info("tracehub started", "port", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")

	sweep.Stop()
	registry.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown was not graceful", "error", err)
	}

	slog.Info("tracehub stopped")
}
