// The matcher runs the matchmaking side of the Olyx video chat system:
// it owns the waiting queue, runs one search worker per waiting user,
// and turns compatible pairs into exclusive sessions.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/olyx/video-chat/internal/config"
	"github.com/olyx/video-chat/internal/db"
	"github.com/olyx/video-chat/internal/logger"
	"github.com/olyx/video-chat/internal/matching"
	"github.com/olyx/video-chat/internal/messaging"
	"github.com/olyx/video-chat/internal/metrics"
	"github.com/olyx/video-chat/internal/profile"
	"github.com/olyx/video-chat/internal/queue"
	"github.com/olyx/video-chat/internal/session"
)

func main() {
	cfg := config.New()
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Component: "matcher"})

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Error("redis connect failed", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	cancel()

	// --- Postgres ---
	conn, err := db.Open(cfg.Postgres.DSN)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(conn); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = cfg.NATS.Name + "-matcher"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		logger.Error("nats connect failed", "error", err)
		os.Exit(1)
	}

	queueStore := queue.NewStore(rdb)
	sessionStore := session.NewStore(rdb)
	profileStore := profile.NewStore(conn)

	selectorCfg := matching.SelectorConfig{
		Window:                   cfg.Match.SelectorWindow,
		SanctionMatchProbability: cfg.Match.SanctionMatchProbability,
	}
	selector := matching.NewSelector(queueStore, sessionStore, selectorCfg)
	coordinator := matching.NewCoordinator(rdb, queueStore, sessionStore, profileStore, natsClient, natsClient)

	workerCfg := matching.WorkerConfig{
		Interval: cfg.Match.PollInterval,
		Jitter:   cfg.Match.PollJitter,
	}
	svc := matching.NewService(natsClient, queueStore, profileStore, selector, coordinator, sessionStore, workerCfg)
	if err := svc.Start(); err != nil {
		logger.Error("matching service start failed", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint plus the active-sessions gauge, refreshed here
	// because the matcher is the component that owns session lifecycle.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.Gateway.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if n, err := sessionStore.Count(ctx); err == nil {
				metrics.ActiveSessions.Set(float64(n))
			}
			cancel()
		}
	}()

	logger.Info("matcher running",
		"redis", cfg.Redis.Addr,
		"nats", cfg.NATS.URL,
		"poll_interval", cfg.Match.PollInterval,
		"selector_window", cfg.Match.SelectorWindow)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	svc.Stop()
	natsClient.Close()
	_ = conn.Close()
	_ = rdb.Close()
}
