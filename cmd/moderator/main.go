// The moderator applies the consequences of content analysis verdicts:
// when an external analyzer flags a live session, it tears the session
// down and records an automatic report against the offender.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/olyx/video-chat/internal/moderation"
	"github.com/olyx/video-chat/internal/profile"
	"github.com/olyx/video-chat/internal/queue"
	"github.com/olyx/video-chat/internal/report"
	"github.com/olyx/video-chat/internal/session"
)

func main() {
	cfg := config.New()
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Component: "moderator"})

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

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = cfg.NATS.Name + "-moderator"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		logger.Error("nats connect failed", "error", err)
		os.Exit(1)
	}

	queueStore := queue.NewStore(rdb)
	sessionStore := session.NewStore(rdb)
	profileStore := profile.NewStore(conn)
	reportStore := report.NewStore(conn)
	coordinator := matching.NewCoordinator(rdb, queueStore, sessionStore, profileStore, natsClient, natsClient)

	handler := moderation.NewHandler(sessionStore, coordinator, reportStore, profileStore)

	err = natsClient.SubscribeViolation(func(data []byte) {
		var v moderation.Violation
		if err := json.Unmarshal(data, &v); err != nil {
			logger.Warn("bad violation payload", "error", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handler.OnViolation(ctx, v); err != nil {
			logger.Error("violation handling failed", "session", v.SessionID, "error", err)
		}
	})
	if err != nil {
		logger.Error("violation subscribe failed", "error", err)
		os.Exit(1)
	}

	logger.Info("moderator running", "redis", cfg.Redis.Addr, "nats", cfg.NATS.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	natsClient.Close()
	_ = conn.Close()
	_ = rdb.Close()
}
