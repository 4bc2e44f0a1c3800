// The peer is a headless participant: it connects to the backing
// services directly, joins the queue as a given user, and drives a real
// WebRTC connection with synthetic media. It exists for load testing
// and end-to-end verification of the matching and signaling path.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/olyx/video-chat/internal/config"
	"github.com/olyx/video-chat/internal/db"
	"github.com/olyx/video-chat/internal/logger"
	"github.com/olyx/video-chat/internal/matching"
	"github.com/olyx/video-chat/internal/media"
	"github.com/olyx/video-chat/internal/messaging"
	"github.com/olyx/video-chat/internal/profile"
	"github.com/olyx/video-chat/internal/queue"
	"github.com/olyx/video-chat/internal/session"
	"github.com/olyx/video-chat/internal/signaling"
	"github.com/olyx/video-chat/internal/supervisor"
)

func main() {
	userID := flag.String("user", "", "user ID to join the queue as")
	rejoin := flag.Bool("rejoin", false, "search again after each session ends")
	flag.Parse()

	cfg := config.New()
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Component: "peer"})

	if *userID == "" {
		logger.Error("missing -user flag")
		os.Exit(1)
	}

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
	natsConfig.Name = cfg.NATS.Name + "-peer-" + *userID
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		logger.Error("nats connect failed", "error", err)
		os.Exit(1)
	}

	queueStore := queue.NewStore(rdb)
	sessionStore := session.NewStore(rdb)
	profileStore := profile.NewStore(conn)
	coordinator := matching.NewCoordinator(rdb, queueStore, sessionStore, profileStore, natsClient, natsClient)

	rtcCfg := supervisor.Config{
		ICEServers:     cfg.RTC.ICEServers,
		ConnectTimeout: cfg.RTC.ConnectTimeout,
		StatsInterval:  cfg.RTC.StatsInterval,
	}

	sessionDone := make(chan string, 1)

	startSession := func(created matching.Created) {
		peerID := created.ResponderID
		if peerID == *userID {
			peerID = created.InitiatorID
		}

		sc := signaling.NewSessionContext(created.SessionID, *userID, peerID)
		capture := media.NewCapture(media.NewSyntheticSource())

		sup := supervisor.New(sc, sessionStore, natsClient, capture, nil, rtcCfg)
		sup.OnConnected = func() {
			logger.Info("call up", "session", created.SessionID, "peer", peerID)
		}
		sup.OnClosed = func(reason string) {
			// Delete the session and release both membership claims so
			// the next search is not blocked by a stale pairing.
			endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := coordinator.EndSession(endCtx, created.SessionID, reason); err != nil {
				logger.Warn("end session failed", "session", created.SessionID, "error", err)
			}
			endCancel()
			sessionDone <- reason
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sup.Start(ctx); err != nil {
			logger.Error("supervisor start failed", "session", created.SessionID, "error", err)
		}
	}

	search := func() error {
		req := matching.SearchRequest{UserID: *userID}
		data, _ := json.Marshal(req)
		return natsClient.PublishSearchRequest(data)
	}

	err = natsClient.SubscribeSessionCreated(*userID, func(data []byte) {
		var created matching.Created
		if err := json.Unmarshal(data, &created); err != nil {
			logger.Warn("bad session created event", "error", err)
			return
		}
		logger.Info("matched", "session", created.SessionID, "peer", created.Peer.ID)
		go startSession(created)
	})
	if err != nil {
		logger.Error("subscribe failed", "error", err)
		os.Exit(1)
	}

	if err := search(); err != nil {
		logger.Error("search publish failed", "error", err)
		os.Exit(1)
	}

	logger.Info("peer searching", "user", *userID, "nats", cfg.NATS.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", "signal", sig.String())
			data, _ := json.Marshal(matching.CancelRequest{UserID: *userID})
			_ = natsClient.PublishSearchCancel(data)
			natsClient.Close()
			_ = conn.Close()
			_ = rdb.Close()
			return

		case reason := <-sessionDone:
			logger.Info("session over", "reason", reason)
			if !*rejoin {
				natsClient.Close()
				_ = conn.Close()
				_ = rdb.Close()
				return
			}
			if err := search(); err != nil {
				logger.Error("re-search failed", "error", err)
			}
		}
	}
}
