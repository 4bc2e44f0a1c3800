// The gateway is the client-facing edge of the Olyx video chat system.
// It terminates WebSocket connections, translates the client protocol
// into NATS traffic for the matcher, and relays WebRTC signaling
// between the two participants of a session.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
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
	"github.com/olyx/video-chat/internal/protocol"
	"github.com/olyx/video-chat/internal/queue"
	"github.com/olyx/video-chat/internal/ratelimit"
	"github.com/olyx/video-chat/internal/report"
	"github.com/olyx/video-chat/internal/session"
	"github.com/olyx/video-chat/internal/signaling"
	"github.com/olyx/video-chat/internal/ws"
)

// clientState tracks one connected user's matchmaking and signaling
// context between messages.
type clientState struct {
	mu        sync.Mutex
	search    matching.SearchRequest // last search, reused by "next"
	sessionID string
	relay     *signaling.Relay
}

// wsForwarder bridges a user's signaling relay onto their WebSocket
// connection. Descriptions are forwarded first and then marked applied,
// so buffered candidates always trail the description they depend on.
type wsForwarder struct {
	server    *ws.Server
	userID    string
	sessionID string
	relay     *signaling.Relay
}

func (f *wsForwarder) OnRemoteDescription(kind, sdp string) {
	var resp []byte
	switch kind {
	case signaling.KindOffer, signaling.KindRestartOffer:
		resp, _ = protocol.NewServerMessage(protocol.TypeRemoteOffer, protocol.RemoteOfferMsg{
			SessionID: f.sessionID, SDP: sdp,
		})
	default:
		resp, _ = protocol.NewServerMessage(protocol.TypeRemoteAnswer, protocol.RemoteAnswerMsg{
			SessionID: f.sessionID, SDP: sdp,
		})
	}
	if err := f.server.SendMessage(f.userID, resp); err != nil {
		logger.Warn("forward description failed", "user", f.userID, "error", err)
	}
	if f.relay != nil {
		f.relay.RemoteDescriptionApplied()
	}
}

func (f *wsForwarder) OnRemoteCandidate(payload string) {
	resp, _ := protocol.NewServerMessage(protocol.TypeRemoteCand, protocol.RemoteCandidateMsg{
		SessionID: f.sessionID, Payload: payload,
	})
	if err := f.server.SendMessage(f.userID, resp); err != nil {
		logger.Warn("forward candidate failed", "user", f.userID, "error", err)
	}
}

func main() {
	cfg := config.New()
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Component: "gateway"})

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
	natsConfig.Name = cfg.NATS.Name + "-gateway"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		logger.Error("nats connect failed", "error", err)
		os.Exit(1)
	}

	queueStore := queue.NewStore(rdb)
	sessionStore := session.NewStore(rdb)
	profileStore := profile.NewStore(conn)
	reportStore := report.NewStore(conn)
	limiter := ratelimit.NewLimiter(rdb)
	coordinator := matching.NewCoordinator(rdb, queueStore, sessionStore, profileStore, natsClient, natsClient)

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.Gateway.ListenAddr

	// Declare server early so closures can capture it.
	var server *ws.Server

	var clientsMu sync.Mutex
	clients := make(map[string]*clientState)

	stateFor := func(userID string) *clientState {
		clientsMu.Lock()
		defer clientsMu.Unlock()
		st, ok := clients[userID]
		if !ok {
			st = &clientState{}
			clients[userID] = st
		}
		return st
	}

	// teardownSignaling drops the user's relay and session subscriptions.
	teardownSignaling := func(st *clientState, userID string) {
		st.mu.Lock()
		relay := st.relay
		st.relay = nil
		st.sessionID = ""
		st.mu.Unlock()

		if relay != nil {
			relay.Close()
		}
		_ = natsClient.UnsubscribeSessionClosed(userID)
	}

	// attachSession wires the user's signaling relay for a fresh session
	// and announces the match over the WebSocket.
	attachSession := func(userID string, created matching.Created) {
		st := stateFor(userID)
		teardownSignaling(st, userID)

		peerID := created.ResponderID
		if peerID == userID {
			peerID = created.InitiatorID
		}

		sc := signaling.NewSessionContext(created.SessionID, userID, peerID)
		fwd := &wsForwarder{server: server, userID: userID, sessionID: created.SessionID}
		relay := signaling.NewRelay(sc, sessionStore, natsClient, fwd)
		fwd.relay = relay

		st.mu.Lock()
		st.sessionID = created.SessionID
		st.relay = relay
		st.mu.Unlock()

		if err := relay.Subscribe(); err != nil {
			logger.Error("relay subscribe failed", "user", userID, "error", err)
			teardownSignaling(st, userID)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := relay.Resync(ctx); err != nil {
			logger.Warn("relay resync failed", "user", userID, "error", err)
		}
		cancel()

		err := natsClient.SubscribeSessionClosed(created.SessionID, userID, func(data []byte) {
			var evt struct {
				SessionID string `json:"session_id"`
				Reason    string `json:"reason"`
			}
			_ = json.Unmarshal(data, &evt)

			resp, _ := protocol.NewServerMessage(protocol.TypePartnerLeft, protocol.PartnerLeftMsg{
				SessionID: created.SessionID, Reason: evt.Reason,
			})
			_ = server.SendMessage(userID, resp)
			teardownSignaling(st, userID)
		})
		if err != nil {
			logger.Warn("session closed subscribe failed", "user", userID, "error", err)
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeMatchFound, protocol.MatchFoundMsg{
			SessionID: created.SessionID,
			Role:      string(sc.Role),
			Peer: protocol.PeerInfo{
				ID:          created.Peer.ID,
				DisplayName: created.Peer.DisplayName,
				Gender:      string(created.Peer.Gender),
				Region:      created.Peer.Region,
			},
			ICEServers: cfg.RTC.ICEServers,
		})
		if err := server.SendMessage(userID, resp); err != nil {
			logger.Warn("send match_found failed", "user", userID, "error", err)
		}

		logger.Info("session attached", "user", userID, "session", created.SessionID, "role", sc.Role)
	}

	// startSearch publishes a search request and arranges the
	// session-created callback for this user.
	startSearch := func(userID string, req matching.SearchRequest) error {
		_ = natsClient.UnsubscribeSessionCreated(userID)
		if err := natsClient.SubscribeSessionCreated(userID, func(data []byte) {
			var created matching.Created
			if err := json.Unmarshal(data, &created); err != nil {
				logger.Warn("bad session created event", "user", userID, "error", err)
				return
			}
			attachSession(userID, created)
		}); err != nil {
			return err
		}

		data, _ := json.Marshal(req)
		return natsClient.PublishSearchRequest(data)
	}

	cancelSearch := func(userID string) {
		data, _ := json.Marshal(matching.CancelRequest{UserID: userID})
		_ = natsClient.PublishSearchCancel(data)
		_ = natsClient.UnsubscribeSessionCreated(userID)
	}

	sendError := func(conn *ws.Connection, code, message string) {
		resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code: code, Message: message,
		})
		_ = conn.WriteMessage(resp)
	}

	relayFor := func(conn *ws.Connection, sessionID string) *signaling.Relay {
		st := stateFor(conn.UserID)
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.relay == nil || st.sessionID != sessionID {
			return nil
		}
		return st.relay
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// join_queue — start searching for a partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinQueue, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinQueueMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleSearch)
		if !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleSearch.Window.Seconds()),
			})
			_ = conn.WriteMessage(resp)
			return
		}

		req := matching.SearchRequest{
			UserID:       conn.UserID,
			FilterGender: joinMsg.FilterGender,
			FilterRegion: joinMsg.FilterRegion,
		}

		st := stateFor(conn.UserID)
		st.mu.Lock()
		st.search = req
		st.mu.Unlock()

		if err := startSearch(conn.UserID, req); err != nil {
			logger.Error("start search failed", "user", conn.UserID, "error", err)
			sendError(conn, "search_failed", "could not start search")
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeQueueJoined, protocol.QueueJoinedMsg{})
		_ = conn.WriteMessage(resp)
		logger.Info("join_queue", "user", conn.UserID)
	})

	// -----------------------------------------------------------------------
	// leave_queue — stop searching
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveQueue, func(conn *ws.Connection, msg interface{}) {
		cancelSearch(conn.UserID)
		logger.Info("leave_queue", "user", conn.UserID)
	})

	// -----------------------------------------------------------------------
	// offer / answer / candidate — signaling from the client
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeOffer, func(conn *ws.Connection, msg interface{}) {
		offerMsg, ok := msg.(protocol.OfferMsg)
		if !ok {
			return
		}
		relay := relayFor(conn, offerMsg.SessionID)
		if relay == nil {
			sendError(conn, "no_session", "not in this session")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := relay.SendOffer(ctx, offerMsg.SDP); err != nil {
			logger.Warn("offer rejected", "user", conn.UserID, "error", err)
		}
	})

	dispatcher.Register(protocol.TypeAnswer, func(conn *ws.Connection, msg interface{}) {
		answerMsg, ok := msg.(protocol.AnswerMsg)
		if !ok {
			return
		}
		relay := relayFor(conn, answerMsg.SessionID)
		if relay == nil {
			sendError(conn, "no_session", "not in this session")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := relay.SendAnswer(ctx, answerMsg.SDP); err != nil {
			logger.Warn("answer rejected", "user", conn.UserID, "error", err)
		}
	})

	dispatcher.Register(protocol.TypeCandidate, func(conn *ws.Connection, msg interface{}) {
		candMsg, ok := msg.(protocol.CandidateMsg)
		if !ok {
			return
		}
		ctx := context.Background()
		allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleSignal)
		if !allowed {
			return
		}
		relay := relayFor(conn, candMsg.SessionID)
		if relay == nil {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := relay.SendCandidate(sendCtx, candMsg.Payload); err != nil {
			logger.Warn("candidate relay failed", "user", conn.UserID, "error", err)
		}
	})

	// -----------------------------------------------------------------------
	// next — leave the current session and immediately search again
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeNext, func(conn *ws.Connection, msg interface{}) {
		ctx := context.Background()
		st := stateFor(conn.UserID)

		st.mu.Lock()
		sessionID := st.sessionID
		search := st.search
		st.mu.Unlock()

		if sessionID != "" {
			if err := coordinator.EndSession(ctx, sessionID, "next"); err != nil {
				logger.Warn("end session failed", "session", sessionID, "error", err)
			}
			teardownSignaling(st, conn.UserID)
		}

		allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleSearch)
		if !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleSearch.Window.Seconds()),
			})
			_ = conn.WriteMessage(resp)
			return
		}

		search.UserID = conn.UserID
		if err := startSearch(conn.UserID, search); err != nil {
			logger.Error("re-search failed", "user", conn.UserID, "error", err)
			sendError(conn, "search_failed", "could not start search")
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeQueueJoined, protocol.QueueJoinedMsg{})
		_ = conn.WriteMessage(resp)
		logger.Info("next", "user", conn.UserID, "previous", sessionID)
	})

	// -----------------------------------------------------------------------
	// end_session — leave the current session without re-queuing
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeEndSession, func(conn *ws.Connection, msg interface{}) {
		endMsg, ok := msg.(protocol.EndSessionMsg)
		if !ok {
			return
		}
		ctx := context.Background()
		st := stateFor(conn.UserID)

		if err := coordinator.EndSession(ctx, endMsg.SessionID, "ended"); err != nil {
			logger.Warn("end session failed", "session", endMsg.SessionID, "error", err)
		}
		teardownSignaling(st, conn.UserID)

		resp, _ := protocol.NewServerMessage(protocol.TypeSessionEnded, protocol.SessionEndedMsg{
			SessionID: endMsg.SessionID,
		})
		_ = conn.WriteMessage(resp)
		logger.Info("end_session", "user", conn.UserID, "session", endMsg.SessionID)
	})

	// -----------------------------------------------------------------------
	// report — report the current partner and end the session
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeReport, func(conn *ws.Connection, msg interface{}) {
		reportMsg, ok := msg.(protocol.ReportMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleReport)
		if !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleReport.Window.Seconds()),
			})
			_ = conn.WriteMessage(resp)
			return
		}
		if !report.ValidReason(reportMsg.Reason) {
			sendError(conn, "invalid_reason", "unknown report reason")
			return
		}

		sess, err := sessionStore.Get(ctx, reportMsg.SessionID)
		if err != nil || sess == nil || !sess.IsParticipant(conn.UserID) {
			sendError(conn, "no_session", "not in this session")
			return
		}
		reportedID := sess.Peer(conn.UserID)

		if err := reportStore.Create(ctx, &report.Report{
			ReporterID: conn.UserID,
			ReportedID: reportedID,
			SessionID:  reportMsg.SessionID,
			Reason:     reportMsg.Reason,
		}); err != nil {
			logger.Error("report insert failed", "user", conn.UserID, "error", err)
			sendError(conn, "report_failed", "could not record report")
			return
		}
		if err := profileStore.IncrementReportCount(ctx, reportedID); err != nil {
			logger.Warn("report counter failed", "user", reportedID, "error", err)
		}

		st := stateFor(conn.UserID)
		if err := coordinator.EndSession(ctx, reportMsg.SessionID, "reported"); err != nil {
			logger.Warn("end session failed", "session", reportMsg.SessionID, "error", err)
		}
		teardownSignaling(st, conn.UserID)

		resp, _ := protocol.NewServerMessage(protocol.TypeSessionEnded, protocol.SessionEndedMsg{
			SessionID: reportMsg.SessionID,
		})
		_ = conn.WriteMessage(resp)
		logger.Info("report", "user", conn.UserID, "reported", reportedID,
			"session", reportMsg.SessionID, "reason", reportMsg.Reason)
	})

	server = ws.NewServer(wsConfig, limiter, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Disconnect cleanup: cancel any search, tear down any live session.
	server.SetOnDisconnect(func(userID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		cancelSearch(userID)

		sessionID, err := sessionStore.MemberSession(ctx, userID)
		if err == nil && sessionID != "" {
			if err := coordinator.EndSession(ctx, sessionID, "disconnect"); err != nil {
				logger.Warn("disconnect teardown failed", "session", sessionID, "error", err)
			}
		}
		if err := profileStore.SetPresence(ctx, userID, profile.PresenceOnline); err != nil {
			logger.Debug("reset presence failed", "user", userID, "error", err)
		}

		st := stateFor(userID)
		teardownSignaling(st, userID)

		clientsMu.Lock()
		delete(clients, userID)
		clientsMu.Unlock()

		logger.Info("disconnect cleanup", "user", userID, "session", sessionID)
	})

	// Metrics endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.Gateway.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			logger.Warn("shutdown error", "error", err)
		}
		_ = conn.Close()
		_ = rdb.Close()
		os.Exit(0)
	}()

	logger.Info("gateway starting", "listen", cfg.Gateway.ListenAddr,
		"metrics", cfg.Gateway.MetricsAddr, "nats", cfg.NATS.URL, "redis", cfg.Redis.Addr)

	if err := server.Start(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
