// Package ws handles WebSocket connection management for the gateway:
// upgrading HTTP connections, maintaining one live connection per
// authenticated user, and dispatching incoming frames to the
// application layer.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/olyx/video-chat/internal/logger"
	"github.com/olyx/video-chat/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	IdleTimeout    time.Duration // max quiet period before a read is abandoned
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		IdleTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket edge built on gobwas/ws. Each accepted
// connection gets a dedicated read goroutine; writes are serialized per
// connection. Authentication happens upstream: the server trusts the
// user ID presented in the X-User-ID header or user_id query parameter.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	limiter      *ratelimit.Limiter
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(userID string)
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from the connection's read
// goroutine whenever a complete WebSocket text frame arrives. limiter
// may be nil to disable connection throttling.
func NewServer(config ServerConfig, limiter *ratelimit.Limiter, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		limiter:   limiter,
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
}

// Start configures the HTTP server and begins accepting WebSocket
// connections. It blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	logger.Info("ws server listening", "addr", s.config.ListenAddr,
		"max_conns", s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// the gobwas/ws zero-copy upgrader and registers the connection under
// the presented user ID.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		allowed, _ := s.limiter.Allow(r.Context(), host, ratelimit.RuleConnect)
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		logger.Warn("ws upgrade failed", "error", err)
		return
	}

	c := &Connection{
		UserID:    userID,
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	c.Touch()

	if prev := s.conns.Add(c); prev != nil {
		// The user reconnected; drop the stale connection silently.
		prev.Close()
	}

	go s.readLoop(c)

	logger.Info("ws connection opened", "user", userID, "total", s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime. Load balancers poll this endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads frames from one connection until it closes. Control
// frames are answered inline; data frames go to the onMessage callback.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if s.config.IdleTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// Idle for the whole window; the heartbeat decides
				// whether the connection is dead.
				if time.Since(c.LastSeen()) < 2*s.config.IdleTimeout {
					continue
				}
			}
			return
		}

		c.Touch()

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				payload := make([]byte, header.Length)
				if header.Length > 0 {
					if _, err := io.ReadFull(reader, payload); err != nil {
						return
					}
				}
				_ = c.writePong(payload)
			default:
				// Pong: activity already recorded.
				if _, err := io.Copy(io.Discard, reader); err != nil {
					return
				}
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close). The application layer
// uses it to tear down the user's queue entry and session.
func (s *Server) SetOnDisconnect(fn func(userID string)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from the manager and closes the
// underlying network connection. It is exported so that the heartbeat
// monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	// Only proceed if this exact connection was still registered. This
	// prevents double cleanup when a read error and the heartbeat race,
	// and keeps a reconnect from tearing down the replacement.
	if !s.conns.Remove(c) {
		c.Close()
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c.UserID)
	}

	logger.Info("ws connection closed", "user", c.UserID, "total", s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection of the
// given user. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(userID string, data []byte) error {
	c := s.conns.Get(userID)
	if c == nil {
		return fmt.Errorf("ws: no connection for user %s", userID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat or the gateway handlers).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener,
// signals the read loops to exit, and closes all active connections.
func (s *Server) Shutdown() error {
	logger.Info("ws server shutting down")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("ws http shutdown error", "error", err)
	}

	for _, c := range s.conns.All() {
		c.Close()
	}

	logger.Info("ws server stopped")
	return nil
}
