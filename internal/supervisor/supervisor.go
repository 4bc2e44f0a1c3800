// Package supervisor owns the lifecycle of one peer connection: media
// acquisition, the offer/answer exchange through the signaling relay,
// the connect deadline, a single transport recovery attempt, and
// quality adaptation from RTCP loss reports. Every exit path converges
// on the same idempotent teardown.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/olyx/video-chat/internal/logger"
	"github.com/olyx/video-chat/internal/media"
	"github.com/olyx/video-chat/internal/metrics"
	"github.com/olyx/video-chat/internal/session"
	"github.com/olyx/video-chat/internal/signaling"
)

// ErrConnectionTimeout reports that the transport failed to reach the
// connected state within the configured deadline.
var ErrConnectionTimeout = errors.New("supervisor: connection timed out")

// Close reasons reported through OnClosed and the outcome metric.
const (
	ReasonConnected   = "connected" // never passed to OnClosed; metric label only
	ReasonTimeout     = "timeout"
	ReasonFailed      = "failed"
	ReasonMediaDenied = "media_denied"
	ReasonEnded       = "ended"
)

// Config controls transport behavior.
type Config struct {
	ICEServers     []string
	ConnectTimeout time.Duration
	StatsInterval  time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		ICEServers:     []string{"stun:stun.l.google.com:19302"},
		ConnectTimeout: 20 * time.Second,
		StatsInterval:  5 * time.Second,
	}
}

// Supervisor drives one participant's peer connection for one session.
type Supervisor struct {
	sc      signaling.SessionContext
	relay   *signaling.Relay
	capture *media.Capture
	cfg     Config
	bitrate *BitrateController

	// OnClosed fires exactly once with the close reason, after all
	// resources are released.
	OnClosed func(reason string)
	// OnConnected fires when the transport first reaches connected.
	OnConnected func()

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	connected bool
	restarted bool
	startedAt time.Time

	closeOnce     sync.Once
	connectTimer  *time.Timer
	recoveryTimer *time.Timer
	statsCancel   context.CancelFunc
}

// New builds a supervisor and its relay for one participant. The
// supervisor registers itself as the relay's signaling handler.
func New(sc signaling.SessionContext, store *session.Store, bus signaling.SignalBus,
	capture *media.Capture, sink BitrateSink, cfg Config) *Supervisor {
	if cfg.ConnectTimeout <= 0 {
		cfg = DefaultConfig()
	}
	s := &Supervisor{
		sc:      sc,
		capture: capture,
		cfg:     cfg,
		bitrate: NewBitrateController(sink),
	}
	s.relay = signaling.NewRelay(sc, store, bus, s)
	return s
}

// Relay exposes the signaling relay, mainly for tests and resync.
func (s *Supervisor) Relay() *signaling.Relay {
	return s.relay
}

// Start acquires media, builds the peer connection, and kicks off the
// role-appropriate side of the exchange. It returns once signaling is
// underway; connection progress is reported through the callbacks.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	tracks, err := s.capture.Acquire()
	if err != nil {
		if errors.Is(err, media.ErrAccessDenied) {
			s.teardown(ReasonMediaDenied)
			return err
		}
		s.teardown(ReasonFailed)
		return err
	}

	pc, err := s.newPeerConnection(tracks)
	if err != nil {
		s.teardown(ReasonFailed)
		return err
	}
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()

	if err := s.relay.Subscribe(); err != nil {
		s.teardown(ReasonFailed)
		return err
	}
	// Pick up anything the peer persisted before we subscribed.
	if err := s.relay.Resync(ctx); err != nil {
		logger.Warn("signaling resync failed", "session", s.sc.SessionID, "error", err)
	}

	s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout, s.onConnectTimeout)

	if s.sc.Role == signaling.RoleOfferer {
		if err := s.sendOffer(ctx, false); err != nil {
			s.teardown(ReasonFailed)
			return err
		}
	}
	return nil
}

func (s *Supervisor) newPeerConnection(tracks []webrtc.TrackLocal) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: s.cfg.ICEServers}},
	})
	if err != nil {
		return nil, err
	}

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.relay.SendCandidate(ctx, string(payload)); err != nil {
			logger.Warn("candidate send failed", "session", s.sc.SessionID, "error", err)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.handleICEState(state)
	})

	return pc, nil
}

func (s *Supervisor) handleICEState(state webrtc.ICEConnectionState) {
	logger.Debug("ice state", "session", s.sc.SessionID, "user", s.sc.SelfID, "state", state)

	switch state {
	case webrtc.ICEConnectionStateChecking:
		_ = s.relay.Machine().Transition(signaling.StateConnecting)

	case webrtc.ICEConnectionStateConnected:
		s.mu.Lock()
		first := !s.connected
		s.connected = true
		if s.recoveryTimer != nil {
			s.recoveryTimer.Stop()
			s.recoveryTimer = nil
		}
		s.mu.Unlock()

		if !first {
			return
		}
		if s.connectTimer != nil {
			s.connectTimer.Stop()
		}
		_ = s.relay.Machine().Transition(signaling.StateConnected)
		metrics.ConnectionOutcomes.WithLabelValues(ReasonConnected).Inc()
		metrics.ConnectDuration.Observe(time.Since(s.startedAt).Seconds())
		logger.Info("peer connected", "session", s.sc.SessionID, "user", s.sc.SelfID,
			"elapsed", time.Since(s.startedAt))

		s.startStatsLoop()
		if s.OnConnected != nil {
			s.OnConnected()
		}

	case webrtc.ICEConnectionStateFailed:
		s.mu.Lock()
		canRestart := s.connected && !s.restarted && s.sc.Role == signaling.RoleOfferer
		if canRestart {
			s.restarted = true
		}
		alreadyRestarted := s.restarted && !canRestart
		s.mu.Unlock()

		if canRestart {
			logger.Warn("transport failed, attempting ice restart", "session", s.sc.SessionID)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.sendOffer(ctx, true); err != nil {
				logger.Error("ice restart failed", "session", s.sc.SessionID, "error", err)
				s.teardown(ReasonFailed)
				return
			}
			s.armRecoveryDeadline()
			return
		}
		// Give up when the single restart was already burned or never
		// became possible for this role.
		if alreadyRestarted || s.sc.Role == signaling.RoleOfferer {
			s.teardown(ReasonFailed)
			return
		}
		// The answerer waits for the offerer's restart, but not forever:
		// recovery gets the same deadline as the initial connect.
		s.armRecoveryDeadline()
	}
}

// armRecoveryDeadline bounds how long a failed transport may wait for
// renegotiation to bring it back. Reaching connected disarms it.
func (s *Supervisor) armRecoveryDeadline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recoveryTimer == nil {
		s.recoveryTimer = time.AfterFunc(s.cfg.ConnectTimeout, s.onRecoveryTimeout)
	}
}

func (s *Supervisor) onRecoveryTimeout() {
	s.mu.Lock()
	pending := s.recoveryTimer != nil
	s.mu.Unlock()
	if !pending {
		return
	}
	logger.Warn("transport recovery deadline exceeded", "session", s.sc.SessionID,
		"user", s.sc.SelfID, "timeout", s.cfg.ConnectTimeout)
	s.teardown(ReasonFailed)
}

// sendOffer creates and publishes the local offer. With restart set it
// renegotiates the existing connection instead of using the persisted
// exactly-once slot.
func (s *Supervisor) sendOffer(ctx context.Context, restart bool) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return errors.New("supervisor: no peer connection")
	}

	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}

	if restart {
		return s.relay.SendRestartOffer(offer.SDP)
	}
	return s.relay.SendOffer(ctx, offer.SDP)
}

// OnRemoteDescription implements signaling.Handler.
func (s *Supervisor) OnRemoteDescription(kind, sdp string) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}

	switch kind {
	case signaling.KindOffer, signaling.KindRestartOffer:
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
		if err := pc.SetRemoteDescription(desc); err != nil {
			logger.Error("apply remote offer failed", "session", s.sc.SessionID, "error", err)
			s.teardown(ReasonFailed)
			return
		}
		s.relay.RemoteDescriptionApplied()

		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			s.teardown(ReasonFailed)
			return
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			s.teardown(ReasonFailed)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if kind == signaling.KindRestartOffer {
			err = s.relay.SendRestartAnswer(answer.SDP)
		} else {
			err = s.relay.SendAnswer(ctx, answer.SDP)
		}
		if err != nil {
			logger.Error("answer send failed", "session", s.sc.SessionID, "error", err)
			s.teardown(ReasonFailed)
		}

	case signaling.KindAnswer, signaling.KindRestartAnswer:
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
		if err := pc.SetRemoteDescription(desc); err != nil {
			logger.Error("apply remote answer failed", "session", s.sc.SessionID, "error", err)
			s.teardown(ReasonFailed)
			return
		}
		s.relay.RemoteDescriptionApplied()
	}
}

// OnRemoteCandidate implements signaling.Handler. Candidates only reach
// this point after the remote description is applied; earlier arrivals
// sit in the relay's buffer.
func (s *Supervisor) OnRemoteCandidate(payload string) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &init); err != nil {
		logger.Warn("bad candidate payload", "session", s.sc.SessionID, "error", err)
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		logger.Warn("add candidate failed", "session", s.sc.SessionID, "error", err)
	}
}

func (s *Supervisor) onConnectTimeout() {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if connected {
		return
	}
	logger.Warn("connect deadline exceeded", "session", s.sc.SessionID, "user", s.sc.SelfID,
		"timeout", s.cfg.ConnectTimeout)
	s.teardown(ReasonTimeout)
}

// startStatsLoop polls transport statistics and feeds packet loss into
// the bitrate controller.
func (s *Supervisor) startStatsLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.statsCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.StatsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sampleStats()
			}
		}
	}()
}

func (s *Supervisor) sampleStats() {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}

	var worst float64
	for _, stat := range pc.GetStats() {
		if ri, ok := stat.(webrtc.RemoteInboundRTPStreamStats); ok {
			if ri.FractionLost > worst {
				worst = ri.FractionLost
			}
		}
	}
	s.bitrate.Observe(worst)
}

// Close tears the connection down with the given reason. Idempotent.
func (s *Supervisor) Close(reason string) {
	s.teardown(reason)
}

func (s *Supervisor) teardown(reason string) {
	s.closeOnce.Do(func() {
		if s.connectTimer != nil {
			s.connectTimer.Stop()
		}
		s.mu.Lock()
		if s.recoveryTimer != nil {
			s.recoveryTimer.Stop()
			s.recoveryTimer = nil
		}
		if s.statsCancel != nil {
			s.statsCancel()
		}
		pc := s.pc
		s.pc = nil
		s.mu.Unlock()

		if pc != nil {
			if err := pc.Close(); err != nil {
				logger.Debug("peer connection close", "session", s.sc.SessionID, "error", err)
			}
		}
		s.capture.Release()
		s.relay.Close()

		if reason != ReasonEnded {
			metrics.ConnectionOutcomes.WithLabelValues(reason).Inc()
		}
		logger.Info("connection closed", "session", s.sc.SessionID, "user", s.sc.SelfID,
			"reason", reason)

		if s.OnClosed != nil {
			s.OnClosed(reason)
		}
	})
}
