package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/olyx/video-chat/internal/logger"
	"github.com/olyx/video-chat/internal/metrics"
	"github.com/olyx/video-chat/internal/session"
)

// writeAttempts bounds retries against a transiently failing store
// before giving up on a description write.
const writeAttempts = 3

// Description kinds carried by DescriptionNotice. Restart descriptions
// renegotiate transport after a failure and are not persisted.
const (
	KindOffer         = "offer"
	KindAnswer        = "answer"
	KindRestartOffer  = "restart_offer"
	KindRestartAnswer = "restart_answer"
)

// DescriptionNotice announces a persisted offer or answer to the peer.
type DescriptionNotice struct {
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	Kind      string `json:"kind"` // "offer" or "answer"
	SDP       string `json:"sdp"`
}

// CandidateNotice announces one appended network candidate. Seq is the
// candidate's position in the session's append-only log.
type CandidateNotice struct {
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	Payload   string `json:"payload"`
	Seq       int64  `json:"seq"`
}

// Handler receives the peer's signaling traffic. Callbacks run on NATS
// delivery goroutines.
type Handler interface {
	OnRemoteDescription(kind, sdp string)
	OnRemoteCandidate(payload string)
}

// SignalBus is the slice of the messaging client the relay fans out
// through.
type SignalBus interface {
	PublishSignalSDP(sessionID string, data []byte) error
	SubscribeSignalSDP(sessionID, userID string, handler func(data []byte)) error
	UnsubscribeSignalSDP(userID string) error
	PublishSignalCandidate(sessionID string, data []byte) error
	SubscribeSignalCandidate(sessionID, userID string, handler func(data []byte)) error
	UnsubscribeSignalCandidate(userID string) error
}

// Relay is one participant's send/receive surface for a session. Writes
// go through the session store first so they survive relay restarts,
// then fan out over NATS.
type Relay struct {
	ctx     SessionContext
	store   *session.Store
	nats    SignalBus
	machine *Machine
	handler Handler
	buffer  *CandidateBuffer
	backoff time.Duration
}

// NewRelay builds a relay for one participant of a session.
func NewRelay(sc SessionContext, store *session.Store, bus SignalBus, handler Handler) *Relay {
	r := &Relay{
		ctx:     sc,
		store:   store,
		nats:    bus,
		machine: NewMachine(),
		handler: handler,
		backoff: 200 * time.Millisecond,
	}
	r.buffer = NewCandidateBuffer(handler.OnRemoteCandidate)
	return r
}

// Machine exposes the participant's signaling state machine.
func (r *Relay) Machine() *Machine {
	return r.machine
}

// Subscribe starts listening for the peer's descriptions and
// candidates. Self-originated notifications are dropped.
func (r *Relay) Subscribe() error {
	err := r.nats.SubscribeSignalSDP(r.ctx.SessionID, r.ctx.SelfID, func(data []byte) {
		var n DescriptionNotice
		if err := json.Unmarshal(data, &n); err != nil {
			logger.Warn("bad description notice", "session", r.ctx.SessionID, "error", err)
			return
		}
		if n.SenderID == r.ctx.SelfID {
			return
		}
		switch n.Kind {
		case KindRestartOffer, KindRestartAnswer:
			// Restart descriptions bypass the exactly-once slots and
			// the state machine; they only make sense on an already
			// negotiated session.
			metrics.SignalMessages.WithLabelValues(n.Kind).Inc()
			r.handler.OnRemoteDescription(n.Kind, n.SDP)
		default:
			r.acceptRemoteDescription(n.Kind, n.SDP)
		}
	})
	if err != nil {
		return err
	}

	return r.nats.SubscribeSignalCandidate(r.ctx.SessionID, r.ctx.SelfID, func(data []byte) {
		var n CandidateNotice
		if err := json.Unmarshal(data, &n); err != nil {
			logger.Warn("bad candidate notice", "session", r.ctx.SessionID, "error", err)
			return
		}
		if n.SenderID == r.ctx.SelfID {
			return
		}
		metrics.SignalMessages.WithLabelValues("candidate").Inc()
		r.buffer.Add(n.Payload)
	})
}

// SendOffer persists the offer exactly once and notifies the peer. A
// duplicate offer is a protocol violation: it is counted, logged, and
// dropped without surfacing an error to the caller's peer.
func (r *Relay) SendOffer(ctx context.Context, sdp string) error {
	if err := r.machine.Transition(StateOfferSent); err != nil {
		metrics.SignalMessages.WithLabelValues("violation_dropped").Inc()
		logger.Warn("duplicate offer dropped", "session", r.ctx.SessionID, "user", r.ctx.SelfID)
		return err
	}
	return r.sendDescription(ctx, KindOffer, sdp)
}

// SendAnswer persists the answer exactly once and notifies the peer.
func (r *Relay) SendAnswer(ctx context.Context, sdp string) error {
	if err := r.machine.Transition(StateAnswerSent); err != nil {
		metrics.SignalMessages.WithLabelValues("violation_dropped").Inc()
		logger.Warn("duplicate answer dropped", "session", r.ctx.SessionID, "user", r.ctx.SelfID)
		return err
	}
	return r.sendDescription(ctx, KindAnswer, sdp)
}

func (r *Relay) sendDescription(ctx context.Context, kind, sdp string) error {
	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff * time.Duration(attempt)):
			}
		}
		if kind == KindOffer {
			err = r.store.SetOffer(ctx, r.ctx.SessionID, sdp)
		} else {
			err = r.store.SetAnswer(ctx, r.ctx.SessionID, sdp)
		}
		if err == nil || errors.Is(err, session.ErrDuplicateDescription) {
			break
		}
		logger.Warn("description write failed", "session", r.ctx.SessionID, "kind", kind,
			"attempt", attempt+1, "error", err)
	}
	if errors.Is(err, session.ErrDuplicateDescription) {
		// Someone already wrote this slot; the stored value wins.
		metrics.SignalMessages.WithLabelValues("violation_dropped").Inc()
		logger.Warn("description slot already written", "session", r.ctx.SessionID, "kind", kind)
		return nil
	}
	if err != nil {
		return fmt.Errorf("signaling: persist %s: %w", kind, err)
	}

	metrics.SignalMessages.WithLabelValues(kind).Inc()

	notice := DescriptionNotice{
		SessionID: r.ctx.SessionID,
		SenderID:  r.ctx.SelfID,
		Kind:      kind,
		SDP:       sdp,
	}
	data, _ := json.Marshal(notice)
	if err := r.nats.PublishSignalSDP(r.ctx.SessionID, data); err != nil {
		// The description is persisted; the peer can still recover it
		// through Resync.
		logger.Warn("description publish failed", "session", r.ctx.SessionID, "error", err)
	}
	return nil
}

// SendRestartOffer publishes a renegotiation offer after a transport
// failure. Restart descriptions are ephemeral: they are fanned out but
// never written to the session store.
func (r *Relay) SendRestartOffer(sdp string) error {
	return r.publishDescription(KindRestartOffer, sdp)
}

// SendRestartAnswer publishes the answer to a renegotiation offer.
func (r *Relay) SendRestartAnswer(sdp string) error {
	return r.publishDescription(KindRestartAnswer, sdp)
}

func (r *Relay) publishDescription(kind, sdp string) error {
	metrics.SignalMessages.WithLabelValues(kind).Inc()
	notice := DescriptionNotice{
		SessionID: r.ctx.SessionID,
		SenderID:  r.ctx.SelfID,
		Kind:      kind,
		SDP:       sdp,
	}
	data, _ := json.Marshal(notice)
	return r.nats.PublishSignalSDP(r.ctx.SessionID, data)
}

// SendCandidate appends the candidate to the session's ordered log and
// notifies the peer.
func (r *Relay) SendCandidate(ctx context.Context, payload string) error {
	cand, err := r.store.AppendCandidate(ctx, r.ctx.SessionID, r.ctx.SelfID, payload)
	if err != nil {
		return fmt.Errorf("signaling: append candidate: %w", err)
	}

	metrics.SignalMessages.WithLabelValues("candidate").Inc()

	notice := CandidateNotice{
		SessionID: r.ctx.SessionID,
		SenderID:  r.ctx.SelfID,
		Payload:   payload,
		Seq:       cand.Seq,
	}
	data, _ := json.Marshal(notice)
	if err := r.nats.PublishSignalCandidate(r.ctx.SessionID, data); err != nil {
		logger.Warn("candidate publish failed", "session", r.ctx.SessionID, "error", err)
	}
	return nil
}

// RemoteDescriptionApplied marks the moment the peer's description takes
// effect locally, releasing any buffered candidates in arrival order.
func (r *Relay) RemoteDescriptionApplied() {
	r.buffer.Ready()
}

// Resync replays persisted state for a participant that subscribed
// late: the stored offer and answer (skipping self-authored ones) and
// every candidate the peer appended so far.
func (r *Relay) Resync(ctx context.Context) error {
	sess, err := r.store.Get(ctx, r.ctx.SessionID)
	if err != nil {
		return fmt.Errorf("signaling: resync: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("signaling: resync: session %s gone", r.ctx.SessionID)
	}

	if sess.Offer != "" && r.ctx.Role == RoleAnswerer {
		r.acceptRemoteDescription(KindOffer, sess.Offer)
	}
	if sess.Answer != "" && r.ctx.Role == RoleOfferer {
		r.acceptRemoteDescription(KindAnswer, sess.Answer)
	}

	cands, err := r.store.Candidates(ctx, r.ctx.SessionID)
	if err != nil {
		return fmt.Errorf("signaling: resync candidates: %w", err)
	}
	for _, c := range cands {
		if c.SenderID == r.ctx.SelfID {
			continue
		}
		r.buffer.Add(c.Payload)
	}
	return nil
}

// Close tears down the participant's subscriptions and marks the
// machine closed. Safe to call more than once.
func (r *Relay) Close() {
	_ = r.machine.Transition(StateClosed)
	if err := r.nats.UnsubscribeSignalSDP(r.ctx.SelfID); err != nil {
		logger.Debug("sdp unsubscribe", "user", r.ctx.SelfID, "error", err)
	}
	if err := r.nats.UnsubscribeSignalCandidate(r.ctx.SelfID); err != nil {
		logger.Debug("candidate unsubscribe", "user", r.ctx.SelfID, "error", err)
	}
}

func (r *Relay) acceptRemoteDescription(kind, sdp string) {
	isOffer := kind == KindOffer
	if !r.machine.CanAcceptRemoteDescription(isOffer) {
		metrics.SignalMessages.WithLabelValues("violation_dropped").Inc()
		logger.Warn("out-of-order description dropped", "session", r.ctx.SessionID,
			"kind", kind, "state", r.machine.Current())
		return
	}
	if isOffer {
		if err := r.machine.Transition(StateOfferReceived); err != nil {
			return
		}
	} else {
		if err := r.machine.Transition(StateAnswerRecv); err != nil {
			return
		}
	}
	metrics.SignalMessages.WithLabelValues(kind).Inc()
	r.handler.OnRemoteDescription(kind, sdp)
}
