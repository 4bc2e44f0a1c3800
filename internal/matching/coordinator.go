package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/olyx/video-chat/internal/gate"
	"github.com/olyx/video-chat/internal/logger"
	"github.com/olyx/video-chat/internal/metrics"
	"github.com/olyx/video-chat/internal/profile"
	"github.com/olyx/video-chat/internal/queue"
	"github.com/olyx/video-chat/internal/session"
)

// ProfileWriter is the slice of the profile store the coordinator
// mutates after a successful pairing.
type ProfileWriter interface {
	Get(ctx context.Context, userID string) (*profile.Profile, error)
	AdvancePatternPosition(ctx context.Context, userID string, sequenceLength int) error
	SetPresenceAll(ctx context.Context, userIDs []string, presence string) error
	IncrementMatchCount(ctx context.Context, userID string) error
}

// SessionCloser publishes teardown notifications to participants.
type SessionCloser interface {
	PublishSessionClosed(sessionID string, data []byte) error
}

// Notifier publishes new-session notifications to participants.
type Notifier interface {
	PublishSessionCreated(userID string, data []byte) error
}

// Created is the NATS payload delivered to each participant when a
// session containing them is created. Peer is the other side's public
// profile slice.
type Created struct {
	SessionID   string         `json:"session_id"`
	InitiatorID string         `json:"initiator_id"`
	ResponderID string         `json:"responder_id"`
	Peer        profile.Public `json:"peer"`
}

// pairScript is the atomic heart of the coordinator. It checks that
// neither party is already in an open session, dequeues the requester,
// inserts the session, and claims both membership keys as one unit
// against every other coordinator. Returns 1 on success, 0 on conflict.
//
//	KEYS[1] = session:member:<requester>
//	KEYS[2] = session:member:<candidate>
//	KEYS[3] = session:<session_id>
//	KEYS[4] = queue:waiting
//	KEYS[5] = queue:user:<requester>
//	ARGV[1] = session_id
//	ARGV[2] = requester_id
//	ARGV[3] = candidate_id
//	ARGV[4] = created_at (unix ms)
//	ARGV[5] = session TTL (seconds)
var pairScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end

redis.call('ZREM', KEYS[4], ARGV[2])
redis.call('DEL', KEYS[5])

redis.call('HSET', KEYS[3],
    'initiator_id', ARGV[2],
    'responder_id', ARGV[3],
    'created_at', ARGV[4])
redis.call('EXPIRE', KEYS[3], ARGV[5])

redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[5])
redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[5])
return 1
`)

// Coordinator turns a selected candidate into an exclusive session.
type Coordinator struct {
	rdb      *redis.Client
	queue    *queue.Store
	sessions *session.Store
	profiles ProfileWriter
	notifier Notifier
	closer   SessionCloser
}

// NewCoordinator wires a coordinator over the shared stores. The NATS
// client typically serves as both notifier and closer; either may be
// nil in tests.
func NewCoordinator(rdb *redis.Client, q *queue.Store, sessions *session.Store, profiles ProfileWriter, notifier Notifier, closer SessionCloser) *Coordinator {
	return &Coordinator{
		rdb:      rdb,
		queue:    q,
		sessions: sessions,
		profiles: profiles,
		notifier: notifier,
		closer:   closer,
	}
}

// TryPair attempts to create the exclusive session for requester and
// candidate. At most one open session ever contains a given user: the
// membership check and the session insert execute as a single atomic
// script, so two search loops selecting each other simultaneously
// produce exactly one session. Returns ErrPairingConflict when a
// concurrent pairing already claimed either party.
func (c *Coordinator) TryPair(ctx context.Context, requester *profile.Profile, candidate queue.Entry) (*session.Session, error) {
	sessionID := uuid.New().String()
	now := time.Now()

	keys := []string{
		session.MemberKey(requester.ID),
		session.MemberKey(candidate.UserID),
		session.Key(sessionID),
		queue.WaitingKey(),
		queue.EntryKey(requester.ID),
	}
	res, err := pairScript.Run(ctx, c.rdb, keys,
		sessionID, requester.ID, candidate.UserID,
		now.UnixMilli(), int(session.SessionTTL.Seconds()),
	).Int()
	if err != nil {
		metrics.PairAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("matching: pair script: %w", err)
	}
	if res == 0 {
		metrics.PairAttempts.WithLabelValues("conflict").Inc()
		return nil, ErrPairingConflict
	}

	metrics.PairAttempts.WithLabelValues("created").Inc()
	metrics.MatchDuration.Observe(now.Sub(candidate.EnqueuedAt).Seconds())

	// The candidate is now protected by its membership key; clearing
	// its queue entry outside the atomic step cannot race another
	// pairing.
	if err := c.queue.Remove(ctx, candidate.UserID); err != nil {
		logger.Warn("dequeue candidate failed", "user", candidate.UserID, "error", err)
	}

	sess := &session.Session{
		ID:          sessionID,
		InitiatorID: requester.ID,
		ResponderID: candidate.UserID,
		CreatedAt:   time.UnixMilli(now.UnixMilli()),
	}

	// Post-insert side effects. None of these may undo the pairing:
	// failures are logged and the session stands.
	if err := c.profiles.AdvancePatternPosition(ctx, requester.ID, gate.SequenceLength); err != nil {
		logger.Warn("advance pattern position failed", "user", requester.ID, "error", err)
	}
	participants := []string{requester.ID, candidate.UserID}
	if err := c.profiles.SetPresenceAll(ctx, participants, profile.PresenceInChat); err != nil {
		logger.Warn("set presence failed", "users", participants, "error", err)
	}
	for _, id := range participants {
		if err := c.profiles.IncrementMatchCount(ctx, id); err != nil {
			logger.Warn("increment match count failed", "user", id, "error", err)
		}
	}

	c.notify(ctx, sess, requester)

	logger.Info("session created",
		"session", sessionID,
		"initiator", requester.ID,
		"responder", candidate.UserID)

	return sess, nil
}

// notify publishes the new-session event to both participants. Each
// side receives the other's public profile slice.
func (c *Coordinator) notify(ctx context.Context, sess *session.Session, requester *profile.Profile) {
	responder, err := c.profiles.Get(ctx, sess.ResponderID)
	if err != nil || responder == nil {
		logger.Warn("load responder profile failed", "user", sess.ResponderID, "error", err)
		responder = &profile.Profile{ID: sess.ResponderID}
	}

	c.publish(sess.InitiatorID, Created{
		SessionID:   sess.ID,
		InitiatorID: sess.InitiatorID,
		ResponderID: sess.ResponderID,
		Peer:        responder.Public(),
	})
	c.publish(sess.ResponderID, Created{
		SessionID:   sess.ID,
		InitiatorID: sess.InitiatorID,
		ResponderID: sess.ResponderID,
		Peer:        requester.Public(),
	})
}

func (c *Coordinator) publish(userID string, evt Created) {
	data, err := json.Marshal(evt)
	if err != nil {
		logger.Error("marshal session created event", "error", err)
		return
	}
	if err := c.notifier.PublishSessionCreated(userID, data); err != nil {
		logger.Warn("publish session created failed", "user", userID, "error", err)
	}
}

// EndSession is the single teardown routine every exit path converges
// on: report, "next", explicit leave, disconnect, and moderation
// violations all call it. Idempotent: tearing down an absent session is
// a no-op.
func (c *Coordinator) EndSession(ctx context.Context, sessionID, reason string) error {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("matching: end session %s: %w", sessionID, err)
	}
	if sess == nil {
		return nil
	}

	if err := c.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("matching: end session %s: %w", sessionID, err)
	}

	participants := []string{sess.InitiatorID, sess.ResponderID}
	if err := c.profiles.SetPresenceAll(ctx, participants, profile.PresenceOnline); err != nil {
		logger.Warn("reset presence failed", "users", participants, "error", err)
	}

	if c.closer != nil {
		data, _ := json.Marshal(map[string]string{"session_id": sessionID, "reason": reason})
		if err := c.closer.PublishSessionClosed(sessionID, data); err != nil {
			logger.Warn("publish session closed failed", "session", sessionID, "error", err)
		}
	}

	logger.Info("session ended", "session", sessionID, "reason", reason)
	return nil
}
