package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix   = "session:"        // + <session_id> -> Hash
	memberPrefix    = "session:member:" // + <user_id> -> session_id
	candidatePrefix = "session:cand:"   // + <session_id> -> List of JSON

	// SessionTTL bounds how long an abandoned session lingers.
	SessionTTL = 2 * time.Hour
)

// Key returns the hash key for a session.
// Exported for the pairing coordinator's atomic script.
func Key(sessionID string) string { return sessionPrefix + sessionID }

// MemberKey returns the per-user membership key enforcing the at-most-
// one-open-session invariant. Exported for the coordinator's script.
func MemberKey(userID string) string { return memberPrefix + userID }

func candidateKey(sessionID string) string { return candidatePrefix + sessionID }

// Store manages session records in Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a session store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	result, err := s.rdb.HGetAll(ctx, Key(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	createdMs, _ := strconv.ParseInt(result["created_at"], 10, 64)
	return &Session{
		ID:          sessionID,
		InitiatorID: result["initiator_id"],
		ResponderID: result["responder_id"],
		Offer:       result["offer"],
		Answer:      result["answer"],
		CreatedAt:   time.UnixMilli(createdMs),
	}, nil
}

// MemberSession returns the ID of the open session containing the given
// user, or "" if none.
func (s *Store) MemberSession(ctx context.Context, userID string) (string, error) {
	sid, err := s.rdb.Get(ctx, MemberKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sid, nil
}

// SetOffer writes the session's offer exactly once. A second write
// returns ErrDuplicateDescription and leaves the stored offer intact.
func (s *Store) SetOffer(ctx context.Context, sessionID, sdp string) error {
	return s.setDescription(ctx, sessionID, "offer", sdp)
}

// SetAnswer writes the session's answer exactly once, same contract as
// SetOffer.
func (s *Store) SetAnswer(ctx context.Context, sessionID, sdp string) error {
	return s.setDescription(ctx, sessionID, "answer", sdp)
}

func (s *Store) setDescription(ctx context.Context, sessionID, field, sdp string) error {
	ok, err := s.rdb.HSetNX(ctx, Key(sessionID), field, sdp).Result()
	if err != nil {
		return fmt.Errorf("session: set %s for %s: %w", field, sessionID, err)
	}
	if !ok {
		return ErrDuplicateDescription
	}
	return nil
}

// AppendCandidate appends a candidate to the session's stream and
// returns its 1-based sequence number. Candidates are never rewritten.
func (s *Store) AppendCandidate(ctx context.Context, sessionID, senderID, payload string) (Candidate, error) {
	c := Candidate{SessionID: sessionID, SenderID: senderID, Payload: payload}

	// The stored record carries no sequence number; list position is
	// authoritative. RPUSH returns the new length, which is this
	// element's 1-based sequence.
	data, err := json.Marshal(c)
	if err != nil {
		return Candidate{}, fmt.Errorf("session: marshal candidate: %w", err)
	}
	n, err := s.rdb.RPush(ctx, candidateKey(sessionID), data).Result()
	if err != nil {
		return Candidate{}, fmt.Errorf("session: append candidate for %s: %w", sessionID, err)
	}
	s.rdb.Expire(ctx, candidateKey(sessionID), SessionTTL)

	c.Seq = n
	return c, nil
}

// Candidates returns the full candidate stream in append order.
func (s *Store) Candidates(ctx context.Context, sessionID string) ([]Candidate, error) {
	items, err := s.rdb.LRange(ctx, candidateKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(items))
	for i, item := range items {
		var c Candidate
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			continue // malformed record, skip
		}
		c.Seq = int64(i + 1)
		out = append(out, c)
	}
	return out, nil
}

// Delete removes the session, both membership keys, and the candidate
// stream. Idempotent: deleting an absent session is a no-op.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, Key(sessionID))
	pipe.Del(ctx, candidateKey(sessionID))
	// Release membership only if it still points at this session; a
	// participant may already be in a newer session.
	releaseMember(ctx, pipe, s.rdb, sess.InitiatorID, sessionID)
	releaseMember(ctx, pipe, s.rdb, sess.ResponderID, sessionID)
	_, err = pipe.Exec(ctx)
	return err
}

func releaseMember(ctx context.Context, pipe redis.Pipeliner, rdb *redis.Client, userID, sessionID string) {
	current, err := rdb.Get(ctx, MemberKey(userID)).Result()
	if err == nil && current == sessionID {
		pipe.Del(ctx, MemberKey(userID))
	}
}

// Count returns the number of open sessions. Used for the registry
// invariant check and the active-sessions gauge.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var cursor uint64
	var total int64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, sessionPrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		for _, k := range keys {
			// Skip member and candidate keys sharing the prefix.
			if strings.HasPrefix(k, memberPrefix) || strings.HasPrefix(k, candidatePrefix) {
				continue
			}
			total++
		}
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
