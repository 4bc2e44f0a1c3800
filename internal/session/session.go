// Package session manages the durable registry of active pairings. A
// session holds the two participant IDs and the signaling payloads
// (one offer, one answer) plus an append-only stream of network
// candidates. At most one open session contains a given user; that
// invariant is maintained by per-user membership keys written in the
// same atomic step that creates the session.
package session

import (
	"errors"
	"time"
)

// ErrDuplicateDescription is returned when a second offer or answer
// write is attempted for a session. The first write wins; receivers
// never observe the second.
var ErrDuplicateDescription = errors.New("session: description already set")

// Session is one active pairing. InitiatorID records which side's
// TryPair created the session; the signaling initiator role is derived
// separately from the participant IDs.
type Session struct {
	ID          string
	InitiatorID string
	ResponderID string
	Offer       string // empty until the offer is written
	Answer      string // empty until the answer is written
	CreatedAt   time.Time
}

// Peer returns the other participant's ID, or "" if userID is not a
// participant.
func (s *Session) Peer(userID string) string {
	switch userID {
	case s.InitiatorID:
		return s.ResponderID
	case s.ResponderID:
		return s.InitiatorID
	}
	return ""
}

// IsParticipant checks whether a user belongs to this session.
func (s *Session) IsParticipant(userID string) bool {
	return userID == s.InitiatorID || userID == s.ResponderID
}

// Candidate is one append-only network reachability record. Candidates
// are never mutated or deduplicated server-side; consumers apply them
// idempotently.
type Candidate struct {
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	Payload   string `json:"payload"`
	Seq       int64  `json:"seq"`
}
