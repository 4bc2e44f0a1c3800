// Package signaling carries WebRTC session descriptions and network
// candidates between the two participants of a session. Descriptions
// are persisted exactly once in the session store and fanned out over
// NATS; candidates are appended in arrival order and buffered on the
// receiving side until a remote description is in place.
package signaling

import "errors"

// ErrProtocolViolation reports a signaling message that is illegal in
// the session's current state, such as a second offer or an answer
// before any offer exists.
var ErrProtocolViolation = errors.New("signaling: protocol violation")

// Role is a participant's signaling role within a session.
type Role string

const (
	// RoleOfferer creates and sends the initial session description.
	RoleOfferer Role = "offerer"
	// RoleAnswerer waits for the offer and responds with an answer.
	RoleAnswerer Role = "answerer"
)

// RoleFor derives a participant's role deterministically from the two
// user IDs: the lexicographically smaller ID becomes the offerer. Both
// sides compute the same split without negotiation.
func RoleFor(selfID, peerID string) Role {
	if selfID < peerID {
		return RoleOfferer
	}
	return RoleAnswerer
}

// SessionContext pins the identities and role for one participant's
// view of a signaling exchange.
type SessionContext struct {
	SessionID string
	SelfID    string
	PeerID    string
	Role      Role
}

// NewSessionContext builds the local view of a session, deriving the
// signaling role from the participant IDs.
func NewSessionContext(sessionID, selfID, peerID string) SessionContext {
	return SessionContext{
		SessionID: sessionID,
		SelfID:    selfID,
		PeerID:    peerID,
		Role:      RoleFor(selfID, peerID),
	}
}
