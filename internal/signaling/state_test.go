package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffererHappyPath(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StateNew, m.Current())

	for _, next := range []State{StateOfferSent, StateAnswerRecv, StateConnecting, StateConnected} {
		require.NoError(t, m.Transition(next))
		assert.Equal(t, next, m.Current())
	}
	assert.False(t, m.Current().Terminal())
}

func TestAnswererHappyPath(t *testing.T) {
	m := NewMachine()

	for _, next := range []State{StateOfferReceived, StateAnswerSent, StateConnecting, StateConnected} {
		require.NoError(t, m.Transition(next))
	}
	assert.Equal(t, StateConnected, m.Current())
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct {
		name string
		path []State
		to   State
	}{
		{"answer before offer", nil, StateAnswerRecv},
		{"connect from new", nil, StateConnecting},
		{"second offer", []State{StateOfferSent}, StateOfferSent},
		{"offer after answer", []State{StateOfferSent, StateAnswerRecv}, StateOfferReceived},
		{"backwards", []State{StateOfferSent, StateAnswerRecv, StateConnecting}, StateOfferSent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine()
			for _, s := range tc.path {
				require.NoError(t, m.Transition(s))
			}
			before := m.Current()
			err := m.Transition(tc.to)
			assert.ErrorIs(t, err, ErrProtocolViolation)
			assert.Equal(t, before, m.Current(), "illegal move must not change state")
		})
	}
}

func TestClosedAlwaysReachable(t *testing.T) {
	for _, from := range []State{StateNew, StateOfferSent, StateConnected, StateFailed, StateClosed} {
		m := &Machine{state: from}
		require.NoError(t, m.Transition(StateClosed), "from %s", from)
		assert.Equal(t, StateClosed, m.Current())
	}
}

func TestFailedFromNonTerminalOnly(t *testing.T) {
	m := &Machine{state: StateConnecting}
	require.NoError(t, m.Transition(StateFailed))
	assert.True(t, m.Current().Terminal())

	// Failed is itself terminal, so it cannot fail again.
	assert.ErrorIs(t, m.Transition(StateFailed), ErrProtocolViolation)

	m = &Machine{state: StateClosed}
	assert.ErrorIs(t, m.Transition(StateFailed), ErrProtocolViolation)
}

func TestCanAcceptRemoteDescription(t *testing.T) {
	m := NewMachine()
	assert.True(t, m.CanAcceptRemoteDescription(true), "offer legal in new")
	assert.False(t, m.CanAcceptRemoteDescription(false), "answer illegal in new")

	require.NoError(t, m.Transition(StateOfferSent))
	assert.False(t, m.CanAcceptRemoteDescription(true), "second offer illegal")
	assert.True(t, m.CanAcceptRemoteDescription(false), "answer legal after offer sent")

	require.NoError(t, m.Transition(StateAnswerRecv))
	assert.False(t, m.CanAcceptRemoteDescription(false), "second answer illegal")
}

func TestRoleFor(t *testing.T) {
	assert.Equal(t, RoleOfferer, RoleFor("alice", "bob"))
	assert.Equal(t, RoleAnswerer, RoleFor("bob", "alice"))

	// Both sides derive complementary roles.
	self, peer := "user-9", "user-10"
	a := NewSessionContext("sess-1", self, peer)
	b := NewSessionContext("sess-1", peer, self)
	assert.NotEqual(t, a.Role, b.Role)
}
