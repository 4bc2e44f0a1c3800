package signaling

import (
	"fmt"
	"sync"
)

// State is a participant's position in the signaling exchange.
type State string

const (
	StateNew           State = "new"
	StateOfferSent     State = "offer_sent"
	StateOfferReceived State = "offer_received"
	StateAnswerSent    State = "answer_sent"
	StateAnswerRecv    State = "answer_received"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateFailed        State = "failed"
	StateClosed        State = "closed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// transitions lists the legal forward moves. Failed is additionally
// reachable from every non-terminal state, and Closed from every state;
// those two are handled in Transition rather than listed here.
var transitions = map[State][]State{
	StateNew:           {StateOfferSent, StateOfferReceived},
	StateOfferSent:     {StateAnswerRecv},
	StateOfferReceived: {StateAnswerSent},
	StateAnswerSent:    {StateConnecting},
	StateAnswerRecv:    {StateConnecting},
	StateConnecting:    {StateConnected},
	StateConnected:     {},
}

// Machine tracks one participant's signaling state. It is safe for
// concurrent use; relay callbacks and the connection supervisor both
// touch it.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine starts a machine in StateNew.
func NewMachine() *Machine {
	return &Machine{state: StateNew}
}

// Current returns the present state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to the target state. Moving to Closed is
// always legal; moving to Failed is legal from any non-terminal state.
// Any other illegal move returns ErrProtocolViolation.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == StateClosed {
		m.state = StateClosed
		return nil
	}
	if to == StateFailed {
		if m.state.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrProtocolViolation, m.state, to)
		}
		m.state = StateFailed
		return nil
	}

	for _, next := range transitions[m.state] {
		if next == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrProtocolViolation, m.state, to)
}

// CanAcceptRemoteDescription reports whether an incoming offer or
// answer is legal right now. Used by the relay to flag duplicates.
func (m *Machine) CanAcceptRemoteDescription(offer bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offer {
		return m.state == StateNew
	}
	return m.state == StateOfferSent
}
