package domain

type NegotiationState string

const (
	StateWaiting      NegotiationState = "waiting"
	StateConnecting   NegotiationState = "connecting"
	StateConnected    NegotiationState = "connected"
	StateDisconnected NegotiationState = "disconnected"
	StateError        NegotiationState = "error"
)

// Terminal reports whether no further transition is possible for the attempt.
func (s NegotiationState) Terminal() bool {
	return s == StateDisconnected || s == StateError
}

// CanTransition encodes the negotiation state machine.
func (s NegotiationState) CanTransition(next NegotiationState) bool {
	if s.Terminal() || next == StateWaiting {
		return false
	}
	switch next {
	case StateConnecting:
		return s == StateWaiting
	case StateConnected:
		return s == StateConnecting
	case StateDisconnected:
		return s == StateConnecting || s == StateConnected
	case StateError:
		return true
	}
	return false
}

// Slot is a session's join position inside a room.
type Slot int

const (
	SlotUnknown Slot = -1
	SlotFirst   Slot = 0
	SlotSecond  Slot = 1
)
