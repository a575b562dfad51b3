package domain

import "encoding/json"

const (
	MessageTypeConnected    = "connected"
	MessageTypeParticipants = "participants"
	MessageTypeOffer        = "offer"
	MessageTypeAnswer       = "answer"
	MessageTypeCandidate    = "candidate"
)

const (
	ErrorInvalidFormat  = "Invalid message format"
	ErrorProcessFailure = "Failed to process message"
	ErrorRateLimited    = "Rate limit exceeded"
)

// RelayMessage is the JSON envelope exchanged with the relay.
// The relay itself only inspects Type and RoomID of inbound bodies.
type RelayMessage struct {
	Type    string          `json:"type,omitempty"`
	RoomID  RoomID          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Count   *int            `json:"count,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsNegotiation reports whether the message carries a negotiation payload.
func (m *RelayMessage) IsNegotiation() bool {
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
		return true
	}
	return false
}

func ConnectedMessage(roomID RoomID) RelayMessage {
	return RelayMessage{Type: MessageTypeConnected, RoomID: roomID}
}

func ParticipantsMessage(roomID RoomID, count int) RelayMessage {
	return RelayMessage{Type: MessageTypeParticipants, RoomID: roomID, Count: &count}
}

func ErrorMessage(text string) RelayMessage {
	return RelayMessage{Error: text}
}
