package domain

import "time"

type RoomID string
type SessionID string

// QueuedMessage is a relayed body kept for late joiners of a room.
type QueuedMessage struct {
	RoomID     RoomID    `json:"room_id"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Expired reports whether the message is older than the retention window.
// A message whose age equals the window is still live.
func (m *QueuedMessage) Expired(now time.Time, retention time.Duration) bool {
	return now.Sub(m.EnqueuedAt) > retention
}

type RoomStats struct {
	Rooms    int `json:"rooms"`
	Sessions int `json:"sessions"`
}
