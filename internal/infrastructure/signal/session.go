package signal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fivecall/internal/core/domain"
)

// Session is one relay connection bound to a room. The hub only ever
// enqueues to it; socket writes happen in the connection's write pump.
type Session struct {
	ID         domain.SessionID
	RoomID     domain.RoomID
	JoinedAt   time.Time
	RemoteAddr string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	limiter *rate.Limiter
}

// NewSession creates a session with an outbound buffer of the given size.
// A nil limiter disables per-session message rate limiting.
func NewSession(roomID domain.RoomID, remoteAddr string, buffer int, limiter *rate.Limiter) *Session {
	return &Session{
		ID:         domain.SessionID(uuid.NewString()),
		RoomID:     roomID,
		JoinedAt:   time.Now(),
		RemoteAddr: remoteAddr,
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
		limiter:    limiter,
	}
}

// Outbound yields bodies in the order the hub enqueued them.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Done is closed when the session is shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// enqueue never blocks; it reports false when the session is closed or
// its buffer is full.
func (s *Session) enqueue(body []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- body:
		return true
	default:
		return false
	}
}

func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
