package memory

import (
	"context"
	"sync"
	"time"

	"fivecall/internal/core/domain"
	"fivecall/internal/core/ports"
)

// ReplayStore keeps each room's recent messages in process memory.
type ReplayStore struct {
	retention time.Duration
	queues    map[domain.RoomID][]*domain.QueuedMessage
	mu        sync.RWMutex
}

func NewReplayStore(retention time.Duration) *ReplayStore {
	return &ReplayStore{
		retention: retention,
		queues:    make(map[domain.RoomID][]*domain.QueuedMessage),
	}
}

var _ ports.ReplayStore = (*ReplayStore)(nil)

func (r *ReplayStore) Append(ctx context.Context, msg *domain.QueuedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queues[msg.RoomID] = append(r.queues[msg.RoomID], msg)
	return nil
}

// List returns the room's unexpired messages in enqueue order.
func (r *ReplayStore) List(ctx context.Context, roomID domain.RoomID, now time.Time) ([]*domain.QueuedMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	queue := r.queues[roomID]
	live := make([]*domain.QueuedMessage, 0, len(queue))
	for _, msg := range queue {
		if !msg.Expired(now, r.retention) {
			live = append(live, msg)
		}
	}
	return live, nil
}

// Prune drops expired messages and returns how many were removed.
func (r *ReplayStore) Prune(ctx context.Context, roomID domain.RoomID, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue, exists := r.queues[roomID]
	if !exists {
		return 0, nil
	}

	kept := queue[:0]
	for _, msg := range queue {
		if !msg.Expired(now, r.retention) {
			kept = append(kept, msg)
		}
	}
	removed := len(queue) - len(kept)
	for i := len(kept); i < len(queue); i++ {
		queue[i] = nil
	}

	if len(kept) == 0 {
		delete(r.queues, roomID)
	} else {
		r.queues[roomID] = kept
	}
	return removed, nil
}

func (r *ReplayStore) Len(ctx context.Context, roomID domain.RoomID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.queues[roomID]), nil
}

func (r *ReplayStore) Ping(ctx context.Context) error {
	return nil
}
