package ports

import (
	"context"
	"time"

	"fivecall/internal/core/domain"
)

// ReplayStore keeps recent relayed messages per room for late joiners.
// Implementations return messages in enqueue order.
type ReplayStore interface {
	Append(ctx context.Context, msg *domain.QueuedMessage) error
	List(ctx context.Context, roomID domain.RoomID, now time.Time) ([]*domain.QueuedMessage, error)
	Prune(ctx context.Context, roomID domain.RoomID, now time.Time) (int, error)
	Len(ctx context.Context, roomID domain.RoomID) (int, error)
	Ping(ctx context.Context) error
}
