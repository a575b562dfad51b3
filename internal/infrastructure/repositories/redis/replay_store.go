package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fivecall/internal/core/domain"
	"fivecall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const replayKeyPrefix = "fivecall:replay:"

// ReplayStore keeps each room's queue as a Redis list, oldest first.
type ReplayStore struct {
	client    *redis.Client
	retention time.Duration
}

type replayEntry struct {
	EnqueuedAt int64  `json:"ts"`
	Payload    string `json:"payload"`
}

func NewReplayStore(client *redis.Client, retention time.Duration) *ReplayStore {
	return &ReplayStore{
		client:    client,
		retention: retention,
	}
}

var _ ports.ReplayStore = (*ReplayStore)(nil)

func (r *ReplayStore) key(roomID domain.RoomID) string {
	return replayKeyPrefix + string(roomID)
}

// Append pushes the message and refreshes the list TTL in one transaction.
func (r *ReplayStore) Append(ctx context.Context, msg *domain.QueuedMessage) error {
	data, err := json.Marshal(replayEntry{
		EnqueuedAt: msg.EnqueuedAt.UnixNano(),
		Payload:    string(msg.Payload),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal replay entry: %w", err)
	}

	key := r.key(msg.RoomID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, r.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append replay entry: %w", err)
	}
	return nil
}

func (r *ReplayStore) List(ctx context.Context, roomID domain.RoomID, now time.Time) ([]*domain.QueuedMessage, error) {
	entries, err := r.load(ctx, roomID)
	if err != nil {
		return nil, err
	}

	live := make([]*domain.QueuedMessage, 0, len(entries))
	for _, msg := range entries {
		if !msg.Expired(now, r.retention) {
			live = append(live, msg)
		}
	}
	return live, nil
}

// Prune trims the expired head of the list.
func (r *ReplayStore) Prune(ctx context.Context, roomID domain.RoomID, now time.Time) (int, error) {
	entries, err := r.load(ctx, roomID)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, msg := range entries {
		if !msg.Expired(now, r.retention) {
			break
		}
		expired++
	}
	if expired == 0 {
		return 0, nil
	}

	if err := r.client.LTrim(ctx, r.key(roomID), int64(expired), -1).Err(); err != nil {
		return 0, fmt.Errorf("failed to trim replay list: %w", err)
	}
	return expired, nil
}

func (r *ReplayStore) Len(ctx context.Context, roomID domain.RoomID) (int, error) {
	n, err := r.client.LLen(ctx, r.key(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get replay list length: %w", err)
	}
	return int(n), nil
}

func (r *ReplayStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *ReplayStore) load(ctx context.Context, roomID domain.RoomID) ([]*domain.QueuedMessage, error) {
	raw, err := r.client.LRange(ctx, r.key(roomID), 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read replay list: %w", err)
	}

	msgs := make([]*domain.QueuedMessage, 0, len(raw))
	for _, item := range raw {
		var entry replayEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal replay entry: %w", err)
		}
		msgs = append(msgs, &domain.QueuedMessage{
			RoomID:     roomID,
			Payload:    []byte(entry.Payload),
			EnqueuedAt: time.Unix(0, entry.EnqueuedAt),
		})
	}
	return msgs, nil
}
