package repositories

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fivecall/internal/core/domain"
	"fivecall/internal/core/ports"
	"fivecall/pkg/circuitbreaker"
)

// GuardedReplayStore fails fast with circuitbreaker.ErrOpen while the
// wrapped store keeps failing, so a dead backend does not stall every relay
// behind network timeouts.
type GuardedReplayStore struct {
	store   ports.ReplayStore
	breaker *circuitbreaker.CircuitBreaker
}

func NewGuardedReplayStore(store ports.ReplayStore, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedReplayStore {
	breaker := circuitbreaker.New(cfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("replay store circuit changed state", "from", from.String(), "to", to.String())
	})
	return &GuardedReplayStore{store: store, breaker: breaker}
}

var _ ports.ReplayStore = (*GuardedReplayStore)(nil)

func (g *GuardedReplayStore) Append(ctx context.Context, msg *domain.QueuedMessage) error {
	return g.breaker.Execute(func() error {
		return g.store.Append(ctx, msg)
	})
}

func (g *GuardedReplayStore) List(ctx context.Context, roomID domain.RoomID, now time.Time) ([]*domain.QueuedMessage, error) {
	return circuitbreaker.Execute(g.breaker, func() ([]*domain.QueuedMessage, error) {
		return g.store.List(ctx, roomID, now)
	})
}

func (g *GuardedReplayStore) Prune(ctx context.Context, roomID domain.RoomID, now time.Time) (int, error) {
	return circuitbreaker.Execute(g.breaker, func() (int, error) {
		return g.store.Prune(ctx, roomID, now)
	})
}

func (g *GuardedReplayStore) Len(ctx context.Context, roomID domain.RoomID) (int, error) {
	return circuitbreaker.Execute(g.breaker, func() (int, error) {
		return g.store.Len(ctx, roomID)
	})
}

// Ping always reaches the backend so readiness reflects its real state. A
// successful ping closes an open circuit without waiting out its timeout.
func (g *GuardedReplayStore) Ping(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		return err
	}
	if g.breaker.State() != circuitbreaker.StateClosed {
		g.breaker.Reset()
	}
	return nil
}

func (g *GuardedReplayStore) State() circuitbreaker.State {
	return g.breaker.State()
}
