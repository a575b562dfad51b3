package repositories

import (
	"context"

	"fivecall/internal/core/ports"
	"fivecall/internal/infrastructure/repositories/memory"
	redisrepo "fivecall/internal/infrastructure/repositories/redis"
	"fivecall/pkg/circuitbreaker"
	"fivecall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// process memory when it is unreachable.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			cfg.Rooms.ReplayRetention,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory replay store",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis replay store")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory replay store")
	}

	return factory
}

// CreateReplayStore creates the room replay store (Redis or memory with fallback)
func (f *RepositoryFactory) CreateReplayStore() ports.ReplayStore {
	if f.useRedis && f.redisClient != nil {
		store := redisrepo.NewReplayStore(f.redisClient, f.cfg.Rooms.ReplayRetention)
		return NewGuardedReplayStore(store, circuitbreaker.DefaultConfig(), f.logger)
	}
	return memory.NewReplayStore(f.cfg.Rooms.ReplayRetention)
}

func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
