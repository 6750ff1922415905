package leader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	renewLeaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`
	releaseLeaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`

	releaseTimeout = 2 * time.Second
)

// LeaseClient is the subset of the Redis client the lease elector uses.
type LeaseClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisLeaseConfig configures Redis lease-based election.
type RedisLeaseConfig struct {
	Client        LeaseClient
	Key           string
	Identity      string
	LeaseDuration time.Duration
	RetryPeriod   time.Duration
	Logger        *zap.Logger
}

// RedisLeaseElector holds leadership through a Redis key that expires unless renewed by
// its holder.
type RedisLeaseElector struct {
	client        LeaseClient
	key           string
	identity      string
	leaseDuration time.Duration
	retryPeriod   time.Duration
	logger        *zap.Logger
}

// NewRedisLeaseElector creates a Redis lease elector.
func NewRedisLeaseElector(cfg RedisLeaseConfig) (*RedisLeaseElector, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis lease client is required")
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, fmt.Errorf("redis lease key is required")
	}
	if strings.TrimSpace(cfg.Identity) == "" {
		return nil, fmt.Errorf("redis lease identity is required")
	}

	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}
	retryPeriod := cfg.RetryPeriod
	if retryPeriod <= 0 {
		retryPeriod = 5 * time.Second
	}
	if retryPeriod >= leaseDuration {
		return nil, fmt.Errorf("retry period %s must be shorter than lease duration %s", retryPeriod, leaseDuration)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisLeaseElector{
		client:        cfg.Client,
		key:           strings.TrimSpace(cfg.Key),
		identity:      strings.TrimSpace(cfg.Identity),
		leaseDuration: leaseDuration,
		retryPeriod:   retryPeriod,
		logger:        logger,
	}, nil
}

// Run renews or acquires the lease every retry period and emits the result. A Redis error
// counts as lost leadership. The lease is released when ctx is done.
func (e *RedisLeaseElector) Run(ctx context.Context, emit func(isLeader bool)) error {
	if e == nil {
		return fmt.Errorf("redis lease elector is nil")
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	held := false
	for {
		select {
		case <-ctx.Done():
			if held {
				e.release()
			}
			return nil
		case <-timer.C:
		}

		acquired, err := e.TryAcquireOrRenew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			e.logger.Warn("lease check failed", zap.String("key", e.key), zap.Error(err))
			acquired = false
		}
		held = acquired
		emit(acquired)
		timer.Reset(e.retryPeriod)
	}
}

// TryAcquireOrRenew extends the lease when this identity holds it, or takes it when free.
func (e *RedisLeaseElector) TryAcquireOrRenew(ctx context.Context) (bool, error) {
	renewed, err := e.client.Eval(ctx, renewLeaseScript, []string{e.key}, e.identity, e.leaseDuration.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	if renewed == 1 {
		return true, nil
	}

	acquired, err := e.client.SetNX(ctx, e.key, e.identity, e.leaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return acquired, nil
}

func (e *RedisLeaseElector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := e.client.Eval(ctx, releaseLeaseScript, []string{e.key}, e.identity).Err(); err != nil && !errors.Is(err, redis.Nil) {
		e.logger.Warn("lease release failed", zap.String("key", e.key), zap.Error(err))
	}
}
