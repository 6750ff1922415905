package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/config"
	"github.com/cam3ron2/scm-ingest/internal/githubapi"
	"github.com/cam3ron2/scm-ingest/internal/leader"
	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const backendConnectTimeout = 5 * time.Second

// OpenStore opens the configured store backend. Postgres migrations run before the pool opens.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Backend)) {
	case "", "memory":
		logger.Warn("using in-memory store; ingested records are lost on restart")
		return store.NewMemoryStore(), nil
	case "redis":
		redisStore, err := newRedisStoreFromConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("connected redis store", zap.String("redis_mode", cfg.Store.RedisMode), zap.String("namespace", cfg.Store.Namespace))
		return redisStore, nil
	case "postgres":
		if err := store.Migrate(cfg.Store.PostgresDSN); err != nil {
			return nil, err
		}
		connectCtx, cancel := context.WithTimeout(ctx, backendConnectTimeout)
		defer cancel()
		pgStore, err := store.NewPostgresStore(connectCtx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		logger.Info("connected postgres store")
		return pgStore, nil
	default:
		return nil, model.ConfigurationError("unknown store backend %q", cfg.Store.Backend)
	}
}

func newRedisClient(cfg *config.Config) redis.UniversalClient {
	if strings.EqualFold(cfg.Store.RedisMode, "sentinel") {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Store.RedisMasterSet,
			SentinelAddrs: cfg.Store.RedisSentinelAddrs,
			Password:      cfg.Store.RedisPassword,
			DB:            cfg.Store.RedisDB,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
}

func newRedisStoreFromConfig(ctx context.Context, cfg *config.Config) (*store.RedisStore, error) {
	redisClient := newRedisClient(cfg)

	pingCtx, cancel := context.WithTimeout(ctx, backendConnectTimeout)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return store.NewRedisStore(redisClient, store.RedisStoreConfig{
		Namespace: cfg.Store.Namespace,
	}), nil
}

// NewElector returns the leader elector for this replica and a func releasing its
// resources. Without leader election the replica always leads.
func NewElector(cfg *config.Config, logger *zap.Logger) (leader.Elector, func() error, error) {
	noop := func() error { return nil }
	if cfg == nil || !cfg.Leader.Enabled {
		return leader.StaticElector{IsLeader: true}, noop, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := newRedisClient(cfg)
	elector, err := leader.NewRedisLeaseElector(leader.RedisLeaseConfig{
		Client:        client,
		Key:           cfg.Leader.LeaseKey,
		Identity:      cfg.Leader.Identity,
		LeaseDuration: cfg.Leader.LeaseDuration,
		RetryPeriod:   cfg.Leader.RetryPeriod,
		Logger:        logger.Named("leader"),
	})
	if err != nil {
		_ = client.Close()
		return nil, noop, model.ConfigurationError("leader election: %v", err)
	}
	logger.Info("leader election enabled", zap.String("identity", cfg.Leader.Identity), zap.String("lease_key", cfg.Leader.LeaseKey))
	return elector, client.Close, nil
}

// NewConnector builds the upstream connector: one shared proactive limiter, the retry and
// rate-limit policy, and the token provider for public and private repositories.
func NewConnector(cfg *config.Config) (githubapi.Connector, error) {
	if cfg == nil {
		return githubapi.Connector{}, fmt.Errorf("config is required")
	}

	var service githubapi.TokenSource
	switch {
	case strings.TrimSpace(cfg.GitHub.ServiceToken) != "":
		service = githubapi.StaticToken(cfg.GitHub.ServiceToken)
	case cfg.GitHub.App.Enabled():
		source, err := githubapi.NewInstallationTokenSource(githubapi.InstallationAuthConfig{
			AppID:          cfg.GitHub.App.AppID,
			InstallationID: cfg.GitHub.App.InstallationID,
			PrivateKeyPath: cfg.GitHub.App.PrivateKeyPath,
			APIBaseURL:     cfg.GitHub.APIBaseURL,
			Timeout:        cfg.GitHub.RequestTimeout,
		})
		if err != nil {
			return githubapi.Connector{}, model.ConfigurationError("github app: %v", err)
		}
		service = source
	}

	repositoryTokens := make(map[string]string, len(cfg.Sync.Repositories))
	for _, repo := range cfg.Sync.Repositories {
		if repo.Token != "" {
			repositoryTokens[model.RegistrationKey(repo.URL, repo.Branch)] = repo.Token
		}
	}

	sessions := githubapi.NewSessionFactory(githubapi.SessionConfig{
		GraphQLURL: cfg.GitHub.GraphQLURL,
		APIBaseURL: cfg.GitHub.APIBaseURL,
		Timeout:    cfg.GitHub.RequestTimeout,
		Retry: githubapi.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
		RatePolicy: githubapi.RateLimitPolicy{
			MinRemainingThreshold: cfg.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        cfg.RateLimit.MinResetBuffer,
			SecondaryLimitBackoff: cfg.RateLimit.SecondaryLimitBackoff,
		},
		Limiter: githubapi.NewLimiter(cfg.GitHub.RequestsPerSecond, cfg.GitHub.Burst),
	})

	return githubapi.Connector{
		Sessions: sessions,
		Tokens: githubapi.TokenProvider{
			Service:          service,
			RepositoryTokens: repositoryTokens,
		},
	}, nil
}
