package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"
)

// Connect builds a RedisStore from cfg and waits until the server answers a
// ping, retrying with exponential backoff up to cfg.ConnectAttempts times.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger, hooks ...redis.Hook) (*RedisStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrEmptyConnectionURL
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToParseConnString, err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries != 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	for _, h := range hooks {
		client.AddHook(h)
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Redis not ready, retrying",
				"component", "kvstore",
				"error", err,
				"retry_in", next)
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w: %w", ErrRedisNotReady, ErrStoreUnavailable, err)
	}

	logger.Info("Connected to redis",
		"component", "kvstore",
		"addr", opts.Addr,
		"db", opts.DB,
		"pool_size", opts.PoolSize)

	return NewRedisStore(client), nil
}

// Healthcheck returns a probe suitable for the /health endpoint.
func Healthcheck(store Store) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrHealthcheckFailed, err)
		}
		return nil
	}
}
