package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rs/zerolog/log"
)

// RedisOptions configures the distributed lock
type RedisOptions struct {
	// Expiry bounds how long a crashed holder can block the key
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
	Prefix      string
}

// DefaultRedisOptions suits short ledger mutations
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Expiry:      10 * time.Second,
		Tries:       40,
		RetryDelay:  50 * time.Millisecond,
		DriftFactor: 0.01,
		Prefix:      "lock:",
	}
}

// RedisLocker serialises keys across instances with the Redlock algorithm
type RedisLocker struct {
	rs   *redsync.Redsync
	opts RedisOptions
}

// NewRedisClient connects to the Redis instance at url
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisLocker creates a RedisLocker over an existing client
func NewRedisLocker(client redis.UniversalClient, opts RedisOptions) *RedisLocker {
	return &RedisLocker{
		rs:   redsync.New(goredis.NewPool(client)),
		opts: opts,
	}
}

// WithLock implements Locker
func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	name := l.opts.Prefix + key
	mutex := l.rs.NewMutex(
		name,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
		redsync.WithDriftFactor(l.opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("lock %s: %w: %w", key, domain.ErrLockUnavailable, err)
	}

	defer func() {
		// Use a fresh context so a cancelled caller still releases the key
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			log.Warn().Err(err).Str("lock", name).Msg("Failed to release distributed lock")
		}
	}()

	return fn(ctx)
}
