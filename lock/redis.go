package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("could not acquire lock")

// Redis is a distributed lock backed by redsync.
//
// A lock that outlives its expiry is released by Redis; ledger writes are
// additionally guarded by expense versions, so an expired lock degrades to an
// ErrConcurrentModification retry instead of a lost update.
type Redis struct {
	rs         *redsync.Redsync
	prefix     string
	expiry     time.Duration
	tries      int
	retryDelay time.Duration
	logger     *slog.Logger
}

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

func WithExpiry(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.expiry = d
		}
	}
}

// WithRetry sets how many times acquisition is attempted and the delay between attempts.
func WithRetry(tries int, delay time.Duration) RedisOption {
	return func(r *Redis) {
		if tries > 0 {
			r.tries = tries
		}
		if delay >= 0 {
			r.retryDelay = delay
		}
	}
}

func WithLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRedis(client goredislib.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		rs:         redsync.New(goredis.NewPool(client)),
		prefix:     "acasinha:lock:",
		expiry:     10 * time.Second,
		tries:      32,
		retryDelay: 50 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if key == "" {
		return ErrEmptyKey
	}

	mutex := r.rs.NewMutex(
		r.prefix+key,
		redsync.WithExpiry(r.expiry),
		redsync.WithTries(r.tries),
		redsync.WithRetryDelay(r.retryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("%w %q: %w", ErrNotAcquired, key, err)
	}
	defer func() {
		ok, err := mutex.UnlockContext(context.WithoutCancel(ctx))
		if err != nil || !ok {
			r.logger.Warn("failed to release lock", "key", key, "error", err)
		}
	}()

	return fn(ctx)
}
