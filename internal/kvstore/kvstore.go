// Package kvstore adapts the shared key-value cache used for token revocation
// and failed-login counters.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/and161185/authgate/internal/errs"
)

// Store is the subset of cache operations the gateway relies on.
// Implementations must make IncrExpire atomic.
type Store interface {
	// Get returns the value stored at key or errs.ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value with a TTL; ttl <= 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments the counter at key.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// IncrExpire increments key and (re)sets its TTL in one transaction.
	IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key, 0 if missing or persistent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Del removes key; missing keys are not an error.
	Del(ctx context.Context, key string) error
}

// Options tune the Redis client.
type Options struct {
	URL         string
	PoolSize    int
	MaxRetries  int
	DialTimeout time.Duration
}

// Redis implements Store on top of go-redis.
type Redis struct {
	client *redis.Client
}

// NewRedis parses the URL, dials and pings the server.
func NewRedis(ctx context.Context, o Options) (*Redis, error) {
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if o.PoolSize > 0 {
		opts.PoolSize = o.PoolSize
	}
	// -1 disables retries.
	if o.MaxRetries != 0 {
		opts.MaxRetries = o.MaxRetries
	}
	opts.DialTimeout = 5 * time.Second
	if o.DialTimeout > 0 {
		opts.DialTimeout = o.DialTimeout
	}
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(c *redis.Client) *Redis { return &Redis{client: c} }

// Get returns the value stored at key.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", errs.ErrNotFound
	}
	return v, err
}

// Set stores value with a TTL.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Incr increments the counter at key.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

// Expire sets a TTL on key.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// IncrExpire runs INCR and EXPIRE inside MULTI/EXEC.
func (r *Redis) IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// TTL returns the remaining lifetime of key.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// -1 (no expiry) and -2 (missing) come back as negative durations.
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Del removes key.
func (r *Redis) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *Redis) Close() error { return r.client.Close() }
