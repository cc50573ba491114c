package limiter

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/kvstore"
)

const keyPrefix = "login_attempts:"

// KV is a limiter over the shared key-value store. Counters live under a
// sliding TTL window refreshed on every failure.
type KV struct {
	store    kvstore.Store
	window   time.Duration
	maxFails int
	log      *zap.Logger
}

// KVOption customizes a KV limiter.
type KVOption func(*KV)

// WithLogger sets the logger for store problems the limiter recovers from.
func WithLogger(l *zap.Logger) KVOption {
	return func(k *KV) {
		if l != nil {
			k.log = l
		}
	}
}

// NewKV constructs a key-value store backed limiter.
func NewKV(store kvstore.Store, window time.Duration, maxFails int, opts ...KVOption) *KV {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxFails <= 0 {
		maxFails = DefaultMaxFails
	}
	l := &KV{store: store, window: window, maxFails: maxFails, log: zap.NewNop()}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *KV) key(identity string) string {
	return keyPrefix + hex.EncodeToString(HashKey(identity))
}

// Allow denies once the failure count in the current window reached maxFails.
func (l *KV) Allow(ctx context.Context, identity string) (bool, time.Duration, error) {
	k := l.key(identity)
	v, err := l.store.Get(ctx, k)
	if errors.Is(err, errs.ErrNotFound) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	fails, err := strconv.Atoi(v)
	if err != nil {
		// corrupt counter: drop it rather than lock the identity out
		if derr := l.store.Del(ctx, k); derr != nil {
			l.log.Warn("corrupt attempt counter not deleted", zap.String("key", k), zap.Error(derr))
		}
		return true, 0, nil
	}
	if fails < l.maxFails {
		return true, 0, nil
	}
	ttl, err := l.store.TTL(ctx, k)
	if err != nil || ttl <= 0 {
		ttl = l.window
	}
	return false, ttl, nil
}

// Success clears the counter.
func (l *KV) Success(ctx context.Context, identity string) error {
	return l.store.Del(ctx, l.key(identity))
}

// Failure increments the counter and slides the window.
func (l *KV) Failure(ctx context.Context, identity string) (bool, time.Duration, error) {
	n, err := l.store.IncrExpire(ctx, l.key(identity), l.window)
	if err != nil {
		return false, 0, err
	}
	if n >= int64(l.maxFails) {
		return true, l.window, nil
	}
	return false, 0, nil
}
