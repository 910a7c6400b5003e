// Package redis is the optional L2 durable cache tier (spec §4.4). It is
// never the system of record — storage/sql (or storage/memory in tests)
// is — and every method here is best-effort: callers degrade to the L3
// store on any error rather than treat a Redis outage as a hard failure.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const defaultStorageTimeout = 5 * time.Second

// ErrMiss is returned by Get when the key is absent. It is a plain cache
// miss, not an error condition callers should log or retry.
var ErrMiss = errors.New("cache: miss")

// Client is a thin cache.L2 implementation over go-redis's UniversalClient,
// so the same code addresses a single node, a cluster, or a Sentinel setup
// depending on how Config.Addrs is populated.
type Client struct {
	db     redisv8.UniversalClient
	logger logrus.FieldLogger
}

func (c *Client) Close() error {
	return c.db.Close()
}

// Get returns the raw bytes stored under key, or ErrMiss if absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	val, err := c.db.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redisv8.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, nil
}

// Set stores val under key with the given TTL. A zero ttl means "forever",
// which callers should only use for values they will explicitly delete.
func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	if err := c.db.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	if err := c.db.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Incr atomically increments the counter at key, setting its TTL to window
// the first time the key is created (it will not be refreshed by later
// increments), and returns the post-increment value. This is the primitive
// the sliding-window rate limiter (pkg/ratelimit) builds on when a durable
// L2 is configured, so limits are shared across every gateway replica
// rather than tracked per-process.
func (c *Client) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	n, err := c.db.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", key, err)
	}
	if n == 1 {
		// First hit in this window: arm expiry so the counter resets
		// instead of growing forever. A crash between Incr and Expire
		// leaves a key that never expires; pkg/ratelimit treats that as
		// fail-open territory, not a correctness requirement.
		if err := c.db.Expire(ctx, key, window).Err(); err != nil {
			return n, fmt.Errorf("redis expire %q: %w", key, err)
		}
	}
	return n, nil
}
