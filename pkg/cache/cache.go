// Package cache implements the tiered cache described in spec §4.4: a
// bounded in-process L1, an optional durable L2, and the relational store
// (storage.Storage) as the always-present L3. Reads are checked top-down
// and populate the layers they missed; writes and deletes go out to every
// layer that is configured. L1/L2 are accelerators only — a L1+L2 outage
// must never cause a read or write to fail, only to fall through to L3.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	rediscache "github.com/thefixer3x/onasis-authgate/storage/redis"
)

// L2 is the durable, cross-instance cache tier. storage/redis.Client
// satisfies it; a deployment with no durable KV configured simply leaves
// this nil and runs L1-straight-to-L3.
type L2 interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// entry is one L1 row.
type entry struct {
	key      string
	val      []byte
	expireAt time.Time
	elem     *list.Element
}

// Cache is the L1+L2 tiered accelerator sitting in front of an
// authoritative store. The zero value is not usable; construct with New.
type Cache struct {
	mu       sync.Mutex
	items    map[string]*entry
	order    *list.List // front = most recently used
	capacity int

	l2     L2
	logger logrus.FieldLogger

	stopSweep chan struct{}
}

// Options configures a Cache.
type Options struct {
	// Capacity bounds the number of L1 entries; the least-recently-used
	// entry is evicted once it is exceeded. Zero means unbounded (rely on
	// TTL expiry alone).
	Capacity int
	// SweepInterval controls how often the background goroutine walks L1
	// evicting expired entries; defaults to time.Minute.
	SweepInterval time.Duration
	// L2 is the optional durable tier. Nil means L1 falls straight
	// through to L3 on every miss.
	L2 L2
}

// New constructs a Cache and starts its background expired-entry sweep.
// Callers must call Close to stop the sweep goroutine.
func New(logger logrus.FieldLogger, opts Options) *Cache {
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	c := &Cache{
		items:     make(map[string]*entry),
		order:     list.New(),
		capacity:  opts.Capacity,
		l2:        opts.L2,
		logger:    logger,
		stopSweep: make(chan struct{}),
	}
	go c.sweepLoop(sweep)
	return c
}

func (c *Cache) sweepLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case now := <-t.C:
			c.sweep(now)
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.items {
		if !now.Before(e.expireAt) {
			c.removeLocked(key)
		}
	}
}

// Close stops the background sweep goroutine. It does not close L2 — the
// caller owns that client's lifecycle.
func (c *Cache) Close() {
	close(c.stopSweep)
}

// Get checks L1, then L2, populating L1 on an L2 hit. ok is false on a
// miss at every configured layer; it never returns an error — a cache is
// not allowed to fail a request, only to report "not here".
func (c *Cache) Get(ctx context.Context, key string) (val []byte, ok bool) {
	if v, found := c.getL1(key); found {
		return v, true
	}
	if c.l2 == nil {
		return nil, false
	}
	v, err := c.l2.Get(ctx, key)
	if err != nil {
		// Covers both a plain miss and an L2 failure; either way L3 is
		// the caller's next stop, so there is nothing further to do here
		// beyond noting a real failure for operators.
		if !isMiss(err) {
			c.logger.WithError(err).WithField("key", key).Warn("cache: l2 get failed, degrading to l3")
		}
		return nil, false
	}
	// Re-populate L1 with a short default TTL; the caller's subsequent
	// Set call (if any) will overwrite it with the authoritative TTL.
	c.setL1(key, v, time.Minute)
	return v, true
}

// Set writes val to every configured layer with the given TTL. L1 and L2
// writes never block the caller's own write to L3; failures are logged
// and swallowed.
func (c *Cache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	c.setL1(key, val, ttl)
	if c.l2 == nil {
		return
	}
	if err := c.l2.Set(ctx, key, val, ttl); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache: l2 set failed")
	}
}

// Delete removes key from every configured layer. Used on invalidation —
// e.g. an admin disabling an OAuthClient, or a code/session being
// consumed.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	c.removeLocked(key)
	c.mu.Unlock()

	if c.l2 == nil {
		return
	}
	if err := c.l2.Delete(ctx, key); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache: l2 delete failed")
	}
}

func (c *Cache) getL1(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.items[key]
	if !found {
		return nil, false
	}
	if !time.Now().Before(e.expireAt) {
		c.removeLocked(key)
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.val, true
}

func (c *Cache) setL1(key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, found := c.items[key]; found {
		e.val = val
		e.expireAt = time.Now().Add(ttl)
		c.order.MoveToFront(e.elem)
		return
	}

	e := &entry{key: key, val: val, expireAt: time.Now().Add(ttl)}
	e.elem = c.order.PushFront(key)
	c.items[key] = e

	if c.capacity > 0 && len(c.items) > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.removeLocked(oldest.Value.(string))
		}
	}
}

// removeLocked deletes key from L1. Callers must hold c.mu.
func (c *Cache) removeLocked(key string) {
	e, found := c.items[key]
	if !found {
		return
	}
	c.order.Remove(e.elem)
	delete(c.items, key)
}

func isMiss(err error) bool {
	return errors.Is(err, rediscache.ErrMiss)
}
