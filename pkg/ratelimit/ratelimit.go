// Package ratelimit implements the sliding-window limiter described in
// spec §4.8: per-key windows keyed by remote IP, client_id, or user_id
// depending on the endpoint class, with a fail-open failure policy — a
// backing-store outage allows the request rather than denying it, since
// denying every request during an infrastructure blip is worse for
// availability than temporarily under-enforcing a limit.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	rediscache "github.com/thefixer3x/onasis-authgate/storage/redis"
)

// Decision is the result of a Limiter.Allow call.
type Decision struct {
	Allowed bool
	// ResetAt is when the caller may retry if Allowed is false — used to
	// populate the 429 response's reset_time metadata (spec §4.8).
	ResetAt time.Time
}

// durableCounter is the subset of storage/redis.Client this package uses.
// A nil durableCounter means no L2 is configured and every key is limited
// in-process only — per-replica, not cluster-wide, which is the stated
// trade-off of running without a durable KV (spec §4.8: "durable KV when
// available; in-process otherwise").
type durableCounter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter enforces a sliding-window limit per key. The zero value is not
// usable; construct with New.
type Limiter struct {
	durable durableCounter
	logger  logrus.FieldLogger

	mu       sync.Mutex
	inproc   map[string]*list.List // key -> ordered list of hit timestamps
	lastUsed map[string]time.Time
}

// New constructs a Limiter. durable may be nil, in which case every key is
// tracked in-process only.
func New(durable durableCounter, logger logrus.FieldLogger) *Limiter {
	return &Limiter{
		durable:  durable,
		logger:   logger,
		inproc:   make(map[string]*list.List),
		lastUsed: make(map[string]time.Time),
	}
}

// Allow records a hit against key and reports whether it falls within
// limit over the trailing window. On any backing-store failure it logs
// and allows the request (fail-open).
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if l.durable != nil {
		d, err := l.allowDurable(ctx, key, limit, window)
		if err != nil {
			l.logger.WithError(err).WithField("key", key).Warn("ratelimit: durable counter failed, failing open")
			return Decision{Allowed: true}
		}
		return d
	}
	return l.allowInProcess(key, limit, window)
}

// allowDurable uses the L2 fixed-window INCR/EXPIRE primitive
// (storage/redis.Client.Incr): the TTL is armed on the first hit of a
// window rather than the true per-timestamp sliding log spec §4.8
// describes, trading precision at the window boundary (a burst can land
// up to ~2x limit across two adjacent windows) for a single atomic
// round-trip instead of a sorted-set eviction scan on every request —
// the same trade-off a fixed-window counter always makes over a sliding
// log, and the one the durable tier's only counting primitive supports.
func (l *Limiter) allowDurable(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	n, err := l.durable.Incr(ctx, key, window)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: n <= int64(limit), ResetAt: time.Now().Add(window)}, nil
}

// allowInProcess implements the spec's algorithm precisely: evict hits
// older than now-window, count what remains, and append now only if the
// request is accepted.
func (l *Limiter) allowInProcess(key string, limit int, window time.Duration) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	hits, ok := l.inproc[key]
	if !ok {
		hits = list.New()
		l.inproc[key] = hits
	}
	l.lastUsed[key] = now

	cutoff := now.Add(-window)
	for front := hits.Front(); front != nil; {
		next := front.Next()
		if front.Value.(time.Time).Before(cutoff) {
			hits.Remove(front)
		}
		front = next
	}

	if hits.Len() >= limit {
		resetAt := now
		if oldest := hits.Front(); oldest != nil {
			resetAt = oldest.Value.(time.Time).Add(window)
		}
		return Decision{Allowed: false, ResetAt: resetAt}
	}

	hits.PushBack(now)
	return Decision{Allowed: true, ResetAt: now.Add(window)}
}

// Sweep removes in-process key state untouched for longer than idleAfter,
// so a limiter tracking a high-cardinality key space (e.g. per-IP) doesn't
// grow unbounded. Callers run this periodically, the same way pkg/cache
// sweeps expired L1 entries.
func (l *Limiter) Sweep(idleAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-idleAfter)
	for key, last := range l.lastUsed {
		if last.Before(cutoff) {
			delete(l.inproc, key)
			delete(l.lastUsed, key)
		}
	}
}

// compile-time assurance that storage/redis.Client satisfies durableCounter.
var _ durableCounter = (*rediscache.Client)(nil)
