package ratelimit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var errDurableUnavailable = errors.New("simulated durable store outage")

func testLogger() *logrus.Logger {
	return &logrus.Logger{
		Out:       os.Stderr,
		Formatter: &logrus.TextFormatter{DisableColors: true},
		Level:     logrus.ErrorLevel,
	}
}

func TestInProcessAllowsUpToLimitThenDenies(t *testing.T) {
	l := New(nil, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
		require.True(t, d.Allowed, "request %d should be within limit", i)
	}
	d := l.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
	require.False(t, d.Allowed)
	require.False(t, d.ResetAt.IsZero())
}

func TestInProcessWindowSlidesOpen(t *testing.T) {
	l := New(nil, testLogger())
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "k", 1, 5*time.Millisecond).Allowed)
	require.False(t, l.Allow(ctx, "k", 1, 5*time.Millisecond).Allowed)

	time.Sleep(10 * time.Millisecond)
	require.True(t, l.Allow(ctx, "k", 1, 5*time.Millisecond).Allowed, "the old hit should have aged out of the window")
}

func TestDifferentKeysAreIndependent(t *testing.T) {
	l := New(nil, testLogger())
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "a", 1, time.Minute).Allowed)
	require.True(t, l.Allow(ctx, "b", 1, time.Minute).Allowed)
	require.False(t, l.Allow(ctx, "a", 1, time.Minute).Allowed)
}

func TestSweepRemovesIdleKeys(t *testing.T) {
	l := New(nil, testLogger())
	ctx := context.Background()

	l.Allow(ctx, "stale", 5, time.Minute)
	require.Contains(t, l.inproc, "stale")

	time.Sleep(5 * time.Millisecond)
	l.Sweep(time.Millisecond)
	require.NotContains(t, l.inproc, "stale")
}

type fakeDurable struct {
	counts map[string]int64
	err    error
}

func (f *fakeDurable) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	return f.counts[key], nil
}

func TestDurableBackendDeniesOverLimit(t *testing.T) {
	d := &fakeDurable{counts: make(map[string]int64)}
	l := New(d, testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.True(t, l.Allow(ctx, "client:abc", 2, time.Minute).Allowed)
	}
	require.False(t, l.Allow(ctx, "client:abc", 2, time.Minute).Allowed)
}

func TestDurableBackendFailsOpen(t *testing.T) {
	backend := &fakeDurable{counts: make(map[string]int64), err: errDurableUnavailable}
	l := New(backend, testLogger())

	decision := l.Allow(context.Background(), "client:abc", 1, time.Minute)
	require.True(t, decision.Allowed, "a durable-store failure must fail open, not deny the request")
}
