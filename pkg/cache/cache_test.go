package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	rediscache "github.com/thefixer3x/onasis-authgate/storage/redis"
)

func testLogger() *logrus.Logger {
	return &logrus.Logger{
		Out:       os.Stderr,
		Formatter: &logrus.TextFormatter{DisableColors: true},
		Level:     logrus.ErrorLevel,
	}
}

func TestGetSetDeleteL1Only(t *testing.T) {
	c := New(testLogger(), Options{})
	defer c.Close()
	ctx := context.Background()

	_, ok := c.Get(ctx, "k")
	require.False(t, ok)

	c.Set(ctx, "k", []byte("v"), time.Minute)
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	c.Delete(ctx, "k")
	_, ok = c.Get(ctx, "k")
	require.False(t, ok)
}

func TestL1EntryExpires(t *testing.T) {
	c := New(testLogger(), Options{})
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(ctx, "k")
	require.False(t, ok, "expired entry must be treated as a miss")
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(testLogger(), Options{Capacity: 2})
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), time.Minute)
	c.Set(ctx, "b", []byte("2"), time.Minute)
	// touch "a" so "b" becomes the least-recently-used entry
	_, _ = c.Get(ctx, "a")
	c.Set(ctx, "c", []byte("3"), time.Minute)

	_, ok := c.Get(ctx, "b")
	require.False(t, ok, "b should have been evicted")
	_, ok = c.Get(ctx, "a")
	require.True(t, ok, "a was touched more recently and should survive")
	_, ok = c.Get(ctx, "c")
	require.True(t, ok)
}

type fakeL2 struct {
	data map[string][]byte
	getN int
}

func newFakeL2() *fakeL2 { return &fakeL2{data: make(map[string][]byte)} }

func (f *fakeL2) Get(ctx context.Context, key string) ([]byte, error) {
	f.getN++
	v, ok := f.data[key]
	if !ok {
		return nil, rediscache.ErrMiss
	}
	return v, nil
}

func (f *fakeL2) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	f.data[key] = val
	return nil
}

func (f *fakeL2) Delete(ctx context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func TestL2FallthroughPopulatesL1(t *testing.T) {
	l2 := newFakeL2()
	c := New(testLogger(), Options{L2: l2})
	defer c.Close()
	ctx := context.Background()

	l2.data["k"] = []byte("from-l2")

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, []byte("from-l2"), v)

	// Second read must be served from L1 without another L2 round trip.
	calls := l2.getN
	v, ok = c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, []byte("from-l2"), v)
	require.Equal(t, calls, l2.getN, "second read should hit L1, not L2")
}
