package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestRedisGetSetDeleteIncr(t *testing.T) {
	addr := os.Getenv("AUTHGATE_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUTHGATE_REDIS_ADDR not set, skipping live redis test")
	}

	logger := &logrus.Logger{
		Out:       os.Stderr,
		Formatter: &logrus.TextFormatter{DisableColors: true},
		Level:     logrus.DebugLevel,
	}
	c := (&Config{Addrs: []string{addr}}).open(logger)
	defer c.Close()
	ctx := context.Background()

	key := "authgate-test:oauth_state:" + time.Now().String()
	defer c.Delete(ctx, key)

	_, err := c.Get(ctx, key)
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, key, []byte("hello"), time.Minute))
	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	require.NoError(t, c.Delete(ctx, key))
	_, err = c.Get(ctx, key)
	require.ErrorIs(t, err, ErrMiss)

	counterKey := "authgate-test:ratelimit:" + time.Now().String()
	defer c.Delete(ctx, counterKey)
	for i := int64(1); i <= 3; i++ {
		n, err := c.Incr(ctx, counterKey, time.Minute)
		require.NoError(t, err)
		require.Equal(t, i, n)
	}
}
