package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewLimiter(client)
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	ctx := context.Background()

	ok, err := l.Allow(ctx, "anyone", RuleChat)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := l.Remaining(ctx, "anyone", RuleChat)
	require.NoError(t, err)
	assert.Equal(t, RuleChat.Limit, n)

	d, err := l.RetryAfter(ctx, "anyone", RuleChat)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestAllowUntilLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:allow:", Limit: 3, Window: 5 * time.Second}
	id := time.Now().Format("150405.000000")

	n, err := l.Remaining(ctx, id, rule)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "untouched identifier has the full budget")

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, id, rule)
		require.NoError(t, err)
		require.True(t, ok, "request #%d within limit", i)
	}

	ok, err := l.Allow(ctx, id, rule)
	require.NoError(t, err)
	assert.False(t, ok, "fourth request denied")

	n, err = l.Remaining(ctx, id, rule)
	require.NoError(t, err)
	assert.Zero(t, n)

	retry, err := l.RetryAfter(ctx, id, rule)
	require.NoError(t, err)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, rule.Window)
}

func TestWindowExpires(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:expire:", Limit: 1, Window: 1 * time.Second}
	id := time.Now().Format("150405.000000")

	ok, _ := l.Allow(ctx, id, rule)
	require.True(t, ok, "first request")
	ok, _ = l.Allow(ctx, id, rule)
	require.False(t, ok, "second request inside window")

	time.Sleep(1500 * time.Millisecond)
	ok, _ = l.Allow(ctx, id, rule)
	assert.True(t, ok, "request after window expired")
}
