package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codecollab/collab-server/internal/protocol"
	"github.com/codecollab/collab-server/internal/ratelimit"
)

// fakeLimiter allows the first n calls per identifier and then denies.
type fakeLimiter struct {
	n     int
	calls map[string]int
	retry time.Duration
	err   error
}

func (f *fakeLimiter) Allow(ctx context.Context, id string, rule ratelimit.Rule) (bool, error) {
	if f.err != nil {
		return true, f.err
	}
	f.calls[id]++
	return f.calls[id] <= f.n, nil
}

func (f *fakeLimiter) RetryAfter(ctx context.Context, id string, rule ratelimit.Rule) (time.Duration, error) {
	return f.retry, nil
}

type replies [][]byte

func (r *replies) write(data []byte) error {
	*r = append(*r, data)
	return nil
}

func TestAllowRepliesRateLimited(t *testing.T) {
	tests := []struct {
		name  string
		retry time.Duration
		want  int
	}{
		{"rounds up", 2300 * time.Millisecond, 3},
		{"whole seconds", 4 * time.Second, 4},
		{"never below one", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &handlers{limiter: &fakeLimiter{n: 1, calls: map[string]int{}, retry: tt.retry}}
			var out replies

			assert.True(t, h.allow("s1", out.write, protocol.TypeChatMessage, ratelimit.RuleChat))
			assert.Empty(t, out)

			assert.False(t, h.allow("s1", out.write, protocol.TypeChatMessage, ratelimit.RuleChat))
			require.Len(t, out, 1)

			var msg protocol.RateLimitedMsg
			require.NoError(t, json.Unmarshal(out[0], &msg))
			assert.Equal(t, protocol.TypeRateLimited, msg.Type)
			assert.Equal(t, tt.want, msg.RetryAfter)
		})
	}
}

func TestAllowIsPerSession(t *testing.T) {
	h := &handlers{limiter: &fakeLimiter{n: 1, calls: map[string]int{}}}
	var out replies

	assert.True(t, h.allow("s1", out.write, protocol.TypeCodeChange, ratelimit.RuleCodeChange))
	assert.True(t, h.allow("s2", out.write, protocol.TypeCodeChange, ratelimit.RuleCodeChange))
	assert.False(t, h.allow("s1", out.write, protocol.TypeCodeChange, ratelimit.RuleCodeChange))
	assert.Len(t, out, 1)
}

func TestAllowFailsOpen(t *testing.T) {
	h := &handlers{limiter: &fakeLimiter{err: errors.New("redis down")}}
	var out replies

	for i := 0; i < 3; i++ {
		assert.True(t, h.allow("s1", out.write, protocol.TypeChatMessage, ratelimit.RuleChat))
	}
	assert.Empty(t, out)
}

func TestAllowNilLimiter(t *testing.T) {
	var l *ratelimit.Limiter
	h := &handlers{limiter: l}
	var out replies

	assert.True(t, h.allow("s1", out.write, protocol.TypeChatMessage, ratelimit.RuleChat))
	assert.Empty(t, out)
}
