package model

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestRateLimited_MaxCalls(t *testing.T) {
	rl := NewRateLimited(NewMockModel("mock", "mock"), func(o *RateLimitOptions) {
		o.MaxCalls = 1
	})
	_, err := Complete(context.Background(), rl, userRequest("a"))
	require.NoError(t, err)
	_, err = Complete(context.Background(), rl, userRequest("b"))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, "mock", rl.Info().Name)
}

func TestRateLimited_RequestsPerMinute(t *testing.T) {
	clk := newClock()
	rl := NewRateLimited(NewMockModel("mock", "mock"), func(o *RateLimitOptions) {
		o.MaxRequestsPerMinute = 2
		o.Wait = false
		o.Now = clk.Now
	})
	ctx := context.Background()

	assert.Equal(t, 2, rl.RemainingRequests())
	for i := 0; i < 2; i++ {
		_, err := Complete(ctx, rl, userRequest("a"))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, rl.RemainingRequests())

	_, err := Complete(ctx, rl, userRequest("a"))
	assert.ErrorIs(t, err, ErrRateLimited)

	clk.Advance(61 * time.Second)
	assert.Equal(t, 2, rl.RemainingRequests())
	_, err = Complete(ctx, rl, userRequest("a"))
	assert.NoError(t, err)
}

func TestRateLimited_WaitHonoursContext(t *testing.T) {
	clk := newClock()
	rl := NewRateLimited(NewMockModel("mock", "mock"), func(o *RateLimitOptions) {
		o.MaxRequestsPerMinute = 1
		o.Now = clk.Now
	})
	_, err := Complete(context.Background(), rl, userRequest("a"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Complete(ctx, rl, userRequest("a"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimited_DailyTokens(t *testing.T) {
	clk := newClock()
	m := NewMockModel("mock", "mock")
	m.When("count", "one two")
	rl := NewRateLimited(m, func(o *RateLimitOptions) {
		o.MaxRequestsPerMinute = 0
		o.MaxTokensPerDay = 5
		o.Now = clk.Now
	})
	ctx := context.Background()
	assert.Equal(t, -1, rl.RemainingRequests())

	// 2 prompt words + 2 completion words.
	_, err := Complete(ctx, rl, userRequest("count this"))
	require.NoError(t, err)
	usage := rl.Usage()
	assert.Equal(t, Usage{Day: "2026-03-01", Requests: 1, PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4}, usage)
	assert.Equal(t, 1, rl.RemainingTokens())

	_, err = Complete(ctx, rl, userRequest("count this"))
	require.NoError(t, err)
	assert.Equal(t, 0, rl.RemainingTokens())

	_, err = Complete(ctx, rl, userRequest("count this"))
	assert.ErrorIs(t, err, ErrRateLimited)

	clk.Advance(24 * time.Hour)
	assert.Equal(t, 5, rl.RemainingTokens())
	assert.Equal(t, "2026-03-02", rl.Usage().Day)
	_, err = Complete(ctx, rl, userRequest("count this"))
	assert.NoError(t, err)
}
