package ratelimit_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/quiz-arena/internal/ratelimit"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTokenBucket_Burst(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tb := ratelimit.NewWithClock(10, 5, clk.Now)

	for i := 0; i < 5; i++ {
		assert.True(t, tb.Allow(), "request %d", i)
	}
	assert.False(t, tb.Allow())
}

func TestTokenBucket_Refill(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		burst   int
		advance time.Duration
		want    int
	}{
		{name: "partial refill", rate: 10, burst: 5, advance: 200 * time.Millisecond, want: 2},
		{name: "capped at burst", rate: 10, burst: 5, advance: time.Hour, want: 5},
		{name: "slow rate", rate: 0.5, burst: 1, advance: 2 * time.Second, want: 1},
		{name: "no refill", rate: 0, burst: 3, advance: time.Hour, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := &fakeClock{now: time.Unix(0, 0)}
			tb := ratelimit.NewWithClock(tt.rate, tt.burst, clk.Now)
			for tb.Allow() {
			}

			clk.Advance(tt.advance)
			got := 0
			for tb.Allow() {
				got++
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenBucket_AllowN(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tb := ratelimit.NewWithClock(1, 3, clk.Now)

	assert.False(t, tb.AllowN(4))
	assert.InDelta(t, 3, tb.Tokens(), 0.001)
	assert.True(t, tb.AllowN(3))
	assert.InDelta(t, 0, tb.Tokens(), 0.001)
}

func TestTokenBucket_Concurrent(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tb := ratelimit.NewWithClock(0, 100, clk.Now)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if tb.Allow() {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), allowed.Load())
}
