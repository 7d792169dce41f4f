package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemory(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newMemoryLimiter(rate, burst, clk.now)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clk
}

func allowN(t *testing.T, l Limiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		ok, err := l.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiter_BurstThenDeny(t *testing.T) {
	m, _ := newTestMemory(t, 1, 3)
	assert.Equal(t, 3, allowN(t, m, "user:a", 5))
}

func TestMemoryLimiter_Refill(t *testing.T) {
	m, clk := newTestMemory(t, 2, 2)
	assert.Equal(t, 2, allowN(t, m, "user:a", 3))

	clk.advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "user:a", 2), "half a second at 2/s refills one token")

	clk.advance(time.Hour)
	assert.Equal(t, 2, allowN(t, m, "user:a", 3), "refill is capped at burst")
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	m, _ := newTestMemory(t, 1, 1)
	assert.Equal(t, 1, allowN(t, m, "user:a", 2))
	assert.Equal(t, 1, allowN(t, m, "user:b", 2))
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	m, _ := newTestMemory(t, 0, 50)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if ok, _ := m.Allow(context.Background(), "shared"); ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryLimiter_EvictsIdleKeys(t *testing.T) {
	m, clk := newTestMemory(t, 1, 1)
	allowN(t, m, "idle", 1)
	clk.advance(idleTTL / 2)
	allowN(t, m, "recent", 1)
	clk.advance(idleTTL/2 + time.Second)

	m.evict()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "idle")
	assert.Contains(t, m.buckets, "recent")
}

func TestMemoryLimiter_CloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
