package lockstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAcquire_GrantedWhenEmpty(t *testing.T) {
	clk := newFakeClock()
	s := NewMemoryStore().WithClock(clk.Now)

	res := s.Acquire("hostX", "c1", 10*time.Second)
	require.True(t, res.Granted)
	assert.Equal(t, "c1", res.Lock.HolderID)
	assert.Equal(t, clk.Now().Add(10*time.Second), res.Lock.ExpiresAt)
}

func TestAcquire_DeniedForOtherHolder(t *testing.T) {
	s := NewMemoryStore()
	require.True(t, s.Acquire("hostX", "c1", time.Minute).Granted)

	res := s.Acquire("hostX", "c2", time.Minute)
	assert.False(t, res.Granted)
	assert.Equal(t, "c1", res.ExistingHolder)
}

func TestAcquire_RenewalBySameHolderExtendsExpiry(t *testing.T) {
	clk := newFakeClock()
	s := NewMemoryStore().WithClock(clk.Now)

	first := s.Acquire("hostX", "c1", 10*time.Second)
	clk.Advance(5 * time.Second)
	second := s.Acquire("hostX", "c1", 10*time.Second)

	require.True(t, second.Granted)
	assert.Equal(t, first.Lock.AcquiredAt, second.Lock.AcquiredAt)
	assert.True(t, second.Lock.ExpiresAt.After(first.Lock.ExpiresAt))
}

func TestAcquire_GrantedAfterExpiry(t *testing.T) {
	clk := newFakeClock()
	s := NewMemoryStore().WithClock(clk.Now)

	require.True(t, s.Acquire("hostX", "c1", 10*time.Second).Granted)
	clk.Advance(10 * time.Second)

	res := s.Acquire("hostX", "c2", 10*time.Second)
	require.True(t, res.Granted)
	assert.Equal(t, "c2", res.Lock.HolderID)
}

func TestRelease_NoopForNonHolder(t *testing.T) {
	s := NewMemoryStore()
	require.True(t, s.Acquire("hostX", "c1", time.Minute).Granted)

	assert.False(t, s.Release("hostX", "c2"))
	l, ok := s.Get("hostX")
	require.True(t, ok)
	assert.Equal(t, "c1", l.HolderID)

	assert.True(t, s.Release("hostX", "c1"))
	_, ok = s.Get("hostX")
	assert.False(t, ok)
}

func TestSweep_CollectsExpiredWithoutRelease(t *testing.T) {
	clk := newFakeClock()
	s := NewMemoryStore().WithClock(clk.Now)
	s.Acquire("hostA", "c1", 10*time.Second)
	s.Acquire("hostB", "c2", time.Minute)

	assert.Equal(t, 0, s.Sweep(clk.Now().Add(9*time.Second)))
	assert.Equal(t, 1, s.Sweep(clk.Now().Add(10*time.Second)))
	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("hostA")
	assert.False(t, ok)
}

func TestAcquire_ConcurrentCallersOnlyOneGranted(t *testing.T) {
	s := NewMemoryStore()
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.Acquire("hostX", fmt.Sprintf("caller-%d", i), time.Minute).Granted {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestRun_SweepsOnInterval(t *testing.T) {
	s := NewMemoryStore()
	s.Acquire("hostX", "c1", 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Run(ctx, s, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}
