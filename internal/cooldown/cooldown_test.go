package cooldown

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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryTrackerWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tracker := NewMemoryTracker().WithClock(clock.Now)

	ok, err := tracker.Allow(ctx, "high_cpu", 300*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Second)
	ok, _ = tracker.Allow(ctx, "high_cpu", 300*time.Second)
	assert.False(t, ok, "second event inside the window must be blocked")

	ok, _ = tracker.Allow(ctx, "high_memory", 300*time.Second)
	assert.True(t, ok, "keys are independent")

	clock.Advance(300 * time.Second)
	ok, _ = tracker.Allow(ctx, "high_cpu", 300*time.Second)
	assert.True(t, ok)
}

func TestMemoryTrackerBlockedEventDoesNotExtendWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	tracker := NewMemoryTracker().WithClock(clock.Now)

	_, _ = tracker.Allow(ctx, "k", 10*time.Second)
	clock.Advance(9 * time.Second)
	ok, _ := tracker.Allow(ctx, "k", 10*time.Second)
	assert.False(t, ok)

	clock.Advance(time.Second)
	ok, _ = tracker.Allow(ctx, "k", 10*time.Second)
	assert.True(t, ok)
}

func TestMemoryTrackerReset(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemoryTracker()

	ok, _ := tracker.Allow(ctx, "k", time.Hour)
	require.True(t, ok)
	require.NoError(t, tracker.Reset(ctx, "k"))

	ok, _ = tracker.Allow(ctx, "k", time.Hour)
	assert.True(t, ok)
	_, found := tracker.LastSent("k")
	assert.True(t, found)
	assert.Len(t, tracker.Snapshot(), 1)
}

func TestMemoryTrackerConcurrentAllowFiresOnce(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemoryTracker()

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := tracker.Allow(ctx, "security_alert", time.Minute); ok {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fired.Load())
}
