package guildhall

import (
	"github.com/stretchr/testify/assert"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCooldownTracker(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	c := NewCooldownTracker(clock.Now)

	assert.Zero(t, c.Remaining("gamble", "u1", 3*time.Second))

	c.Record("gamble", "u1", 3*time.Second)
	assert.Equal(t, 3*time.Second, c.Remaining("gamble", "u1", 3*time.Second))
	assert.Zero(t, c.Remaining("gamble", "u2", 3*time.Second))
	assert.Zero(t, c.Remaining("pay", "u1", 5*time.Second))

	clock.Advance(2 * time.Second)
	assert.Equal(t, time.Second, c.Remaining("gamble", "u1", 3*time.Second))

	clock.Advance(time.Second)
	assert.Zero(t, c.Remaining("gamble", "u1", 3*time.Second))
}

func TestCooldownTrackerIgnoresZeroCooldown(t *testing.T) {
	t.Parallel()

	c := NewCooldownTracker(newTestClock().Now)
	c.Record("ping", "u1", 0)
	assert.Zero(t, c.Remaining("ping", "u1", time.Minute))
}

func TestCooldownTrackerReset(t *testing.T) {
	t.Parallel()

	c := NewCooldownTracker(newTestClock().Now)
	c.Record("gamble", "u1", time.Minute)
	c.Record("gamble", "u2", time.Minute)
	c.Record("pay", "u1", time.Minute)

	c.Reset("gamble", "u1")
	assert.Zero(t, c.Remaining("gamble", "u1", time.Minute))
	assert.NotZero(t, c.Remaining("gamble", "u2", time.Minute))

	c.ResetCommand("gamble")
	assert.Zero(t, c.Remaining("gamble", "u2", time.Minute))
	assert.NotZero(t, c.Remaining("pay", "u1", time.Minute))
}

func TestCooldownTrackerPrunes(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	c := NewCooldownTracker(clock.Now)
	c.Record("gamble", "u1", time.Minute)

	clock.Advance(maxCooldown + time.Hour)
	c.Record("pay", "u2", time.Minute)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.last, 1)
}

func TestProcessStateOwners(t *testing.T) {
	t.Parallel()

	p := NewProcessState(time.Now())
	p.AddOwners("1", "", "2")
	assert.True(t, p.IsOwner("1"))
	assert.False(t, p.IsOwner(""))
	assert.ElementsMatch(t, []string{"1", "2"}, p.Owners())

	assert.False(t, p.Maintenance())
	p.SetMaintenance(true)
	assert.True(t, p.Maintenance())
}

func TestCooldownTrackerTryAcquire(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	c := NewCooldownTracker(clock.Now)

	remaining, ok := c.TryAcquire("gamble", "u1", 3*time.Second)
	assert.True(t, ok)
	assert.Zero(t, remaining)

	remaining, ok = c.TryAcquire("gamble", "u1", 3*time.Second)
	assert.False(t, ok)
	assert.Equal(t, 3*time.Second, remaining)

	clock.Advance(3 * time.Second)
	_, ok = c.TryAcquire("gamble", "u1", 3*time.Second)
	assert.True(t, ok)

	for i := 0; i < 3; i++ {
		_, ok = c.TryAcquire("ping", "u1", 0)
		assert.True(t, ok)
	}
}

func TestCooldownTrackerTryAcquireConcurrent(t *testing.T) {
	t.Parallel()

	c := NewCooldownTracker(newTestClock().Now)

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.TryAcquire("daily", "u1", time.Hour); ok {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), acquired.Load())
}
