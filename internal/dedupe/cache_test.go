// ABOUTME: Tests for the TTL dedupe cache
// ABOUTME: Validates expiry, size limits, capped lazy sweeps and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, maxSize)
	c.now = clock.Now
	return c, clock
}

func TestCache_CheckAndMark(t *testing.T) {
	c, _ := newTestCache(time.Minute, 100)

	assert.False(t, c.CheckAndMark("a"), "first sighting is new")
	assert.True(t, c.CheckAndMark("a"), "second sighting is a duplicate")
	assert.False(t, c.CheckAndMark("b"))
}

func TestCache_Check_DoesNotMark(t *testing.T) {
	c, _ := newTestCache(time.Minute, 100)

	assert.False(t, c.Check("a"))
	assert.False(t, c.Check("a"))
	c.CheckAndMark("a")
	assert.True(t, c.Check("a"))
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c, clock := newTestCache(time.Minute, 100)

	c.CheckAndMark("a")
	clock.Advance(59 * time.Second)
	assert.True(t, c.Check("a"))

	clock.Advance(time.Second)
	assert.False(t, c.CheckAndMark("a"), "a repeat after the TTL is new")
	assert.True(t, c.CheckAndMark("a"))
}

func TestCache_DuplicateRefreshesWindow(t *testing.T) {
	c, clock := newTestCache(time.Minute, 100)

	c.CheckAndMark("a")
	clock.Advance(50 * time.Second)
	assert.True(t, c.CheckAndMark("a"))
	clock.Advance(50 * time.Second)
	assert.True(t, c.CheckAndMark("a"), "window restarts at the last sighting")
}

func TestCache_MaxSizeEvictsOldest(t *testing.T) {
	c, clock := newTestCache(time.Hour, 3)

	for _, k := range []string{"a", "b", "c"} {
		c.CheckAndMark(k)
		clock.Advance(time.Second)
	}
	c.CheckAndMark("d")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Check("a"), "oldest entry evicted")
	assert.True(t, c.Check("b"))
	assert.True(t, c.Check("d"))
}

func TestCache_SweepIsCappedPerLookup(t *testing.T) {
	c, clock := newTestCache(time.Minute, 0)
	c.sweepBatch = 4
	c.sweepEvery = 1000

	for i := range 20 {
		c.CheckAndMark(fmt.Sprintf("old-%d", i))
	}
	clock.Advance(2 * time.Minute)

	c.Check("lookup")
	assert.Equal(t, 16, c.Len(), "one lookup removes at most sweepBatch entries")

	c.Check("lookup")
	assert.Equal(t, 12, c.Len())
}

func TestCache_PeriodicFullSweep(t *testing.T) {
	c, clock := newTestCache(time.Minute, 0)
	c.sweepBatch = 1
	c.sweepEvery = 5

	for i := range 50 {
		c.CheckAndMark(fmt.Sprintf("old-%d", i))
	}
	// 50 lookups so far, lookups%5 == 0 on the next multiple of five
	clock.Advance(2 * time.Minute)

	for range 4 {
		c.Check("lookup")
	}
	assert.Equal(t, 46, c.Len())

	c.Check("lookup")
	assert.Equal(t, 0, c.Len(), "every sweepEvery-th lookup sweeps everything expired")
}

func TestCache_SweepStopsAtFirstLiveEntry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 0)
	c.sweepEvery = 1

	c.CheckAndMark("old")
	clock.Advance(50 * time.Second)
	c.CheckAndMark("young")
	clock.Advance(20 * time.Second)

	c.Check("lookup")
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Check("young"))
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(time.Minute, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				if !c.CheckAndMark(fmt.Sprintf("k-%d", (g*200+i)%400)) {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, fresh, "each distinct key is new exactly once")
}
