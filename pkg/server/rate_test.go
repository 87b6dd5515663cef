package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets bucket tests advance time without sleeping
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTokenBucketDrainsAndRefills(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	g := NewRateGuard(3, 1) // 3 tokens, 1/sec
	g.now = clock.now

	for i := 0; i < 3; i++ {
		assert.True(t, g.Allow("10.0.0.1"), "request %d should pass", i)
	}
	assert.False(t, g.Allow("10.0.0.1"), "bucket is empty")

	// Denied requests don't consume; after 1s exactly one token is back
	clock.advance(time.Second)
	assert.True(t, g.Allow("10.0.0.1"))
	assert.False(t, g.Allow("10.0.0.1"))

	// Refill caps at capacity
	clock.advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, g.Allow("10.0.0.1"))
	}
	assert.False(t, g.Allow("10.0.0.1"))
}

func TestTokenBucketPerIP(t *testing.T) {
	g := NewRateGuard(1, 0.001)
	assert.True(t, g.Allow("10.0.0.1"))
	assert.False(t, g.Allow("10.0.0.1"))
	assert.True(t, g.Allow("10.0.0.2"), "buckets are independent per IP")
}

func TestTokenBucketFailsClosedOnEmptyIP(t *testing.T) {
	g := NewRateGuard(100, 100)
	assert.False(t, g.Allow(""))
}

func TestTokenBucketCleanup(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	g := NewRateGuard(5, 1)
	g.now = clock.now

	g.Allow("10.0.0.1")
	g.Allow("10.0.0.2")
	clock.advance(5 * time.Minute)
	g.Allow("10.0.0.2") // refreshes this bucket

	removed := g.Cleanup(time.Minute)
	assert.Equal(t, 1, removed)
}

func TestSlidingWindowExactCap(t *testing.T) {
	c := newConn(1, "alice", nil)
	window := 10 * time.Second
	start := time.Unix(2000, 0)

	// Exactly max sends within the window pass
	for i := 0; i < 30; i++ {
		assert.True(t, c.allowMessage(30, window, start.Add(time.Duration(i)*100*time.Millisecond)),
			"send %d should pass", i)
	}
	// The next one in the same window is rejected
	assert.False(t, c.allowMessage(30, window, start.Add(5*time.Second)))

	// After the window fully elapses sending works again
	assert.True(t, c.allowMessage(30, window, start.Add(window+3*time.Second)))
}

func TestSlidingWindowEvictsOldEntries(t *testing.T) {
	c := newConn(1, "alice", nil)
	window := 10 * time.Second
	start := time.Unix(2000, 0)

	for i := 0; i < 30; i++ {
		c.allowMessage(30, window, start)
	}
	assert.False(t, c.allowMessage(30, window, start.Add(time.Second)))

	// One second past the original burst's eviction horizon the whole
	// batch ages out at once
	assert.True(t, c.allowMessage(30, window, start.Add(window+time.Second)))
	assert.Len(t, c.sendTimes, 1, "history stays bounded")
}
