// ABOUTME: Tests for the replay nonce cache
// ABOUTME: Validates TTL expiry, per-agent keys, size bounds, cleanup and concurrency safety

package replay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

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

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return newCache(ttl, size, clock.Now), clock
}

func TestCache_SeenTwice(t *testing.T) {
	c, _ := newTestCache(time.Minute, 100)

	assert.False(t, c.Seen(Key("agent-1", "n1")))
	assert.True(t, c.Seen(Key("agent-1", "n1")))
}

func TestCache_KeysArePerAgent(t *testing.T) {
	c, _ := newTestCache(time.Minute, 100)

	assert.False(t, c.Seen(Key("agent-1", "n1")))
	assert.False(t, c.Seen(Key("agent-2", "n1")))
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 100)

	assert.False(t, c.Seen("k"))
	clock.Advance(59 * time.Second)
	assert.True(t, c.Seen("k"))
	clock.Advance(2 * time.Second)
	assert.False(t, c.Seen("k"), "expired nonce is accepted again")
}

func TestCache_SizeBound(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)

	for i := range 5 {
		c.Seen(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("k0"), "oldest entry was evicted")
	assert.True(t, c.Seen("k4"))
}

func TestCache_Cleanup(t *testing.T) {
	c, clock := newTestCache(time.Minute, 100)

	c.Seen("old")
	clock.Advance(30 * time.Second)
	c.Seen("new")
	clock.Advance(45 * time.Second)

	c.runCleanup()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("new"))
}

func TestCache_Concurrent(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("same-nonce") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
