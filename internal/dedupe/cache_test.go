// ABOUTME: Tests for the dedupe cache used to drop redelivered Matrix events.
// ABOUTME: Validates TTL expiration, size limits, eviction, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Seen_FirstDelivery(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("$event1"), "first delivery is not a duplicate")
	assert.True(t, cache.Seen("$event1"), "second delivery is")
}

func TestCache_Seen_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("$event1"))

	time.Sleep(20 * time.Millisecond)

	// After the TTL a redelivery is treated as new again
	assert.False(t, cache.Seen("$event1"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Seen("$a")
	cache.Seen("$b")
	cache.Seen("$c")
	cache.Seen("$d") // evicts $a

	assert.False(t, cache.Seen("$a"), "oldest entry was evicted")
	assert.True(t, cache.Seen("$d"))
}

func TestCache_RunCleanup(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Seen("$event1")
	time.Sleep(20 * time.Millisecond)
	cache.runCleanup()

	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Empty(t, cache.seen)
	assert.Zero(t, cache.order.Len())
}

func TestCache_ConcurrentSeen(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	// For each event ID, exactly one of the racing deliveries may win
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := make(map[string]int)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("$event%d", i)
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !cache.Seen(key) {
					mu.Lock()
					wins[key]++
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	for key, n := range wins {
		assert.Equal(t, 1, n, "event %s processed more than once", key)
	}
	assert.Len(t, wins, 50)
}

func TestCache_Close_Idempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
