// ABOUTME: Tests for the idempotency cache used by the chat service.
// ABOUTME: Validates reservation, completion, release, TTL expiry, eviction and concurrency.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// newManualCache returns a cache whose clock only moves when advanced.
func newManualCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, func(time.Duration)) {
	t.Helper()
	cache := New(ttl, maxSize)
	t.Cleanup(cache.Close)

	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.mu.Lock()
	cache.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	cache.mu.Unlock()
	return cache, func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func TestCache_Reserve_NewKey(t *testing.T) {
	cache, _ := newManualCache(t, 5*time.Minute, 100)

	value, seen := cache.Reserve("client-1")
	assert.False(t, seen)
	assert.Empty(t, value)

	// In flight: seen, but no value yet
	value, seen = cache.Reserve("client-1")
	assert.True(t, seen)
	assert.Empty(t, value)

	_, ok := cache.lookup("client-1")
	assert.False(t, ok, "in-flight reservations have no value")
}

func TestCache_Complete(t *testing.T) {
	cache, _ := newManualCache(t, 5*time.Minute, 100)

	cache.Reserve("client-1")
	cache.Complete("client-1", "msg-1")

	value, seen := cache.Reserve("client-1")
	assert.True(t, seen)
	assert.Equal(t, "msg-1", value)

	value, ok := cache.lookup("client-1")
	assert.True(t, ok)
	assert.Equal(t, "msg-1", value)
}

func TestCache_Release(t *testing.T) {
	cache, _ := newManualCache(t, 5*time.Minute, 100)

	cache.Reserve("client-1")
	cache.Release("client-1")

	_, seen := cache.Reserve("client-1")
	assert.False(t, seen, "a released key can be reserved again")

	// Releasing an unknown key is harmless
	cache.Release("never-seen")
}

func TestCache_Expiry(t *testing.T) {
	cache, advance := newManualCache(t, time.Minute, 100)

	cache.Reserve("client-1")
	cache.Complete("client-1", "msg-1")

	advance(59 * time.Second)
	_, ok := cache.lookup("client-1")
	assert.True(t, ok)

	advance(time.Second)
	_, ok = cache.lookup("client-1")
	assert.False(t, ok)

	_, seen := cache.Reserve("client-1")
	assert.False(t, seen, "expired keys can be reserved again")
}

func TestCache_EvictionOrder(t *testing.T) {
	cache, _ := newManualCache(t, 5*time.Minute, 3)

	for _, k := range []string{"first", "second", "third"} {
		cache.Reserve(k)
		cache.Complete(k, k+"-msg")
	}

	// Add fourth - should evict "first" (oldest)
	cache.Reserve("fourth")

	_, ok := cache.lookup("first")
	assert.False(t, ok, "first should be evicted")
	_, ok = cache.lookup("second")
	assert.True(t, ok)
	assert.Equal(t, 3, cache.Len())
}

func TestCache_Cleanup(t *testing.T) {
	cache, advance := newManualCache(t, 10*time.Millisecond, 100)

	cache.Reserve("cleanup-1")
	cache.Reserve("cleanup-2")
	cache.Reserve("cleanup-3")

	advance(20 * time.Millisecond)
	cache.runCleanup()

	assert.Equal(t, 0, cache.Len(), "cleanup should remove expired entries from map")
}

func TestCache_Reserve_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100

	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	// All goroutines try to reserve the same key simultaneously
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if _, seen := cache.Reserve("contested-key"); !seen {
				winners.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(),
		"exactly one goroutine should win the reservation")
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)

	cache.Reserve("before-close")

	// Multiple closes should not panic
	cache.Close()
	cache.Close()
}
