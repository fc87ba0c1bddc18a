package cache

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_RoundTrip(t *testing.T) {
	c := New(time.Minute, 10, 0)

	c.Put("k", []byte("value"), 0)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)
}

func TestCache_MissAfterTTL(t *testing.T) {
	c := New(time.Minute, 10, 0)

	c.Put("k", []byte("value"), 15*time.Millisecond)

	_, ok := c.Get("k")
	require.True(t, ok, "hit before ttl")

	time.Sleep(30 * time.Millisecond)

	_, ok = c.Get("k")
	assert.False(t, ok, "miss after ttl")
}

func TestCache_MissUnknownKey(t *testing.T) {
	c := New(time.Minute, 10, 0)
	_, ok := c.Get("never-set")
	assert.False(t, ok)
}

func TestCache_LRUEviction(t *testing.T) {
	c := New(time.Minute, 3, 0)

	c.Put("a", []byte("1"), 0)
	time.Sleep(time.Millisecond)
	c.Put("b", []byte("2"), 0)
	time.Sleep(time.Millisecond)
	c.Put("c", []byte("3"), 0)

	// Touch "a" so "b" becomes least recently used.
	time.Sleep(time.Millisecond)
	_, ok := c.Get("a")
	require.True(t, ok)

	time.Sleep(time.Millisecond)
	c.Put("d", []byte("4"), 0)

	_, ok = c.Get("b")
	assert.False(t, ok, "LRU entry evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	_, ok = c.Get("d")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestCache_UpdateExistingDoesNotEvict(t *testing.T) {
	c := New(time.Minute, 2, 0)

	c.Put("a", []byte("1"), 0)
	c.Put("b", []byte("2"), 0)
	c.Put("a", []byte("1-updated"), 0)

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1-updated"), got)

	_, ok = c.Get("b")
	assert.True(t, ok, "updating a key must not evict others")
}

func TestCache_CompressionRoundTrip(t *testing.T) {
	c := New(time.Minute, 10, 64)

	// Compressible payload above the threshold.
	big := bytes.Repeat([]byte("context bundle text "), 100)
	c.Put("big", big, 0)

	got, ok := c.Get("big")
	require.True(t, ok)
	assert.Equal(t, big, got)

	// Below threshold stays uncompressed and round-trips too.
	c.Put("small", []byte("tiny"), 0)
	got, ok = c.Get("small")
	require.True(t, ok)
	assert.Equal(t, []byte("tiny"), got)
}

func TestCache_Bypass(t *testing.T) {
	c := New(time.Minute, 10, 0)

	c.Put("k", []byte("value"), 0)
	c.SetBypassed(true)

	// Lookups miss while bypassed.
	_, ok := c.Get("k")
	assert.False(t, ok)

	// Writes are dropped while bypassed.
	c.Put("k2", []byte("dropped"), 0)

	// Structure intact: normal operation resumes after pressure clears.
	c.SetBypassed(false)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)

	_, ok = c.Get("k2")
	assert.False(t, ok)
}

func TestCache_GetReturnsCopy(t *testing.T) {
	c := New(time.Minute, 10, 0)
	c.Put("k", []byte("value"), 0)

	got, ok := c.Get("k")
	require.True(t, ok)
	got[0] = 'X'

	again, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), again)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(time.Minute, 100, 128)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("key-%d", i%20)
				c.Put(key, bytes.Repeat([]byte{byte(g)}, 256), 0)
				if v, ok := c.Get(key); ok {
					// Entries must never be corrupted: a value is
					// always 256 repeats of a single byte.
					require.Len(t, v, 256)
					for _, b := range v {
						require.Equal(t, v[0], b)
					}
				}
			}
		}(g)
	}
	wg.Wait()
}
