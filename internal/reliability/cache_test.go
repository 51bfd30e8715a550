package reliability

import (
	"testing"
	"time"
)

func TestCache_SetGetRoundTrip(t *testing.T) {
	c := NewCache()
	c.Set("p1", "k1", []byte("v1"), 0, 0)

	v, ok := c.Get("p1", "k1")
	if !ok || string(v) != "v1" {
		t.Fatalf("Get = (%q, %v), want (v1, true)", v, ok)
	}
}

func TestCache_TTLExpiryStrictBoundary(t *testing.T) {
	c := NewCache()
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set("p1", "k1", []byte("v1"), 10*time.Second, time.Hour)

	c.now = func() time.Time { return base.Add(10 * time.Second) }
	if _, ok := c.Get("p1", "k1"); ok {
		t.Error("Get exactly at TTL boundary should miss (strict <, not <=)")
	}

	c.now = func() time.Time { return base }
	c.Set("p1", "k2", []byte("v2"), 10*time.Second, time.Hour)
	c.now = func() time.Time { return base.Add(10*time.Second - time.Nanosecond) }
	if _, ok := c.Get("p1", "k2"); !ok {
		t.Error("Get just before TTL boundary should still hit")
	}
}

func TestCache_TTIRefreshedOnReadNotTTL(t *testing.T) {
	c := NewCache()
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set("p1", "k1", []byte("v1"), time.Hour, 5*time.Second)

	// Read just before TTI expiry refreshes TTI, extending the read window.
	c.now = func() time.Time { return base.Add(4 * time.Second) }
	if _, ok := c.Get("p1", "k1"); !ok {
		t.Fatal("expected hit before TTI expiry")
	}

	c.now = func() time.Time { return base.Add(8 * time.Second) }
	if _, ok := c.Get("p1", "k1"); !ok {
		t.Error("TTI should have been refreshed by the prior read")
	}
}

func TestCache_InvalidatePlugin(t *testing.T) {
	c := NewCache()
	c.Set("p1", "a", []byte("1"), 0, 0)
	c.Set("p1", "b", []byte("2"), 0, 0)
	c.Set("p2", "a", []byte("3"), 0, 0)

	c.InvalidatePlugin("p1")

	if _, ok := c.Get("p1", "a"); ok {
		t.Error("p1/a should be invalidated")
	}
	if _, ok := c.Get("p1", "b"); ok {
		t.Error("p1/b should be invalidated")
	}
	if _, ok := c.Get("p2", "a"); !ok {
		t.Error("p2/a should be unaffected")
	}
}

func TestCache_LRUEvictionUnderCapacity(t *testing.T) {
	c := NewCache()
	c.capacity = 10

	c.Set("p1", "a", []byte("12345"), 0, 0)
	c.Set("p1", "b", []byte("67890"), 0, 0)
	// Touch "a" so "b" becomes the least-recently-used entry.
	c.Get("p1", "a")
	c.Set("p1", "c", []byte("abcde"), 0, 0)

	if _, ok := c.Get("p1", "b"); ok {
		t.Error("expected b to be evicted as least-recently-used")
	}
	if _, ok := c.Get("p1", "a"); !ok {
		t.Error("expected a to survive eviction")
	}
}
