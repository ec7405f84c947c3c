package cache

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestKeyForImage(t *testing.T) {
	key := KeyForImage([]byte("hello"))
	if !strings.HasPrefix(key, keyPrefix) {
		t.Fatalf("key %q missing prefix %q", key, keyPrefix)
	}
	// md5 hex digest is 32 characters.
	if len(key) != len(keyPrefix)+32 {
		t.Fatalf("key length = %d, want %d", len(key), len(keyPrefix)+32)
	}
	if KeyForImage([]byte("hello")) != key {
		t.Fatal("same bytes must produce the same key")
	}
	if KeyForImage([]byte("other")) == key {
		t.Fatal("different bytes must produce different keys")
	}
}

func TestFallbackRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, "", time.Minute, 100)

	if c.Mode() != "memory" {
		t.Fatalf("mode = %q, want memory (no url)", c.Mode())
	}

	key := KeyForImage([]byte("img"))
	if got := c.Get(ctx, key); got != nil {
		t.Fatalf("get before set = %q, want nil", got)
	}

	c.Set(ctx, key, []byte("result"), 0)
	if got := c.Get(ctx, key); string(got) != "result" {
		t.Fatalf("get after set = %q, want %q", got, "result")
	}

	c.Del(ctx, key)
	if got := c.Get(ctx, key); got != nil {
		t.Fatalf("get after del = %q, want nil", got)
	}
}

func TestFallbackFlush(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, "", time.Minute, 100)

	c.Set(ctx, "a", []byte("1"), 0)
	c.Set(ctx, "b", []byte("2"), 0)
	if c.Stats().MemoryKeys != 2 {
		t.Fatalf("keys = %d, want 2", c.Stats().MemoryKeys)
	}
	c.Flush(ctx)
	if c.Stats().MemoryKeys != 0 {
		t.Fatalf("keys after flush = %d, want 0", c.Stats().MemoryKeys)
	}
}

func TestBadURLFallsBack(t *testing.T) {
	c := New(context.Background(), "not-a-url", time.Minute, 10)
	if c.Mode() != "memory" {
		t.Fatalf("mode = %q, want memory for unparseable url", c.Mode())
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	m := newMemoryStore(10)
	now := time.Now()

	m.set("k", []byte("v"), time.Second, now)
	if _, ok := m.get("k", now.Add(500*time.Millisecond)); !ok {
		t.Fatal("entry expired before its ttl")
	}
	if _, ok := m.get("k", now.Add(2*time.Second)); ok {
		t.Fatal("entry survived past its ttl")
	}
	if m.len() != 0 {
		t.Fatalf("expired entry not dropped, len = %d", m.len())
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	m := newMemoryStore(3)
	now := time.Now()

	m.set("a", []byte("1"), time.Minute, now)
	m.set("b", []byte("2"), time.Minute, now.Add(time.Second))
	m.set("c", []byte("3"), time.Minute, now.Add(2*time.Second))

	// Touch "a" so "b" becomes the least recently accessed.
	m.get("a", now.Add(3*time.Second))

	m.set("d", []byte("4"), time.Minute, now.Add(4*time.Second))
	if m.len() != 3 {
		t.Fatalf("len = %d, want 3", m.len())
	}
	if _, ok := m.get("b", now.Add(5*time.Second)); ok {
		t.Fatal("least recently accessed entry not evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := m.get(k, now.Add(5*time.Second)); !ok {
			t.Fatalf("entry %q unexpectedly evicted", k)
		}
	}
}

func TestMemoryStoreEvictsExpiredFirst(t *testing.T) {
	m := newMemoryStore(2)
	now := time.Now()

	m.set("old", []byte("1"), time.Second, now)
	m.set("live", []byte("2"), time.Minute, now)

	// "old" has expired; inserting a third key should drop it rather than
	// the still-live entry.
	m.set("new", []byte("3"), time.Minute, now.Add(2*time.Second))
	if _, ok := m.get("live", now.Add(3*time.Second)); !ok {
		t.Fatal("live entry evicted while an expired one existed")
	}
	if _, ok := m.get("new", now.Add(3*time.Second)); !ok {
		t.Fatal("new entry missing")
	}
}
