package cache

import (
	"sync"
	"time"
)

type memoryEntry struct {
	value      []byte
	expiresAt  time.Time
	lastAccess time.Time
}

// memoryStore is the in-process fallback tier: a bounded map with per-entry
// TTL. When full, the least recently accessed entry is evicted.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	maxKeys int
}

func newMemoryStore(maxKeys int) *memoryStore {
	return &memoryStore{
		entries: make(map[string]*memoryEntry),
		maxKeys: maxKeys,
	}
}

func (m *memoryStore) get(key string, now time.Time) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if now.After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	e.lastAccess = now
	return e.value, true
}

func (m *memoryStore) set(key string, value []byte, ttl time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxKeys {
		m.evictLocked(now)
	}
	m.entries[key] = &memoryEntry{
		value:      value,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}
}

// evictLocked drops expired entries first, then the least recently accessed
// entry if the map is still full.
func (m *memoryStore) evictLocked(now time.Time) {
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
	if len(m.entries) < m.maxKeys {
		return
	}

	var oldestKey string
	var oldest time.Time
	for k, e := range m.entries {
		if oldestKey == "" || e.lastAccess.Before(oldest) {
			oldestKey = k
			oldest = e.lastAccess
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

func (m *memoryStore) del(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *memoryStore) flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memoryEntry)
}

func (m *memoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
