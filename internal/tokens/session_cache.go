package tokens

import (
	"context"
	"sync"
)

// MemorySessionCache keeps token mirrors in process memory.
type MemorySessionCache struct {
	mutex   sync.RWMutex
	entries map[string]Record
}

// NewMemorySessionCache constructs an empty cache.
func NewMemorySessionCache() *MemorySessionCache {
	return &MemorySessionCache{entries: make(map[string]Record)}
}

// Get returns the cached record or ErrCacheMiss.
func (cache *MemorySessionCache) Get(ctx context.Context, userID string) (Record, error) {
	cache.mutex.RLock()
	defer cache.mutex.RUnlock()

	record, ok := cache.entries[userID]
	if !ok {
		return Record{}, ErrCacheMiss
	}
	return record, nil
}

// Set stores the record under its user id.
func (cache *MemorySessionCache) Set(ctx context.Context, record Record) error {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	cache.entries[record.UserID] = record
	return nil
}

// Clear drops any entry for userID.
func (cache *MemorySessionCache) Clear(ctx context.Context, userID string) error {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	delete(cache.entries, userID)
	return nil
}
