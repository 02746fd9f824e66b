package normalize

import (
	"context"
	"sync"
)

// TypeRegistry validates sport types against the stored vocabulary.
type TypeRegistry interface {
	IsKnown(ctx context.Context, sportType string) (bool, error)
	Register(ctx context.Context, sportType string) error
}

// TypeCache remembers sport types already validated against the registry.
type TypeCache struct {
	mu    sync.RWMutex
	known map[string]struct{}
}

// NewTypeCache returns an empty cache.
func NewTypeCache() *TypeCache {
	return &TypeCache{known: make(map[string]struct{})}
}

// Contains reports whether sportType was validated.
func (cache *TypeCache) Contains(sportType string) bool {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	_, ok := cache.known[sportType]
	return ok
}

// Add records sport types as validated.
func (cache *TypeCache) Add(sportTypes ...string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	for _, sportType := range sportTypes {
		cache.known[sportType] = struct{}{}
	}
}

// Len returns the number of validated types.
func (cache *TypeCache) Len() int {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	return len(cache.known)
}
