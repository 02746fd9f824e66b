package tokens

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory token store intended for tests and dev.
type MemoryStore struct {
	mutex   sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Load returns the record for userID or ErrTokenNotFound.
func (store *MemoryStore) Load(ctx context.Context, userID string) (Record, error) {
	if strings.TrimSpace(userID) == "" {
		return Record{}, fmt.Errorf("token_store.load.memory: %w", ErrEmptyUserID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.records[userID]
	if !ok {
		return Record{}, fmt.Errorf("token_store.load.memory: %w", ErrTokenNotFound)
	}
	return record, nil
}

// Save inserts or replaces the record keyed by its user id.
func (store *MemoryStore) Save(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("token_store.save.memory: %w", ErrEmptyUserID)
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = time.Now().UTC().Unix()
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.records[record.UserID] = record
	return nil
}

// Delete removes the record for userID.
func (store *MemoryStore) Delete(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("token_store.delete.memory: %w", ErrEmptyUserID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	delete(store.records, userID)
	return nil
}
