package activitysync

import (
	"context"
	"sync"
)

// userLocks serializes work per user id. Entries are dropped once nobody holds or
// waits for them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	token   chan struct{}
	holders int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// acquire blocks until userID is free or ctx ends; call release exactly once on success.
func (locks *userLocks) acquire(ctx context.Context, userID string) (func(), error) {
	locks.mu.Lock()
	lock, ok := locks.locks[userID]
	if !ok {
		lock = &userLock{token: make(chan struct{}, 1)}
		locks.locks[userID] = lock
	}
	lock.holders++
	locks.mu.Unlock()

	select {
	case lock.token <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lock.token
				locks.leave(userID, lock)
			})
		}, nil
	case <-ctx.Done():
		locks.leave(userID, lock)
		return nil, ctx.Err()
	}
}

func (locks *userLocks) leave(userID string, lock *userLock) {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	lock.holders--
	if lock.holders == 0 {
		delete(locks.locks, userID)
	}
}

func (locks *userLocks) size() int {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	return len(locks.locks)
}
