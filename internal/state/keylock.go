package state

import (
	"context"
	"sync"
)

// UnlockFunc releases a lock. Calling it more than once is harmless.
type UnlockFunc func()

// KeyLock provides mutual exclusion per note id. Waiting honours ctx.
type KeyLock struct {
	mu    sync.Mutex
	locks map[int64]*keyEntry
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyLock creates an empty lock table.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[int64]*keyEntry)}
}

// Lock blocks until id is free or ctx ends.
func (k *KeyLock) Lock(ctx context.Context, id int64) (UnlockFunc, error) {
	k.mu.Lock()
	entry, ok := k.locks[id]
	if !ok {
		entry = &keyEntry{ch: make(chan struct{}, 1)}
		k.locks[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(id, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			k.release(id, entry)
		})
	}, nil
}

// Held reports how many callers hold or wait for id.
func (k *KeyLock) Held(id int64) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if entry, ok := k.locks[id]; ok {
		return entry.refs
	}
	return 0
}

func (k *KeyLock) release(id int64, entry *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, id)
	}
}
