package main

import "sync"

// keyLock hands out one mutex per key, so writers to the same document queue
// up behind each other while writers to different documents run in parallel.
//
// Entries are reference counted and removed when the last holder unlocks,
// so the map only ever holds keys that are in use right now. Without that,
// every item name ever written would stay in memory for the life of the
// process.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int // holders plus waiters; guarded by keyLock.mu
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*keyLockEntry)}
}

// Lock blocks until the caller holds key. The returned func releases it.
//
//	unlock := locks.Lock("inventory:Widget")
//	defer unlock()
func (l *keyLock) Lock(key string) (unlock func()) {
	// Step 1: find or create the entry and register interest in it while
	// holding the map lock, so it cannot be deleted out from under us
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &keyLockEntry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	// Step 2: wait for the key itself; the map lock is free again, so other
	// keys are not held up by this one
	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		// Step 3: drop our interest; the last one out removes the entry
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// held reports how many keys currently have a holder or waiter
func (l *keyLock) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
