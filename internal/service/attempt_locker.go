package service

import "sync"

// AttemptLocker serialises ingestion and compaction of the same attempt inside
// one process. Across processes the attempt row lock takes over.
type AttemptLocker struct {
	mu    sync.Mutex
	locks map[uint]*attemptLock
}

type attemptLock struct {
	mu   sync.Mutex
	refs int
}

// NewAttemptLocker constructs an empty locker.
func NewAttemptLocker() *AttemptLocker {
	return &AttemptLocker{locks: make(map[uint]*attemptLock)}
}

// Lock blocks until the attempt is free and returns the matching unlock func.
func (l *AttemptLocker) Lock(attemptID uint) func() {
	l.mu.Lock()
	lock, ok := l.locks[attemptID]
	if !ok {
		lock = &attemptLock{}
		l.locks[attemptID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, attemptID)
		}
		l.mu.Unlock()
	}
}

func (l *AttemptLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
