// ABOUTME: Advisory lock abstraction guarding the snapshot path against concurrent writers
// ABOUTME: MutexLocker is process-local; FileLocker (unix) uses flock on a sidecar file

package snapshot

import (
	"errors"
	"sync"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("snapshot lock is held")

// Locker is a non-blocking exclusive lock.
type Locker interface {
	TryLock() error
	Unlock() error
}

// MutexLocker is a Locker that only excludes writers within this process.
type MutexLocker struct {
	mu sync.Mutex
}

func (l *MutexLocker) TryLock() error {
	if !l.mu.TryLock() {
		return ErrLocked
	}
	return nil
}

func (l *MutexLocker) Unlock() error {
	l.mu.Unlock()
	return nil
}
