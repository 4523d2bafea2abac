//go:build unix

package snapshot

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// FileLocker holds flock(LOCK_EX) on a sidecar lock file, excluding any other
// process (or FileLocker) that locks the same path.
type FileLocker struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileLocker returns a FileLocker for path. The file is created on first lock.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

func (l *FileLocker) TryLock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return ErrLocked
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrLocked
		}
		return fmt.Errorf("locking %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

func (l *FileLocker) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return f.Close()
}
