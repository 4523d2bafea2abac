//go:build !unix

package snapshot

// FileLocker falls back to process-local exclusion where flock is unavailable.
type FileLocker struct {
	MutexLocker
}

// NewFileLocker returns a process-local locker; path is unused on this platform.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{}
}
