// ABOUTME: Durable snapshot file: load on open, atomic temp-write-then-rename on flush
// ABOUTME: Guarded by an advisory lock with backoff; optionally zstd-framed

package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// Compression selects how snapshot bytes are framed on disk.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// DefaultLockTimeout bounds how long Write waits for the advisory lock.
const DefaultLockTimeout = 5 * time.Second

// zstdMagic prefixes every zstd frame. SQLite images start with "SQLite format 3".
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

const tempInfix = ".tmp-"

// Options configures a File.
type Options struct {
	Fs          afero.Fs // defaults to the OS filesystem
	Path        string
	Compression Compression
	Locker      Locker        // defaults to a flock on Path+".lock" for the OS filesystem
	LockTimeout time.Duration // defaults to DefaultLockTimeout
	Logger      *slog.Logger
}

// File reads and atomically replaces one snapshot file.
type File struct {
	fs          afero.Fs
	path        string
	compression Compression
	locker      Locker
	lockTimeout time.Duration
	encoder     *zstd.Encoder
	logger      *slog.Logger
}

// New validates opts and returns a File. Nothing is read or written yet.
func New(opts Options) (*File, error) {
	if opts.Path == "" {
		return nil, errors.New("snapshot path is required")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Compression == "" {
		opts.Compression = CompressionNone
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Locker == nil {
		if _, ok := opts.Fs.(*afero.OsFs); ok {
			opts.Locker = NewFileLocker(opts.Path + ".lock")
		} else {
			opts.Locker = &MutexLocker{}
		}
	}

	f := &File{
		fs:          opts.Fs,
		path:        opts.Path,
		compression: opts.Compression,
		locker:      opts.Locker,
		lockTimeout: opts.LockTimeout,
		logger:      opts.Logger.With("component", "snapshot"),
	}

	switch opts.Compression {
	case CompressionNone:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		f.encoder = enc
	default:
		return nil, fmt.Errorf("unknown snapshot compression %q", opts.Compression)
	}

	return f, nil
}

// Path returns the durable snapshot location.
func (f *File) Path() string { return f.path }

// Load returns the current snapshot bytes, or nil when no snapshot exists yet.
// Any other read failure is returned.
func (f *File) Load() ([]byte, error) {
	raw, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", f.path, err)
	}
	return decode(raw)
}

func decode(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, zstdMagic) {
		return raw, nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot: %w", err)
	}
	return data, nil
}

// Write atomically replaces the snapshot with data and returns the number of
// bytes that reached the file. The previous snapshot stays intact until the
// final rename.
func (f *File) Write(data []byte) (int, error) {
	payload := data
	if f.encoder != nil {
		payload = f.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	}

	if err := f.lock(); err != nil {
		return 0, err
	}
	defer func() {
		if err := f.locker.Unlock(); err != nil {
			f.logger.Warn("releasing snapshot lock", "error", err)
		}
	}()

	dir := filepath.Dir(f.path)
	if err := f.fs.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmp, err := afero.TempFile(f.fs, dir, filepath.Base(f.path)+tempInfix+"*")
	if err != nil {
		return 0, fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if err := writeAndSync(tmp, payload); err != nil {
		_ = f.fs.Remove(tmpName)
		return 0, fmt.Errorf("writing temp snapshot: %w", err)
	}

	if err := f.fs.Rename(tmpName, f.path); err != nil {
		_ = f.fs.Remove(tmpName)
		return 0, fmt.Errorf("replacing snapshot: %w", err)
	}

	if err := syncDir(f.fs, dir); err != nil {
		f.logger.Warn("syncing snapshot directory", "dir", dir, "error", err)
	}

	return len(payload), nil
}

func writeAndSync(file afero.File, payload []byte) error {
	if _, err := file.Write(payload); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func syncDir(fs afero.Fs, dir string) error {
	d, err := fs.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// lock acquires the advisory lock, retrying with exponential backoff until
// the lock timeout elapses.
func (f *File) lock() error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = f.lockTimeout

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := f.locker.TryLock()
		if err != nil && !errors.Is(err, ErrLocked) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		return fmt.Errorf("acquiring snapshot lock after %d attempts: %w", attempts, err)
	}
	return nil
}

// RemoveStale deletes temp files left behind by writes that never reached the
// rename step. It returns how many were removed. When another writer holds the
// lock its temp file may be in flight, so nothing is removed.
func (f *File) RemoveStale() (int, error) {
	if err := f.locker.TryLock(); err != nil {
		if errors.Is(err, ErrLocked) {
			f.logger.Warn("snapshot lock held; skipping stale temp cleanup", "path", f.path)
			return 0, nil
		}
		return 0, fmt.Errorf("locking for stale cleanup: %w", err)
	}
	defer func() {
		if err := f.locker.Unlock(); err != nil {
			f.logger.Warn("releasing snapshot lock", "error", err)
		}
	}()

	pattern := filepath.Join(filepath.Dir(f.path), filepath.Base(f.path)+tempInfix+"*")
	matches, err := afero.Glob(f.fs, pattern)
	if err != nil {
		return 0, fmt.Errorf("listing stale snapshots: %w", err)
	}

	removed := 0
	for _, m := range matches {
		if !strings.Contains(filepath.Base(m), tempInfix) {
			continue
		}
		if err := f.fs.Remove(m); err != nil {
			return removed, fmt.Errorf("removing stale snapshot %s: %w", m, err)
		}
		removed++
	}
	return removed, nil
}
