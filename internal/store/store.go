// ABOUTME: Store context: one object owning the engine, statement cache, snapshot file and flusher
// ABOUTME: Lazily opened exactly once; a store-wide mutex serializes all engine access

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/2389/coven-chatstore/internal/engine"
	"github.com/2389/coven-chatstore/internal/flush"
	"github.com/2389/coven-chatstore/internal/snapshot"
	"github.com/2389/coven-chatstore/internal/stmtcache"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when inserting a message whose id already exists
	ErrDuplicate = errors.New("already exists")

	// ErrInvalid is returned for inputs the store cannot represent
	ErrInvalid = errors.New("invalid input")

	// ErrClosed is returned by operations on a closed store
	ErrClosed = errors.New("store closed")
)

// Engine kinds accepted by Options.Engine.
const (
	EngineMemory = "memory"
	EngineDisk   = "disk"
)

const DefaultMaxStickersPerUser = 100

// Options configures a Store.
type Options struct {
	// Engine is EngineMemory (snapshot-flushed) or EngineDisk (durable on its own).
	Engine string
	// Path is the snapshot file for the memory engine, or the database file
	// for the disk engine. An empty path with the memory engine keeps
	// everything in memory only.
	Path string
	// LegacyLogPath is a JSON-lines message log imported once on open.
	LegacyLogPath string

	Fs          afero.Fs
	Compression snapshot.Compression
	LockTimeout time.Duration

	Debounce  time.Duration
	MaxDelay  time.Duration
	AfterFunc flush.AfterFunc

	StatementCacheSize int
	MaxStickersPerUser int
	Blobs              BlobSink

	Now    func() time.Time
	Logger *slog.Logger
}

// Store is the conversation store. Create it with New; it opens itself on
// first use.
type Store struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	once    sync.Once
	openErr error
	report  *MigrationReport

	mu       sync.Mutex
	eng      engine.Engine
	stmts    *stmtcache.Cache
	file     *snapshot.File
	flusher  flush.Flusher
	closed   bool // no new operations
	released bool // engine closed
}

// New returns an unopened store.
func New(opts Options) *Store {
	if opts.Engine == "" {
		opts.Engine = EngineMemory
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.MaxStickersPerUser <= 0 {
		opts.MaxStickersPerUser = DefaultMaxStickersPerUser
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Store{
		opts:   opts,
		logger: opts.Logger.With("component", "store"),
		now:    opts.Now,
	}
}

// Open loads the durable snapshot (or creates an empty store), ensures the
// schema and runs the one-time legacy migration. It runs once; later calls
// return the first result.
func (s *Store) Open(ctx context.Context) (*MigrationReport, error) {
	s.once.Do(func() {
		s.report, s.openErr = s.open(ctx)
	})
	return s.report, s.openErr
}

func (s *Store) open(ctx context.Context) (*MigrationReport, error) {
	var (
		eng       engine.Engine
		imageSize int
		err       error
	)

	switch s.opts.Engine {
	case EngineMemory:
		var image []byte
		if s.opts.Path != "" {
			s.file, err = snapshot.New(snapshot.Options{
				Fs:          s.opts.Fs,
				Path:        s.opts.Path,
				Compression: s.opts.Compression,
				LockTimeout: s.opts.LockTimeout,
				Logger:      s.opts.Logger,
			})
			if err != nil {
				return nil, err
			}
			if n, err := s.file.RemoveStale(); err != nil {
				s.logger.Warn("removing stale snapshots", "error", err)
			} else if n > 0 {
				s.logger.Info("removed stale snapshots", "count", n)
			}
			image, err = s.file.Load()
			if err != nil {
				return nil, err
			}
			imageSize = len(image)
		}
		eng, err = engine.NewMemoryEngine(ctx, image)
	case EngineDisk:
		if s.opts.Path == "" {
			return nil, errors.New("disk engine requires a path")
		}
		eng, err = engine.NewDiskEngine(ctx, s.opts.Path)
	default:
		return nil, fmt.Errorf("unknown engine %q", s.opts.Engine)
	}
	if err != nil {
		return nil, err
	}

	if err := engine.EnsureSchema(ctx, eng); err != nil {
		eng.Close()
		return nil, err
	}

	stmts, err := stmtcache.New(eng, s.opts.StatementCacheSize, s.opts.Logger)
	if err != nil {
		eng.Close()
		return nil, err
	}

	s.eng = eng
	s.stmts = stmts
	if s.file != nil && !eng.Durable() {
		s.flusher = flush.NewScheduler(s.writeSnapshot, flush.Options{
			Debounce:  s.opts.Debounce,
			MaxDelay:  s.opts.MaxDelay,
			AfterFunc: s.opts.AfterFunc,
			Now:       s.opts.Now,
			Logger:    s.opts.Logger,
		})
	} else {
		s.flusher = &flush.Passthrough{}
	}

	report := &MigrationReport{}
	if s.opts.LegacyLogPath != "" {
		report, err = s.migrateLegacy(ctx, s.opts.LegacyLogPath)
		if err != nil {
			s.stmts.Invalidate()
			eng.Close()
			return nil, err
		}
	}

	s.logger.Info("store opened",
		"engine", s.opts.Engine,
		"path", s.opts.Path,
		"snapshot", humanize.Bytes(uint64(imageSize)),
		"legacy_imported", report.Imported,
		"legacy_skipped", report.Skipped)

	return report, nil
}

// writeSnapshot is the flush function: serialize under the store mutex,
// write the file outside it.
func (s *Store) writeSnapshot(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	data, err := s.eng.Snapshot(ctx)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return s.file.Write(data)
}

// with opens the store if needed and runs fn while holding the engine mutex.
func (s *Store) with(ctx context.Context, fn func() error) error {
	if _, err := s.Open(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn()
}

// markDirty reports n applied mutations. Callers hold s.mu.
func (s *Store) markDirty(n int) {
	s.flusher.MarkDirty(n)
}

// Flush writes a snapshot now if any mutation is unflushed.
func (s *Store) Flush(ctx context.Context) error {
	if _, err := s.Open(ctx); err != nil {
		return err
	}
	return s.flusher.Flush(ctx)
}

// Dirty returns the number of mutations not yet covered by a durable write.
func (s *Store) Dirty() int64 {
	if _, err := s.Open(context.Background()); err != nil {
		return 0
	}
	return s.flusher.Dirty()
}

// Durable reports whether writes reach disk without a flush.
func (s *Store) Durable() bool {
	if _, err := s.Open(context.Background()); err != nil {
		return false
	}
	return s.eng.Durable()
}

// Close performs a final flush and releases the engine. A store that was
// never opened cannot be opened afterwards.
func (s *Store) Close(ctx context.Context) error {
	s.once.Do(func() { s.openErr = ErrClosed })
	if s.openErr != nil {
		return nil
	}

	// Reject new operations before the final flush so none can land after it.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	flushErr := s.flusher.Close(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.stmts.Invalidate()
	if err := s.eng.Close(); err != nil {
		return fmt.Errorf("closing engine: %w", err)
	}
	if flushErr != nil {
		return fmt.Errorf("final flush: %w", flushErr)
	}
	return nil
}
