// ABOUTME: Content-addressed blob storage for sticker bytes on an afero filesystem
// ABOUTME: Blobs live at <dir>/<first two hex chars>/<digest>; writes are temp-then-rename

package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrNotFound is returned when no blob has the requested digest
	ErrNotFound = errors.New("blob not found")

	// ErrDigestMismatch is returned when data does not hash to the given digest
	ErrDigestMismatch = errors.New("digest does not match content")

	// ErrBadDigest is returned for digests that are not 64 hex characters
	ErrBadDigest = errors.New("malformed digest")
)

// Store keeps blobs under a directory, one file per digest.
type Store struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger
}

// New returns a store rooted at dir on fs.
func New(fs afero.Fs, dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fs:     fs,
		dir:    dir,
		logger: logger.With("component", "blob"),
	}
}

func (s *Store) path(digest string) (string, error) {
	if len(digest) != blake2b.Size256*2 {
		return "", ErrBadDigest
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", ErrBadDigest
	}
	return filepath.Join(s.dir, digest[:2], digest), nil
}

// Put stores data under digest. Storing an existing digest is a no-op.
func (s *Store) Put(ctx context.Context, digest string, data []byte) error {
	p, err := s.path(digest)
	if err != nil {
		return err
	}
	sum := blake2b.Sum256(data)
	if hex.EncodeToString(sum[:]) != digest {
		return ErrDigestMismatch
	}

	exists, err := afero.Exists(s.fs, p)
	if err != nil {
		return fmt.Errorf("checking blob: %w", err)
	}
	if exists {
		return nil
	}

	dir := filepath.Dir(p)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, digest+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmp.Name())
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmp.Name())
		return fmt.Errorf("closing blob: %w", err)
	}
	if err := s.fs.Rename(tmp.Name(), p); err != nil {
		s.fs.Remove(tmp.Name())
		return fmt.Errorf("renaming blob: %w", err)
	}

	s.logger.Debug("stored blob", "digest", digest, "bytes", len(data))
	return nil
}

// Get returns the blob stored under digest.
func (s *Store) Get(ctx context.Context, digest string) ([]byte, error) {
	p, err := s.path(digest)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}
