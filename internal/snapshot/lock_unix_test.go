//go:build unix

package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLocker_ExcludesOtherHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db.lock")
	a := NewFileLocker(path)
	b := NewFileLocker(path)

	require.NoError(t, a.TryLock())
	assert.ErrorIs(t, b.TryLock(), ErrLocked)

	require.NoError(t, a.Unlock())
	require.NoError(t, b.TryLock())
	require.NoError(t, b.Unlock())
}

func TestRemoveStale_SkipsWhileAnotherWriterHoldsLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.snapshot")
	inflight := path + tempInfix + "123"
	require.NoError(t, os.WriteFile(inflight, []byte("partial"), 0644))

	writer := NewFileLocker(path + ".lock")
	require.NoError(t, writer.TryLock())

	f, err := New(Options{Fs: afero.NewOsFs(), Path: path})
	require.NoError(t, err)

	removed, err := f.RemoveStale()
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.FileExists(t, inflight)

	require.NoError(t, writer.Unlock())
	removed, err = f.RemoveStale()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, inflight)
}
