// ABOUTME: Tests for the content-addressed blob store
// ABOUTME: Uses an in-memory afero filesystem

package blob

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

func digestOf(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := New(fs, "/blobs", nil)

	data := []byte("sticker bytes")
	d := digestOf(data)
	require.NoError(t, s.Put(ctx, d, data))
	require.NoError(t, s.Put(ctx, d, data), "second put is a no-op")

	got, err := s.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := afero.Exists(fs, "/blobs/"+d[:2]+"/"+d)
	require.NoError(t, err)
	assert.True(t, exists)

	leftovers, err := afero.Glob(fs, "/blobs/"+d[:2]+"/*.tmp-*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestPut_RejectsMismatchAndBadDigest(t *testing.T) {
	ctx := context.Background()
	s := New(afero.NewMemMapFs(), "/blobs", nil)

	assert.ErrorIs(t, s.Put(ctx, digestOf([]byte("a")), []byte("b")), ErrDigestMismatch)
	assert.ErrorIs(t, s.Put(ctx, "../../etc/passwd", []byte("x")), ErrBadDigest)
	assert.ErrorIs(t, s.Put(ctx, "zz"+digestOf([]byte("x"))[2:], []byte("x")), ErrBadDigest)
}

func TestGet_Missing(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/blobs", nil)
	_, err := s.Get(context.Background(), digestOf([]byte("nothing")))
	assert.ErrorIs(t, err, ErrNotFound)
}
