// ABOUTME: Tests for sticker assets and per-user sticker lists
// ABOUTME: Covers blob dedupe, the per-user cap, move-to-front and removal

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	puts map[string]int
}

func (r *recordingSink) Put(_ context.Context, digest string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.puts == nil {
		r.puts = make(map[string]int)
	}
	r.puts[digest]++
	return nil
}

func digests(list []Sticker) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.Digest
	}
	return out
}

func TestAddSticker_DedupesBlobsAcrossUsers(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	s := openTestStore(t, Options{Blobs: sink})

	a, err := s.AddSticker(ctx, 1, "image/png", []byte("cat"))
	require.NoError(t, err)
	b, err := s.AddSticker(ctx, 2, "image/png", []byte("cat"))
	require.NoError(t, err)

	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, ContentDigest([]byte("cat")), a.Digest)
	assert.Len(t, a.Digest, 64)
	assert.Equal(t, map[string]int{a.Digest: 1}, sink.puts)

	list, err := s.ListStickers(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(3), list[0].Size)
	assert.Equal(t, "image/png", list[0].MIME)
}

func TestAddSticker_CapAndMoveToFront(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_000)
	s := openTestStore(t, Options{
		MaxStickersPerUser: 3,
		Now:                func() time.Time { return now },
	})

	var added []string
	for _, data := range []string{"a", "b", "c"} {
		st, err := s.AddSticker(ctx, 1, "", []byte(data))
		require.NoError(t, err)
		added = append(added, st.Digest)
	}

	list, err := s.ListStickers(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{added[2], added[1], added[0]}, digests(list),
		"adds within the same millisecond still order newest first")

	_, err = s.AddSticker(ctx, 1, "", []byte("a"))
	require.NoError(t, err)
	list, err = s.ListStickers(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{added[0], added[2], added[1]}, digests(list))

	d, err := s.AddSticker(ctx, 1, "", []byte("d"))
	require.NoError(t, err)
	list, err = s.ListStickers(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{d.Digest, added[0], added[2]}, digests(list), "oldest dropped beyond the cap")
}

func TestRemoveSticker(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st, err := s.AddSticker(ctx, 1, "image/gif", []byte("dance"))
	require.NoError(t, err)

	require.NoError(t, s.RemoveSticker(ctx, 1, st.Digest))
	assert.ErrorIs(t, s.RemoveSticker(ctx, 1, st.Digest), ErrNotFound)

	list, err := s.ListStickers(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAddSticker_RejectsEmpty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddSticker(context.Background(), 1, "image/png", nil)
	assert.ErrorIs(t, err, ErrInvalid)
}
