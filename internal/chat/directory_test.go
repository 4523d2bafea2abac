// ABOUTME: Tests for the static directory
// ABOUTME: Symmetric friendships, group membership and access checks

package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-chatstore/internal/store"
)

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewStaticDirectory(
		[][2]int64{{1, 2}, {2, 1}, {1, 3}, {4, 4}},
		map[int64][]int64{200: {1, 2}, 100: {1, 1}},
	)

	friends, _ := d.Friends(ctx, 1)
	assert.ElementsMatch(t, []int64{2, 3}, friends)
	friends, _ = d.Friends(ctx, 2)
	assert.Equal(t, []int64{1}, friends, "duplicate pair ignored")
	friends, _ = d.Friends(ctx, 4)
	assert.Empty(t, friends, "self friendship ignored")

	groups, _ := d.Groups(ctx, 1)
	assert.Equal(t, []int64{100, 200}, groups)
	groups, _ = d.Groups(ctx, 3)
	assert.Empty(t, groups)

	tests := []struct {
		uid    int64
		target store.Target
		want   bool
	}{
		{1, store.Target{Type: store.TargetPrivate, UID: 2}, true},
		{2, store.Target{Type: store.TargetPrivate, UID: 1}, true},
		{2, store.Target{Type: store.TargetPrivate, UID: 3}, false},
		{2, store.Target{Type: store.TargetGroup, UID: 200}, true},
		{3, store.Target{Type: store.TargetGroup, UID: 200}, false},
		{1, store.Target{Type: store.TargetGroup, UID: 999}, false},
		{1, store.Target{Type: "other", UID: 2}, false},
	}
	for _, tt := range tests {
		got, err := d.CanAccessConversation(ctx, tt.uid, tt.target)
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got, "uid %d -> %s", tt.uid, tt.target)
	}
}
