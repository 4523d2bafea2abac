// ABOUTME: Tests for page fetch and overview queries
// ABOUTME: Covers ordering, anchors, visibility floors and batched overview summaries

package store

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPage_OrderingInBothDirections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	target := Target{Type: TargetPrivate, UID: 2}

	var all []*Message
	for i, ms := range []int64{50, 10, 40, 20, 30} {
		sender := int64(1)
		recipient := int64(2)
		if i%2 == 1 {
			sender, recipient = 2, 1
		}
		all = append(all, insert(t, s, msg(TypeText, sender, TargetPrivate, recipient, ms)))
	}
	// Unrelated conversations must not leak in.
	insert(t, s, msg(TypeText, 1, TargetPrivate, 3, 35))
	insert(t, s, msg(TypeText, 3, TargetGroup, 2, 36))

	queries := []PageQuery{
		{Viewer: 1, Target: target},
		{Viewer: 1, Target: target, SinceMs: 5},
		{Viewer: 1, Target: target, BeforeMs: 100},
		{Viewer: 2, Target: Target{TargetPrivate, 1}},
	}
	for _, q := range queries {
		page, err := s.GetPage(ctx, q)
		require.NoError(t, err)
		require.Len(t, page, 5)
		assert.True(t, sort.SliceIsSorted(page, func(i, j int) bool {
			return page[i].CreatedAtMs < page[j].CreatedAtMs
		}), "page out of order for %+v", q)
	}
}

func TestGetPage_SinceTakesOldestAfterAnchor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	target := Target{Type: TargetGroup, UID: 9}

	var msgs []*Message
	for ms := int64(10); ms <= 50; ms += 10 {
		msgs = append(msgs, insert(t, s, msg(TypeText, 1, TargetGroup, 9, ms)))
	}

	page, err := s.GetPage(ctx, PageQuery{Viewer: 1, Target: target, SinceID: msgs[1].ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{msgs[2].ID, msgs[3].ID}, ids(page))

	page, err = s.GetPage(ctx, PageQuery{Viewer: 1, Target: target, BeforeID: msgs[3].ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{msgs[1].ID, msgs[2].ID}, ids(page))

	page, err = s.GetPage(ctx, PageQuery{Viewer: 1, Target: target, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{msgs[3].ID, msgs[4].ID}, ids(page), "no anchor returns the latest page")

	page, err = s.GetPage(ctx, PageQuery{Viewer: 1, Target: target, SinceMs: 20, BeforeMs: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{msgs[2].ID, msgs[3].ID}, ids(page))
}

func TestGetPage_IDAnchorBreaksTimestampTies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	target := Target{Type: TargetGroup, UID: 9}

	a := insert(t, s, msg(TypeText, 1, TargetGroup, 9, 100))
	b := insert(t, s, msg(TypeText, 2, TargetGroup, 9, 100))
	c := insert(t, s, msg(TypeText, 3, TargetGroup, 9, 100))

	page, err := s.GetPage(ctx, PageQuery{Viewer: 1, Target: target, SinceID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, c.ID}, ids(page))

	page, err = s.GetPage(ctx, PageQuery{Viewer: 1, Target: target, BeforeID: c.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, ids(page))
}

func TestGetPage_UnknownAnchorFallsBackToTimestamp(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	target := Target{Type: TargetGroup, UID: 9}

	insert(t, s, msg(TypeText, 1, TargetGroup, 9, 10))
	late := insert(t, s, msg(TypeText, 1, TargetGroup, 9, 30))

	page, err := s.GetPage(ctx, PageQuery{Viewer: 1, Target: target, SinceID: "nope", SinceMs: 20})
	require.NoError(t, err)
	assert.Equal(t, []string{late.ID}, ids(page))

	page, err = s.GetPage(ctx, PageQuery{Viewer: 1, Target: target, SinceID: "nope"})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestGetPage_TypeFilterAndLimits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	target := Target{Type: TargetGroup, UID: 9}

	for i := int64(1); i <= MaxPageLimit+10; i++ {
		typ := TypeText
		if i%2 == 0 {
			typ = TypeImage
		}
		insert(t, s, msg(typ, 1, TargetGroup, 9, i))
	}

	page, err := s.GetPage(ctx, PageQuery{Viewer: 1, Target: target})
	require.NoError(t, err)
	assert.Len(t, page, DefaultPageLimit)

	page, err = s.GetPage(ctx, PageQuery{Viewer: 1, Target: target, Limit: 10_000})
	require.NoError(t, err)
	assert.Len(t, page, MaxPageLimit)

	page, err = s.GetPage(ctx, PageQuery{Viewer: 1, Target: target, Type: TypeImage, Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	for _, m := range page {
		assert.Equal(t, TypeImage, m.Type)
	}

	_, err = s.GetPage(ctx, PageQuery{Viewer: 1, Target: target, Type: "sticker"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGetPage_EmptyConversationIsEmptySlice(t *testing.T) {
	s := newTestStore(t)
	page, err := s.GetPage(context.Background(), PageQuery{Viewer: 1, Target: Target{TargetPrivate, 2}})
	require.NoError(t, err)
	assert.NotNil(t, page)
	assert.Empty(t, page)
}

func TestGetPage_VisibilityAfterDeleteCutoff(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	target := Target{Type: TargetPrivate, UID: 2}

	insert(t, s, msg(TypeText, 1, TargetPrivate, 2, 10))
	insert(t, s, msg(TypeText, 2, TargetPrivate, 1, 20))
	last := insert(t, s, msg(TypeText, 1, TargetPrivate, 2, 30))

	_, err := s.UpsertCutoff(ctx, 1, "phone", target, 20)
	require.NoError(t, err)

	page, err := s.GetPage(ctx, PageQuery{Viewer: 1, DeviceID: "phone", Target: target})
	require.NoError(t, err)
	assert.Equal(t, []string{last.ID}, ids(page))

	page, err = s.GetPage(ctx, PageQuery{Viewer: 1, DeviceID: "laptop", Target: target})
	require.NoError(t, err)
	assert.Len(t, page, 3, "cutoffs are per device")

	page, err = s.GetPage(ctx, PageQuery{Viewer: 2, DeviceID: "phone", Target: Target{TargetPrivate, 1}})
	require.NoError(t, err)
	assert.Len(t, page, 3, "cutoffs are per user")
}

func TestGetPage_BaselineHidesEarlierHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	target := Target{Type: TargetGroup, UID: 9}

	insert(t, s, msg(TypeText, 2, TargetGroup, 9, 10))
	later := insert(t, s, msg(TypeText, 2, TargetGroup, 9, 60))

	_, err := s.EnsureBaseline(ctx, 1, "tablet", 50)
	require.NoError(t, err)

	page, err := s.GetPage(ctx, PageQuery{Viewer: 1, DeviceID: "tablet", Target: target})
	require.NoError(t, err)
	assert.Equal(t, []string{later.ID}, ids(page))
}

func TestScenario_SendCutoffSend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	target := Target{Type: TargetPrivate, UID: 5}
	q := PageQuery{Viewer: 1, DeviceID: "phone", Target: target, SinceMs: 1}

	first := insert(t, s, msg(TypeText, 1, TargetPrivate, 5, 100))
	page, err := s.GetPage(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, ids(page))

	effective, err := s.UpsertCutoff(ctx, 1, "phone", target, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(150), effective)

	page, err = s.GetPage(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, page)

	second := insert(t, s, msg(TypeText, 1, TargetPrivate, 5, 200))
	page, err = s.GetPage(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID}, ids(page))
}

func TestGetOverview_LatestAndUnread(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Private with 2: two unread texts from 2, one image from 2, one own text.
	insert(t, s, msg(TypeText, 2, TargetPrivate, 1, 10))
	insert(t, s, msg(TypeText, 2, TargetPrivate, 1, 20))
	insert(t, s, msg(TypeImage, 2, TargetPrivate, 1, 25))
	own := insert(t, s, msg(TypeText, 1, TargetPrivate, 2, 30))

	// Private with 3: one text, read already.
	read := insert(t, s, msg(TypeText, 3, TargetPrivate, 1, 40))

	// Group 9: texts from others and self; a cutoff hides the first.
	insert(t, s, msg(TypeText, 4, TargetGroup, 9, 5))
	insert(t, s, msg(TypeText, 1, TargetGroup, 9, 50))
	groupLatest := insert(t, s, msg(TypeText, 4, TargetGroup, 9, 60))
	_, err := s.UpsertCutoff(ctx, 1, "phone", Target{TargetGroup, 9}, 5)
	require.NoError(t, err)

	// Someone else's private conversation must not count.
	insert(t, s, msg(TypeText, 2, TargetPrivate, 3, 70))

	out, err := s.GetOverview(ctx, OverviewQuery{
		Viewer:   1,
		DeviceID: "phone",
		Friends:  []int64{2, 3, 4, 2},
		Groups:   []int64{9},
		ReadAt:   map[Target]int64{{TargetPrivate, 3}: 40},
	})
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, Target{TargetGroup, 9}, out[0].Target)
	assert.Equal(t, groupLatest.ID, out[0].Latest.ID)
	assert.Equal(t, 1, out[0].Unread)
	assert.Equal(t, int64(5), out[0].FloorMs)

	assert.Equal(t, Target{TargetPrivate, 3}, out[1].Target)
	assert.Equal(t, read.ID, out[1].Latest.ID)
	assert.Zero(t, out[1].Unread)

	assert.Equal(t, Target{TargetPrivate, 2}, out[2].Target)
	assert.Equal(t, own.ID, out[2].Latest.ID)
	assert.Equal(t, 2, out[2].Unread)
	assert.JSONEq(t, `{"text":"hi"}`, string(out[2].Latest.Payload))

	assert.Equal(t, Target{TargetPrivate, 4}, out[3].Target)
	assert.Nil(t, out[3].Latest)
	assert.Zero(t, out[3].Unread)
}

func TestGetOverview_ChunksLargeLists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	friends := make([]int64, 0, overviewChunk*2+7)
	for uid := int64(2); len(friends) < cap(friends); uid++ {
		friends = append(friends, uid)
	}
	last := friends[len(friends)-1]
	insert(t, s, msg(TypeText, last, TargetPrivate, 1, 10))
	insert(t, s, msg(TypeText, 2, TargetPrivate, 1, 5))

	out, err := s.GetOverview(ctx, OverviewQuery{Viewer: 1, Friends: friends})
	require.NoError(t, err)
	require.Len(t, out, len(friends))

	assert.Equal(t, last, out[0].Target.UID)
	assert.Equal(t, 1, out[0].Unread)
	assert.Equal(t, int64(2), out[1].Target.UID)
	for _, sum := range out[2:] {
		assert.Nil(t, sum.Latest)
	}
}

func TestGetOverview_Empty(t *testing.T) {
	s := newTestStore(t)
	out, err := s.GetOverview(context.Background(), OverviewQuery{Viewer: 1})
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}
