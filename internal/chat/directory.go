// ABOUTME: Static in-memory Directory built from configured friendships and groups
// ABOUTME: Stands in for the social-graph service when running the store on its own

package chat

import (
	"context"
	"slices"

	"github.com/2389/coven-chatstore/internal/store"
)

// StaticDirectory is a fixed friendship and group-membership graph.
type StaticDirectory struct {
	friends map[int64][]int64
	groups  map[int64][]int64 // uid -> gids
	members map[int64]map[int64]bool
}

// NewStaticDirectory builds a directory. Friendships are symmetric; groups
// maps a group id to its members.
func NewStaticDirectory(friendships [][2]int64, groups map[int64][]int64) *StaticDirectory {
	d := &StaticDirectory{
		friends: make(map[int64][]int64),
		groups:  make(map[int64][]int64),
		members: make(map[int64]map[int64]bool),
	}
	for _, pair := range friendships {
		a, b := pair[0], pair[1]
		if a == b {
			continue
		}
		if !slices.Contains(d.friends[a], b) {
			d.friends[a] = append(d.friends[a], b)
			d.friends[b] = append(d.friends[b], a)
		}
	}
	for gid, uids := range groups {
		set := make(map[int64]bool, len(uids))
		for _, uid := range uids {
			if set[uid] {
				continue
			}
			set[uid] = true
			d.groups[uid] = append(d.groups[uid], gid)
		}
		d.members[gid] = set
	}
	for _, gids := range d.groups {
		slices.Sort(gids)
	}
	return d
}

func (d *StaticDirectory) CanAccessConversation(_ context.Context, uid int64, target store.Target) (bool, error) {
	switch target.Type {
	case store.TargetPrivate:
		return slices.Contains(d.friends[uid], target.UID), nil
	case store.TargetGroup:
		return d.members[target.UID][uid], nil
	}
	return false, nil
}

func (d *StaticDirectory) Friends(_ context.Context, uid int64) ([]int64, error) {
	return slices.Clone(d.friends[uid]), nil
}

func (d *StaticDirectory) Groups(_ context.Context, uid int64) ([]int64, error) {
	return slices.Clone(d.groups[uid]), nil
}
