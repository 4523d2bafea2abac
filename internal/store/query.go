// ABOUTME: Conversation read paths: bounded page fetch and batched overview
// ABOUTME: Both resolve the per-device visibility floor before touching messages

package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
)

// Page size bounds.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// overviewChunk bounds the number of conversations bound into one query.
const overviewChunk = 200

// PageQuery selects a page of one conversation as seen by Viewer on DeviceID.
//
// With a since anchor the page is the oldest Limit messages after it; with
// only a before anchor it is the newest Limit messages before it; with
// neither it is the newest Limit messages. Results are always chronological.
// An id anchor takes precedence over a timestamp anchor; an unknown id is
// ignored.
type PageQuery struct {
	Viewer   int64
	DeviceID string
	Target   Target
	Type     MessageType // optional filter

	SinceID  string
	SinceMs  int64
	BeforeID string
	BeforeMs int64

	Limit int
}

type anchor struct {
	ms int64
	id string
}

// GetPage returns one page of a conversation in chronological order.
func (s *Store) GetPage(ctx context.Context, q PageQuery) ([]*Message, error) {
	if !q.Target.Type.Valid() {
		return nil, fmt.Errorf("%w: target type %q", ErrInvalid, q.Target.Type)
	}
	if q.Type != "" && !q.Type.Valid() {
		return nil, fmt.Errorf("%w: message type %q", ErrInvalid, q.Type)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	limit = min(limit, MaxPageLimit)

	var (
		page      []*Message
		ascending bool
	)
	err := s.with(ctx, func() error {
		floor, err := s.effectiveFloorLocked(ctx, q.Viewer, q.DeviceID, q.Target)
		if err != nil {
			return err
		}

		since, err := s.resolveAnchor(ctx, q.SinceID, q.SinceMs)
		if err != nil {
			return err
		}
		before, err := s.resolveAnchor(ctx, q.BeforeID, q.BeforeMs)
		if err != nil {
			return err
		}

		var (
			where []string
			args  []any
			key   = "page." + string(q.Target.Type)
		)

		if q.Target.Type == TargetPrivate {
			where = append(where, `target_type = 'private'`,
				`((sender_uid = ? AND target_uid = ?) OR (sender_uid = ? AND target_uid = ?))`)
			args = append(args, q.Viewer, q.Target.UID, q.Target.UID, q.Viewer)
		} else {
			where = append(where, `target_type = 'group'`, `target_uid = ?`)
			args = append(args, q.Target.UID)
		}

		where = append(where, `created_at_ms > ?`)
		args = append(args, floor)

		if q.Type != "" {
			where = append(where, `type = ?`)
			args = append(args, string(q.Type))
			key += ".typed"
		}

		w, a, k := anchorClause(since, ">")
		where, args, key = append(where, w...), append(args, a...), key+".since"+k
		w, a, k = anchorClause(before, "<")
		where, args, key = append(where, w...), append(args, a...), key+".before"+k

		ascending = since != nil
		order := `ORDER BY created_at_ms DESC, id DESC`
		if ascending {
			order = `ORDER BY created_at_ms ASC, id ASC`
			key += ".asc"
		}

		query := `SELECT ` + messageColumns + ` FROM messages WHERE ` +
			strings.Join(where, " AND ") + ` ` + order + ` LIMIT ?`
		args = append(args, limit)

		return s.stmts.QueryAll(ctx, key, query, args, func(rows *sql.Rows) error {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			page = append(page, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetching page: %w", err)
	}

	if !ascending {
		slices.Reverse(page)
	}
	if page == nil {
		page = []*Message{}
	}
	return page, nil
}

// resolveAnchor turns an id or timestamp into an anchor. An id that does not
// resolve falls back to the timestamp. Returns nil when there is no anchor.
func (s *Store) resolveAnchor(ctx context.Context, id string, ms int64) (*anchor, error) {
	if id != "" {
		var at int64
		found, err := s.stmts.QueryOne(ctx, "messages.created_at",
			`SELECT created_at_ms FROM messages WHERE id = ?`, []any{id}, &at)
		if err != nil {
			return nil, err
		}
		if found {
			return &anchor{ms: at, id: id}, nil
		}
	}
	if ms > 0 {
		return &anchor{ms: ms}, nil
	}
	return nil, nil
}

// anchorClause bounds the page strictly on one side of a. Id anchors break
// timestamp ties by id so a message sharing the anchor's time is neither
// skipped nor repeated.
func anchorClause(a *anchor, op string) ([]string, []any, string) {
	switch {
	case a == nil:
		return nil, nil, ".none"
	case a.id == "":
		return []string{`created_at_ms ` + op + ` ?`}, []any{a.ms}, ".ts"
	default:
		return []string{`(created_at_ms ` + op + ` ? OR (created_at_ms = ? AND id ` + op + ` ?))`},
			[]any{a.ms, a.ms, a.id}, ".id"
	}
}

// OverviewQuery lists the conversations to summarize for Viewer on DeviceID.
type OverviewQuery struct {
	Viewer   int64
	DeviceID string
	Friends  []int64
	Groups   []int64
	// ReadAt maps a conversation to the time the viewer last read it. Unread
	// counts only include messages after max(floor, read time).
	ReadAt map[Target]int64
}

// Summary describes one conversation in an overview.
type Summary struct {
	Target  Target   `json:"target"`
	Latest  *Message `json:"latest,omitempty"`
	Unread  int      `json:"unread"`
	FloorMs int64    `json:"floorMs"`
}

// GetOverview returns one summary per conversation: the latest visible
// message and the number of unread text messages from others. Conversations
// are bound into chunked queries, never queried one by one. Results are
// ordered by latest message, newest first; empty conversations come last.
func (s *Store) GetOverview(ctx context.Context, q OverviewQuery) ([]Summary, error) {
	var out []Summary
	err := s.with(ctx, func() error {
		baseline, err := s.baselineLocked(ctx, q.Viewer, q.DeviceID)
		if err != nil {
			return err
		}
		cutoffs, err := s.loadCutoffMapLocked(ctx, q.Viewer, q.DeviceID)
		if err != nil {
			return err
		}

		for _, kind := range []struct {
			typ TargetType
			ids []int64
		}{
			{TargetPrivate, dedupeIDs(q.Friends)},
			{TargetGroup, dedupeIDs(q.Groups)},
		} {
			for chunk := range slices.Chunk(kind.ids, overviewChunk) {
				convs := make([]Summary, len(chunk))
				for i, id := range chunk {
					t := Target{Type: kind.typ, UID: id}
					convs[i] = Summary{Target: t, FloorMs: max(baseline, cutoffs.Get(t))}
				}
				summaries, err := s.overviewChunk(ctx, q, kind.typ, convs)
				if err != nil {
					return err
				}
				out = append(out, summaries...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("building overview: %w", err)
	}

	slices.SortStableFunc(out, func(a, b Summary) int {
		switch {
		case a.Latest == nil && b.Latest == nil:
			return 0
		case a.Latest == nil:
			return 1
		case b.Latest == nil:
			return -1
		case a.Latest.CreatedAtMs != b.Latest.CreatedAtMs:
			if a.Latest.CreatedAtMs > b.Latest.CreatedAtMs {
				return -1
			}
			return 1
		default:
			return strings.Compare(b.Latest.ID, a.Latest.ID)
		}
	})
	if out == nil {
		out = []Summary{}
	}
	return out, nil
}

func (s *Store) baselineLocked(ctx context.Context, uid int64, deviceID string) (int64, error) {
	var ms int64
	_, err := s.stmts.QueryOne(ctx, "device.baseline.get", baselineQuery, []any{uid, deviceID}, &ms)
	return ms, err
}

// overviewChunk summarizes up to overviewChunk conversations of one kind with
// a single statement: the conversations are bound as a VALUES table and the
// latest message and unread count are correlated subqueries against it.
func (s *Store) overviewChunk(ctx context.Context, q OverviewQuery, typ TargetType, convs []Summary) ([]Summary, error) {
	values := make([]string, len(convs))
	args := make([]any, 0, len(convs)*3+4)
	for i, c := range convs {
		values[i] = "(?, ?, ?)"
		args = append(args, c.Target.UID, c.FloorMs, q.ReadAt[c.Target])
	}

	var conversation, unreadFrom string
	if typ == TargetPrivate {
		conversation = `m.target_type = 'private' AND
			((m.sender_uid = ? AND m.target_uid = conv.uid) OR (m.sender_uid = conv.uid AND m.target_uid = ?))`
		unreadFrom = `m.target_type = 'private' AND m.sender_uid = conv.uid AND m.target_uid = ?`
	} else {
		conversation = `m.target_type = 'group' AND m.target_uid = conv.uid`
		unreadFrom = `m.target_type = 'group' AND m.target_uid = conv.uid AND m.sender_uid <> ?`
	}

	query := `
		WITH conv(uid, floor_ms, read_ms) AS (VALUES ` + strings.Join(values, ", ") + `)
		SELECT conv.uid,
			(SELECT COUNT(*) FROM messages m
			 WHERE ` + unreadFrom + `
			   AND m.type = 'text'
			   AND m.created_at_ms > MAX(conv.floor_ms, conv.read_ms)) AS unread,
			l.id, l.type, l.sender_uid, l.target_uid, l.target_type, l.payload, l.created_at, l.created_at_ms
		FROM conv
		LEFT JOIN messages l ON l.id = (
			SELECT m.id FROM messages m
			WHERE ` + conversation + `
			  AND m.created_at_ms > conv.floor_ms
			ORDER BY m.created_at_ms DESC, m.id DESC
			LIMIT 1
		)`

	// Placeholders bind in text order: unread subquery, then latest subquery.
	args = append(args, q.Viewer)
	if typ == TargetPrivate {
		args = append(args, q.Viewer, q.Viewer)
	}

	key := fmt.Sprintf("overview.%s.%d", typ, len(convs))
	byUID := make(map[int64]int, len(convs))
	for i, c := range convs {
		byUID[c.Target.UID] = i
	}

	err := s.stmts.QueryAll(ctx, key, query, args, func(rows *sql.Rows) error {
		var (
			uid     int64
			unread  int
			id      sql.NullString
			mtype   sql.NullString
			sender  sql.NullInt64
			target  sql.NullInt64
			ttype   sql.NullString
			payload sql.NullString
			at      sql.NullString
			atMs    sql.NullInt64
		)
		if err := rows.Scan(&uid, &unread, &id, &mtype, &sender, &target, &ttype, &payload, &at, &atMs); err != nil {
			return err
		}
		i, ok := byUID[uid]
		if !ok {
			return nil
		}
		convs[i].Unread = unread
		if id.Valid {
			convs[i].Latest = &Message{
				ID:          id.String,
				Type:        MessageType(mtype.String),
				SenderUID:   sender.Int64,
				TargetUID:   target.Int64,
				TargetType:  TargetType(ttype.String),
				Payload:     []byte(payload.String),
				CreatedAt:   at.String,
				CreatedAtMs: atMs.Int64,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return convs, nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
