// ABOUTME: Sticker assets: content-addressed, deduplicated across users
// ABOUTME: Each user keeps a capped most-recent-first list of references

package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// BlobSink stores sticker bytes under their digest. Writing the same digest
// twice must be harmless.
type BlobSink interface {
	Put(ctx context.Context, digest string, data []byte) error
}

// Sticker is one entry in a user's sticker list.
type Sticker struct {
	Digest    string `json:"digest"`
	MIME      string `json:"mime"`
	Size      int64  `json:"size"`
	AddedAtMs int64  `json:"addedAtMs"`
}

// ContentDigest returns the content address of data.
func ContentDigest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AddSticker adds data to the user's sticker list, storing the bytes only the
// first time any user adds them. Re-adding moves the sticker to the front;
// entries beyond the per-user cap are dropped, oldest first.
func (s *Store) AddSticker(ctx context.Context, uid int64, mime string, data []byte) (*Sticker, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty sticker", ErrInvalid)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	digest := ContentDigest(data)

	var known bool
	err := s.with(ctx, func() error {
		var err error
		known, err = s.stmts.QueryOne(ctx, "sticker.asset.exists",
			`SELECT 1 FROM sticker_assets WHERE digest = ?`, []any{digest}, new(int))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("looking up sticker asset: %w", err)
	}

	if !known && s.opts.Blobs != nil {
		if err := s.opts.Blobs.Put(ctx, digest, data); err != nil {
			return nil, fmt.Errorf("storing sticker blob: %w", err)
		}
	}

	sticker := &Sticker{Digest: digest, MIME: mime, Size: int64(len(data))}
	err = s.with(ctx, func() error {
		now := s.now().UnixMilli()
		if _, err := s.stmts.Run(ctx, "sticker.asset.insert", `
			INSERT OR IGNORE INTO sticker_assets (digest, mime, size, created_at_ms)
			VALUES (?, ?, ?, ?)
		`, digest, mime, len(data), now); err != nil {
			return err
		}

		// Keep the list strictly ordered even when adds share a millisecond.
		var newest int64
		if _, err := s.stmts.QueryOne(ctx, "sticker.user.newest", `
			SELECT COALESCE(MAX(added_at_ms), 0) FROM user_stickers WHERE uid = ?
		`, []any{uid}, &newest); err != nil {
			return err
		}
		sticker.AddedAtMs = max(now, newest+1)

		if _, err := s.stmts.Run(ctx, "sticker.user.upsert", `
			INSERT INTO user_stickers (uid, digest, added_at_ms) VALUES (?, ?, ?)
			ON CONFLICT (uid, digest) DO UPDATE SET added_at_ms = excluded.added_at_ms
		`, uid, digest, sticker.AddedAtMs); err != nil {
			return err
		}

		res, err := s.stmts.Run(ctx, "sticker.user.trim", `
			DELETE FROM user_stickers
			WHERE uid = ? AND digest NOT IN (
				SELECT digest FROM user_stickers WHERE uid = ?
				ORDER BY added_at_ms DESC LIMIT ?
			)
		`, uid, uid, s.opts.MaxStickersPerUser)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger.Debug("trimmed sticker list", "uid", uid, "dropped", n)
		}

		s.markDirty(1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("adding sticker: %w", err)
	}
	return sticker, nil
}

// ListStickers returns the user's stickers, most recently added first.
func (s *Store) ListStickers(ctx context.Context, uid int64) ([]Sticker, error) {
	out := []Sticker{}
	err := s.with(ctx, func() error {
		return s.stmts.QueryAll(ctx, "sticker.user.list", `
			SELECT a.digest, a.mime, a.size, u.added_at_ms
			FROM user_stickers u JOIN sticker_assets a ON a.digest = u.digest
			WHERE u.uid = ?
			ORDER BY u.added_at_ms DESC
		`, []any{uid}, func(rows *sql.Rows) error {
			var st Sticker
			if err := rows.Scan(&st.Digest, &st.MIME, &st.Size, &st.AddedAtMs); err != nil {
				return err
			}
			out = append(out, st)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing stickers: %w", err)
	}
	return out, nil
}

// RemoveSticker drops a sticker from the user's list. The shared asset stays.
// Returns ErrNotFound if the user does not have it.
func (s *Store) RemoveSticker(ctx context.Context, uid int64, digest string) error {
	return s.with(ctx, func() error {
		res, err := s.stmts.Run(ctx, "sticker.user.delete",
			`DELETE FROM user_stickers WHERE uid = ? AND digest = ?`, uid, digest)
		if err != nil {
			return fmt.Errorf("removing sticker: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		s.markDirty(1)
		return nil
	})
}
