// ABOUTME: Schema for the conversation store: messages, device state, delete cutoffs, stickers
// ABOUTME: EnsureSchema is idempotent and safe to run against a freshly loaded snapshot

package engine

import (
	"context"
	"fmt"
)

const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id            TEXT PRIMARY KEY,
		type          TEXT NOT NULL,
		sender_uid    INTEGER NOT NULL,
		target_uid    INTEGER NOT NULL,
		target_type   TEXT NOT NULL,
		payload       TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,

		CHECK (type IN ('text', 'image', 'video', 'voice', 'gif', 'file', 'card', 'call')),
		CHECK (target_type IN ('private', 'group'))
	);

	CREATE INDEX IF NOT EXISTS idx_messages_private_pair
		ON messages(target_type, sender_uid, target_uid, created_at_ms);

	CREATE INDEX IF NOT EXISTS idx_messages_group
		ON messages(target_type, target_uid, created_at_ms);

	CREATE INDEX IF NOT EXISTS idx_messages_type_time
		ON messages(type, created_at_ms);

	CREATE INDEX IF NOT EXISTS idx_messages_sender_time
		ON messages(sender_uid, created_at_ms);

	CREATE TABLE IF NOT EXISTS device_state (
		uid           INTEGER NOT NULL,
		device_id     TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,

		PRIMARY KEY (uid, device_id)
	);

	CREATE TABLE IF NOT EXISTS delete_cutoffs (
		uid         INTEGER NOT NULL,
		device_id   TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_uid  INTEGER NOT NULL,
		cutoff_ms   INTEGER NOT NULL,

		PRIMARY KEY (uid, device_id, target_type, target_uid),
		CHECK (target_type IN ('private', 'group'))
	);

	CREATE TABLE IF NOT EXISTS sticker_assets (
		digest        TEXT PRIMARY KEY,
		mime          TEXT NOT NULL,
		size          INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_stickers (
		uid         INTEGER NOT NULL,
		digest      TEXT NOT NULL REFERENCES sticker_assets(digest),
		added_at_ms INTEGER NOT NULL,

		PRIMARY KEY (uid, digest)
	);

	CREATE INDEX IF NOT EXISTS idx_user_stickers_recent
		ON user_stickers(uid, added_at_ms DESC);

	CREATE TABLE IF NOT EXISTS store_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
`

// EnsureSchema creates all tables and indexes that do not exist yet.
func EnsureSchema(ctx context.Context, e Engine) error {
	if _, err := e.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
