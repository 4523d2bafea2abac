// ABOUTME: One-time import of the legacy JSON-lines message log
// ABOUTME: Runs in one transaction, skips malformed rows and reports what it did

package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
)

const legacyImportedKey = "legacy_imported"

// CreatedAtLayout formats Message.CreatedAt.
const CreatedAtLayout = "2006-01-02 15:04:05"

// maxLegacyLine bounds one line of the legacy log.
const maxLegacyLine = 4 << 20

// MigrationReport describes the outcome of the legacy import.
type MigrationReport struct {
	Source      string `json:"source,omitempty"`
	Imported    int    `json:"imported"`
	Skipped     int    `json:"skipped"`
	AlreadyDone bool   `json:"alreadyDone"`
}

// migrateLegacy imports the log at path when the messages table is empty and
// no import has been recorded. Callers must not hold s.mu.
func (s *Store) migrateLegacy(ctx context.Context, path string) (*MigrationReport, error) {
	report := &MigrationReport{Source: path}

	s.mu.Lock()
	defer s.mu.Unlock()

	var marker string
	done, err := s.stmts.QueryOne(ctx, "meta.get",
		`SELECT value FROM store_meta WHERE key = ?`, []any{legacyImportedKey}, &marker)
	if err != nil {
		return nil, fmt.Errorf("reading migration marker: %w", err)
	}
	if done {
		report.AlreadyDone = true
		return report, nil
	}

	var existing int
	if _, err := s.stmts.QueryOne(ctx, "messages.count", `SELECT COUNT(*) FROM messages`, nil, &existing); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	if existing > 0 {
		report.AlreadyDone = true
		return report, nil
	}

	raw, err := afero.ReadFile(s.opts.Fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading legacy log: %w", err)
	}

	rows, skipped := parseLegacy(raw)
	report.Skipped = skipped

	tx, err := s.eng.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting migration: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("preparing migration insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range rows {
		res, err := stmt.ExecContext(ctx, m.ID, string(m.Type), m.SenderUID, m.TargetUID,
			string(m.TargetType), string(m.Payload), m.CreatedAt, m.CreatedAtMs)
		if err != nil {
			return nil, fmt.Errorf("importing message %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			report.Skipped++
			continue
		}
		report.Imported++
	}

	stamp := s.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO store_meta (key, value) VALUES (?, ?)`, legacyImportedKey, stamp); err != nil {
		return nil, fmt.Errorf("recording migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing migration: %w", err)
	}

	s.markDirty(1)
	s.logger.Info("imported legacy message log",
		"path", path,
		"imported", report.Imported,
		"skipped", report.Skipped)
	return report, nil
}

type legacyRow struct {
	ID          string          `json:"id"`
	Type        MessageType     `json:"type"`
	SenderUID   int64           `json:"senderUid"`
	TargetUID   int64           `json:"targetUid"`
	TargetType  TargetType      `json:"targetType"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   string          `json:"createdAt"`
	CreatedAtMs int64           `json:"createdAtMs"`
}

// parseLegacy decodes one message per line. Blank lines are ignored; lines
// that do not decode to a complete message are counted as skipped.
func parseLegacy(raw []byte) ([]*Message, int) {
	var (
		out     []*Message
		skipped int
	)

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), maxLegacyLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		m, ok := decodeLegacy(line)
		if !ok {
			skipped++
			continue
		}
		out = append(out, m)
	}
	if sc.Err() != nil {
		// The rest of the file is unreadable as lines.
		skipped++
	}
	return out, skipped
}

func decodeLegacy(line []byte) (*Message, bool) {
	var r legacyRow
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, false
	}
	if r.ID == "" || !r.Type.Valid() || !r.TargetType.Valid() ||
		r.SenderUID <= 0 || r.TargetUID <= 0 || r.CreatedAtMs <= 0 {
		return nil, false
	}

	payload := r.Payload
	// Older writers stored the payload as a JSON-encoded string.
	var inner string
	if json.Unmarshal(payload, &inner) == nil && json.Valid([]byte(inner)) {
		payload = json.RawMessage(inner)
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, false
	}

	createdAt := r.CreatedAt
	if createdAt == "" {
		createdAt = time.UnixMilli(r.CreatedAtMs).UTC().Format(CreatedAtLayout)
	}

	return &Message{
		ID:          r.ID,
		Type:        r.Type,
		SenderUID:   r.SenderUID,
		TargetUID:   r.TargetUID,
		TargetType:  r.TargetType,
		Payload:     payload,
		CreatedAt:   createdAt,
		CreatedAtMs: r.CreatedAtMs,
	}, true
}
