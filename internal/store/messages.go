// ABOUTME: Message records: types, insertion, lookup and deletion
// ABOUTME: Messages are immutable once stored; deletion is the only other mutation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-chatstore/internal/engine"
	"github.com/2389/coven-chatstore/internal/metrics"
)

// MessageType is the closed set of message kinds.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeVoice MessageType = "voice"
	TypeGif   MessageType = "gif"
	TypeFile  MessageType = "file"
	TypeCard  MessageType = "card"
	TypeCall  MessageType = "call"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeVoice, TypeGif, TypeFile, TypeCard, TypeCall:
		return true
	}
	return false
}

// TargetType distinguishes private conversations from groups.
type TargetType string

const (
	TargetPrivate TargetType = "private"
	TargetGroup   TargetType = "group"
)

func (t TargetType) Valid() bool {
	return t == TargetPrivate || t == TargetGroup
}

// Target identifies a conversation from one user's point of view: the peer
// uid for private conversations, the group id for groups.
type Target struct {
	Type TargetType `json:"targetType"`
	UID  int64      `json:"targetUid"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Type, t.UID)
}

// Message is a stored chat message.
type Message struct {
	ID          string          `json:"id"`
	Type        MessageType     `json:"type"`
	SenderUID   int64           `json:"senderUid"`
	TargetUID   int64           `json:"targetUid"`
	TargetType  TargetType      `json:"targetType"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   string          `json:"createdAt"`
	CreatedAtMs int64           `json:"createdAtMs"`
}

// TargetFor returns the conversation this message belongs to as seen by uid.
func (m *Message) TargetFor(uid int64) Target {
	if m.TargetType == TargetPrivate && m.TargetUID == uid {
		return Target{Type: TargetPrivate, UID: m.SenderUID}
	}
	return Target{Type: m.TargetType, UID: m.TargetUID}
}

const messageColumns = `id, type, sender_uid, target_uid, target_type, payload, created_at, created_at_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		m       Message
		payload string
	)
	if err := row.Scan(&m.ID, &m.Type, &m.SenderUID, &m.TargetUID, &m.TargetType,
		&payload, &m.CreatedAt, &m.CreatedAtMs); err != nil {
		return nil, err
	}
	m.Payload = json.RawMessage(payload)
	return &m, nil
}

// InsertMessage stores a finalized message.
// Returns ErrDuplicate if a message with the same id exists.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" || !m.Type.Valid() || !m.TargetType.Valid() {
		return fmt.Errorf("%w: message id, type and target type are required", ErrInvalid)
	}
	if !json.Valid(m.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalid)
	}

	return s.with(ctx, func() error {
		_, err := s.stmts.Run(ctx, "messages.insert", `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, string(m.Type), m.SenderUID, m.TargetUID, string(m.TargetType),
			string(m.Payload), m.CreatedAt, m.CreatedAtMs)
		if err != nil {
			if engine.IsConstraint(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting message: %w", err)
		}

		s.markDirty(1)
		metrics.MessagesStoredTotal.WithLabelValues(string(m.Type)).Inc()
		s.logger.Debug("stored message", "id", m.ID, "type", m.Type, "target", m.TargetType)
		return nil
	})
}

// GetMessage retrieves a message by id.
// Returns ErrNotFound if the message doesn't exist.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg *Message
	err := s.with(ctx, func() error {
		var err error
		msg, err = s.getMessageLocked(ctx, id)
		return err
	})
	return msg, err
}

func (s *Store) getMessageLocked(ctx context.Context, id string) (*Message, error) {
	var msg *Message
	err := s.stmts.QueryAll(ctx, "messages.get",
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, []any{id},
		func(rows *sql.Rows) error {
			var err error
			msg, err = scanMessage(rows)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	if msg == nil {
		return nil, ErrNotFound
	}
	return msg, nil
}

// DeleteMessage removes a message by id and returns what was deleted.
// Returns ErrNotFound if the message doesn't exist.
func (s *Store) DeleteMessage(ctx context.Context, id string) (*Message, error) {
	var msg *Message
	err := s.with(ctx, func() error {
		var err error
		msg, err = s.getMessageLocked(ctx, id)
		if err != nil {
			return err
		}

		res, err := s.stmts.Run(ctx, "messages.delete", `DELETE FROM messages WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		s.markDirty(1)
		metrics.MessagesDeletedTotal.Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// CountMessages returns the total number of stored messages.
func (s *Store) CountMessages(ctx context.Context) (int, error) {
	var n int
	err := s.with(ctx, func() error {
		_, err := s.stmts.QueryOne(ctx, "messages.count", `SELECT COUNT(*) FROM messages`, nil, &n)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}
