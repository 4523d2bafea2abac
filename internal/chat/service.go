// ABOUTME: Chat service is the ingest and query layer in front of the store
// ABOUTME: Validates, authorizes and normalizes messages, then persists before delivering

package chat

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/coven-chatstore/internal/dedupe"
	"github.com/2389/coven-chatstore/internal/store"
)

var (
	// ErrInvalid wraps every validation failure; the wrapping error carries the reason
	ErrInvalid = errors.New("invalid request")

	// ErrForbidden is returned when the caller may not access the conversation or message
	ErrForbidden = errors.New("forbidden")

	// ErrInFlight is returned when a send with the same client message id is still running
	ErrInFlight = errors.New("request with this client message id is in progress")
)

// DefaultMaxPayloadBytes bounds the encoded payload of a single message.
const DefaultMaxPayloadBytes = 64 << 10

// MessageStore is what the service needs from storage.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	DeleteMessage(ctx context.Context, id string) (*store.Message, error)

	GetPage(ctx context.Context, q store.PageQuery) ([]*store.Message, error)
	GetOverview(ctx context.Context, q store.OverviewQuery) ([]store.Summary, error)

	EnsureBaseline(ctx context.Context, uid int64, deviceID string, observedMs int64) (store.Baseline, error)
	UpsertCutoff(ctx context.Context, uid int64, deviceID string, target store.Target, cutoffMs int64) (int64, error)

	AddSticker(ctx context.Context, uid int64, mime string, data []byte) (*store.Sticker, error)
	ListStickers(ctx context.Context, uid int64) ([]store.Sticker, error)
	RemoveSticker(ctx context.Context, uid int64, digest string) error
}

// Directory answers social-graph questions: who may talk where.
type Directory interface {
	CanAccessConversation(ctx context.Context, uid int64, target store.Target) (bool, error)
	Friends(ctx context.Context, uid int64) ([]int64, error)
	Groups(ctx context.Context, uid int64) ([]int64, error)
}

// MediaResolver rewrites type-specific payload fields before storage, for
// example replacing inline content with a stored reference.
type MediaResolver interface {
	Normalize(ctx context.Context, typ store.MessageType, payload map[string]any) (map[string]any, error)
}

// Deliverer receives every stored message exactly once. It must not block.
type Deliverer interface {
	Deliver(ctx context.Context, m *store.Message)
}

// Options configures a Service. Without a Directory every conversation is
// accessible and overviews are empty.
type Options struct {
	Directory       Directory
	Media           MediaResolver
	Deliverer       Deliverer
	Dedupe          *dedupe.Cache
	MaxPayloadBytes int
	Now             func() time.Time
	Logger          *slog.Logger
}

// Service is the ingest and read API over the store.
type Service struct {
	store      MessageStore
	dir        Directory
	media      MediaResolver
	deliverer  Deliverer
	dedupe     *dedupe.Cache
	maxPayload int
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a chat service
func New(st MessageStore, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Service{
		store:      st,
		dir:        opts.Directory,
		media:      opts.Media,
		deliverer:  opts.Deliverer,
		dedupe:     opts.Dedupe,
		maxPayload: opts.MaxPayloadBytes,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "chat"),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// SendRequest is a message as submitted by a client.
type SendRequest struct {
	Sender      int64
	Type        store.MessageType
	TargetType  store.TargetType
	TargetUID   int64
	Payload     json.RawMessage
	ClientMsgID string
}

// Send validates, stores and delivers a message, returning the stored record.
//
// A request carrying a ClientMsgID that was already stored returns the
// original message instead of storing a second copy.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*store.Message, error) {
	payload, err := s.validateSend(req)
	if err != nil {
		return nil, err
	}

	target := store.Target{Type: req.TargetType, UID: req.TargetUID}
	if err := s.authorize(ctx, req.Sender, target); err != nil {
		return nil, err
	}

	var key string
	if req.ClientMsgID != "" && s.dedupe != nil {
		key = fmt.Sprintf("%d:%s", req.Sender, req.ClientMsgID)
		if id, seen := s.dedupe.Reserve(key); seen {
			if id == "" {
				return nil, ErrInFlight
			}
			s.logger.Debug("duplicate send", "client_msg_id", req.ClientMsgID, "message_id", id)
			return s.store.GetMessage(ctx, id)
		}
	}

	msg, err := s.record(ctx, req, payload)
	if key != "" {
		if err != nil {
			s.dedupe.Release(key)
		} else {
			s.dedupe.Complete(key, msg.ID)
		}
	}
	if err != nil {
		return nil, err
	}

	if s.deliverer != nil {
		s.deliverer.Deliver(ctx, msg)
	}
	return msg, nil
}

// record normalizes the payload, assigns identity and timestamps, and inserts.
func (s *Service) record(ctx context.Context, req *SendRequest, payload map[string]any) (*store.Message, error) {
	if s.media != nil {
		normalized, err := s.media.Normalize(ctx, req.Type, payload)
		if err != nil {
			return nil, fmt.Errorf("normalizing payload: %w", err)
		}
		payload = normalized
	}
	if err := requireFields(req.Type, payload); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, invalid("payload: %v", err)
	}

	now := s.now()
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}

	msg := &store.Message{
		ID:          id.String(),
		Type:        req.Type,
		SenderUID:   req.Sender,
		TargetUID:   req.TargetUID,
		TargetType:  req.TargetType,
		Payload:     encoded,
		CreatedAt:   now.UTC().Format(store.CreatedAtLayout),
		CreatedAtMs: now.UnixMilli(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}

	s.logger.Debug("message recorded",
		"message_id", msg.ID,
		"sender", msg.SenderUID,
		"target", store.Target{Type: msg.TargetType, UID: msg.TargetUID}.String())
	return msg, nil
}

func (s *Service) validateSend(req *SendRequest) (map[string]any, error) {
	if !req.Type.Valid() {
		return nil, invalid("unknown message type %q", req.Type)
	}
	if !req.TargetType.Valid() {
		return nil, invalid("unknown target type %q", req.TargetType)
	}
	if req.Sender <= 0 {
		return nil, invalid("sender uid must be positive")
	}
	if req.TargetUID <= 0 {
		return nil, invalid("target uid must be positive")
	}
	if req.TargetType == store.TargetPrivate && req.TargetUID == req.Sender {
		return nil, invalid("cannot send a private message to yourself")
	}
	if len(req.Payload) > s.maxPayload {
		return nil, invalid("payload is %d bytes, limit is %d", len(req.Payload), s.maxPayload)
	}

	payload, err := decodeObject(req.Payload)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, invalid("payload is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, invalid("payload must be a JSON object")
	}
	if payload == nil {
		return nil, invalid("payload must be a JSON object")
	}
	if dec.More() {
		return nil, invalid("payload has trailing data")
	}
	return payload, nil
}

// requireFields checks the per-type mandatory payload field.
func requireFields(typ store.MessageType, payload map[string]any) error {
	switch typ {
	case store.TypeText:
		if text, _ := payload["text"].(string); text == "" {
			return invalid("text message needs a non-empty text field")
		}
	case store.TypeImage, store.TypeVideo, store.TypeVoice, store.TypeGif, store.TypeFile:
		if url, _ := payload["url"].(string); url == "" {
			return invalid("%s message needs a url", typ)
		}
	case store.TypeCard:
		if _, ok := payload["uid"]; !ok {
			return invalid("card message needs a uid")
		}
	case store.TypeCall:
		if status, _ := payload["status"].(string); status == "" {
			return invalid("call message needs a status")
		}
	}
	return nil
}

func (s *Service) authorize(ctx context.Context, uid int64, target store.Target) error {
	if s.dir == nil {
		return nil
	}
	ok, err := s.dir.CanAccessConversation(ctx, uid, target)
	if err != nil {
		return fmt.Errorf("checking access: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: no access to %s", ErrForbidden, target)
	}
	return nil
}

func validTarget(t store.Target) error {
	if !t.Type.Valid() {
		return invalid("unknown target type %q", t.Type)
	}
	if t.UID <= 0 {
		return invalid("target uid must be positive")
	}
	return nil
}

// GetPage returns one page of a conversation the viewer can access.
func (s *Service) GetPage(ctx context.Context, q store.PageQuery) ([]*store.Message, error) {
	if err := validTarget(q.Target); err != nil {
		return nil, err
	}
	if q.Type != "" && !q.Type.Valid() {
		return nil, invalid("unknown message type %q", q.Type)
	}
	if q.Limit < 0 {
		return nil, invalid("limit must not be negative")
	}
	if err := s.authorize(ctx, q.Viewer, q.Target); err != nil {
		return nil, err
	}
	return s.store.GetPage(ctx, q)
}

// CutoffRequest asks to hide a conversation's history up to CutoffMs.
type CutoffRequest struct {
	Target   store.Target `json:"target"`
	CutoffMs int64        `json:"cutoffMs"`
}

// OverviewRequest asks for the viewer's conversation list. Cutoff requests
// are applied before the overview is computed.
type OverviewRequest struct {
	Viewer   int64
	DeviceID string
	ReadAt   map[store.Target]int64
	Cutoffs  []CutoffRequest
}

// GetOverview summarizes every friend and group conversation of the viewer.
func (s *Service) GetOverview(ctx context.Context, req *OverviewRequest) ([]store.Summary, error) {
	for _, c := range req.Cutoffs {
		if _, err := s.SetDeleteCutoff(ctx, req.Viewer, req.DeviceID, c.Target, c.CutoffMs); err != nil {
			return nil, err
		}
	}

	if s.dir == nil {
		return []store.Summary{}, nil
	}
	friends, err := s.dir.Friends(ctx, req.Viewer)
	if err != nil {
		return nil, fmt.Errorf("listing friends: %w", err)
	}
	groups, err := s.dir.Groups(ctx, req.Viewer)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}

	return s.store.GetOverview(ctx, store.OverviewQuery{
		Viewer:   req.Viewer,
		DeviceID: req.DeviceID,
		Friends:  friends,
		Groups:   groups,
		ReadAt:   req.ReadAt,
	})
}

// SetDeleteCutoff hides the conversation's history up to cutoffMs on one
// device and returns the effective cutoff, which never moves backwards.
func (s *Service) SetDeleteCutoff(ctx context.Context, uid int64, deviceID string, target store.Target, cutoffMs int64) (int64, error) {
	if err := validTarget(target); err != nil {
		return 0, err
	}
	if cutoffMs < 0 {
		return 0, invalid("cutoff must not be negative")
	}
	if deviceID == "" {
		return 0, invalid("device id is required")
	}
	effective, err := s.store.UpsertCutoff(ctx, uid, deviceID, target, cutoffMs)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("delete cutoff set",
		"uid", uid,
		"device_id", deviceID,
		"target", target.String(),
		"cutoff_ms", effective)
	return effective, nil
}

// DeleteMessage removes a message for everyone. The sender, the recipient of
// a private message, and members of the message's group may delete it.
func (s *Service) DeleteMessage(ctx context.Context, requester int64, id string) (*store.Message, error) {
	if id == "" {
		return nil, invalid("message id is required")
	}
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case msg.SenderUID == requester:
	case msg.TargetType == store.TargetPrivate && msg.TargetUID == requester:
	case msg.TargetType == store.TargetGroup:
		if err := s.authorize(ctx, requester, store.Target{Type: store.TargetGroup, UID: msg.TargetUID}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: not a participant of message %s", ErrForbidden, id)
	}

	deleted, err := s.store.DeleteMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("message deleted", "message_id", id, "requester", requester)
	return deleted, nil
}

// RegisterDevice records that the device exists as of now. Messages older
// than a device's first registration are never shown on it.
func (s *Service) RegisterDevice(ctx context.Context, uid int64, deviceID string) (store.Baseline, error) {
	if deviceID == "" {
		return store.Baseline{}, invalid("device id is required")
	}
	b, err := s.store.EnsureBaseline(ctx, uid, deviceID, s.now().UnixMilli())
	if err != nil {
		return store.Baseline{}, err
	}
	if b.Inserted {
		s.logger.Info("device registered", "uid", uid, "device_id", deviceID, "baseline_ms", b.CreatedAtMs)
	}
	return b, nil
}

// AddSticker adds an image to the user's sticker list.
func (s *Service) AddSticker(ctx context.Context, uid int64, mime string, data []byte) (*store.Sticker, error) {
	if len(data) > s.maxStickerBytes() {
		return nil, invalid("sticker is %d bytes, limit is %d", len(data), s.maxStickerBytes())
	}
	return s.store.AddSticker(ctx, uid, mime, data)
}

func (s *Service) maxStickerBytes() int {
	return 16 * s.maxPayload
}

// ListStickers returns the user's stickers, most recent first.
func (s *Service) ListStickers(ctx context.Context, uid int64) ([]store.Sticker, error) {
	return s.store.ListStickers(ctx, uid)
}

// RemoveSticker drops a sticker from the user's list.
func (s *Service) RemoveSticker(ctx context.Context, uid int64, digest string) error {
	return s.store.RemoveSticker(ctx, uid, digest)
}
