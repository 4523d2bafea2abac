// ABOUTME: Handlers for messages, pages, overview, cutoffs, devices and stickers
// ABOUTME: Every handler acts as the authenticated identity from the request context

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/2389/coven-chatstore/internal/auth"
	"github.com/2389/coven-chatstore/internal/chat"
	"github.com/2389/coven-chatstore/internal/store"
)

// SendMessageRequest is the body of POST /v1/messages.
type SendMessageRequest struct {
	Type        store.MessageType `json:"type"`
	TargetType  store.TargetType  `json:"targetType"`
	TargetUID   int64             `json:"targetUid"`
	Payload     json.RawMessage   `json:"payload"`
	ClientMsgID string            `json:"clientMsgId,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req SendMessageRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	msg, err := s.chat.Send(r.Context(), &chat.SendRequest{
		Sender:      id.UID,
		Type:        req.Type,
		TargetType:  req.TargetType,
		TargetUID:   req.TargetUID,
		Payload:     req.Payload,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	msg, err := s.chat.DeleteMessage(r.Context(), id.UID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// pathTarget parses the {type}/{uid} path segments.
func pathTarget(r *http.Request) (store.Target, error) {
	t := store.Target{Type: store.TargetType(r.PathValue("type"))}
	if !t.Type.Valid() {
		return t, fmt.Errorf("%w: unknown target type %q", chat.ErrInvalid, t.Type)
	}
	uid, err := strconv.ParseInt(r.PathValue("uid"), 10, 64)
	if err != nil || uid <= 0 {
		return t, fmt.Errorf("%w: target uid must be a positive integer", chat.ErrInvalid)
	}
	t.UID = uid
	return t, nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", chat.ErrInvalid, name)
	}
	return v, nil
}

// handlePage handles GET /v1/conversations/{type}/{uid}/messages.
// Query parameters: type, sinceId, sinceTs, beforeId, beforeTs, limit.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	target, err := pathTarget(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	page := store.PageQuery{
		Viewer:   id.UID,
		DeviceID: id.DeviceID,
		Target:   target,
		Type:     store.MessageType(q.Get("type")),
		SinceID:  q.Get("sinceId"),
		BeforeID: q.Get("beforeId"),
	}

	var limit int64
	for name, dst := range map[string]*int64{
		"sinceTs":  &page.SinceMs,
		"beforeTs": &page.BeforeMs,
		"limit":    &limit,
	} {
		if *dst, err = queryInt(r, name); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	page.Limit = int(min(limit, store.MaxPageLimit))

	messages, err := s.chat.GetPage(r.Context(), page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// ReadMarker is one entry of an overview request's read state.
type ReadMarker struct {
	TargetType store.TargetType `json:"targetType"`
	TargetUID  int64            `json:"targetUid"`
	ReadAtMs   int64            `json:"readAtMs"`
}

// OverviewRequest is the optional body of POST /v1/overview.
type OverviewRequest struct {
	ReadAt        []ReadMarker         `json:"readAt"`
	DeleteCutoffs []chat.CutoffRequest `json:"deleteCutoffs"`
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var body OverviewRequest
	if r.Method == http.MethodPost {
		if err := s.decodeBody(w, r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	readAt := make(map[store.Target]int64, len(body.ReadAt))
	for _, m := range body.ReadAt {
		readAt[store.Target{Type: m.TargetType, UID: m.TargetUID}] = m.ReadAtMs
	}

	summaries, err := s.chat.GetOverview(r.Context(), &chat.OverviewRequest{
		Viewer:   id.UID,
		DeviceID: id.DeviceID,
		ReadAt:   readAt,
		Cutoffs:  body.DeleteCutoffs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

// SetCutoffRequest is the body of PUT /v1/cutoffs/{type}/{uid}.
type SetCutoffRequest struct {
	CutoffMs int64 `json:"cutoffMs"`
}

func (s *Server) handleSetCutoff(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	target, err := pathTarget(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req SetCutoffRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	effective, err := s.chat.SetDeleteCutoff(r.Context(), id.UID, id.DeviceID, target, req.CutoffMs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target":   target,
		"cutoffMs": effective,
	})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	b, err := s.chat.RegisterDevice(r.Context(), id.UID, id.DeviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if b.Inserted {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"deviceId":   id.DeviceID,
		"baselineMs": b.CreatedAtMs,
		"firstSeen":  b.Inserted,
	})
}

func (s *Server) handleListStickers(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	stickers, err := s.chat.ListStickers(r.Context(), id.UID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stickers": stickers})
}

// handleAddSticker takes the raw image as the request body; its
// Content-Type is recorded as the sticker's MIME type.
func (s *Server) handleAddSticker(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, fmt.Errorf("%w: sticker exceeds %d bytes", chat.ErrInvalid, tooLarge.Limit))
			return
		}
		s.writeError(w, r, fmt.Errorf("reading sticker: %w", err))
		return
	}

	sticker, err := s.chat.AddSticker(r.Context(), id.UID, r.Header.Get("Content-Type"), data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sticker)
}

func (s *Server) handleRemoveSticker(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	if err := s.chat.RemoveSticker(r.Context(), id.UID, r.PathValue("digest")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetBlob serves the bytes behind a "blob:<digest>" media url. Blobs are
// content addressed, so any authenticated user may fetch one by digest.
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	data, err := s.blobs.Get(r.Context(), r.PathValue("digest"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
