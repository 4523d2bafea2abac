// ABOUTME: Server-Sent Events stream of newly stored messages
// ABOUTME: Subscribes the caller to their private key and every group they belong to

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/2389/coven-chatstore/internal/auth"
	"github.com/2389/coven-chatstore/internal/chat"
	"github.com/2389/coven-chatstore/internal/store"
)

// handleEvents handles GET /v1/events. The stream starts with a "ready"
// event and then carries one "message" event per delivered message until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	keys := []string{chat.UserKey(id.UID)}
	if s.dir != nil {
		groups, err := s.dir.Groups(ctx, id.UID)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("listing groups: %w", err))
			return
		}
		for _, gid := range groups {
			keys = append(keys, chat.GroupKey(gid))
		}
	}

	merged := make(chan *store.Message, 64)
	var wg sync.WaitGroup
	for _, key := range keys {
		ch, _ := s.events.Subscribe(ctx, key)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range ch {
				select {
				case merged <- m:
				case <-ctx.Done():
				}
			}
		}()
	}
	defer wg.Wait()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.writeSSEEvent(w, "ready", map[string]any{"uid": id.UID, "deviceId": id.DeviceID})
	flusher.Flush()

	s.logger.Debug("event stream opened", "uid", id.UID, "subscriptions", len(keys))
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream closed", "uid", id.UID)
			return
		case m := <-merged:
			s.writeSSEEvent(w, "message", m)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
