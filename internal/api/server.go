// ABOUTME: HTTP JSON surface over the chat service
// ABOUTME: Routes, bearer authentication, error mapping and the live event stream

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/coven-chatstore/internal/auth"
	"github.com/2389/coven-chatstore/internal/blob"
	"github.com/2389/coven-chatstore/internal/chat"
	"github.com/2389/coven-chatstore/internal/store"
)

// DefaultMaxBodyBytes caps request bodies, sticker uploads included.
const DefaultMaxBodyBytes = 2 << 20

// BlobReader serves stored media by digest.
type BlobReader interface {
	Get(ctx context.Context, digest string) ([]byte, error)
}

// Options configures a Server.
type Options struct {
	Chat      *chat.Service
	Verifier  auth.TokenVerifier
	Events    *chat.Broadcaster // optional; enables GET /v1/events
	Directory chat.Directory    // group lookups for the event stream
	Blobs     BlobReader        // optional; enables GET /v1/blobs/{digest}
	Health    func(ctx context.Context) error

	MetricsPath string
	Metrics     http.Handler

	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Server serves the chat API.
type Server struct {
	chat     *chat.Service
	verifier auth.TokenVerifier
	events   *chat.Broadcaster
	dir      chat.Directory
	blobs    BlobReader
	health   func(ctx context.Context) error
	maxBody  int64
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates a server and registers its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		chat:     opts.Chat,
		verifier: opts.Verifier,
		events:   opts.Events,
		dir:      opts.Directory,
		blobs:    opts.Blobs,
		health:   opts.Health,
		maxBody:  opts.MaxBodyBytes,
		logger:   opts.Logger.With("component", "api"),
		mux:      http.NewServeMux(),
	}

	requireAuth := auth.HTTPAuthMiddleware(s.verifier)
	handle := func(pattern string, h http.HandlerFunc) {
		s.mux.Handle(pattern, requireAuth(h))
	}

	handle("POST /v1/messages", s.handleSend)
	handle("DELETE /v1/messages/{id}", s.handleDeleteMessage)
	handle("GET /v1/conversations/{type}/{uid}/messages", s.handlePage)
	handle("GET /v1/overview", s.handleOverview)
	handle("POST /v1/overview", s.handleOverview)
	handle("PUT /v1/cutoffs/{type}/{uid}", s.handleSetCutoff)
	handle("POST /v1/devices", s.handleRegisterDevice)
	handle("GET /v1/stickers", s.handleListStickers)
	handle("POST /v1/stickers", s.handleAddSticker)
	handle("DELETE /v1/stickers/{digest}", s.handleRemoveSticker)
	if s.events != nil {
		handle("GET /v1/events", s.handleEvents)
	}
	if s.blobs != nil {
		handle("GET /v1/blobs/{digest}", s.handleGetBlob)
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if opts.Metrics != nil && opts.MetricsPath != "" {
		s.mux.Handle("GET "+opts.MetricsPath, opts.Metrics)
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps service errors onto HTTP statuses. Anything unrecognised
// is logged and reported as a generic transient failure.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalid), errors.Is(err, store.ErrInvalid), errors.Is(err, blob.ErrBadDigest):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrForbidden):
		sendJSONError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, chat.ErrInFlight), errors.Is(err, store.ErrDuplicate):
		sendJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		sendJSONError(w, http.StatusInternalServerError, "temporarily unavailable")
	}
}

// decodeBody decodes a JSON request body, rejecting oversized bodies.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body exceeds %d bytes", chat.ErrInvalid, tooLarge.Limit)
		}
		return fmt.Errorf("%w: invalid JSON body", chat.ErrInvalid)
	}
	return nil
}
