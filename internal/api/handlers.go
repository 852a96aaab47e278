// Package api exposes the management endpoints of the delivery backend:
// chunked uploads, transcode job control, playback URL listings, and the
// operational health and queue views. Byte serving itself lives in the stream
// package.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cinetide/internal/auth"
	"cinetide/internal/catalog"
	"cinetide/internal/jobqueue"
	"cinetide/internal/objectstore"
	"cinetide/internal/requestqueue"
	"cinetide/internal/stream"
	"cinetide/internal/upload"
)

// Handler bundles the collaborators behind the JSON API.
type Handler struct {
	Repo          catalog.Repository
	Sessions      *auth.SessionManager
	Store         objectstore.Client
	Chunks        *upload.ChunkStore
	Broker        jobqueue.Broker
	Access        *stream.AccessChecker
	VideoQueue    *requestqueue.Queue
	SubtitleQueue *requestqueue.Queue
	PublicBaseURL string
	PresignTTL    time.Duration
	Logger        *slog.Logger
}

// NewHandler wires the handler, defaulting the session manager and access
// checker when absent.
func NewHandler(repo catalog.Repository, sessions *auth.SessionManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{
		Repo:     repo,
		Sessions: sessions,
		Access:   stream.NewAccessChecker(repo),
	}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.Sessions
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) presignTTL() time.Duration {
	if h.PresignTTL <= 0 {
		return 15 * time.Minute
	}
	return h.PresignTTL
}

// identify resolves the caller's user id from the request token. An absent
// token yields an empty id without error; a present but invalid token is an
// error.
func (h *Handler) identify(r *http.Request) (string, error) {
	token := stream.TokenFromRequest(r)
	if token == "" {
		return "", nil
	}
	return h.sessionManager().VerifyToken(r.Context(), token)
}

func trimPathID(r *http.Request, prefix string) string {
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if idx := strings.IndexByte(id, '/'); idx >= 0 {
		id = id[:idx]
	}
	return strings.TrimSpace(id)
}
