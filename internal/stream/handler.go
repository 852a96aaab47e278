package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"syscall"

	"cinetide/internal/catalog"
	"cinetide/internal/objectstore"
	"cinetide/internal/observability/logging"
	"cinetide/internal/observability/metrics"
	"cinetide/internal/requestqueue"
)

// TokenVerifier resolves a bearer or query-string token to a user id. Native
// video players cannot set custom headers, so the token may arrive either way.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// HandlerConfig wires the streaming endpoint's collaborators.
type HandlerConfig struct {
	Repo          catalog.Repository
	Store         objectstore.Client
	VideoQueue    *requestqueue.Queue
	SubtitleQueue *requestqueue.Queue
	Verifier      TokenVerifier
	Policy        RangePolicy
	Logger        *slog.Logger
	Recorder      *metrics.Recorder
}

// Handler serves /stream/video/{resourceId}/{assetId}/{filename} with range
// support, CORS, cache headers, and purchase-based access control. Every
// object-store call goes through one of the admission queues.
type Handler struct {
	repo          catalog.Repository
	store         objectstore.Client
	videoQueue    *requestqueue.Queue
	subtitleQueue *requestqueue.Queue
	verifier      TokenVerifier
	policy        RangePolicy
	access        *AccessChecker
	logger        *slog.Logger
	recorder      *metrics.Recorder
}

const copyBufferSize = 256 << 10

// NewHandler constructs the streaming handler, applying the default range
// policy when none is configured.
func NewHandler(cfg HandlerConfig) *Handler {
	policy := cfg.Policy
	if policy.SegmentCeiling == 0 && policy.ChunkCeiling == 0 && policy.MinChunk == 0 {
		policy = DefaultRangePolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Handler{
		repo:          cfg.Repo,
		store:         cfg.Store,
		videoQueue:    cfg.VideoQueue,
		subtitleQueue: cfg.SubtitleQueue,
		verifier:      cfg.Verifier,
		policy:        policy,
		access:        NewAccessChecker(cfg.Repo),
		logger:        logging.WithComponent(logger, "stream"),
		recorder:      recorder,
	}
}

// PathPrefix is the mount point for the video streaming routes.
// SubtitlePathPrefix serves the same handler; the file extension decides
// which admission queue carries the request.
const (
	PathPrefix         = "/stream/video/"
	SubtitlePathPrefix = "/stream/subtitle/"
)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	applyCORS(w.Header())
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, PathPrefix)
	rest = strings.TrimPrefix(rest, SubtitlePathPrefix)
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		h.respondError(w, http.StatusBadRequest, "expected /stream/{video|subtitle}/{resourceId}/{assetId}/{filename}")
		return
	}
	h.serve(w, r, parts[0], parts[1], parts[2])
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, resourceID, assetID, filename string) {
	ctx := r.Context()
	subtitle := strings.EqualFold(path.Ext(filename), ".vtt")

	resource, ok := h.repo.ResolveResource(ctx, resourceID)
	if !ok {
		h.respondError(w, http.StatusNotFound, "resource not found")
		return
	}

	var ref ObjectRef
	trailer := false
	if subtitle {
		sub, ok := h.repo.FindSubtitleAsset(ctx, assetID, resource.ID)
		if !ok {
			h.respondError(w, http.StatusNotFound, "subtitle not found")
			return
		}
		resolved, err := ResolveSubtitleKey(resource.StoragePrefix(), sub, filename)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "unsupported file type")
			return
		}
		ref = resolved
	} else {
		asset, ok := h.repo.FindVideoAsset(ctx, assetID, resource.ID)
		if !ok {
			h.respondError(w, http.StatusNotFound, "video not found")
			return
		}
		trailer = asset.IsTrailer
		resolved, err := ResolveVideoKey(resource.StoragePrefix(), asset, filename)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "unsupported file type")
			return
		}
		ref = resolved

		userID, err := h.identify(r)
		if err != nil {
			h.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		err = h.access.Authorize(ctx, AccessRequest{
			Resource:   resource,
			UserID:     userID,
			Resolution: asset.Resolution,
			Trailer:    trailer,
		})
		switch {
		case errors.Is(err, ErrUnauthenticated):
			h.respondError(w, http.StatusUnauthorized, "authentication required")
			return
		case errors.Is(err, ErrAccessDenied):
			h.respondError(w, http.StatusForbidden, "purchase required for this resolution")
			return
		case err != nil:
			h.respondError(w, http.StatusInternalServerError, "access check failed")
			return
		}
	}

	queue := h.videoQueue
	if subtitle {
		queue = h.subtitleQueue
	}
	priority := requestqueue.PriorityNormal
	if ref.Class == ClassManifest {
		priority = requestqueue.PriorityHigh
	}

	info, err := requestqueue.Do(ctx, queue, priority, func(ctx context.Context) (objectstore.ObjectInfo, error) {
		h.recorder.ObserveStoreAttempt("head")
		info, err := h.store.Head(ctx, ref.Key)
		if err != nil {
			h.recorder.ObserveStoreFailure("head")
		}
		return info, err
	})
	if err != nil {
		h.respondUpstreamError(w, err, ref.Key)
		return
	}

	window, satisfiable := h.policy.Resolve(r.Header.Get("Range"), info.Size, filename)
	if !satisfiable {
		// unsatisfiable ranges fall back to the full body to keep players
		// going; see the playback-URL docs before changing this to 416
		window = nil
	}

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Type", ref.ContentType)
	header.Set("Cache-Control", cacheControl(ref.Class))

	var rng *objectstore.ByteRange
	if window != nil {
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", window.Start, window.End, info.Size))
		header.Set("Content-Length", fmt.Sprintf("%d", window.Size()))
		rng = &objectstore.ByteRange{Start: window.Start, End: window.End}
	} else {
		header.Set("Content-Length", fmt.Sprintf("%d", info.Size))
	}

	status := http.StatusOK
	if window != nil {
		status = http.StatusPartialContent
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	// the body is read after the admission slot is released, so it is tied to
	// the request context rather than the queue's per-operation context
	body, err := requestqueue.Do(ctx, queue, priority, func(context.Context) (io.ReadCloser, error) {
		h.recorder.ObserveStoreAttempt("get")
		body, err := h.store.Get(ctx, ref.Key, rng)
		if err != nil {
			h.recorder.ObserveStoreFailure("get")
		}
		return body, err
	})
	if err != nil {
		h.respondUpstreamError(w, err, ref.Key)
		return
	}
	defer body.Close()

	w.WriteHeader(status)
	h.recorder.DeliveryStarted()
	written, copyErr := io.CopyBuffer(w, body, make([]byte, copyBufferSize))
	h.recorder.DeliveryFinished(string(ref.Class), written)

	if copyErr != nil {
		if isClientAbort(copyErr) || ctx.Err() != nil {
			// player seeks tear connections down constantly; not an error
			h.logger.Debug("client aborted stream", "key", ref.Key, "written", written)
			return
		}
		// headers are out; nothing left to do but drop the connection
		h.logger.Error("stream copy failed", "key", ref.Key, "written", written, "error", copyErr)
	}
}

func (h *Handler) identify(r *http.Request) (string, error) {
	if h.verifier == nil {
		return "", nil
	}
	token := TokenFromRequest(r)
	if token == "" {
		return "", nil
	}
	return h.verifier.VerifyToken(r.Context(), token)
}

// TokenFromRequest extracts the access token from the Authorization header or
// the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *Handler) respondUpstreamError(w http.ResponseWriter, err error, key string) {
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "object not found")
	case errors.Is(err, requestqueue.ErrCircuitOpen):
		h.respondError(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
	case errors.Is(err, requestqueue.ErrTimeout):
		h.respondError(w, http.StatusGatewayTimeout, "storage request timed out")
	default:
		h.logger.Error("object store request failed", "key", key, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	header := w.Header()
	// streaming headers may already be staged when the body fetch fails; a
	// stale Content-Length or Content-Range on the error body stalls players
	header.Del("Content-Range")
	header.Del("Content-Length")
	header.Del("Accept-Ranges")
	header.Del("Cache-Control")
	header.Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func applyCORS(header http.Header) {
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Range, Authorization, Content-Type")
	header.Set("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, Content-Length")
}

func cacheControl(class AssetClass) string {
	switch class {
	case ClassManifest:
		// manifests reference segment lists that can change
		return "no-cache"
	case ClassSegment:
		return "public, max-age=31536000, immutable"
	case ClassSubtitle:
		return "public, max-age=3600"
	default:
		return "public, max-age=86400"
	}
}

func isClientAbort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "client disconnected")
}
