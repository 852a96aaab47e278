package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"cinetide/internal/models"
	"cinetide/internal/requestqueue"
	"cinetide/internal/stream"
)

type subtitleURL struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Label    string `json:"label"`
	URL      string `json:"url"`
}

type playbackURLsResponse struct {
	ResourceID string            `json:"resourceId"`
	URLs       map[string]string `json:"urls"`
	Subtitles  []subtitleURL     `json:"subtitles,omitempty"`
}

// PlaybackURLs lists the playback URLs the caller may use for a resource,
// filtered by their access grant. Trailers are always listed; paid renditions
// only when a valid purchase covers them.
func (h *Handler) PlaybackURLs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	resourceID := trimPathID(r, "/api/urls/")
	if resourceID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("resource id missing"))
		return
	}
	ctx := r.Context()
	resource, ok := h.Repo.ResolveResource(ctx, resourceID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("resource %s not found", resourceID))
		return
	}
	userID, err := h.identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid session token"))
		return
	}

	assets, err := h.Repo.ListVideoAssets(ctx, resource.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	allowed := h.Access.AllowedResolutions(ctx, resource, userID, assets)

	urls := make(map[string]string, len(allowed))
	for _, asset := range allowed {
		label := string(asset.Resolution)
		if asset.IsTrailer {
			label = string(models.ResolutionTrailer)
		}
		urls[label] = h.assetURL(ctx, resource.ID, asset)
	}

	subs, err := h.Repo.ListSubtitleAssets(ctx, resource.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	subtitles := make([]subtitleURL, 0, len(subs))
	for _, sub := range subs {
		subtitles = append(subtitles, subtitleURL{
			ID:       sub.ID,
			Language: sub.Language,
			Label:    languageLabel(sub.Language),
			URL:      h.streamURL(resource.ID, sub.ID, subtitleFilename(sub)),
		})
	}

	writeJSON(w, http.StatusOK, playbackURLsResponse{
		ResourceID: resource.ID,
		URLs:       urls,
		Subtitles:  subtitles,
	})
}

// assetURL prefers a presigned object-store URL for the stored rendition and
// falls back to the streaming route when signing is unavailable.
func (h *Handler) assetURL(ctx context.Context, resourceID string, asset models.VideoAsset) string {
	if h.Store != nil && asset.StorageKey != "" {
		sign := func(ctx context.Context) (string, error) {
			return h.Store.PresignGet(ctx, asset.StorageKey, h.presignTTL())
		}
		var signed string
		var err error
		if h.VideoQueue != nil {
			signed, err = requestqueue.Do(ctx, h.VideoQueue, requestqueue.PriorityHigh, sign)
		} else {
			signed, err = sign(ctx)
		}
		if err == nil && signed != "" {
			return signed
		}
		h.logger().Debug("presign failed, falling back to stream route", "key", asset.StorageKey, "error", err)
	}
	return h.streamURL(resourceID, asset.ID, asset.Name)
}

func (h *Handler) streamURL(resourceID, assetID, filename string) string {
	base := strings.TrimRight(h.PublicBaseURL, "/")
	return fmt.Sprintf("%s%s%s/%s/%s", base, stream.PathPrefix, resourceID, assetID, filename)
}

func subtitleFilename(sub models.SubtitleAsset) string {
	name := sub.Name
	if !strings.HasSuffix(strings.ToLower(name), ".vtt") {
		name += ".vtt"
	}
	return name
}

// languageLabel turns a BCP 47 tag into a human-readable English label,
// falling back to the raw tag for anything unparseable.
func languageLabel(code string) string {
	tag, err := language.Parse(strings.TrimSpace(code))
	if err != nil {
		return code
	}
	if label := display.English.Languages().Name(tag); label != "" {
		return label
	}
	return code
}
