package stream

import (
	"context"
	"errors"
	"time"

	"cinetide/internal/catalog"
	"cinetide/internal/models"
)

var (
	// ErrUnauthenticated is returned when paid content is requested without a
	// verifiable identity.
	ErrUnauthenticated = errors.New("stream: authentication required")
	// ErrAccessDenied is returned when the caller has no valid purchase, or
	// one that does not cover the requested resolution.
	ErrAccessDenied = errors.New("stream: access denied")
)

// AccessRequest captures everything the access check needs about one request.
type AccessRequest struct {
	Resource   catalog.Resource
	UserID     string
	Resolution models.Resolution
	Trailer    bool
	Subtitle   bool
}

// AccessChecker decides whether a streaming request may proceed.
type AccessChecker struct {
	repo catalog.Repository
	now  func() time.Time
}

// NewAccessChecker wires the checker to the catalog.
func NewAccessChecker(repo catalog.Repository) *AccessChecker {
	return &AccessChecker{repo: repo, now: time.Now}
}

// Authorize applies the access rules: trailers and subtitles are always free,
// free resources are open to everyone, and paid content requires a valid
// unexpired purchase whose resolution list covers the requested rendition.
func (c *AccessChecker) Authorize(ctx context.Context, req AccessRequest) error {
	if req.Trailer || req.Subtitle {
		return nil
	}
	if req.Resource.IsFree {
		return nil
	}
	if req.UserID == "" {
		return ErrUnauthenticated
	}
	purchase, ok := c.repo.FindPurchase(ctx, req.UserID, req.Resource.ID)
	if !ok || !purchase.Active(c.now()) {
		return ErrAccessDenied
	}
	if req.Resolution != "" && !purchase.Covers(req.Resolution) {
		return ErrAccessDenied
	}
	return nil
}

// AllowedResolutions filters the stored renditions of a resource down to what
// the caller may play. Used by the playback-URL listing endpoint.
func (c *AccessChecker) AllowedResolutions(ctx context.Context, resource catalog.Resource, userID string, stored []models.VideoAsset) []models.VideoAsset {
	var purchase models.Purchase
	purchased := false
	if !resource.IsFree && userID != "" {
		if p, ok := c.repo.FindPurchase(ctx, userID, resource.ID); ok && p.Active(c.now()) {
			purchase = p
			purchased = true
		}
	}

	var out []models.VideoAsset
	for _, asset := range stored {
		if asset.IsTrailer {
			out = append(out, asset)
			continue
		}
		if resource.IsFree {
			out = append(out, asset)
			continue
		}
		if purchased && purchase.Covers(asset.Resolution) {
			out = append(out, asset)
		}
	}
	return out
}
