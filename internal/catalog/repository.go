// Package catalog provides the record store for films, seasons, episodes,
// their stored assets, purchases, and background job records. The streaming
// and transcoding layers treat it as a key-value store with parent-chain
// traversal; everything else the platform keeps in the database is out of
// scope here.
package catalog

import (
	"context"
	"errors"
	"time"

	"cinetide/internal/models"
)

var (
	// ErrNotFound is returned for lookups that match no record.
	ErrNotFound = errors.New("catalog: not found")
	// ErrInvalidTransition is returned when a job update would violate the
	// job lifecycle state machine.
	ErrInvalidTransition = errors.New("catalog: invalid job transition")
	// ErrConflict is returned when a create would duplicate a uniqueness
	// constraint, such as one rendition per (resource, resolution, trailer).
	ErrConflict = errors.New("catalog: conflict")
)

// Resource is the resolved owner of a streaming request: a film, season, or
// episode together with the ownership chain needed to derive its storage
// prefix and access flag.
type Resource struct {
	Kind     models.ResourceKind
	ID       string
	FilmID   string
	SeasonID string
	IsFree   bool
}

// StoragePrefix derives the object-store prefix from the ownership chain.
// Episodes and seasons share a namespace keyed by their parent film, never by
// the episode's own id.
func (r Resource) StoragePrefix() string {
	if r.SeasonID != "" {
		return r.FilmID + "-" + r.SeasonID
	}
	return r.ID
}

// JobUpdate carries a partial job record update. Nil fields are untouched.
type JobUpdate struct {
	Status          *models.JobStatus
	Progress        *int
	Error           *string
	CancelRequested *bool
	CompletedAt     *time.Time
}

// Repository exposes the datastore operations required by the streaming
// endpoint, the transcoder, and the job workers.
type Repository interface {
	Ping(ctx context.Context) error

	CreateFilm(ctx context.Context, film models.Film) (models.Film, error)
	CreateSeason(ctx context.Context, season models.Season) (models.Season, error)
	CreateEpisode(ctx context.Context, episode models.Episode) (models.Episode, error)
	GetFilm(ctx context.Context, id string) (models.Film, bool)
	GetSeason(ctx context.Context, id string) (models.Season, bool)
	GetEpisode(ctx context.Context, id string) (models.Episode, bool)

	// ResolveResource identifies id as a film, episode, or season (tried in
	// that order) and returns the resolved ownership chain.
	ResolveResource(ctx context.Context, id string) (Resource, bool)

	FindVideoAsset(ctx context.Context, assetID, resourceID string) (models.VideoAsset, bool)
	ListVideoAssets(ctx context.Context, resourceID string) ([]models.VideoAsset, error)
	CreateVideoAsset(ctx context.Context, asset models.VideoAsset) (models.VideoAsset, error)
	DeleteVideoAsset(ctx context.Context, id string) error

	FindSubtitleAsset(ctx context.Context, subtitleID, resourceID string) (models.SubtitleAsset, bool)
	ListSubtitleAssets(ctx context.Context, resourceID string) ([]models.SubtitleAsset, error)
	CreateSubtitleAsset(ctx context.Context, sub models.SubtitleAsset) (models.SubtitleAsset, error)

	CreatePurchase(ctx context.Context, purchase models.Purchase) (models.Purchase, error)
	FindPurchase(ctx context.Context, userID, resourceID string) (models.Purchase, bool)

	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, bool)
	UpdateJob(ctx context.Context, id string, update JobUpdate) (models.Job, error)
	RequestJobCancel(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, queue string, statuses ...models.JobStatus) ([]models.Job, error)
}

func applyJobUpdate(job models.Job, update JobUpdate, now time.Time) (models.Job, error) {
	if update.Status != nil && *update.Status != job.Status {
		if !job.Status.CanTransition(*update.Status) {
			return models.Job{}, ErrInvalidTransition
		}
		job.Status = *update.Status
		if job.Status.Terminal() && job.CompletedAt == nil {
			completed := now
			job.CompletedAt = &completed
		}
	}
	if update.Progress != nil {
		job.Progress = *update.Progress
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.CancelRequested != nil {
		job.CancelRequested = *update.CancelRequested
	}
	if update.CompletedAt != nil {
		job.CompletedAt = update.CompletedAt
	}
	job.UpdatedAt = now
	return job, nil
}
