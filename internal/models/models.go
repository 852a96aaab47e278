// Package models defines the catalog entities shared across the delivery
// backend: films, seasons, episodes, their transcoded renditions, subtitle
// tracks, purchases, and background job records.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ResourceKind identifies which catalog entity a streaming request targets.
type ResourceKind string

const (
	KindFilm    ResourceKind = "film"
	KindSeason  ResourceKind = "season"
	KindEpisode ResourceKind = "episode"
)

// Resolution labels the rendition ladder. Trailer is a pseudo-resolution used
// for freely playable preview assets.
type Resolution string

const (
	ResolutionSD      Resolution = "SD"
	ResolutionHD      Resolution = "HD"
	ResolutionFHD     Resolution = "FHD"
	ResolutionUHD     Resolution = "UHD"
	ResolutionTrailer Resolution = "trailer"
)

// DefaultLadder is the resolution set produced for every upload, ordered from
// smallest to largest target height.
var DefaultLadder = []Resolution{ResolutionSD, ResolutionHD, ResolutionFHD, ResolutionUHD}

// Height returns the target pixel height for a ladder entry, or 0 when the
// resolution has no fixed height (trailer).
func (r Resolution) Height() int {
	switch r {
	case ResolutionSD:
		return 480
	case ResolutionHD:
		return 720
	case ResolutionFHD:
		return 1080
	case ResolutionUHD:
		return 2160
	default:
		return 0
	}
}

// ParseResolution normalizes a user-supplied resolution label.
func ParseResolution(value string) (Resolution, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "SD":
		return ResolutionSD, nil
	case "HD":
		return ResolutionHD, nil
	case "FHD":
		return ResolutionFHD, nil
	case "UHD":
		return ResolutionUHD, nil
	case "TRAILER":
		return ResolutionTrailer, nil
	default:
		return "", fmt.Errorf("unknown resolution %q", value)
	}
}

type Film struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	IsFree    bool      `json:"isFree"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Season struct {
	ID        string    `json:"id"`
	FilmID    string    `json:"filmId"`
	Number    int       `json:"number"`
	IsFree    bool      `json:"isFree"`
	CreatedAt time.Time `json:"createdAt"`
}

type Episode struct {
	ID        string    `json:"id"`
	SeasonID  string    `json:"seasonId"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// VideoAsset is one stored rendition of a resource. Exactly one of FilmID,
// SeasonID, or EpisodeID is set. Assets are created only after a confirmed
// upload to the object store.
type VideoAsset struct {
	ID         string     `json:"id"`
	FilmID     *string    `json:"filmId,omitempty"`
	SeasonID   *string    `json:"seasonId,omitempty"`
	EpisodeID  *string    `json:"episodeId,omitempty"`
	Resolution Resolution `json:"resolution"`
	IsTrailer  bool       `json:"isTrailer"`
	Name       string     `json:"name"`
	Container  string     `json:"container"`
	SizeBytes  int64      `json:"sizeBytes"`
	Duration   float64    `json:"durationSeconds"`
	Bitrate    int64      `json:"bitrate"`
	StorageKey string     `json:"storageKey"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// OwnerID returns whichever resource id the asset belongs to.
func (a VideoAsset) OwnerID() string {
	switch {
	case a.FilmID != nil:
		return *a.FilmID
	case a.EpisodeID != nil:
		return *a.EpisodeID
	case a.SeasonID != nil:
		return *a.SeasonID
	default:
		return ""
	}
}

type SubtitleAsset struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resourceId"`
	Language   string    `json:"language"`
	Name       string    `json:"name"`
	StorageKey string    `json:"storageKey"`
	SizeBytes  int64     `json:"sizeBytes"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Purchase grants a user playback access to a resource, optionally limited to
// the resolutions recorded at purchase time.
type Purchase struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	ResourceID  string       `json:"resourceId"`
	Resolutions []Resolution `json:"resolutions"`
	Valid       bool         `json:"valid"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Active reports whether the purchase currently grants access.
func (p Purchase) Active(now time.Time) bool {
	if !p.Valid {
		return false
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Covers reports whether the purchase includes the given resolution. A
// purchase without a recorded resolution list covers every resolution.
func (p Purchase) Covers(res Resolution) bool {
	if len(p.Resolutions) == 0 {
		return true
	}
	for _, r := range p.Resolutions {
		if r == res {
			return true
		}
	}
	return false
}

type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// JobStatus is the lifecycle state of a background transcode or upload job.
// Transitions are monotonic: queued -> active -> {completed, failed,
// cancelled}. The terminal states never change, and only the worker that owns
// the job may transition it.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobQueued:
		return next == JobActive || next == JobCancelled || next == JobFailed
	case JobActive:
		return next.Terminal()
	default:
		return false
	}
}

// JobKind distinguishes the work a queue entry performs.
type JobKind string

const (
	JobKindTranscode JobKind = "transcode"
	JobKindUpload    JobKind = "upload"
)

// Job is the persisted record of a queued transcode or upload. CancelRequested
// is a flag observed cooperatively by the owning worker; it never transitions
// the status by itself.
type Job struct {
	ID              string     `json:"id"`
	Queue           string     `json:"queue"`
	Kind            JobKind    `json:"kind"`
	Status          JobStatus  `json:"status"`
	Progress        int        `json:"progress"`
	Cancellable     bool       `json:"cancellable"`
	CancelRequested bool       `json:"cancelRequested"`
	ClientID        string     `json:"clientId,omitempty"`
	Payload         string     `json:"payload,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}
