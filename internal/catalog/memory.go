package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cinetide/internal/models"
)

// MemoryRepository is an in-memory Repository used by tests and local
// single-process runs.
type MemoryRepository struct {
	mu        sync.RWMutex
	films     map[string]models.Film
	seasons   map[string]models.Season
	episodes  map[string]models.Episode
	videos    map[string]models.VideoAsset
	subtitles map[string]models.SubtitleAsset
	purchases map[string]models.Purchase
	jobs      map[string]models.Job
	now       func() time.Time
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		films:     make(map[string]models.Film),
		seasons:   make(map[string]models.Season),
		episodes:  make(map[string]models.Episode),
		videos:    make(map[string]models.VideoAsset),
		subtitles: make(map[string]models.SubtitleAsset),
		purchases: make(map[string]models.Purchase),
		jobs:      make(map[string]models.Job),
		now:       time.Now,
	}
}

// SetClock overrides the repository clock. Intended for tests.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) Ping(context.Context) error {
	return nil
}

func (r *MemoryRepository) CreateFilm(_ context.Context, film models.Film) (models.Film, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if film.ID == "" {
		film.ID = uuid.NewString()
	}
	now := r.now()
	film.CreatedAt = now
	film.UpdatedAt = now
	r.films[film.ID] = film
	return film, nil
}

func (r *MemoryRepository) CreateSeason(_ context.Context, season models.Season) (models.Season, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.films[season.FilmID]; !ok {
		return models.Season{}, ErrNotFound
	}
	if season.ID == "" {
		season.ID = uuid.NewString()
	}
	season.CreatedAt = r.now()
	r.seasons[season.ID] = season
	return season, nil
}

func (r *MemoryRepository) CreateEpisode(_ context.Context, episode models.Episode) (models.Episode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seasons[episode.SeasonID]; !ok {
		return models.Episode{}, ErrNotFound
	}
	if episode.ID == "" {
		episode.ID = uuid.NewString()
	}
	episode.CreatedAt = r.now()
	r.episodes[episode.ID] = episode
	return episode, nil
}

func (r *MemoryRepository) GetFilm(_ context.Context, id string) (models.Film, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	film, ok := r.films[id]
	return film, ok
}

func (r *MemoryRepository) GetSeason(_ context.Context, id string) (models.Season, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	season, ok := r.seasons[id]
	return season, ok
}

func (r *MemoryRepository) GetEpisode(_ context.Context, id string) (models.Episode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	episode, ok := r.episodes[id]
	return episode, ok
}

func (r *MemoryRepository) ResolveResource(_ context.Context, id string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(id)
}

func (r *MemoryRepository) resolveLocked(id string) (Resource, bool) {
	if film, ok := r.films[id]; ok {
		return Resource{Kind: models.KindFilm, ID: film.ID, FilmID: film.ID, IsFree: film.IsFree}, true
	}
	if episode, ok := r.episodes[id]; ok {
		season, ok := r.seasons[episode.SeasonID]
		if !ok {
			return Resource{}, false
		}
		return Resource{
			Kind:     models.KindEpisode,
			ID:       episode.ID,
			FilmID:   season.FilmID,
			SeasonID: season.ID,
			IsFree:   season.IsFree,
		}, true
	}
	if season, ok := r.seasons[id]; ok {
		return Resource{
			Kind:     models.KindSeason,
			ID:       season.ID,
			FilmID:   season.FilmID,
			SeasonID: season.ID,
			IsFree:   season.IsFree,
		}, true
	}
	return Resource{}, false
}

func (r *MemoryRepository) FindVideoAsset(_ context.Context, assetID, resourceID string) (models.VideoAsset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	asset, ok := r.videos[assetID]
	if !ok || asset.OwnerID() != resourceID {
		return models.VideoAsset{}, false
	}
	return asset, true
}

func (r *MemoryRepository) ListVideoAssets(_ context.Context, resourceID string) ([]models.VideoAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.VideoAsset
	for _, asset := range r.videos {
		if asset.OwnerID() == resourceID {
			out = append(out, asset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) CreateVideoAsset(_ context.Context, asset models.VideoAsset) (models.VideoAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner := asset.OwnerID()
	for _, existing := range r.videos {
		if existing.OwnerID() == owner && existing.Resolution == asset.Resolution && existing.IsTrailer == asset.IsTrailer {
			return models.VideoAsset{}, ErrConflict
		}
	}
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	asset.CreatedAt = r.now()
	r.videos[asset.ID] = asset
	return asset, nil
}

func (r *MemoryRepository) DeleteVideoAsset(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.videos[id]; !ok {
		return ErrNotFound
	}
	delete(r.videos, id)
	return nil
}

func (r *MemoryRepository) FindSubtitleAsset(_ context.Context, subtitleID, resourceID string) (models.SubtitleAsset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subtitles[subtitleID]
	if !ok || sub.ResourceID != resourceID {
		return models.SubtitleAsset{}, false
	}
	return sub, true
}

func (r *MemoryRepository) ListSubtitleAssets(_ context.Context, resourceID string) ([]models.SubtitleAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.SubtitleAsset
	for _, sub := range r.subtitles {
		if sub.ResourceID == resourceID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out, nil
}

func (r *MemoryRepository) CreateSubtitleAsset(_ context.Context, sub models.SubtitleAsset) (models.SubtitleAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = r.now()
	r.subtitles[sub.ID] = sub
	return sub, nil
}

func (r *MemoryRepository) CreatePurchase(_ context.Context, purchase models.Purchase) (models.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if purchase.ID == "" {
		purchase.ID = uuid.NewString()
	}
	purchase.CreatedAt = r.now()
	r.purchases[purchase.ID] = purchase
	return purchase, nil
}

func (r *MemoryRepository) FindPurchase(_ context.Context, userID, resourceID string) (models.Purchase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best models.Purchase
	found := false
	for _, p := range r.purchases {
		if p.UserID != userID || p.ResourceID != resourceID {
			continue
		}
		if !found || p.CreatedAt.After(best.CreatedAt) {
			best = p
			found = true
		}
	}
	return best, found
}

func (r *MemoryRepository) CreateJob(_ context.Context, job models.Job) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	now := r.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	r.jobs[job.ID] = job
	return job, nil
}

func (r *MemoryRepository) GetJob(_ context.Context, id string) (models.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

func (r *MemoryRepository) UpdateJob(_ context.Context, id string, update JobUpdate) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	updated, err := applyJobUpdate(job, update, r.now())
	if err != nil {
		return models.Job{}, err
	}
	r.jobs[id] = updated
	return updated, nil
}

func (r *MemoryRepository) RequestJobCancel(_ context.Context, id string) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.Status.Terminal() {
		return models.Job{}, ErrInvalidTransition
	}
	job.CancelRequested = true
	job.UpdatedAt = r.now()
	r.jobs[id] = job
	return job, nil
}

func (r *MemoryRepository) ListJobs(_ context.Context, queue string, statuses ...models.JobStatus) ([]models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	match := func(status models.JobStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, s := range statuses {
			if s == status {
				return true
			}
		}
		return false
	}
	var out []models.Job
	for _, job := range r.jobs {
		if queue != "" && job.Queue != queue {
			continue
		}
		if match(job.Status) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
