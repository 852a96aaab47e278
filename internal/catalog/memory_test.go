package catalog

import (
	"context"
	"errors"
	"testing"

	"cinetide/internal/models"
)

func seedSeries(t *testing.T, repo *MemoryRepository) (models.Film, models.Season, models.Episode) {
	t.Helper()
	ctx := context.Background()
	film, err := repo.CreateFilm(ctx, models.Film{Title: "Tidewater"})
	if err != nil {
		t.Fatalf("CreateFilm: %v", err)
	}
	season, err := repo.CreateSeason(ctx, models.Season{FilmID: film.ID, Number: 1, IsFree: true})
	if err != nil {
		t.Fatalf("CreateSeason: %v", err)
	}
	episode, err := repo.CreateEpisode(ctx, models.Episode{SeasonID: season.ID, Number: 3, Title: "Undertow"})
	if err != nil {
		t.Fatalf("CreateEpisode: %v", err)
	}
	return film, season, episode
}

func TestResolveResourceChain(t *testing.T) {
	repo := NewMemoryRepository()
	film, season, episode := seedSeries(t, repo)
	ctx := context.Background()

	res, ok := repo.ResolveResource(ctx, film.ID)
	if !ok || res.Kind != models.KindFilm {
		t.Fatalf("expected film resolution, got %+v ok=%v", res, ok)
	}
	if res.StoragePrefix() != film.ID {
		t.Fatalf("film prefix: expected %s, got %s", film.ID, res.StoragePrefix())
	}

	res, ok = repo.ResolveResource(ctx, episode.ID)
	if !ok || res.Kind != models.KindEpisode {
		t.Fatalf("expected episode resolution, got %+v ok=%v", res, ok)
	}
	if !res.IsFree {
		t.Fatalf("episode must inherit the season access flag")
	}
	wantPrefix := film.ID + "-" + season.ID
	if res.StoragePrefix() != wantPrefix {
		t.Fatalf("episode prefix: expected %s, got %s", wantPrefix, res.StoragePrefix())
	}

	res, ok = repo.ResolveResource(ctx, season.ID)
	if !ok || res.Kind != models.KindSeason {
		t.Fatalf("expected season resolution, got %+v ok=%v", res, ok)
	}
	if res.StoragePrefix() != wantPrefix {
		t.Fatalf("season prefix: expected %s, got %s", wantPrefix, res.StoragePrefix())
	}

	if _, ok := repo.ResolveResource(ctx, "missing"); ok {
		t.Fatalf("unknown id must not resolve")
	}
}

func TestVideoAssetOwnershipScoping(t *testing.T) {
	repo := NewMemoryRepository()
	film, _, episode := seedSeries(t, repo)
	ctx := context.Background()

	asset, err := repo.CreateVideoAsset(ctx, models.VideoAsset{
		EpisodeID:  &episode.ID,
		Resolution: models.ResolutionHD,
		Name:       "undertow.mp4",
		StorageKey: "original_undertow.mp4",
	})
	if err != nil {
		t.Fatalf("CreateVideoAsset: %v", err)
	}

	if _, ok := repo.FindVideoAsset(ctx, asset.ID, episode.ID); !ok {
		t.Fatalf("asset must be visible under its owning episode")
	}
	if _, ok := repo.FindVideoAsset(ctx, asset.ID, film.ID); ok {
		t.Fatalf("asset lookup must fail under a different resource")
	}

	// one rendition per owner, resolution, and trailer flag
	_, err = repo.CreateVideoAsset(ctx, models.VideoAsset{
		EpisodeID:  &episode.ID,
		Resolution: models.ResolutionHD,
		Name:       "undertow-2.mp4",
		StorageKey: "original_undertow-2.mp4",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestFindPurchasePicksNewest(t *testing.T) {
	repo := NewMemoryRepository()
	film, _, _ := seedSeries(t, repo)
	ctx := context.Background()

	if _, err := repo.CreatePurchase(ctx, models.Purchase{
		ID: "old", UserID: "u1", ResourceID: film.ID, Valid: false,
	}); err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}
	if _, err := repo.CreatePurchase(ctx, models.Purchase{
		ID: "new", UserID: "u1", ResourceID: film.ID, Valid: true,
		Resolutions: []models.Resolution{models.ResolutionSD, models.ResolutionHD},
	}); err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}

	purchase, ok := repo.FindPurchase(ctx, "u1", film.ID)
	if !ok {
		t.Fatalf("expected purchase")
	}
	if purchase.ID != "new" {
		t.Fatalf("expected newest purchase, got %s", purchase.ID)
	}
	if !purchase.Covers(models.ResolutionHD) || purchase.Covers(models.ResolutionUHD) {
		t.Fatalf("resolution coverage mismatch: %+v", purchase.Resolutions)
	}
}

func TestJobLifecycle(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	job, err := repo.CreateJob(ctx, models.Job{Queue: "transcode", Kind: models.JobKindTranscode, Cancellable: true})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != models.JobQueued {
		t.Fatalf("new job must start queued, got %s", job.Status)
	}

	active := models.JobActive
	job, err = repo.UpdateJob(ctx, job.ID, JobUpdate{Status: &active})
	if err != nil {
		t.Fatalf("queued -> active: %v", err)
	}

	// an active job cannot jump back to queued
	queued := models.JobQueued
	if _, err := repo.UpdateJob(ctx, job.ID, JobUpdate{Status: &queued}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	job, err = repo.RequestJobCancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("RequestJobCancel: %v", err)
	}
	if !job.CancelRequested || job.Status != models.JobActive {
		t.Fatalf("cancel request must flag, not transition: %+v", job)
	}

	cancelled := models.JobCancelled
	job, err = repo.UpdateJob(ctx, job.ID, JobUpdate{Status: &cancelled})
	if err != nil {
		t.Fatalf("active -> cancelled: %v", err)
	}
	if job.CompletedAt == nil {
		t.Fatalf("terminal jobs must record a completion time")
	}

	if _, err := repo.RequestJobCancel(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for terminal job, got %v", err)
	}
	completed := models.JobCompleted
	if _, err := repo.UpdateJob(ctx, job.ID, JobUpdate{Status: &completed}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal state must be final, got %v", err)
	}
}

func TestListJobsFiltersQueueAndStatus(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for _, seed := range []struct {
		queue  string
		status models.JobStatus
	}{
		{"transcode", models.JobQueued},
		{"transcode", models.JobActive},
		{"upload", models.JobQueued},
	} {
		if _, err := repo.CreateJob(ctx, models.Job{Queue: seed.queue, Kind: models.JobKindTranscode, Status: seed.status}); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	jobs, err := repo.ListJobs(ctx, "transcode", models.JobQueued, models.JobActive)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 transcode jobs, got %d", len(jobs))
	}
	jobs, err = repo.ListJobs(ctx, "upload")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 upload job, got %d", len(jobs))
	}
}
