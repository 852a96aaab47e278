package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cinetide/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

// PostgresOption mutates the pool configuration before the pool opens.
type PostgresOption func(*PostgresConfig)

func WithMaxConnections(n int32) PostgresOption {
	return func(cfg *PostgresConfig) { cfg.MaxConnections = n }
}

func WithConnLifetimes(lifetime, idle time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.MaxConnLifetime = lifetime
		cfg.MaxConnIdleTime = idle
	}
}

func WithApplicationName(name string) PostgresOption {
	return func(cfg *PostgresConfig) { cfg.ApplicationName = name }
}

// PostgresRepository is the pgx-backed Repository used in production.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens the connection pool and applies the schema
// migration.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresRepository, error) {
	cfg := PostgresConfig{DSN: dsn, ApplicationName: "cinetide"}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return repo, nil
}

// Close shuts down the pool, honouring ctx while draining connections.
func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS films (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			is_free BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS seasons (
			id TEXT PRIMARY KEY,
			film_id TEXT NOT NULL REFERENCES films(id) ON DELETE CASCADE,
			number INTEGER NOT NULL,
			is_free BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			season_id TEXT NOT NULL REFERENCES seasons(id) ON DELETE CASCADE,
			number INTEGER NOT NULL,
			title TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS video_assets (
			id TEXT PRIMARY KEY,
			film_id TEXT REFERENCES films(id) ON DELETE CASCADE,
			season_id TEXT REFERENCES seasons(id) ON DELETE CASCADE,
			episode_id TEXT REFERENCES episodes(id) ON DELETE CASCADE,
			resolution TEXT NOT NULL,
			is_trailer BOOLEAN NOT NULL DEFAULT FALSE,
			name TEXT NOT NULL,
			container TEXT NOT NULL DEFAULT '',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			bitrate BIGINT NOT NULL DEFAULT 0,
			storage_key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS video_assets_rendition ON video_assets (
			COALESCE(film_id, ''), COALESCE(season_id, ''), COALESCE(episode_id, ''), resolution, is_trailer
		)`,
		`CREATE TABLE IF NOT EXISTS subtitle_assets (
			id TEXT PRIMARY KEY,
			resource_id TEXT NOT NULL,
			language TEXT NOT NULL,
			name TEXT NOT NULL,
			storage_key TEXT NOT NULL,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS purchases (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			resolutions TEXT[] NOT NULL DEFAULT '{}',
			valid BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS purchases_user_resource ON purchases (user_id, resource_id)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			cancellable BOOLEAN NOT NULL DEFAULT FALSE,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			client_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_queue_status ON jobs (queue, status)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *PostgresRepository) CreateFilm(ctx context.Context, film models.Film) (models.Film, error) {
	if film.ID == "" {
		film.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	film.CreatedAt = now
	film.UpdatedAt = now
	_, err := r.pool.Exec(ctx,
		`INSERT INTO films (id, title, is_free, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		film.ID, film.Title, film.IsFree, film.CreatedAt, film.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Film{}, ErrConflict
		}
		return models.Film{}, fmt.Errorf("create film: %w", err)
	}
	return film, nil
}

func (r *PostgresRepository) CreateSeason(ctx context.Context, season models.Season) (models.Season, error) {
	if season.ID == "" {
		season.ID = uuid.NewString()
	}
	season.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO seasons (id, film_id, number, is_free, created_at) VALUES ($1, $2, $3, $4, $5)`,
		season.ID, season.FilmID, season.Number, season.IsFree, season.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Season{}, ErrConflict
		}
		return models.Season{}, fmt.Errorf("create season: %w", err)
	}
	return season, nil
}

func (r *PostgresRepository) CreateEpisode(ctx context.Context, episode models.Episode) (models.Episode, error) {
	if episode.ID == "" {
		episode.ID = uuid.NewString()
	}
	episode.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO episodes (id, season_id, number, title, created_at) VALUES ($1, $2, $3, $4, $5)`,
		episode.ID, episode.SeasonID, episode.Number, episode.Title, episode.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Episode{}, ErrConflict
		}
		return models.Episode{}, fmt.Errorf("create episode: %w", err)
	}
	return episode, nil
}

func (r *PostgresRepository) GetFilm(ctx context.Context, id string) (models.Film, bool) {
	var film models.Film
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, is_free, created_at, updated_at FROM films WHERE id = $1`, id).
		Scan(&film.ID, &film.Title, &film.IsFree, &film.CreatedAt, &film.UpdatedAt)
	if err != nil {
		return models.Film{}, false
	}
	return film, true
}

func (r *PostgresRepository) GetSeason(ctx context.Context, id string) (models.Season, bool) {
	var season models.Season
	err := r.pool.QueryRow(ctx,
		`SELECT id, film_id, number, is_free, created_at FROM seasons WHERE id = $1`, id).
		Scan(&season.ID, &season.FilmID, &season.Number, &season.IsFree, &season.CreatedAt)
	if err != nil {
		return models.Season{}, false
	}
	return season, true
}

func (r *PostgresRepository) GetEpisode(ctx context.Context, id string) (models.Episode, bool) {
	var episode models.Episode
	err := r.pool.QueryRow(ctx,
		`SELECT id, season_id, number, title, created_at FROM episodes WHERE id = $1`, id).
		Scan(&episode.ID, &episode.SeasonID, &episode.Number, &episode.Title, &episode.CreatedAt)
	if err != nil {
		return models.Episode{}, false
	}
	return episode, true
}

func (r *PostgresRepository) ResolveResource(ctx context.Context, id string) (Resource, bool) {
	if film, ok := r.GetFilm(ctx, id); ok {
		return Resource{Kind: models.KindFilm, ID: film.ID, FilmID: film.ID, IsFree: film.IsFree}, true
	}

	var res Resource
	err := r.pool.QueryRow(ctx,
		`SELECT e.id, s.film_id, s.id, s.is_free
		 FROM episodes e JOIN seasons s ON s.id = e.season_id
		 WHERE e.id = $1`, id).
		Scan(&res.ID, &res.FilmID, &res.SeasonID, &res.IsFree)
	if err == nil {
		res.Kind = models.KindEpisode
		return res, true
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Resource{}, false
	}

	if season, ok := r.GetSeason(ctx, id); ok {
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

const videoAssetColumns = `id, film_id, season_id, episode_id, resolution, is_trailer, name, container, size_bytes, duration_seconds, bitrate, storage_key, created_at`

func scanVideoAsset(row pgx.Row) (models.VideoAsset, error) {
	var asset models.VideoAsset
	var resolution string
	err := row.Scan(&asset.ID, &asset.FilmID, &asset.SeasonID, &asset.EpisodeID, &resolution,
		&asset.IsTrailer, &asset.Name, &asset.Container, &asset.SizeBytes, &asset.Duration,
		&asset.Bitrate, &asset.StorageKey, &asset.CreatedAt)
	if err != nil {
		return models.VideoAsset{}, err
	}
	asset.Resolution = models.Resolution(resolution)
	return asset, nil
}

func (r *PostgresRepository) FindVideoAsset(ctx context.Context, assetID, resourceID string) (models.VideoAsset, bool) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+videoAssetColumns+` FROM video_assets
		 WHERE id = $1 AND COALESCE(film_id, season_id, episode_id) = $2`,
		assetID, resourceID)
	asset, err := scanVideoAsset(row)
	if err != nil {
		return models.VideoAsset{}, false
	}
	return asset, true
}

func (r *PostgresRepository) ListVideoAssets(ctx context.Context, resourceID string) ([]models.VideoAsset, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+videoAssetColumns+` FROM video_assets
		 WHERE film_id = $1 OR season_id = $1 OR episode_id = $1
		 ORDER BY created_at`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list video assets: %w", err)
	}
	defer rows.Close()
	var out []models.VideoAsset
	for rows.Next() {
		asset, err := scanVideoAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video asset: %w", err)
		}
		out = append(out, asset)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateVideoAsset(ctx context.Context, asset models.VideoAsset) (models.VideoAsset, error) {
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	asset.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO video_assets (`+videoAssetColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		asset.ID, asset.FilmID, asset.SeasonID, asset.EpisodeID, string(asset.Resolution),
		asset.IsTrailer, asset.Name, asset.Container, asset.SizeBytes, asset.Duration,
		asset.Bitrate, asset.StorageKey, asset.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.VideoAsset{}, ErrConflict
		}
		return models.VideoAsset{}, fmt.Errorf("create video asset: %w", err)
	}
	return asset, nil
}

func (r *PostgresRepository) DeleteVideoAsset(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM video_assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) FindSubtitleAsset(ctx context.Context, subtitleID, resourceID string) (models.SubtitleAsset, bool) {
	var sub models.SubtitleAsset
	err := r.pool.QueryRow(ctx,
		`SELECT id, resource_id, language, name, storage_key, size_bytes, created_at
		 FROM subtitle_assets WHERE id = $1 AND resource_id = $2`,
		subtitleID, resourceID).
		Scan(&sub.ID, &sub.ResourceID, &sub.Language, &sub.Name, &sub.StorageKey, &sub.SizeBytes, &sub.CreatedAt)
	if err != nil {
		return models.SubtitleAsset{}, false
	}
	return sub, true
}

func (r *PostgresRepository) ListSubtitleAssets(ctx context.Context, resourceID string) ([]models.SubtitleAsset, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, resource_id, language, name, storage_key, size_bytes, created_at
		 FROM subtitle_assets WHERE resource_id = $1 ORDER BY language`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list subtitle assets: %w", err)
	}
	defer rows.Close()
	var out []models.SubtitleAsset
	for rows.Next() {
		var sub models.SubtitleAsset
		if err := rows.Scan(&sub.ID, &sub.ResourceID, &sub.Language, &sub.Name, &sub.StorageKey, &sub.SizeBytes, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subtitle asset: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateSubtitleAsset(ctx context.Context, sub models.SubtitleAsset) (models.SubtitleAsset, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO subtitle_assets (id, resource_id, language, name, storage_key, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.ResourceID, sub.Language, sub.Name, sub.StorageKey, sub.SizeBytes, sub.CreatedAt)
	if err != nil {
		return models.SubtitleAsset{}, fmt.Errorf("create subtitle asset: %w", err)
	}
	return sub, nil
}

func (r *PostgresRepository) CreatePurchase(ctx context.Context, purchase models.Purchase) (models.Purchase, error) {
	if purchase.ID == "" {
		purchase.ID = uuid.NewString()
	}
	purchase.CreatedAt = time.Now().UTC()
	resolutions := make([]string, 0, len(purchase.Resolutions))
	for _, res := range purchase.Resolutions {
		resolutions = append(resolutions, string(res))
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO purchases (id, user_id, resource_id, resolutions, valid, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		purchase.ID, purchase.UserID, purchase.ResourceID, resolutions, purchase.Valid, purchase.ExpiresAt, purchase.CreatedAt)
	if err != nil {
		return models.Purchase{}, fmt.Errorf("create purchase: %w", err)
	}
	return purchase, nil
}

func (r *PostgresRepository) FindPurchase(ctx context.Context, userID, resourceID string) (models.Purchase, bool) {
	var purchase models.Purchase
	var resolutions []string
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, resource_id, resolutions, valid, expires_at, created_at
		 FROM purchases WHERE user_id = $1 AND resource_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		userID, resourceID).
		Scan(&purchase.ID, &purchase.UserID, &purchase.ResourceID, &resolutions,
			&purchase.Valid, &purchase.ExpiresAt, &purchase.CreatedAt)
	if err != nil {
		return models.Purchase{}, false
	}
	for _, res := range resolutions {
		purchase.Resolutions = append(purchase.Resolutions, models.Resolution(res))
	}
	return purchase, true
}

const jobColumns = `id, queue, kind, status, progress, cancellable, cancel_requested, client_id, payload, error, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var kind, status string
	err := row.Scan(&job.ID, &job.Queue, &kind, &status, &job.Progress, &job.Cancellable,
		&job.CancelRequested, &job.ClientID, &job.Payload, &job.Error,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	return job, nil
}

func (r *PostgresRepository) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := r.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.Queue, string(job.Kind), string(job.Status), job.Progress, job.Cancellable,
		job.CancelRequested, job.ClientID, job.Payload, job.Error,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (r *PostgresRepository) GetJob(ctx context.Context, id string) (models.Job, bool) {
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return models.Job{}, false
	}
	return job, true
}

// UpdateJob applies a partial update inside a transaction so concurrent
// workers cannot interleave illegal status transitions.
func (r *PostgresRepository) UpdateJob(ctx context.Context, id string, update JobUpdate) (models.Job, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin job update: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("load job: %w", err)
	}

	updated, err := applyJobUpdate(job, update, time.Now().UTC())
	if err != nil {
		return models.Job{}, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = $2, progress = $3, cancel_requested = $4, error = $5,
		 updated_at = $6, completed_at = $7 WHERE id = $1`,
		updated.ID, string(updated.Status), updated.Progress, updated.CancelRequested,
		updated.Error, updated.UpdatedAt, updated.CompletedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit job update: %w", err)
	}
	return updated, nil
}

func (r *PostgresRepository) RequestJobCancel(ctx context.Context, id string) (models.Job, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE jobs SET cancel_requested = TRUE, updated_at = $2
		 WHERE id = $1 AND status IN ('queued', 'active')
		 RETURNING `+jobColumns,
		id, time.Now().UTC())
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, ok := r.GetJob(ctx, id); ok {
				return models.Job{}, ErrInvalidTransition
			}
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("request job cancel: %w", err)
	}
	return job, nil
}

func (r *PostgresRepository) ListJobs(ctx context.Context, queue string, statuses ...models.JobStatus) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	if queue != "" {
		args = append(args, queue)
		query += fmt.Sprintf(" AND queue = $%d", len(args))
	}
	if len(statuses) > 0 {
		labels := make([]string, 0, len(statuses))
		for _, s := range statuses {
			labels = append(labels, string(s))
		}
		args = append(args, labels)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	query += " ORDER BY created_at"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
