package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cinetide/internal/catalog"
	"cinetide/internal/jobqueue"
	"cinetide/internal/models"
	"cinetide/internal/objectstore"
	"cinetide/internal/observability/logging"
	"cinetide/internal/progress"
	"cinetide/internal/requestqueue"
	"cinetide/internal/stream"
)

// DefaultSegmentSeconds is the split length. Sixty seconds keeps the segment
// count manageable while still giving usable progress granularity.
const DefaultSegmentSeconds = 60

// TranscodeRequest is the payload of a transcode job.
type TranscodeRequest struct {
	ResourceID string `json:"resourceId"`
	SourcePath string `json:"sourcePath"`
	Name       string `json:"name"`
	ClientID   string `json:"clientId,omitempty"`
}

// UploadRequest is the payload of an upload job emitted per finished
// resolution.
type UploadRequest struct {
	ResourceID string            `json:"resourceId"`
	Resolution models.Resolution `json:"resolution"`
	FilePath   string            `json:"filePath"`
	Name       string            `json:"name"`
	ClientID   string            `json:"clientId,omitempty"`
}

// PipelineConfig wires the transcoder to its collaborators.
type PipelineConfig struct {
	Repo           catalog.Repository
	Store          objectstore.Client
	Queue          *requestqueue.Queue
	Broker         jobqueue.Broker
	Progress       progress.Sink
	Runner         Runner
	Logger         *slog.Logger
	WorkDir        string
	FFmpegPath     string
	FFprobePath    string
	SegmentSeconds int
}

// Pipeline implements the transcode and upload job handlers.
type Pipeline struct {
	repo           catalog.Repository
	store          objectstore.Client
	queue          *requestqueue.Queue
	broker         jobqueue.Broker
	progress       progress.Sink
	runner         Runner
	logger         *slog.Logger
	workDir        string
	ffmpeg         string
	ffprobe        string
	segmentSeconds int
}

// NewPipeline builds a pipeline. WorkDir must be writable; everything under it
// is scratch space.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Progress
	if sink == nil {
		sink = progress.NoopSink{}
	}
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{Logger: logger}
	}
	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ffprobe := cfg.FFprobePath
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	seconds := cfg.SegmentSeconds
	if seconds <= 0 {
		seconds = DefaultSegmentSeconds
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Pipeline{
		repo:           cfg.Repo,
		store:          cfg.Store,
		queue:          cfg.Queue,
		broker:         cfg.Broker,
		progress:       sink,
		runner:         runner,
		logger:         logging.WithComponent(logger, "transcode"),
		workDir:        workDir,
		ffmpeg:         ffmpeg,
		ffprobe:        ffprobe,
		segmentSeconds: seconds,
	}
}

// Register installs both handlers on the worker.
func (p *Pipeline) Register(worker *jobqueue.Worker) {
	worker.Register(models.JobKindTranscode, p.HandleTranscode)
	worker.Register(models.JobKindUpload, p.HandleUpload)
}

// PlanResolutions returns the ladder entries that have no stored rendition for
// the resource yet. Running the transcoder twice against a fully rendered
// resource therefore schedules nothing.
func (p *Pipeline) PlanResolutions(ctx context.Context, resourceID string) ([]models.Resolution, error) {
	assets, err := p.repo.ListVideoAssets(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	stored := make(map[models.Resolution]bool, len(assets))
	for _, asset := range assets {
		if asset.IsTrailer {
			continue
		}
		stored[asset.Resolution] = true
	}
	var targets []models.Resolution
	for _, res := range models.DefaultLadder {
		if !stored[res] {
			targets = append(targets, res)
		}
	}
	return targets, nil
}

// HandleTranscode runs the probe/split/encode/merge pipeline for one source
// file and enqueues an upload job per finished resolution.
func (p *Pipeline) HandleTranscode(ctx context.Context, task jobqueue.Task) error {
	var req TranscodeRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return fmt.Errorf("decode transcode payload: %w", err)
	}
	if req.SourcePath == "" {
		return errors.New("transcode payload has no source path")
	}
	logger := logging.WithContext(ctx, p.logger)

	if _, ok := p.repo.ResolveResource(ctx, req.ResourceID); !ok {
		return fmt.Errorf("resource %s not found", req.ResourceID)
	}

	info, err := Probe(ctx, p.runner, p.ffprobe, req.SourcePath)
	if err != nil {
		return err
	}
	targets, err := p.PlanResolutions(ctx, req.ResourceID)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		logger.Info("all resolutions already stored", "resource_id", req.ResourceID)
		return os.Remove(req.SourcePath)
	}
	logger.Info("transcode starting",
		"resource_id", req.ResourceID,
		"duration_s", info.Duration,
		"targets", len(targets))

	scratch := filepath.Join(p.workDir, "job_"+task.JobID)
	segDir := filepath.Join(scratch, "segments")
	defer os.RemoveAll(scratch)

	segments, err := p.split(ctx, req.SourcePath, segDir)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("split produced no segments for %s", req.SourcePath)
	}

	base := stream.CleanBaseName(req.Name)
	if base == "" {
		base = stream.CleanBaseName(filepath.Base(req.SourcePath))
	}
	outDir := filepath.Join(p.workDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	total := len(targets) * len(segments)
	done := 0
	for _, res := range targets {
		resDir := filepath.Join(scratch, string(res))
		if err := os.MkdirAll(resDir, 0o755); err != nil {
			return err
		}
		encoded := make([]string, 0, len(segments))
		for _, seg := range segments {
			if p.cancelRequested(ctx, task.JobID) {
				return jobqueue.ErrJobCancelled
			}
			out := filepath.Join(resDir, filepath.Base(seg))
			if err := p.encodeSegment(ctx, seg, out, res); err != nil {
				return fmt.Errorf("encode %s segment %s: %w", res, filepath.Base(seg), err)
			}
			encoded = append(encoded, out)
			done++
			p.reportProgress(ctx, task.JobID, req.ClientID, res, done, total)
		}

		name := fmt.Sprintf("%s_%s.mp4", res, base)
		merged := filepath.Join(outDir, task.JobID+"_"+name)
		if err := p.merge(ctx, encoded, resDir, merged); err != nil {
			return fmt.Errorf("merge %s: %w", res, err)
		}
		if err := p.enqueueUpload(ctx, task, UploadRequest{
			ResourceID: req.ResourceID,
			Resolution: res,
			FilePath:   merged,
			Name:       name,
			ClientID:   req.ClientID,
		}); err != nil {
			return err
		}
		logger.Info("resolution finished", "resolution", res, "output", merged)
	}

	return os.Remove(req.SourcePath)
}

// HandleUpload pushes one merged rendition into the object store and records
// the asset. The record is written only after the store confirms the upload.
func (p *Pipeline) HandleUpload(ctx context.Context, task jobqueue.Task) error {
	var req UploadRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return fmt.Errorf("decode upload payload: %w", err)
	}
	logger := logging.WithContext(ctx, p.logger)

	resource, ok := p.repo.ResolveResource(ctx, req.ResourceID)
	if !ok {
		return fmt.Errorf("resource %s not found", req.ResourceID)
	}
	info, err := Probe(ctx, p.runner, p.ffprobe, req.FilePath)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s/mp4/%s", resource.StoragePrefix(), req.Name)
	file, err := os.Open(req.FilePath)
	if err != nil {
		return err
	}
	_, err = requestqueue.Do(ctx, p.queue, requestqueue.PriorityNormal, func(ctx context.Context) (string, error) {
		return p.store.Put(ctx, key, file, "video/mp4", false)
	})
	file.Close()
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	asset := models.VideoAsset{
		Resolution: req.Resolution,
		Name:       req.Name,
		Container:  "mp4",
		SizeBytes:  info.SizeBytes,
		Duration:   info.Duration,
		Bitrate:    info.Bitrate,
		StorageKey: key,
	}
	setAssetOwner(&asset, resource)
	if _, err := p.repo.CreateVideoAsset(ctx, asset); err != nil {
		if errors.Is(err, catalog.ErrConflict) {
			logger.Info("rendition already recorded", "resource_id", req.ResourceID, "resolution", req.Resolution)
			return os.Remove(req.FilePath)
		}
		return err
	}
	logger.Info("rendition stored",
		"resource_id", req.ResourceID,
		"resolution", req.Resolution,
		"key", key,
		"bytes", info.SizeBytes)
	return os.Remove(req.FilePath)
}

func (p *Pipeline) enqueueUpload(ctx context.Context, parent jobqueue.Task, req UploadRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	job, err := p.repo.CreateJob(ctx, models.Job{
		Queue:    "upload",
		Kind:     models.JobKindUpload,
		ClientID: req.ClientID,
		Payload:  string(payload),
	})
	if err != nil {
		return fmt.Errorf("create upload job: %w", err)
	}
	return p.broker.Publish(ctx, jobqueue.Task{
		JobID:   job.ID,
		Queue:   job.Queue,
		Kind:    job.Kind,
		Payload: payload,
	})
}

func (p *Pipeline) split(ctx context.Context, source, segDir string) ([]string, error) {
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return nil, err
	}
	pattern := filepath.Join(segDir, "part_%05d.mp4")
	_, err := p.runner.Run(ctx, p.ffmpeg,
		"-v", "error",
		"-y",
		"-i", source,
		"-c", "copy",
		"-map", "0",
		"-f", "segment",
		"-segment_time", strconv.Itoa(p.segmentSeconds),
		"-reset_timestamps", "1",
		pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", source, err)
	}
	return listSegments(segDir)
}

func (p *Pipeline) encodeSegment(ctx context.Context, in, out string, res models.Resolution) error {
	_, err := p.runner.Run(ctx, p.ffmpeg,
		"-v", "error",
		"-y",
		"-i", in,
		"-vf", fmt.Sprintf("scale=-2:%d", res.Height()),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "copy",
		out,
	)
	return err
}

func (p *Pipeline) merge(ctx context.Context, encoded []string, resDir, out string) error {
	listPath := filepath.Join(resDir, "concat.txt")
	var list strings.Builder
	for _, seg := range encoded {
		fmt.Fprintf(&list, "file '%s'\n", seg)
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return err
	}
	_, err := p.runner.Run(ctx, p.ffmpeg,
		"-v", "error",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		out,
	)
	return err
}

func (p *Pipeline) cancelRequested(ctx context.Context, jobID string) bool {
	job, ok := p.repo.GetJob(ctx, jobID)
	return ok && job.CancelRequested
}

func (p *Pipeline) reportProgress(ctx context.Context, jobID, clientID string, res models.Resolution, done, total int) {
	percent := done * 100 / total
	if percent > 99 {
		// the worker writes 100 when it records completion
		percent = 99
	}
	if _, err := p.repo.UpdateJob(ctx, jobID, catalog.JobUpdate{Progress: &percent}); err != nil {
		p.logger.Warn("progress update failed", "job_id", jobID, "error", err)
	}
	p.progress.Emit(ctx, clientID, "job:progress", map[string]interface{}{
		"jobId":      jobID,
		"progress":   percent,
		"resolution": res,
	})
}

func listSegments(segDir string) ([]string, error) {
	entries, err := os.ReadDir(segDir)
	if err != nil {
		return nil, err
	}
	type indexed struct {
		index int
		path  string
	}
	parts := make([]indexed, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "part_") || !strings.HasSuffix(name, ".mp4") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, "part_"), ".mp4")
		index, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		parts = append(parts, indexed{index: index, path: filepath.Join(segDir, name)})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].index < parts[j].index })
	out := make([]string, len(parts))
	for i, part := range parts {
		out[i] = part.path
	}
	return out, nil
}

func setAssetOwner(asset *models.VideoAsset, resource catalog.Resource) {
	id := resource.ID
	switch resource.Kind {
	case models.KindFilm:
		asset.FilmID = &id
	case models.KindEpisode:
		asset.EpisodeID = &id
	case models.KindSeason:
		asset.SeasonID = &id
	}
}
