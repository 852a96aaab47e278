package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cinetide/internal/catalog"
	"cinetide/internal/jobqueue"
	"cinetide/internal/models"
	"cinetide/internal/objectstore"
	"cinetide/internal/progress"
	"cinetide/internal/requestqueue"
)

const probeJSON = `{
	"format": {"duration": "120.5", "bit_rate": "4000000", "size": "2048"},
	"streams": [
		{"codec_type": "audio"},
		{"codec_type": "video", "width": 1920, "height": 1080}
	]
}`

// fakeRunner mimics ffprobe and the three ffmpeg invocation shapes the
// pipeline issues, creating the output files a real run would leave behind.
type fakeRunner struct {
	mu           sync.Mutex
	segmentCount int
	afterEncode  func()
	calls        []string
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()

	if strings.Contains(name, "ffprobe") {
		return []byte(probeJSON), nil
	}
	out := args[len(args)-1]
	switch {
	case hasArg(args, "segment"):
		for i := 0; i < r.segmentCount; i++ {
			path := fmt.Sprintf(out, i)
			if err := os.WriteFile(path, []byte(fmt.Sprintf("segment %d", i)), 0o644); err != nil {
				return nil, err
			}
		}
	case hasArg(args, "concat"):
		if err := os.WriteFile(out, []byte("merged"), 0o644); err != nil {
			return nil, err
		}
	default:
		if err := os.WriteFile(out, []byte("encoded "+filepath.Base(out)), 0o644); err != nil {
			return nil, err
		}
		if r.afterEncode != nil {
			r.afterEncode()
		}
	}
	return nil, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func hasArg(args []string, want string) bool {
	for _, arg := range args {
		if arg == want {
			return true
		}
	}
	return false
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Head(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *fakeStore) Get(_ context.Context, key string, _ *objectstore.ByteRange) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) Put(_ context.Context, key string, body io.Reader, _ string, _ bool) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return key, nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

type pipelineFixture struct {
	repo     *catalog.MemoryRepository
	store    *fakeStore
	broker   *jobqueue.MemoryBroker
	sink     *progress.MemorySink
	runner   *fakeRunner
	pipeline *Pipeline
	workDir  string
	film     models.Film
}

func newPipelineFixture(t *testing.T, segments int) *pipelineFixture {
	t.Helper()
	repo := catalog.NewMemoryRepository()
	film, err := repo.CreateFilm(context.Background(), models.Film{Title: "Oceanfall"})
	if err != nil {
		t.Fatalf("CreateFilm: %v", err)
	}
	store := newFakeStore()
	broker := jobqueue.NewMemoryBroker()
	sink := &progress.MemorySink{}
	runner := &fakeRunner{segmentCount: segments}
	queue := requestqueue.New(requestqueue.Config{Name: "video", Concurrency: 2})
	t.Cleanup(func() {
		queue.Close()
		_ = broker.Close()
	})
	workDir := t.TempDir()
	pipeline := NewPipeline(PipelineConfig{
		Repo:     repo,
		Store:    store,
		Queue:    queue,
		Broker:   broker,
		Progress: sink,
		Runner:   runner,
		WorkDir:  workDir,
	})
	return &pipelineFixture{
		repo:     repo,
		store:    store,
		broker:   broker,
		sink:     sink,
		runner:   runner,
		pipeline: pipeline,
		workDir:  workDir,
		film:     film,
	}
}

func (f *pipelineFixture) newTranscodeTask(t *testing.T, source string) jobqueue.Task {
	t.Helper()
	req := TranscodeRequest{
		ResourceID: f.film.ID,
		SourcePath: source,
		Name:       "oceanfall.mp4",
		ClientID:   "client-1",
	}
	payload := mustJSON(t, req)
	job, err := f.repo.CreateJob(context.Background(), models.Job{
		Queue:       "transcode",
		Kind:        models.JobKindTranscode,
		Cancellable: true,
		ClientID:    req.ClientID,
		Payload:     string(payload),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return jobqueue.Task{JobID: job.ID, Queue: job.Queue, Kind: job.Kind, Payload: payload}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func writeSource(t *testing.T, dir string) string {
	t.Helper()
	source := filepath.Join(dir, "upload_oceanfall.mp4")
	if err := os.WriteFile(source, []byte("raw upload"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return source
}

func TestProbeParsesFFprobeOutput(t *testing.T) {
	runner := &fakeRunner{}
	info, err := Probe(context.Background(), runner, "ffprobe", "/tmp/in.mp4")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Duration != 120.5 {
		t.Errorf("duration = %v, want 120.5", info.Duration)
	}
	if info.Bitrate != 4000000 {
		t.Errorf("bitrate = %d, want 4000000", info.Bitrate)
	}
	if info.SizeBytes != 2048 {
		t.Errorf("size = %d, want 2048", info.SizeBytes)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Errorf("dimensions = %dx%d, want 1920x1080", info.Width, info.Height)
	}
}

func TestPlanResolutionsSkipsStored(t *testing.T) {
	f := newPipelineFixture(t, 1)
	ctx := context.Background()

	for _, res := range []models.Resolution{models.ResolutionHD, models.ResolutionFHD} {
		asset := models.VideoAsset{Resolution: res, Name: string(res) + "_oceanfall.mp4"}
		asset.FilmID = &f.film.ID
		if _, err := f.repo.CreateVideoAsset(ctx, asset); err != nil {
			t.Fatalf("CreateVideoAsset: %v", err)
		}
	}

	targets, err := f.pipeline.PlanResolutions(ctx, f.film.ID)
	if err != nil {
		t.Fatalf("PlanResolutions: %v", err)
	}
	want := []models.Resolution{models.ResolutionSD, models.ResolutionUHD}
	if len(targets) != len(want) {
		t.Fatalf("targets = %v, want %v", targets, want)
	}
	for i := range want {
		if targets[i] != want[i] {
			t.Fatalf("targets = %v, want %v", targets, want)
		}
	}
}

func TestHandleTranscodeProducesUploadJobs(t *testing.T) {
	f := newPipelineFixture(t, 3)
	ctx := context.Background()
	source := writeSource(t, t.TempDir())

	sub := f.broker.Subscribe()
	defer sub.Close()

	task := f.newTranscodeTask(t, source)
	if err := f.pipeline.HandleTranscode(ctx, task); err != nil {
		t.Fatalf("HandleTranscode: %v", err)
	}

	if _, err := os.Stat(source); !os.IsNotExist(err) {
		t.Errorf("source file should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.workDir, "job_"+task.JobID)); !os.IsNotExist(err) {
		t.Errorf("scratch dir should be removed, stat err = %v", err)
	}

	uploads, err := f.repo.ListJobs(ctx, "upload")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(uploads) != len(models.DefaultLadder) {
		t.Fatalf("got %d upload jobs, want %d", len(uploads), len(models.DefaultLadder))
	}
	for _, up := range uploads {
		if up.Kind != models.JobKindUpload || up.Status != models.JobQueued {
			t.Errorf("upload job %s: kind=%s status=%s", up.ID, up.Kind, up.Status)
		}
	}

	for i := 0; i < len(models.DefaultLadder); i++ {
		select {
		case got := <-sub.Tasks():
			if got.Kind != models.JobKindUpload {
				t.Errorf("published task kind = %s, want upload", got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing published upload task %d", i)
		}
	}

	entries, err := os.ReadDir(filepath.Join(f.workDir, "out"))
	if err != nil {
		t.Fatalf("read out dir: %v", err)
	}
	if len(entries) != len(models.DefaultLadder) {
		t.Fatalf("got %d merged files, want %d", len(entries), len(models.DefaultLadder))
	}

	job, _ := f.repo.GetJob(ctx, task.JobID)
	if job.Progress != 99 {
		t.Errorf("final reported progress = %d, want 99", job.Progress)
	}
	sawProgress := false
	for _, event := range f.sink.Events() {
		if event.Channel == "client-1" && event.Event == "job:progress" {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Error("expected progress events on the client channel")
	}
}

func TestHandleTranscodeSkipsFullyRenderedResource(t *testing.T) {
	f := newPipelineFixture(t, 2)
	ctx := context.Background()
	source := writeSource(t, t.TempDir())

	for _, res := range models.DefaultLadder {
		asset := models.VideoAsset{Resolution: res, Name: string(res) + "_oceanfall.mp4"}
		asset.FilmID = &f.film.ID
		if _, err := f.repo.CreateVideoAsset(ctx, asset); err != nil {
			t.Fatalf("CreateVideoAsset: %v", err)
		}
	}

	task := f.newTranscodeTask(t, source)
	if err := f.pipeline.HandleTranscode(ctx, task); err != nil {
		t.Fatalf("HandleTranscode: %v", err)
	}
	if _, err := os.Stat(source); !os.IsNotExist(err) {
		t.Errorf("source file should be removed, stat err = %v", err)
	}
	uploads, err := f.repo.ListJobs(ctx, "upload")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(uploads) != 0 {
		t.Fatalf("expected no upload jobs, got %d", len(uploads))
	}
	// only the probe ran
	if got := f.runner.callCount(); got != 1 {
		t.Errorf("runner invoked %d times, want 1", got)
	}
}

func TestHandleTranscodeStopsOnCancelRequest(t *testing.T) {
	f := newPipelineFixture(t, 3)
	ctx := context.Background()
	source := writeSource(t, t.TempDir())
	task := f.newTranscodeTask(t, source)

	f.runner.afterEncode = func() {
		if _, err := f.repo.RequestJobCancel(ctx, task.JobID); err != nil && !errors.Is(err, catalog.ErrInvalidTransition) {
			t.Errorf("RequestJobCancel: %v", err)
		}
	}

	err := f.pipeline.HandleTranscode(ctx, task)
	if !errors.Is(err, jobqueue.ErrJobCancelled) {
		t.Fatalf("HandleTranscode err = %v, want ErrJobCancelled", err)
	}
	uploads, listErr := f.repo.ListJobs(ctx, "upload")
	if listErr != nil {
		t.Fatalf("ListJobs: %v", listErr)
	}
	if len(uploads) != 0 {
		t.Fatalf("cancelled run must not enqueue uploads, got %d", len(uploads))
	}
	if _, err := os.Stat(filepath.Join(f.workDir, "job_"+task.JobID)); !os.IsNotExist(err) {
		t.Errorf("scratch dir should be removed, stat err = %v", err)
	}
}

func TestHandleUploadStoresAssetAfterPut(t *testing.T) {
	f := newPipelineFixture(t, 1)
	ctx := context.Background()

	merged := filepath.Join(t.TempDir(), "HD_oceanfall.mp4")
	if err := os.WriteFile(merged, []byte("merged"), 0o644); err != nil {
		t.Fatalf("write merged: %v", err)
	}
	req := UploadRequest{
		ResourceID: f.film.ID,
		Resolution: models.ResolutionHD,
		FilePath:   merged,
		Name:       "HD_oceanfall.mp4",
	}
	task := jobqueue.Task{JobID: "job-up", Kind: models.JobKindUpload, Payload: mustJSON(t, req)}

	if err := f.pipeline.HandleUpload(ctx, task); err != nil {
		t.Fatalf("HandleUpload: %v", err)
	}

	key := f.film.ID + "/mp4/HD_oceanfall.mp4"
	f.store.mu.Lock()
	data, ok := f.store.objects[key]
	f.store.mu.Unlock()
	if !ok {
		t.Fatalf("object %s not stored", key)
	}
	if string(data) != "merged" {
		t.Errorf("stored body = %q, want %q", data, "merged")
	}

	assets, err := f.repo.ListVideoAssets(ctx, f.film.ID)
	if err != nil {
		t.Fatalf("ListVideoAssets: %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("got %d assets, want 1", len(assets))
	}
	asset := assets[0]
	if asset.Resolution != models.ResolutionHD || asset.StorageKey != key {
		t.Errorf("asset = %+v", asset)
	}
	if asset.SizeBytes != 2048 || asset.Duration != 120.5 || asset.Bitrate != 4000000 {
		t.Errorf("asset metadata = size %d duration %v bitrate %d", asset.SizeBytes, asset.Duration, asset.Bitrate)
	}
	if _, err := os.Stat(merged); !os.IsNotExist(err) {
		t.Errorf("merged file should be removed after upload, stat err = %v", err)
	}
}

func TestHandleUploadTreatsDuplicateAsDone(t *testing.T) {
	f := newPipelineFixture(t, 1)
	ctx := context.Background()

	existing := models.VideoAsset{Resolution: models.ResolutionHD, Name: "HD_oceanfall.mp4"}
	existing.FilmID = &f.film.ID
	if _, err := f.repo.CreateVideoAsset(ctx, existing); err != nil {
		t.Fatalf("CreateVideoAsset: %v", err)
	}

	merged := filepath.Join(t.TempDir(), "HD_oceanfall.mp4")
	if err := os.WriteFile(merged, []byte("merged"), 0o644); err != nil {
		t.Fatalf("write merged: %v", err)
	}
	req := UploadRequest{
		ResourceID: f.film.ID,
		Resolution: models.ResolutionHD,
		FilePath:   merged,
		Name:       "HD_oceanfall.mp4",
	}
	task := jobqueue.Task{JobID: "job-dup", Kind: models.JobKindUpload, Payload: mustJSON(t, req)}

	if err := f.pipeline.HandleUpload(ctx, task); err != nil {
		t.Fatalf("HandleUpload: %v", err)
	}
	assets, err := f.repo.ListVideoAssets(ctx, f.film.ID)
	if err != nil {
		t.Fatalf("ListVideoAssets: %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("duplicate upload must not add an asset, got %d", len(assets))
	}
	if _, err := os.Stat(merged); !os.IsNotExist(err) {
		t.Errorf("merged file should be removed, stat err = %v", err)
	}
}
