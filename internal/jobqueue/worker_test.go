package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"cinetide/internal/catalog"
	"cinetide/internal/models"
	"cinetide/internal/progress"
)

type workerFixture struct {
	repo   *catalog.MemoryRepository
	broker *MemoryBroker
	sink   *progress.MemorySink
	worker *Worker
	cancel context.CancelFunc
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	repo := catalog.NewMemoryRepository()
	broker := NewMemoryBroker()
	sink := &progress.MemorySink{}
	worker := NewWorker(WorkerConfig{Broker: broker, Repo: repo, Progress: sink})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = worker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = broker.Close()
	})
	return &workerFixture{repo: repo, broker: broker, sink: sink, worker: worker, cancel: cancel}
}

func (f *workerFixture) enqueue(t *testing.T, kind models.JobKind, clientID string) models.Job {
	t.Helper()
	job, err := f.repo.CreateJob(context.Background(), models.Job{
		Queue:       "transcode",
		Kind:        kind,
		Cancellable: true,
		ClientID:    clientID,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := f.broker.Publish(context.Background(), Task{JobID: job.ID, Queue: job.Queue, Kind: job.Kind}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return job
}

func awaitStatus(t *testing.T, repo *catalog.MemoryRepository, jobID string, want models.JobStatus) models.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := repo.GetJob(context.Background(), jobID); ok && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := repo.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, stuck at %s", jobID, want, job.Status)
	return models.Job{}
}

func TestWorkerCompletesJob(t *testing.T) {
	f := newWorkerFixture(t)

	ran := make(chan Task, 1)
	f.worker.Register(models.JobKindTranscode, func(_ context.Context, task Task) error {
		ran <- task
		return nil
	})

	job := f.enqueue(t, models.JobKindTranscode, "client-7")

	select {
	case task := <-ran:
		if task.JobID != job.ID {
			t.Fatalf("handler got job %s, want %s", task.JobID, job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	final := awaitStatus(t, f.repo, job.ID, models.JobCompleted)
	if final.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", final.Progress)
	}

	events := f.sink.Events()
	found := false
	for _, e := range events {
		if e.Channel == "client-7" && e.Event == "job:completed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected completion event, got %v", events)
	}
}

func TestWorkerRecordsFailure(t *testing.T) {
	f := newWorkerFixture(t)

	f.worker.Register(models.JobKindTranscode, func(context.Context, Task) error {
		return errors.New("encoder exploded")
	})

	job := f.enqueue(t, models.JobKindTranscode, "")
	final := awaitStatus(t, f.repo, job.ID, models.JobFailed)
	if final.Error != "encoder exploded" {
		t.Fatalf("expected error message, got %q", final.Error)
	}
}

func TestWorkerDistinguishesCancellation(t *testing.T) {
	f := newWorkerFixture(t)

	f.worker.Register(models.JobKindTranscode, func(context.Context, Task) error {
		return ErrJobCancelled
	})

	job := f.enqueue(t, models.JobKindTranscode, "")
	final := awaitStatus(t, f.repo, job.ID, models.JobCancelled)
	if final.Error != "" {
		t.Fatalf("cancellation must not record an error, got %q", final.Error)
	}
}

func TestWorkerSkipsPreCancelledJob(t *testing.T) {
	f := newWorkerFixture(t)

	invoked := make(chan struct{}, 1)
	f.worker.Register(models.JobKindTranscode, func(context.Context, Task) error {
		invoked <- struct{}{}
		return nil
	})

	job, err := f.repo.CreateJob(context.Background(), models.Job{
		Queue: "transcode", Kind: models.JobKindTranscode, Cancellable: true,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := f.repo.RequestJobCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("RequestJobCancel: %v", err)
	}
	if err := f.broker.Publish(context.Background(), Task{JobID: job.ID, Kind: job.Kind}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	awaitStatus(t, f.repo, job.ID, models.JobCancelled)
	select {
	case <-invoked:
		t.Fatal("handler must not run for a cancelled job")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkerLeavesJobActiveOnShutdown(t *testing.T) {
	repo := catalog.NewMemoryRepository()
	broker := NewMemoryBroker()
	defer broker.Close()
	worker := NewWorker(WorkerConfig{Broker: broker, Repo: repo})

	started := make(chan struct{})
	worker.Register(models.JobKindTranscode, func(ctx context.Context, _ Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	job, err := repo.CreateJob(context.Background(), models.Job{Queue: "transcode", Kind: models.JobKindTranscode})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := broker.Publish(context.Background(), Task{JobID: job.ID, Kind: job.Kind}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	awaitStatus(t, repo, job.ID, models.JobActive)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	final, _ := repo.GetJob(context.Background(), job.ID)
	if final.Status != models.JobActive {
		t.Fatalf("interrupted job should stay active for recovery, got %s", final.Status)
	}
	if final.Error != "" {
		t.Fatalf("interrupted job must not record an error, got %q", final.Error)
	}
}

func TestWorkerFailsUnknownKind(t *testing.T) {
	f := newWorkerFixture(t)

	job := f.enqueue(t, models.JobKind("mystery"), "")
	final := awaitStatus(t, f.repo, job.ID, models.JobFailed)
	if final.Error == "" {
		t.Fatalf("expected an error message for unknown kind")
	}
}

func TestRecoverRepublishesInterruptedJobs(t *testing.T) {
	repo := catalog.NewMemoryRepository()
	broker := NewMemoryBroker()
	defer broker.Close()

	ctx := context.Background()
	queued, err := repo.CreateJob(ctx, models.Job{Queue: "transcode", Kind: models.JobKindTranscode})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	active, err := repo.CreateJob(ctx, models.Job{Queue: "transcode", Kind: models.JobKindTranscode})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	activeStatus := models.JobActive
	if _, err := repo.UpdateJob(ctx, active.ID, catalog.JobUpdate{Status: &activeStatus}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	done, err := repo.CreateJob(ctx, models.Job{Queue: "transcode", Kind: models.JobKindTranscode})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	completed := models.JobCompleted
	if _, err := repo.UpdateJob(ctx, done.ID, catalog.JobUpdate{Status: &activeStatus}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if _, err := repo.UpdateJob(ctx, done.ID, catalog.JobUpdate{Status: &completed}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	sub := broker.Subscribe()
	defer sub.Close()

	worker := NewWorker(WorkerConfig{Broker: broker, Repo: repo})
	if err := worker.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	want := map[string]bool{queued.ID: false, active.ID: false}
	for i := 0; i < 2; i++ {
		select {
		case task := <-sub.Tasks():
			if _, ok := want[task.JobID]; !ok {
				t.Fatalf("unexpected republished job %s", task.JobID)
			}
			want[task.JobID] = true
		case <-time.After(time.Second):
			t.Fatalf("missing republished tasks, got %v", want)
		}
	}

	select {
	case task := <-sub.Tasks():
		t.Fatalf("terminal job republished: %s", task.JobID)
	case <-time.After(50 * time.Millisecond):
	}
}
