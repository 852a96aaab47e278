package jobqueue

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"cinetide/internal/catalog"
	"cinetide/internal/models"
	"cinetide/internal/observability/logging"
	"cinetide/internal/observability/metrics"
	"cinetide/internal/progress"
)

// ErrJobCancelled is returned by handlers that stopped at a safe point after
// observing a cancellation request. The worker records the job as cancelled,
// not failed.
var ErrJobCancelled = errors.New("jobqueue: job cancelled")

// Handler executes one task. The job record has already been moved to active
// when the handler runs; the worker owns all further status transitions.
type Handler func(ctx context.Context, task Task) error

// WorkerConfig wires a worker pool to its broker and the job records.
type WorkerConfig struct {
	Broker      Broker
	Repo        catalog.Repository
	Progress    progress.Sink
	Logger      *slog.Logger
	Concurrency int
}

// Worker consumes tasks from the broker and drives the job state machine:
// queued -> active -> completed, failed, or cancelled. It is the only writer
// of those transitions.
type Worker struct {
	broker      Broker
	repo        catalog.Repository
	progress    progress.Sink
	logger      *slog.Logger
	concurrency int
	handlers    map[models.JobKind]Handler
}

// NewWorker builds a worker pool. Concurrency defaults to 1: transcodes are
// CPU-bound and concurrent encodes contend badly.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Progress
	if sink == nil {
		sink = progress.NoopSink{}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		broker:      cfg.Broker,
		repo:        cfg.Repo,
		progress:    sink,
		logger:      logging.WithComponent(logger, "jobworker"),
		concurrency: concurrency,
		handlers:    make(map[models.JobKind]Handler),
	}
}

// Register installs the handler for a job kind. Tasks of unregistered kinds
// are marked failed.
func (w *Worker) Register(kind models.JobKind, handler Handler) {
	w.handlers[kind] = handler
}

// Recover republishes jobs that were queued or active when a previous worker
// died. Call once at startup, before Run.
func (w *Worker) Recover(ctx context.Context) error {
	jobs, err := w.repo.ListJobs(ctx, "", models.JobQueued, models.JobActive)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		// active jobs lost their owner; republishing lets the next worker
		// re-claim the record where it stands
		task := Task{JobID: job.ID, Queue: job.Queue, Kind: job.Kind, Payload: []byte(job.Payload)}
		if job.Payload == "" {
			task.Payload = nil
		}
		if err := w.broker.Publish(ctx, task); err != nil {
			return err
		}
		w.logger.Info("job requeued after restart", "job_id", job.ID, "kind", job.Kind)
	}
	return nil
}

// Run consumes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	sub := w.broker.Subscribe()
	defer sub.Close()

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(w.concurrency)

	for {
		select {
		case <-ctx.Done():
			_ = group.Wait()
			return ctx.Err()
		case task, ok := <-sub.Tasks():
			if !ok {
				return group.Wait()
			}
			group.Go(func() error {
				w.process(ctx, task)
				return nil
			})
		}
	}
}

func (w *Worker) process(ctx context.Context, task Task) {
	ctx = logging.ContextWithJobID(ctx, task.JobID)
	logger := logging.WithContext(ctx, w.logger)

	job, ok := w.repo.GetJob(ctx, task.JobID)
	if !ok {
		logger.Warn("task references unknown job", "job_id", task.JobID)
		return
	}
	if job.Status.Terminal() {
		return
	}
	if job.CancelRequested {
		w.finish(ctx, task, models.JobCancelled, "")
		return
	}

	active := models.JobActive
	if _, err := w.repo.UpdateJob(ctx, task.JobID, catalog.JobUpdate{Status: &active}); err != nil {
		logger.Warn("could not claim job", "job_id", task.JobID, "error", err)
		return
	}
	metrics.TranscoderJobStarted(string(task.Kind))

	handler, ok := w.handlers[task.Kind]
	if !ok {
		w.finish(ctx, task, models.JobFailed, "no handler for kind "+string(task.Kind))
		return
	}

	err := handler(ctx, task)
	switch {
	case err == nil:
		w.finish(ctx, task, models.JobCompleted, "")
	case errors.Is(err, ErrJobCancelled):
		w.finish(ctx, task, models.JobCancelled, "")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// shutdown interrupted the handler; the record stays active so
		// Recover republishes it on the next start
		logger.Info("job interrupted by shutdown", "job_id", task.JobID, "kind", task.Kind)
	default:
		logger.Error("job failed", "job_id", task.JobID, "kind", task.Kind, "error", err)
		w.finish(ctx, task, models.JobFailed, err.Error())
	}
}

func (w *Worker) finish(ctx context.Context, task Task, status models.JobStatus, message string) {
	update := catalog.JobUpdate{Status: &status}
	if message != "" {
		update.Error = &message
	}
	if status == models.JobCompleted {
		full := 100
		update.Progress = &full
	}
	job, err := w.repo.UpdateJob(ctx, task.JobID, update)
	if err != nil {
		w.logger.Warn("could not finalize job", "job_id", task.JobID, "status", status, "error", err)
		return
	}
	switch status {
	case models.JobCompleted:
		metrics.TranscoderJobCompleted(string(task.Kind))
	case models.JobFailed:
		metrics.TranscoderJobFailed(string(task.Kind))
	case models.JobCancelled:
		metrics.TranscoderJobCancelled(string(task.Kind))
	}
	event := "job:" + string(status)
	w.progress.Emit(ctx, job.ClientID, event, map[string]interface{}{
		"jobId":  job.ID,
		"kind":   job.Kind,
		"status": job.Status,
		"error":  job.Error,
	})
}
