// Package jobqueue carries transcode and upload work from the HTTP layer to
// background workers over a durable broker. Job state itself lives in the
// catalog; the broker moves only small task envelopes.
package jobqueue

import (
	"context"
	"encoding/json"

	"cinetide/internal/models"
)

// Task is the envelope published for one unit of background work. The job
// record referenced by JobID is the source of truth for status and progress.
type Task struct {
	JobID   string          `json:"jobId"`
	Queue   string          `json:"queue"`
	Kind    models.JobKind  `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscription delivers tasks until closed.
type Subscription interface {
	Tasks() <-chan Task
	Close()
}

// Broker is the durable transport between producers and workers.
type Broker interface {
	Publish(ctx context.Context, task Task) error
	Subscribe() Subscription
	Close() error
}
