// Package requestqueue provides admission control for calls into the external
// object store. A fixed number of operations run concurrently; the rest wait
// in a priority queue. A circuit breaker fails submissions fast while the
// upstream is saturated or unhealthy.
package requestqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders pending work. All high-priority items are dequeued before
// any normal-priority item; within a class, arrival order is preserved.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

const (
	defaultConcurrency      = 10
	defaultOperationTimeout = 15 * time.Second
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

var (
	// ErrTimeout is returned when an in-flight operation does not settle
	// within the per-operation timeout. The slot is freed but the operation
	// itself keeps running until its context is observed.
	ErrTimeout = errors.New("requestqueue: operation timed out")
	// ErrCircuitOpen is returned without consuming a slot while the breaker
	// is open.
	ErrCircuitOpen = errors.New("requestqueue: circuit open")
	// ErrCancelled is returned to the caller of a queued request removed via
	// Cancel.
	ErrCancelled = errors.New("requestqueue: request cancelled")
	// ErrClosed is returned once the queue has been shut down.
	ErrClosed = errors.New("requestqueue: queue closed")
)

// Work is a unit of admission-controlled work. The context carries the
// per-operation deadline; cancellable clients should honour it.
type Work func(ctx context.Context) (interface{}, error)

// Config controls one queue instance. Separate instances are kept per traffic
// class (bulk video segments vs. small subtitle files) so large-segment stalls
// cannot starve subtitle requests.
type Config struct {
	Name             string
	Concurrency      int
	OperationTimeout time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	Logger           *slog.Logger
}

// Stats is a point-in-time snapshot for health endpoints.
type Stats struct {
	Name        string       `json:"name"`
	Queued      int          `json:"queued"`
	InFlight    int          `json:"inFlight"`
	Concurrency int          `json:"concurrency"`
	Completed   uint64       `json:"completed"`
	Failed      uint64       `json:"failed"`
	FailureRate float64      `json:"failureRate"`
	Circuit     CircuitState `json:"circuitState"`
}

type outcome struct {
	value interface{}
	err   error
}

type request struct {
	id       string
	priority Priority
	work     Work
	done     chan outcome
	// set while the request waits in the pending queue; cleared on dispatch
	// so Cancel cannot race a started operation.
	queued bool
}

// Queue is a bounded-concurrency priority queue guarding a shared upstream.
type Queue struct {
	name    string
	cap     int
	timeout time.Duration
	logger  *slog.Logger
	breaker *breaker

	mu       sync.Mutex
	high     []*request
	normal   []*request
	byID     map[string]*request
	inFlight int
	closed   bool

	completed uint64
	failed    uint64
}

// New constructs a queue with the provided configuration, applying defaults
// for any zero value.
func New(cfg Config) *Queue {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	return &Queue{
		name:    name,
		cap:     concurrency,
		timeout: timeout,
		logger:  logger,
		breaker: newBreaker(cfg.FailureThreshold, cfg.Cooldown),
		byID:    make(map[string]*request),
	}
}

// Enqueue admits work into the queue and returns a handle the caller can wait
// on or cancel. It fails fast with ErrCircuitOpen while the breaker is open.
func (q *Queue) Enqueue(priority Priority, work Work) (*Request, error) {
	if work == nil {
		return nil, errors.New("requestqueue: work is required")
	}
	if !q.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	req := &request{
		id:       uuid.NewString(),
		priority: priority,
		work:     work,
		done:     make(chan outcome, 1),
		queued:   true,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if priority == PriorityHigh {
		q.high = append(q.high, req)
	} else {
		q.normal = append(q.normal, req)
	}
	q.byID[req.id] = req
	q.dispatchLocked()
	q.mu.Unlock()

	return &Request{queue: q, req: req}, nil
}

// Submit enqueues work and blocks until it settles, the per-operation timeout
// fires, or ctx is done.
func (q *Queue) Submit(ctx context.Context, priority Priority, work Work) (interface{}, error) {
	handle, err := q.Enqueue(priority, work)
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx)
}

// Cancel removes a request that has not started yet. It returns false when
// the id is unknown or the operation is already in flight.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	req, ok := q.byID[id]
	if !ok || !req.queued {
		q.mu.Unlock()
		return false
	}
	q.removeLocked(req)
	q.mu.Unlock()

	req.done <- outcome{err: ErrCancelled}
	return true
}

// Stats returns a snapshot of queue depth, concurrency usage, failure
// accounting, and circuit state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := q.completed + q.failed
	rate := 0.0
	if total > 0 {
		rate = float64(q.failed) / float64(total)
	}
	return Stats{
		Name:        q.name,
		Queued:      len(q.high) + len(q.normal),
		InFlight:    q.inFlight,
		Concurrency: q.cap,
		Completed:   q.completed,
		Failed:      q.failed,
		FailureRate: rate,
		Circuit:     q.breaker.State(),
	}
}

// Close rejects all pending requests and stops admitting new ones. In-flight
// operations are left to settle on their own.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := append(append([]*request(nil), q.high...), q.normal...)
	q.high = nil
	q.normal = nil
	for _, req := range pending {
		req.queued = false
		delete(q.byID, req.id)
	}
	q.mu.Unlock()

	for _, req := range pending {
		req.done <- outcome{err: ErrClosed}
	}
}

func (q *Queue) removeLocked(target *request) {
	remove := func(list []*request) []*request {
		for i, req := range list {
			if req == target {
				return append(list[:i], list[i+1:]...)
			}
		}
		return list
	}
	if target.priority == PriorityHigh {
		q.high = remove(q.high)
	} else {
		q.normal = remove(q.normal)
	}
	target.queued = false
	delete(q.byID, target.id)
}

// dispatchLocked starts queued work while slots are available. Callers must
// hold q.mu.
func (q *Queue) dispatchLocked() {
	for q.inFlight < q.cap {
		var next *request
		if len(q.high) > 0 {
			next = q.high[0]
			q.high = q.high[1:]
		} else if len(q.normal) > 0 {
			next = q.normal[0]
			q.normal = q.normal[1:]
		} else {
			return
		}
		next.queued = false
		q.inFlight++
		go q.run(next)
	}
}

func (q *Queue) run(req *request) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)

	settled := make(chan outcome, 1)
	go func() {
		value, err := req.work(ctx)
		settled <- outcome{value: value, err: err}
	}()

	var result outcome
	select {
	case result = <-settled:
	case <-ctx.Done():
		// The slot is released and the caller is failed, but the work itself
		// cannot be forcibly aborted; it settles into the buffered channel.
		result = outcome{err: ErrTimeout}
	}
	cancel()

	q.settle(req, result)
}

func (q *Queue) settle(req *request, result outcome) {
	if result.err != nil {
		q.breaker.OnFailure()
	} else {
		q.breaker.OnSuccess()
	}

	q.mu.Lock()
	q.inFlight--
	delete(q.byID, req.id)
	if result.err != nil {
		q.failed++
	} else {
		q.completed++
	}
	q.dispatchLocked()
	q.mu.Unlock()

	if errors.Is(result.err, ErrTimeout) {
		q.logger.Warn("queued operation timed out", "queue", q.name, "request_id", req.id)
	}
	req.done <- result
}

// Request is the caller-side handle for a submitted operation.
type Request struct {
	queue *Queue
	req   *request
}

// ID returns the identifier usable with Queue.Cancel.
func (r *Request) ID() string {
	return r.req.id
}

// Wait blocks until the operation settles or ctx is done. A context
// cancellation while the request is still queued removes it from the queue.
func (r *Request) Wait(ctx context.Context) (interface{}, error) {
	select {
	case result := <-r.req.done:
		return result.value, result.err
	case <-ctx.Done():
		if r.queue.Cancel(r.req.id) {
			// drain the cancellation outcome delivered by Cancel
			<-r.req.done
			return nil, ctx.Err()
		}
		// already running; keep waiting for the slot owner to settle it
		select {
		case result := <-r.req.done:
			return result.value, result.err
		case <-time.After(r.queue.timeout):
			return nil, ctx.Err()
		}
	}
}

// Do submits work returning a typed result.
func Do[T any](ctx context.Context, q *Queue, priority Priority, work func(ctx context.Context) (T, error)) (T, error) {
	value, err := q.Submit(ctx, priority, func(ctx context.Context) (interface{}, error) {
		return work(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		var zero T
		return zero, errors.New("requestqueue: unexpected result type")
	}
	return typed, nil
}
