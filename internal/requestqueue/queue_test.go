package requestqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitReturnsResult(t *testing.T) {
	q := New(Config{Name: "test", Concurrency: 2})
	defer q.Close()

	value, err := q.Submit(context.Background(), PriorityNormal, func(context.Context) (interface{}, error) {
		return "payload", nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if value != "payload" {
		t.Fatalf("expected payload, got %v", value)
	}
}

func TestConcurrencyBound(t *testing.T) {
	const limit = 3
	const extra = 4
	q := New(Config{Name: "test", Concurrency: limit, OperationTimeout: 5 * time.Second})
	defer q.Close()

	var running, peak int64
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < limit+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Submit(context.Background(), PriorityNormal, func(context.Context) (interface{}, error) {
				current := atomic.AddInt64(&running, 1)
				for {
					observed := atomic.LoadInt64(&peak)
					if current <= observed || atomic.CompareAndSwapInt64(&peak, observed, current) {
						break
					}
				}
				<-release
				atomic.AddInt64(&running, -1)
				return nil, nil
			})
			if err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}

	waitFor(t, func() bool { return atomic.LoadInt64(&running) == limit })
	stats := q.Stats()
	if stats.InFlight != limit {
		t.Fatalf("expected %d in flight, got %d", limit, stats.InFlight)
	}
	if stats.Queued != extra {
		t.Fatalf("expected %d queued, got %d", extra, stats.Queued)
	}

	close(release)
	wg.Wait()
	if atomic.LoadInt64(&peak) != limit {
		t.Fatalf("expected peak concurrency %d, got %d", limit, peak)
	}
}

func TestHighPriorityDequeuedFirst(t *testing.T) {
	q := New(Config{Name: "test", Concurrency: 1, OperationTimeout: 5 * time.Second})
	defer q.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Submit(context.Background(), PriorityNormal, func(context.Context) (interface{}, error) {
			close(started)
			<-block
			return nil, nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []string
	record := func(name string) Work {
		return func(context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	var wg sync.WaitGroup
	submit := func(name string, priority Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Submit(context.Background(), priority, record(name)); err != nil {
				t.Errorf("Submit %s: %v", name, err)
			}
		}()
	}
	submit("normal-1", PriorityNormal)
	waitFor(t, func() bool { return q.Stats().Queued == 1 })
	submit("normal-2", PriorityNormal)
	waitFor(t, func() bool { return q.Stats().Queued == 2 })
	submit("high-1", PriorityHigh)
	waitFor(t, func() bool { return q.Stats().Queued == 3 })
	submit("high-2", PriorityHigh)
	waitFor(t, func() bool { return q.Stats().Queued == 4 })

	close(block)
	wg.Wait()

	want := []string{"high-1", "high-2", "normal-1", "normal-2"}
	if len(order) != len(want) {
		t.Fatalf("expected %d operations, got %v", len(want), order)
	}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestOperationTimeoutFreesSlot(t *testing.T) {
	q := New(Config{Name: "test", Concurrency: 1, OperationTimeout: 30 * time.Millisecond})
	defer q.Close()

	_, err := q.Submit(context.Background(), PriorityNormal, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// the slot must be reusable immediately after the timeout
	value, err := q.Submit(context.Background(), PriorityNormal, func(context.Context) (interface{}, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Submit after timeout: %v", err)
	}
	if value != 42 {
		t.Fatalf("expected 42, got %v", value)
	}
}

func TestCancelQueuedRequest(t *testing.T) {
	q := New(Config{Name: "test", Concurrency: 1, OperationTimeout: 5 * time.Second})
	defer q.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Submit(context.Background(), PriorityNormal, func(context.Context) (interface{}, error) {
			close(started)
			<-block
			return nil, nil
		})
	}()
	<-started

	invoked := false
	handle, err := q.Enqueue(PriorityNormal, func(context.Context) (interface{}, error) {
		invoked = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !q.Cancel(handle.ID()) {
		t.Fatalf("expected Cancel to remove the queued request")
	}
	if _, err := handle.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if q.Cancel(handle.ID()) {
		t.Fatalf("expected second Cancel to report false")
	}

	close(block)
	waitFor(t, func() bool { return q.Stats().InFlight == 0 })
	if invoked {
		t.Fatalf("cancelled work must never run")
	}
}

func TestCircuitBreakerTripAndReset(t *testing.T) {
	q := New(Config{
		Name:             "test",
		Concurrency:      1,
		FailureThreshold: 5,
		Cooldown:         50 * time.Millisecond,
	})
	defer q.Close()

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		if _, err := q.Submit(context.Background(), PriorityNormal, func(context.Context) (interface{}, error) {
			return nil, boom
		}); !errors.Is(err, boom) {
			t.Fatalf("failure %d: expected boom, got %v", i, err)
		}
	}
	if state := q.Stats().Circuit; state != CircuitOpen {
		t.Fatalf("expected open circuit, got %s", state)
	}

	// submissions during the cooldown fail fast without running the work
	invoked := false
	_, err := q.Submit(context.Background(), PriorityNormal, func(context.Context) (interface{}, error) {
		invoked = true
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Fatalf("work must not run while the circuit is open")
	}

	time.Sleep(60 * time.Millisecond)

	// the half-open probe succeeds and closes the circuit
	if _, err := q.Submit(context.Background(), PriorityNormal, func(context.Context) (interface{}, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	stats := q.Stats()
	if stats.Circuit != CircuitClosed {
		t.Fatalf("expected closed circuit after probe, got %s", stats.Circuit)
	}
}

func TestSuccessDecaysFailureCounter(t *testing.T) {
	q := New(Config{Name: "test", Concurrency: 1, FailureThreshold: 5})
	defer q.Close()

	boom := errors.New("boom")
	fail := func(context.Context) (interface{}, error) { return nil, boom }
	ok := func(context.Context) (interface{}, error) { return nil, nil }

	// four failures, one success, then four more failures: the success decay
	// keeps the net count below the threshold until the ninth failure.
	for i := 0; i < 4; i++ {
		_, _ = q.Submit(context.Background(), PriorityNormal, fail)
	}
	if _, err := q.Submit(context.Background(), PriorityNormal, ok); err != nil {
		t.Fatalf("success submit: %v", err)
	}
	for i := 0; i < 1; i++ {
		_, _ = q.Submit(context.Background(), PriorityNormal, fail)
	}
	if state := q.Stats().Circuit; state != CircuitClosed {
		t.Fatalf("expected closed circuit at net four failures, got %s", state)
	}
	if _, err := q.Submit(context.Background(), PriorityNormal, fail); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if state := q.Stats().Circuit; state != CircuitOpen {
		t.Fatalf("expected open circuit at net five failures, got %s", state)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newBreaker(2, 40*time.Millisecond)
	b.OnFailure()
	b.OnFailure()
	if b.State() != CircuitOpen {
		t.Fatalf("expected open after threshold")
	}
	if b.Allow() {
		t.Fatalf("expected fail-fast during cooldown")
	}
	time.Sleep(50 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected half-open probe after cooldown")
	}
	if b.Allow() {
		t.Fatalf("only one probe may run in half-open")
	}
	b.OnFailure()
	if b.State() != CircuitOpen {
		t.Fatalf("expected reopen after probe failure")
	}
}

func TestCloseRejectsPending(t *testing.T) {
	q := New(Config{Name: "test", Concurrency: 1, OperationTimeout: time.Second})

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Submit(context.Background(), PriorityNormal, func(context.Context) (interface{}, error) {
			close(started)
			<-block
			return nil, nil
		})
	}()
	<-started

	handle, err := q.Enqueue(PriorityNormal, func(context.Context) (interface{}, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Close()
	if _, err := handle.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := q.Enqueue(PriorityNormal, func(context.Context) (interface{}, error) { return nil, nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed for new work, got %v", err)
	}
	close(block)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}
