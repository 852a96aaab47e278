package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// QueueSnapshot is the per-queue gauge set exported for the request queues
// guarding the object store.
type QueueSnapshot struct {
	Queued   int
	InFlight int
	Circuit  string
}

// TranscoderJobLabel keys transcoder job counters by job kind and outcome.
type TranscoderJobLabel struct {
	Kind   string
	Status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, media
// delivery, object-store calls, the admission queues, and transcoder jobs. It
// renders Prometheus text exposition format on demand.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	deliveryCount    map[string]uint64
	deliveryBytes    map[string]uint64
	storeAttempts    map[string]uint64
	storeFailures    map[string]uint64
	queues           map[string]QueueSnapshot
	transcoderEvents map[TranscoderJobLabel]uint64
	activeDeliveries atomic.Int64
	activeTranscoder atomic.Int64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		deliveryCount:    make(map[string]uint64),
		deliveryBytes:    make(map[string]uint64),
		storeAttempts:    make(map[string]uint64),
		storeFailures:    make(map[string]uint64),
		queues:           make(map[string]QueueSnapshot),
		transcoderEvents: make(map[TranscoderJobLabel]uint64),
	}
}

// Default returns the process-wide shared Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Intended for tests.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// DeliveryStarted increments the active delivery gauge for an in-flight
// streaming response.
func (r *Recorder) DeliveryStarted() {
	r.activeDeliveries.Add(1)
}

// DeliveryFinished records a completed delivery of the given asset class
// ("manifest", "segment", "mp4", "subtitle") and the bytes written.
func (r *Recorder) DeliveryFinished(class string, bytes int64) {
	name := normalizeName(class)
	r.mu.Lock()
	r.deliveryCount[name]++
	if bytes > 0 {
		r.deliveryBytes[name] += uint64(bytes)
	}
	r.mu.Unlock()
	r.decrementGauge(&r.activeDeliveries)
}

// ObserveStoreAttempt records an object-store operation attempt keyed by
// operation name (e.g. "get", "head", "put").
func (r *Recorder) ObserveStoreAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.storeAttempts[op]++
	r.mu.Unlock()
}

// ObserveStoreFailure records a failed object-store operation. The caller
// should also record the attempt separately.
func (r *Recorder) ObserveStoreFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.storeFailures[op]++
	r.mu.Unlock()
}

// SetQueueSnapshot publishes the latest depth and circuit gauges for a named
// request queue.
func (r *Recorder) SetQueueSnapshot(name string, snapshot QueueSnapshot) {
	r.mu.Lock()
	r.queues[normalizeName(name)] = snapshot
	r.mu.Unlock()
}

// TranscoderJobStarted records the beginning of a transcoder job of the
// provided kind and increments the active job gauge.
func (r *Recorder) TranscoderJobStarted(kind string) {
	r.recordTranscoderEvent(kind, "start")
	r.activeTranscoder.Add(1)
}

// TranscoderJobCompleted records the completion of a transcoder job and
// decrements the active job gauge.
func (r *Recorder) TranscoderJobCompleted(kind string) {
	r.recordTranscoderEvent(kind, "complete")
	r.decrementGauge(&r.activeTranscoder)
}

// TranscoderJobFailed records a failed transcoder job and decrements the
// active job gauge.
func (r *Recorder) TranscoderJobFailed(kind string) {
	r.recordTranscoderEvent(kind, "fail")
	r.decrementGauge(&r.activeTranscoder)
}

// TranscoderJobCancelled records a cancelled transcoder job and decrements the
// active job gauge.
func (r *Recorder) TranscoderJobCancelled(kind string) {
	r.recordTranscoderEvent(kind, "cancel")
	r.decrementGauge(&r.activeTranscoder)
}

func (r *Recorder) recordTranscoderEvent(kind, status string) {
	label := TranscoderJobLabel{
		Kind:   normalizeName(kind),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.transcoderEvents[label]++
	r.mu.Unlock()
}

// ActiveDeliveries exposes the gauge of concurrently streaming responses.
func (r *Recorder) ActiveDeliveries() int64 {
	return r.activeDeliveries.Load()
}

// ActiveTranscoderJobs exposes the gauge of running transcoder jobs.
func (r *Recorder) ActiveTranscoderJobs() int64 {
	return r.activeTranscoder.Load()
}

// StoreCounts returns copies of the object-store attempt and failure counters.
func (r *Recorder) StoreCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.storeAttempts))
	for k, v := range r.storeAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.storeFailures))
	for k, v := range r.storeFailures {
		failures[k] = v
	}
	return attempts, failures
}

// TranscoderJobCounts returns copies of the transcoder job counters and the
// active job gauge value.
func (r *Recorder) TranscoderJobCounts() (events map[TranscoderJobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[TranscoderJobLabel]uint64, len(r.transcoderEvents))
	for k, v := range r.transcoderEvents {
		events[k] = v
	}
	return events, r.activeTranscoder.Load()
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.deliveryCount = make(map[string]uint64)
	r.deliveryBytes = make(map[string]uint64)
	r.storeAttempts = make(map[string]uint64)
	r.storeFailures = make(map[string]uint64)
	r.queues = make(map[string]QueueSnapshot)
	r.transcoderEvents = make(map[TranscoderJobLabel]uint64)
	r.activeDeliveries.Store(0)
	r.activeTranscoder.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with stable label
// ordering.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	deliveryClasses := r.sortedDeliveryClasses()
	storeOperations := r.sortedStoreOperations()
	queueNames := r.sortedQueueNames()
	transcoderLabels := r.sortedTranscoderJobLabels()

	fmt.Fprintln(w, "# HELP cinetide_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE cinetide_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "cinetide_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP cinetide_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE cinetide_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "cinetide_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP cinetide_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE cinetide_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "cinetide_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP cinetide_deliveries_total Completed media deliveries by asset class")
	fmt.Fprintln(w, "# TYPE cinetide_deliveries_total counter")
	for _, class := range deliveryClasses {
		fmt.Fprintf(w, "cinetide_deliveries_total{class=\"%s\"} %d\n", class, r.deliveryCount[class])
	}

	fmt.Fprintln(w, "# HELP cinetide_delivery_bytes_total Bytes written to streaming clients by asset class")
	fmt.Fprintln(w, "# TYPE cinetide_delivery_bytes_total counter")
	for _, class := range deliveryClasses {
		fmt.Fprintf(w, "cinetide_delivery_bytes_total{class=\"%s\"} %d\n", class, r.deliveryBytes[class])
	}

	fmt.Fprintln(w, "# HELP cinetide_active_deliveries Current number of in-flight streaming responses")
	fmt.Fprintln(w, "# TYPE cinetide_active_deliveries gauge")
	fmt.Fprintf(w, "cinetide_active_deliveries %d\n", r.activeDeliveries.Load())

	fmt.Fprintln(w, "# HELP cinetide_store_attempts_total Object store operations attempted by action")
	fmt.Fprintln(w, "# TYPE cinetide_store_attempts_total counter")
	for _, op := range storeOperations {
		fmt.Fprintf(w, "cinetide_store_attempts_total{operation=\"%s\"} %d\n", op, r.storeAttempts[op])
	}

	fmt.Fprintln(w, "# HELP cinetide_store_failures_total Object store operation failures by action")
	fmt.Fprintln(w, "# TYPE cinetide_store_failures_total counter")
	for _, op := range storeOperations {
		fmt.Fprintf(w, "cinetide_store_failures_total{operation=\"%s\"} %d\n", op, r.storeFailures[op])
	}

	fmt.Fprintln(w, "# HELP cinetide_queue_depth Requests waiting in an admission queue")
	fmt.Fprintln(w, "# TYPE cinetide_queue_depth gauge")
	for _, name := range queueNames {
		fmt.Fprintf(w, "cinetide_queue_depth{queue=\"%s\"} %d\n", name, r.queues[name].Queued)
	}

	fmt.Fprintln(w, "# HELP cinetide_queue_in_flight Requests currently holding an admission slot")
	fmt.Fprintln(w, "# TYPE cinetide_queue_in_flight gauge")
	for _, name := range queueNames {
		fmt.Fprintf(w, "cinetide_queue_in_flight{queue=\"%s\"} %d\n", name, r.queues[name].InFlight)
	}

	fmt.Fprintln(w, "# HELP cinetide_queue_circuit_open Circuit breaker state per queue (1=open or half-open, 0=closed)")
	fmt.Fprintln(w, "# TYPE cinetide_queue_circuit_open gauge")
	for _, name := range queueNames {
		value := 0
		if state := r.queues[name].Circuit; state != "" && state != "closed" {
			value = 1
		}
		fmt.Fprintf(w, "cinetide_queue_circuit_open{queue=\"%s\",state=\"%s\"} %d\n", name, r.queues[name].Circuit, value)
	}

	fmt.Fprintln(w, "# HELP cinetide_transcoder_jobs_total Transcoder job events by kind and status")
	fmt.Fprintln(w, "# TYPE cinetide_transcoder_jobs_total counter")
	for _, label := range transcoderLabels {
		fmt.Fprintf(w, "cinetide_transcoder_jobs_total{kind=\"%s\",status=\"%s\"} %d\n", label.Kind, label.Status, r.transcoderEvents[label])
	}

	fmt.Fprintln(w, "# HELP cinetide_transcoder_active_jobs Current number of active transcoder jobs")
	fmt.Fprintln(w, "# TYPE cinetide_transcoder_active_jobs gauge")
	fmt.Fprintf(w, "cinetide_transcoder_active_jobs %d\n", r.activeTranscoder.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedDeliveryClasses() []string {
	seen := make(map[string]struct{}, len(r.deliveryCount)+len(r.deliveryBytes))
	for class := range r.deliveryCount {
		seen[class] = struct{}{}
	}
	for class := range r.deliveryBytes {
		seen[class] = struct{}{}
	}
	classes := make([]string, 0, len(seen))
	for class := range seen {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

func (r *Recorder) sortedStoreOperations() []string {
	seen := make(map[string]struct{}, len(r.storeAttempts)+len(r.storeFailures))
	for op := range r.storeAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.storeFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (r *Recorder) sortedQueueNames() []string {
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Recorder) sortedTranscoderJobLabels() []TranscoderJobLabel {
	labels := make([]TranscoderJobLabel, 0, len(r.transcoderEvents))
	for label := range r.transcoderEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if strings.Contains(segment, ".") {
		return false
	}
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// DeliveryStarted increments the active delivery gauge on the default recorder.
func DeliveryStarted() {
	Default().DeliveryStarted()
}

// DeliveryFinished records a completed delivery on the default recorder.
func DeliveryFinished(class string, bytes int64) {
	Default().DeliveryFinished(class, bytes)
}

// ObserveStoreAttempt records an object-store attempt on the default recorder.
func ObserveStoreAttempt(operation string) {
	Default().ObserveStoreAttempt(operation)
}

// ObserveStoreFailure records an object-store failure on the default recorder.
func ObserveStoreFailure(operation string) {
	Default().ObserveStoreFailure(operation)
}

// TranscoderJobStarted records a transcoder job start on the default recorder.
func TranscoderJobStarted(kind string) {
	Default().TranscoderJobStarted(kind)
}

// TranscoderJobCompleted records a transcoder job completion on the default recorder.
func TranscoderJobCompleted(kind string) {
	Default().TranscoderJobCompleted(kind)
}

// TranscoderJobFailed records a transcoder job failure on the default recorder.
func TranscoderJobFailed(kind string) {
	Default().TranscoderJobFailed(kind)
}

// TranscoderJobCancelled records a transcoder job cancellation on the default recorder.
func TranscoderJobCancelled(kind string) {
	Default().TranscoderJobCancelled(kind)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
