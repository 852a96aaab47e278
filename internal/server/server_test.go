package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cinetide/internal/api"
	"cinetide/internal/auth"
	"cinetide/internal/catalog"
	"cinetide/internal/observability/metrics"
	"cinetide/internal/requestqueue"
	"cinetide/internal/stream"
)

func newTestHandler(t *testing.T) *api.Handler {
	t.Helper()
	return &api.Handler{
		Repo:     catalog.NewMemoryRepository(),
		Sessions: auth.NewSessionManager(time.Hour),
	}
}

func TestServerRoutesAreWired(t *testing.T) {
	streamCalled := false
	streamHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamCalled = true
		w.WriteHeader(http.StatusOK)
	})
	srv, err := New(newTestHandler(t), Config{
		Addr:   "127.0.0.1:0",
		Stream: streamHandler,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, stream.PathPrefix+"film/asset/playlist.m3u8", nil))
	if !streamCalled {
		t.Fatal("expected streaming route to reach the stream handler")
	}

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header on responses")
	}

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d, want 404", rec.Code)
	}
}

func TestRateLimitMiddlewareGlobalCap(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1})
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	handler := rateLimitMiddleware(rl, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queue-metrics", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queue-metrics", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}

func TestRateLimitMiddlewareExemptsStreamingRoutes(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1})
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	handler := rateLimitMiddleware(rl, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, stream.PathPrefix+"film/asset/seg_0.ts", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("stream request %d throttled with %d", i, rec.Code)
		}
	}
}

func TestRateLimitMiddlewareThrottlesUploadsPerIP(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{UploadLimit: 1, UploadWindow: time.Minute})
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	handler := rateLimitMiddleware(rl, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/chunk", nil)
	req.RemoteAddr = "198.51.100.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first upload status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/uploads/chunk", nil)
	req.RemoteAddr = "198.51.100.1:5678"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second upload status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// a different client keeps its own budget
	req = httptest.NewRequest(http.MethodPost, "/api/uploads/chunk", nil)
	req.RemoteAddr = "203.0.113.9:1000"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("other client upload status = %d", rec.Code)
	}
}

func TestExtractClientIPPrefersForwardedHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:1111"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if ip := extractClientIP(req); ip != "203.0.113.5" {
		t.Fatalf("expected first forwarded ip, got %q", ip)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:1111"
	if ip := extractClientIP(req); ip != "192.0.2.10" {
		t.Fatalf("expected remote addr host, got %q", ip)
	}
}

func TestPublishQueueSnapshots(t *testing.T) {
	queue := requestqueue.New(requestqueue.Config{Name: "video", Concurrency: 1})
	defer queue.Close()
	recorder := metrics.New()
	srv := &Server{metrics: recorder, queues: []*requestqueue.Queue{queue}}

	srv.publishQueueSnapshots()

	var buf bytes.Buffer
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), `cinetide_queue_depth{queue="video"}`) {
		t.Fatalf("queue gauge missing from exposition:\n%s", buf.String())
	}
}
