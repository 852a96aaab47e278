package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cinetide/internal/api"
	"cinetide/internal/observability/logging"
	"cinetide/internal/observability/metrics"
	"cinetide/internal/requestqueue"
	"cinetide/internal/serverutil"
	"cinetide/internal/stream"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr             string
	TLS              TLSConfig
	RateLimit        RateLimitConfig
	CORS             CORSConfig
	Security         SecurityConfig
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
	Stream           http.Handler
	Queues           []*requestqueue.Queue
	SnapshotInterval time.Duration
}

type Server struct {
	httpServer       *http.Server
	logger           *slog.Logger
	metrics          *metrics.Recorder
	rateLimiter      *rateLimiter
	queues           []*requestqueue.Queue
	snapshotInterval time.Duration
	snapshotStop     chan struct{}
	snapshotDone     chan struct{}
	tlsCertFile      string
	tlsKeyFile       string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/uploads/chunk", handler.UploadChunk)
	mux.HandleFunc("/api/uploads/combine", handler.CombineChunks)
	mux.HandleFunc("/api/transcode", handler.Transcode)
	mux.HandleFunc("/api/jobs/", handler.JobByID)
	mux.HandleFunc("/api/urls/", handler.PlaybackURLs)
	mux.HandleFunc("/api/queue-metrics", handler.QueueMetrics)
	if cfg.Stream != nil {
		mux.Handle(stream.PathPrefix, cfg.Stream)
		mux.Handle(stream.SubtitlePathPrefix, cfg.Stream)
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, cfg.Logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = corsMiddleware(policy, cfg.Logger, handlerChain)
	handlerChain = metricsMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: cfg.Logger})(handlerChain)
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:       httpServer,
		logger:           cfg.Logger,
		metrics:          recorder,
		rateLimiter:      rl,
		queues:           cfg.Queues,
		snapshotInterval: cfg.SnapshotInterval,
		tlsCertFile:      strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:       strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}

	s.startQueueSnapshots()

	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Run starts the server and blocks until ctx is cancelled or the listener
// fails, shutting down gracefully on cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	s.startQueueSnapshots()
	defer s.stopQueueSnapshots()
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS:    serverutil.TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile},
		Logger: s.logger,
	})
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.stopQueueSnapshots()
	return s.httpServer.Shutdown(ctx)
}

// startQueueSnapshots periodically copies admission-queue stats into the
// metrics recorder so /metrics reflects queue depth without a scrape-time
// dependency on the queues themselves.
func (s *Server) startQueueSnapshots() {
	if len(s.queues) == 0 || s.snapshotStop != nil {
		return
	}
	interval := s.snapshotInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s.snapshotStop = make(chan struct{})
	s.snapshotDone = make(chan struct{})
	go func() {
		defer close(s.snapshotDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.publishQueueSnapshots()
		for {
			select {
			case <-ticker.C:
				s.publishQueueSnapshots()
			case <-s.snapshotStop:
				return
			}
		}
	}()
}

func (s *Server) stopQueueSnapshots() {
	if s.snapshotStop == nil {
		return
	}
	close(s.snapshotStop)
	<-s.snapshotDone
	s.snapshotStop = nil
	s.snapshotDone = nil
}

func (s *Server) publishQueueSnapshots() {
	for _, queue := range s.queues {
		if queue == nil {
			continue
		}
		stats := queue.Stats()
		s.metrics.SetQueueSnapshot(stats.Name, metrics.QueueSnapshot{
			Queued:   stats.Queued,
			InFlight: stats.InFlight,
			Circuit:  string(stats.Circuit),
		})
	}
}

func metricsMiddleware(recorder *metrics.Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, sr.Status(), time.Since(start))
	})
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Playback traffic is shaped by the admission queues, not the
		// API limiter.
		if strings.HasPrefix(r.URL.Path, stream.PathPrefix) || strings.HasPrefix(r.URL.Path, stream.SubtitlePathPrefix) {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.AllowRequest() {
			http.Error(w, "global rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/uploads/") {
			ip := extractClientIP(r)
			allowed, retryAfter, err := rl.AllowUpload(r.Context(), ip)
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				http.Error(w, "rate limit failure", http.StatusServiceUnavailable)
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				http.Error(w, "too many upload requests", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
