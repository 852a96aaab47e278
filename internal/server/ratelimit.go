package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig shapes API traffic. GlobalRPS caps all non-streaming
// requests, while UploadLimit/UploadWindow bound chunk-upload POSTs per
// client IP. When RedisAddr is set the upload counters live in Redis so
// replicas share one budget.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	UploadLimit   int
	UploadWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type uploadCounter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type rateLimiter struct {
	global       *rate.Limiter
	uploadLimit  int
	uploadWindow time.Duration
	mu           sync.Mutex
	perIP        map[string]*ipLimiter
	store        uploadCounter
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		uploadLimit:  cfg.UploadLimit,
		uploadWindow: cfg.UploadWindow,
		perIP:        make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.uploadWindow <= 0 {
		rl.uploadWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.uploadLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		store, err := newRedisCounter(cfg.RedisAddr, cfg.RedisPassword, timeout)
		if err != nil {
			return nil, fmt.Errorf("rate limit redis store: %w", err)
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowUpload(ctx context.Context, ip string) (bool, time.Duration, error) {
	if r == nil || r.uploadLimit <= 0 {
		return true, 0, nil
	}
	if ip == "" {
		ip = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "cinetide:upload:"+ip, r.uploadLimit, r.uploadWindow)
	}

	r.mu.Lock()
	entry, exists := r.perIP[ip]
	if !exists {
		perSecond := rate.Limit(float64(r.uploadLimit) / r.uploadWindow.Seconds())
		entry = &ipLimiter{limiter: rate.NewLimiter(perSecond, r.uploadLimit)}
		r.perIP[ip] = entry
	}
	entry.lastSeen = time.Now()
	r.cleanupLocked()
	r.mu.Unlock()

	if entry.limiter.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.perIP) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.uploadWindow)
	for ip, entry := range r.perIP {
		if entry.lastSeen.Before(cutoff) {
			delete(r.perIP, ip)
		}
	}
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return hostOnly(r.RemoteAddr)
}

func hostOnly(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
