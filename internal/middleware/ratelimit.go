package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/radiusdt/spend-optimizer/internal/config"
	"github.com/radiusdt/spend-optimizer/internal/metrics"
)

// RateLimitMiddleware implements token bucket rate limiting. Starting
// optimizations is far more expensive than reads, so it has its own
// tighter bucket.
type RateLimitMiddleware struct {
	cfg             config.RateLimitConfig
	logger          *zap.Logger
	metrics         *metrics.Metrics
	apiLimiter      *rate.Limiter
	optimizeLimiter *rate.Limiter

	// Per-IP limiters for more granular control
	mu         sync.Mutex
	ipLimiters map[string]*ipLimiter
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitMiddleware creates a new rate limiting middleware.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		cfg:             cfg,
		logger:          logger,
		apiLimiter:      rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		optimizeLimiter: rate.NewLimiter(rate.Limit(cfg.OptimizeRPS), cfg.OptimizeBurst),
		ipLimiters:      make(map[string]*ipLimiter),
	}
}

func (rl *RateLimitMiddleware) SetMetrics(m *metrics.Metrics) {
	rl.metrics = m
}

// Handler wraps an http.Handler with rate limiting.
func (rl *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		limiter := rl.apiLimiter
		if isOptimizeStart(r) {
			limiter = rl.optimizeLimiter
		}

		if !limiter.Allow() {
			rl.reject(w, r, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandlerPerIP applies per-IP rate limiting at a tenth of the global rate.
func (rl *RateLimitMiddleware) HandlerPerIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if !rl.getIPLimiter(ip).Allow() {
			rl.reject(w, r, "per-IP rate limit exceeded", zap.String("ip", ip))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) reject(w http.ResponseWriter, r *http.Request, msg string, fields ...zap.Field) {
	rl.logger.Warn(msg, append(fields,
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	)...)
	if rl.metrics != nil {
		rl.metrics.RecordRateLimitHit(RouteLabel(r.URL.Path))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded"}`))
}

// getIPLimiter returns or creates a rate limiter for the given IP.
func (rl *RateLimitMiddleware) getIPLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.ipLimiters[ip]
	if !ok {
		burst := rl.cfg.Burst / 10
		if burst < 1 {
			burst = 1
		}
		entry = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RPS/10), burst)}
		rl.ipLimiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// CleanupIPLimiters drops limiters of IPs not seen for idle.
func (rl *RateLimitMiddleware) CleanupIPLimiters(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, entry := range rl.ipLimiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.ipLimiters, ip)
			removed++
		}
	}
	rl.logger.Debug("cleaned up IP rate limiters", zap.Int("removed", removed))
	return removed
}

func isOptimizeStart(r *http.Request) bool {
	return r.Method == http.MethodPost &&
		strings.HasPrefix(r.URL.Path, "/clients/") &&
		strings.HasSuffix(r.URL.Path, "/optimize")
}

// clientIP extracts the client IP from the request.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
