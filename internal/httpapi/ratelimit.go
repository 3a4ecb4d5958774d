package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	limiterKeys    = 10000
	limiterIdleTTL = 10 * time.Minute
)

type RateLimitConfig struct {
	IPPerMinute       int
	IPBurst           int
	FacilityPerMinute int
	FacilityBurst     int
}

// RateLimiter throttles per client address and per facility.
type RateLimiter struct {
	ipLimiter       *keyedLimiter
	facilityLimiter *keyedLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:       newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst, 120, 30, limiterKeys),
		facilityLimiter: newKeyedLimiter(cfg.FacilityPerMinute, cfg.FacilityBurst, 600, 120, limiterKeys),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, "", http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		facilityID, requestID := extractFacilityAndRequestID(r)
		if facilityID != "" && !l.facilityLimiter.allow(facilityID) {
			writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// keyedLimiter holds one token bucket per key. Buckets live in a bounded LRU
// and expire once they would have refilled anyway.
type keyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *expirable.LRU[string, *rate.Limiter]
}

func newKeyedLimiter(perMinute, burst, defaultPerMinute, defaultBurst, maxKeys int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	limit := rate.Limit(float64(perMinute) / 60.0)
	ttl := limiterIdleTTL
	if refill := time.Duration(float64(burst) / float64(limit) * float64(time.Second)); 2*refill > ttl {
		ttl = 2 * refill
	}
	return &keyedLimiter{
		limit:    limit,
		burst:    burst,
		limiters: expirable.NewLRU[string, *rate.Limiter](maxKeys, nil, ttl),
	}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(key, limiter)
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractFacilityAndRequestID(r *http.Request) (string, string) {
	facilityID := strings.TrimSpace(r.Header.Get("X-Facility-ID"))
	requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if facilityID == "" {
		facilityID = strings.TrimSpace(r.URL.Query().Get("facility_id"))
	}
	if facilityID != "" || r.Body == nil {
		return facilityID, requestID
	}
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return facilityID, requestID
	}

	body, err := readBody(r)
	if err != nil {
		return facilityID, requestID
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return facilityID, requestID
	}
	if value, ok := payload["facility_id"].(string); ok {
		facilityID = strings.TrimSpace(value)
	}
	if requestID == "" {
		if value, ok := payload["request_id"].(string); ok {
			requestID = strings.TrimSpace(value)
		}
	}
	return facilityID, requestID
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
