package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tacedge/relay/internal/apierr"
)

// bucket is a simple token bucket refilled at a fixed rate.
type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	last       time.Time
}

func (b *bucket) take(now time.Time) bool {
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RateLimiter is a coarse, IP-keyed token-bucket limiter applied before
// authentication, adapted from the teacher's rate_limit.go (hashed
// client IP key, so the bucket table never stores raw addresses).
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	capacity     float64
	refillPerMin int
}

// NewRateLimiter builds a limiter allowing perMinute requests per
// distinct client, refilling continuously.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		buckets:      make(map[string]*bucket),
		capacity:     float64(perMinute),
		refillPerMin: perMinute,
	}
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, capacity: l.capacity, refillRate: float64(l.refillPerMin) / 60.0, last: time.Now()}
		l.buckets[key] = b
	}
	return b.take(time.Now())
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return hashKey(host)
}

// RateLimit rejects requests once a client's bucket is exhausted.
func (l *RateLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientKey(r)) {
			err := apierr.New(apierr.RateLimited, "too many requests")
			apierr.WriteHTTP(w, err, r.Header.Get(requestIDHeader))
			return
		}
		next.ServeHTTP(w, r)
	})
}
