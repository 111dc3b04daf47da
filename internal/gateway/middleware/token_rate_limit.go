package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/tacedge/relay/internal/apierr"
)

// category distinguishes the three per-token caps spec.md §4.5 names:
// FLASH submissions, other-precedence submissions, and reads.
type category string

const (
	CategoryFlashSubmit category = "submit:flash"
	CategoryOtherSubmit category = "submit:other"
	CategoryRead        category = "read"
)

// TokenRateLimiter enforces per-token, per-category caps: 100 FLASH/min,
// 1000 other-precedence/min, 5000 reads/min by default. Unlike
// RateLimiter (a coarse, pre-auth, per-IP bucket), this is keyed by the
// verified token subject and applied after Auth, so it can tell a FLASH
// submission from a read.
type TokenRateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity map[category]float64
}

// NewTokenRateLimiter builds a limiter with the three named caps.
func NewTokenRateLimiter(flashPerMin, otherPerMin, readsPerMin int) *TokenRateLimiter {
	return &TokenRateLimiter{
		buckets: make(map[string]*bucket),
		capacity: map[category]float64{
			CategoryFlashSubmit: float64(flashPerMin),
			CategoryOtherSubmit: float64(otherPerMin),
			CategoryRead:        float64(readsPerMin),
		},
	}
}

func (l *TokenRateLimiter) allow(subject string, cat category) bool {
	if l == nil {
		return true
	}
	limit := l.capacity[cat]
	if limit <= 0 {
		return true
	}
	key := subject + "|" + string(cat)

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: limit, capacity: limit, refillRate: limit / 60.0, last: time.Now()}
		l.buckets[key] = b
	}
	return b.take(time.Now())
}

// AllowFlashSubmit checks the FLASH-submission bucket for subject.
func (l *TokenRateLimiter) AllowFlashSubmit(subject string) bool {
	return l.allow(subject, CategoryFlashSubmit)
}

// AllowOtherSubmit checks the other-precedence-submission bucket for subject.
func (l *TokenRateLimiter) AllowOtherSubmit(subject string) bool {
	return l.allow(subject, CategoryOtherSubmit)
}

// AllowRead checks the read bucket for subject.
func (l *TokenRateLimiter) AllowRead(subject string) bool {
	return l.allow(subject, CategoryRead)
}

// LimitReads rejects requests once the verified caller's read bucket is
// exhausted. Must run after Auth, since it reads claims from context.
func (l *TokenRateLimiter) LimitReads(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeAuthError(w, r, apierr.AuthUnauthorized, "no verified identity on request")
			return
		}
		if !l.AllowRead(claims.Subject) {
			apierr.WriteHTTP(w, apierr.New(apierr.RateLimited, "read rate limit exceeded"), r.Header.Get(requestIDHeader))
			return
		}
		next.ServeHTTP(w, r)
	})
}
