// Package middleware implements the gateway's HTTP middleware chain,
// adapted from the teacher's services/gateway/internal/middleware
// (auth.go, rate_limit.go, cors.go, request_id.go). The chain order is
// the teacher's project law: RequestID, then CORS, then RateLimit,
// then Auth.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/tacedge/relay/internal/telemetry"
)

const requestIDHeader = "X-Request-ID"

// RequestID assigns a request ID (reusing an inbound header if present),
// stashes it on the request context for log enrichment, and echoes it
// on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = generateID()
		}
		ctx := telemetry.WithRequestID(r.Context(), id)
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "unavailable"
	}
	return hex.EncodeToString(buf)
}
