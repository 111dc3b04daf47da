// Package gateway assembles the relay's HTTP front end: the
// gorilla/mux router, middleware chain, and request handlers, adapted
// from the teacher's services/gateway/api/router.go and
// cmd/gateway/main.go bootstrap. The middleware order
// (RequestID -> CORS -> RateLimit -> Auth) is carried forward as the
// teacher's project law.
package gateway

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tacedge/relay/internal/apierr"
	"github.com/tacedge/relay/internal/audit"
	"github.com/tacedge/relay/internal/authn/rbac"
	"github.com/tacedge/relay/internal/authn/token"
	"github.com/tacedge/relay/internal/crypto"
	"github.com/tacedge/relay/internal/dispatch"
	"github.com/tacedge/relay/internal/gateway/middleware"
	"github.com/tacedge/relay/internal/nodes"
	"github.com/tacedge/relay/internal/queue"
	"github.com/tacedge/relay/internal/telemetry"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Store      *queue.Store
	Ledger     *audit.Ledger
	Registry   *nodes.Registry
	Sealer     *crypto.Sealer
	TokenProv  *token.Provider
	RBAC       *rbac.Engine
	Dispatcher *dispatch.Dispatcher
	Logger     *telemetry.Logger
	Meter      telemetry.Meter
	Streams    *StreamHub

	AllowedOrigins  []string
	RateLimitPerMin int

	// TokenRateLimiter enforces the per-token FLASH/other/read caps from
	// spec.md §4.5. Built from the same config as RateLimitPerMin but
	// keyed by verified subject rather than client IP.
	TokenRateLimiter *middleware.TokenRateLimiter
}

// NewRouter builds the fully wired HTTP handler. Every route is
// versioned under /api/v1 per spec.md §6.
func NewRouter(deps Deps) http.Handler {
	h := &handlers{deps: deps}

	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(deps.AllowedOrigins))
	limiter := middleware.NewRateLimiter(deps.RateLimitPerMin)
	r.Use(limiter.RateLimit)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/health", h.health).Methods(http.MethodGet)
	v1.HandleFunc("/ready", h.ready).Methods(http.MethodGet)
	v1.HandleFunc("/auth/token", h.issueToken).Methods(http.MethodPost)

	authed := v1.NewRoute().Subrouter()
	authed.Use(middleware.Auth(deps.TokenProv, deps.Ledger))

	reads := authed.NewRoute().Subrouter()
	reads.Use(deps.TokenRateLimiter.LimitReads)

	authed.Handle("/messages", requirePerm(deps, "message:send", http.HandlerFunc(h.submitMessage))).Methods(http.MethodPost)
	reads.Handle("/messages/{id}", requirePerm(deps, "message:read", http.HandlerFunc(h.getMessage))).Methods(http.MethodGet)
	reads.Handle("/messages/{id}/content", requirePerm(deps, "message:read", http.HandlerFunc(h.getMessageContent))).Methods(http.MethodGet)
	authed.Handle("/messages/{id}/ack", requirePerm(deps, "message:send", http.HandlerFunc(h.ackMessage))).Methods(http.MethodPost)

	reads.Handle("/nodes", requirePerm(deps, "node:status", http.HandlerFunc(h.listNodes))).Methods(http.MethodGet)
	authed.Handle("/nodes", requirePerm(deps, "node:status", http.HandlerFunc(h.registerNode))).Methods(http.MethodPost)

	reads.Handle("/audit/events", requirePerm(deps, "audit:read", http.HandlerFunc(h.listAuditEvents))).Methods(http.MethodGet)
	reads.Handle("/queue/status", requirePerm(deps, "node:status", http.HandlerFunc(h.queueStatus))).Methods(http.MethodGet)
	reads.Handle("/stream", requirePerm(deps, "audit:read", http.HandlerFunc(h.stream))).Methods(http.MethodGet)

	return r
}

func requirePerm(deps Deps, perm rbac.Permission, next http.Handler) http.Handler {
	return middleware.RequirePermission(deps.RBAC, perm, deps.Ledger)(next)
}

func writeError(w http.ResponseWriter, r *http.Request, err *apierr.Error) {
	apierr.WriteHTTP(w, err, r.Header.Get("X-Request-ID"))
}
