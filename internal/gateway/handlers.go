package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tacedge/relay/internal/apierr"
	"github.com/tacedge/relay/internal/audit"
	"github.com/tacedge/relay/internal/authn/token"
	"github.com/tacedge/relay/internal/crypto"
	"github.com/tacedge/relay/internal/gateway/middleware"
	"github.com/tacedge/relay/internal/nodes"
	"github.com/tacedge/relay/internal/queue"
)

type handlers struct {
	deps Deps
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type tokenRequest struct {
	Subject             string   `json:"subject"`
	Role                string   `json:"role"`
	NodeID              string   `json:"node_id,omitempty"`
	ClassificationLevel string   `json:"classification_level,omitempty"`
	TTLSeconds          int      `json:"ttl_seconds"`
}

func (h *handlers) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierr.New(apierr.ValidationError, "malformed request body"))
		return
	}
	if req.Subject == "" || req.Role == "" {
		writeError(w, r, apierr.New(apierr.ValidationError, "subject and role are required"))
		return
	}
	perms, err := h.deps.RBAC.Effective(req.Role)
	if err != nil {
		writeError(w, r, apierr.New(apierr.ValidationError, "unknown role").WithDetail("role", req.Role))
		return
	}
	permStrs := make([]string, 0, len(perms))
	for _, p := range perms {
		permStrs = append(permStrs, string(p))
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := token.Claims{
		Issuer:              "tacedge",
		Subject:             req.Subject,
		Role:                req.Role,
		Permissions:         permStrs,
		NodeID:              req.NodeID,
		ClassificationLevel: req.ClassificationLevel,
	}
	tok, err := h.deps.TokenProv.Sign(claims, time.Now(), ttl)
	if err != nil {
		writeError(w, r, apierr.Wrap(apierr.Internal, "failed to sign token", err))
		return
	}

	h.auditEvent(r, audit.EventAuthSuccess, "", audit.Actor{UserID: req.Subject, Role: req.Role}, nil)
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "expires_in": int(ttl.Seconds())})
}

type submitRequest struct {
	Precedence     string `json:"precedence"`
	Classification string `json:"classification"`
	Recipient      string `json:"recipient"`
	Content        string `json:"content"`
	TTLSeconds     int    `json:"ttl_seconds"`
}

// maxContentBytes is the 64 KiB content ceiling spec.md §4.5 step 3
// validates submissions against.
const maxContentBytes = 64 * 1024

// minTTLSeconds and maxTTLSeconds bound ttl_seconds per spec.md §4.5
// step 3 and the wire schema in §6.
const (
	minTTLSeconds = 1
	maxTTLSeconds = 86400
)

func (h *handlers) submitMessage(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())

	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierr.New(apierr.ValidationError, "malformed request body"))
		return
	}
	precedence, ok := queue.ParsePrecedence(req.Precedence)
	if !ok {
		writeError(w, r, apierr.New(apierr.ValidationError, "invalid precedence").WithDetail("precedence", req.Precedence))
		return
	}
	if req.Recipient == "" || req.Classification == "" {
		writeError(w, r, apierr.New(apierr.ValidationError, "recipient and classification are required"))
		return
	}
	if !queue.ValidClassification(req.Classification) {
		writeError(w, r, apierr.New(apierr.ValidationError, "invalid classification").WithDetail("classification", req.Classification))
		return
	}
	if len(req.Content) > maxContentBytes {
		writeError(w, r, apierr.New(apierr.ValidationError, "content exceeds 64 KiB limit").
			WithDetail("content_bytes", strconv.Itoa(len(req.Content))))
		return
	}
	if req.TTLSeconds < minTTLSeconds || req.TTLSeconds > maxTTLSeconds {
		writeError(w, r, apierr.New(apierr.ValidationError, "ttl_seconds out of range [1, 86400]").
			WithDetail("ttl_seconds", strconv.Itoa(req.TTLSeconds)))
		return
	}
	ttl := req.TTLSeconds

	if precedence == queue.Flash {
		if !h.deps.TokenRateLimiter.AllowFlashSubmit(claims.Subject) {
			writeError(w, r, apierr.New(apierr.RateLimited, "FLASH submission rate limit exceeded"))
			return
		}
	} else {
		if !h.deps.TokenRateLimiter.AllowOtherSubmit(claims.Subject) {
			writeError(w, r, apierr.New(apierr.RateLimited, "submission rate limit exceeded"))
			return
		}
	}

	// Seal itself produces the ENCRYPT audit event (spec.md §4.3's
	// seal() contract) via the emitter wired in cmd/tacedged/main.go.
	sealed, err := h.deps.Sealer.Seal([]byte(req.Content), []byte(req.Recipient))
	if err != nil {
		writeError(w, r, apierr.Wrap(apierr.Internal, "failed to seal content", err))
		return
	}

	now := time.Now()
	msg := queue.Message{
		ID:             uuid.NewString(),
		Precedence:     precedence,
		Classification: req.Classification,
		Sender:         claims.Subject,
		Recipient:      req.Recipient,
		SealedPayload:  sealed.Encode(),
		SubmittedAt:    now,
		TTLSeconds:     ttl,
		ExpiresAt:      now.Add(time.Duration(ttl) * time.Second),
		Status:         queue.StatusQueued,
	}

	if err := h.deps.Store.Enqueue(r.Context(), msg); err != nil {
		if appErr, ok := err.(*apierr.Error); ok {
			writeError(w, r, appErr)
			return
		}
		writeError(w, r, apierr.Wrap(apierr.Internal, "failed to enqueue message", err))
		return
	}

	// MESSAGE_SUBMITTED must be durable on the submission path before
	// the caller is told the message was accepted.
	h.auditEvent(r, audit.EventMessageSubmitted, msg.ID, audit.Actor{UserID: claims.Subject, Role: claims.Role}, map[string]string{
		"precedence":     precedence.String(),
		"classification": req.Classification,
	})

	if precedence == queue.Flash && h.deps.Dispatcher != nil {
		h.deps.Dispatcher.Kick()
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"id": msg.ID, "status": msg.Status})
}

func (h *handlers) getMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msg, err := h.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, apierr.New(apierr.NotFound, "message not found").WithDetail("id", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":              msg.ID,
		"precedence":      msg.Precedence.String(),
		"classification":  msg.Classification,
		"status":          msg.Status,
		"attempt_count":   msg.AttemptCount,
		"submitted_at":    msg.SubmittedAt,
		"expires_at":      msg.ExpiresAt,
	})
}

func (h *handlers) getMessageContent(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	id := mux.Vars(r)["id"]

	msg, err := h.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, apierr.New(apierr.NotFound, "message not found").WithDetail("id", id))
		return
	}

	// get_content requires message:read plus classification <= the
	// caller's token ceiling, per spec.md §4.5's operation table.
	if !queue.ClassificationAllowed(msg.Classification, claims.ClassificationLevel) {
		h.auditEvent(r, audit.EventPermissionDenied, msg.ID, audit.Actor{UserID: claims.Subject, Role: claims.Role}, map[string]string{
			"classification": msg.Classification,
			"ceiling":        claims.ClassificationLevel,
		})
		writeError(w, r, apierr.New(apierr.PermissionDenied, "classification exceeds token ceiling").
			WithDetail("classification", msg.Classification))
		return
	}

	sealed, err := crypto.Decode(msg.SealedPayload)
	if err != nil {
		// Malformed storage predates Sealer.Open ever seeing the
		// payload, so it falls outside the open() emitter contract and
		// is recorded here directly.
		h.auditEvent(r, audit.EventIntegrityCheck, msg.ID, audit.Actor{UserID: claims.Subject, Role: claims.Role}, map[string]string{"result": "malformed"})
		writeError(w, r, apierr.Wrap(apierr.IntegrityError, "sealed payload malformed", err))
		return
	}
	// Open itself produces INTEGRITY_CHECK FAILURE on tamper detection
	// (spec.md §4.3's open() contract) via the wired emitter.
	plaintext, err := h.deps.Sealer.Open(sealed, []byte(msg.Recipient))
	if err != nil {
		writeError(w, r, apierr.Wrap(apierr.IntegrityError, "content failed integrity check", err))
		return
	}
	h.auditEvent(r, audit.EventContentAccessed, msg.ID, audit.Actor{UserID: claims.Subject, Role: claims.Role}, nil)

	writeJSON(w, http.StatusOK, map[string]string{"content": string(plaintext)})
}

func (h *handlers) ackMessage(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	id := mux.Vars(r)["id"]

	msg, err := h.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, apierr.New(apierr.NotFound, "message not found").WithDetail("id", id))
		return
	}
	// Idempotent: acknowledging an already-delivered message is a no-op
	// success, not a conflict, so retried client acks never fail.
	if msg.Status != queue.StatusDelivered {
		if err := h.deps.Store.Ack(r.Context(), msg); err != nil {
			writeError(w, r, apierr.Wrap(apierr.Internal, "failed to record acknowledgement", err))
			return
		}
		h.auditEvent(r, audit.EventMessageAcked, msg.ID, audit.Actor{UserID: claims.Subject, Role: claims.Role}, nil)
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": msg.ID, "status": string(queue.StatusDelivered)})
}

type registerNodeRequest struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

func (h *handlers) registerNode(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	var req registerNodeRequest
	if err := decodeJSON(r, &req); err != nil || req.ID == "" {
		writeError(w, r, apierr.New(apierr.ValidationError, "id is required"))
		return
	}
	n := nodes.Node{ID: req.ID, Capabilities: req.Capabilities, LastSeen: time.Now()}
	if err := h.deps.Registry.Register(r.Context(), n); err != nil {
		writeError(w, r, apierr.Wrap(apierr.Internal, "failed to register node", err))
		return
	}
	h.auditEvent(r, audit.EventNodeRegistered, "", audit.Actor{NodeID: req.ID, UserID: claims.Subject, Role: claims.Role}, nil)
	writeJSON(w, http.StatusOK, map[string]string{"id": n.ID})
}

func (h *handlers) listNodes(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Registry.List(r.Context())
	if err != nil {
		writeError(w, r, apierr.Wrap(apierr.Internal, "failed to list nodes", err))
		return
	}
	now := time.Now()
	out := make([]map[string]any, 0, len(list))
	for _, n := range list {
		out = append(out, map[string]any{
			"id":           n.ID,
			"capabilities": n.Capabilities,
			"last_seen":    n.LastSeen,
			"status":       n.Status(now, time.Minute),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

func (h *handlers) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{
		ControlFamily: audit.ControlFamily(r.URL.Query().Get("control_family")),
		Type:          audit.EventType(r.URL.Query().Get("type")),
		NodeID:        r.URL.Query().Get("node_id"),
	}
	if lim := r.URL.Query().Get("limit"); lim != "" {
		if n, err := strconv.Atoi(lim); err == nil {
			q.Limit = n
		}
	}
	events, err := h.deps.Ledger.Query(r.Context(), q)
	if err != nil {
		writeError(w, r, apierr.Wrap(apierr.Internal, "failed to query audit events", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *handlers) queueStatus(w http.ResponseWriter, r *http.Request) {
	depths, err := h.deps.Store.Depths(r.Context())
	if err != nil {
		writeError(w, r, apierr.Wrap(apierr.Internal, "failed to read queue depths", err))
		return
	}
	out := make(map[string]int64, len(depths))
	for p, d := range depths {
		out[p.String()] = d
	}
	writeJSON(w, http.StatusOK, map[string]any{"depths": out})
}

func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	if h.deps.Streams == nil {
		writeError(w, r, apierr.New(apierr.Unavailable, "live stream not configured"))
		return
	}
	h.deps.Streams.Serve(w, r, h.deps.Store, h.deps.Ledger)
}

func (h *handlers) auditEvent(r *http.Request, t audit.EventType, messageID string, actor audit.Actor, detail map[string]string) {
	if h.deps.Ledger == nil {
		return
	}
	ev := audit.Event{
		ID:        uuid.NewString(),
		Type:      t,
		MessageID: messageID,
		Actor:     actor,
		Timestamp: time.Now(),
		Detail:    detail,
	}
	if err := h.deps.Ledger.Append(r.Context(), ev); err != nil && h.deps.Logger != nil {
		h.deps.Logger.Error(r.Context(), "audit append failed", map[string]any{"error": err.Error()})
	}
}
