package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tacedge/relay/internal/audit"
	"github.com/tacedge/relay/internal/authn/rbac"
	"github.com/tacedge/relay/internal/authn/token"
	"github.com/tacedge/relay/internal/crypto"
	"github.com/tacedge/relay/internal/gateway/middleware"
	"github.com/tacedge/relay/internal/nodes"
	"github.com/tacedge/relay/internal/queue"
)

func newTestRouter(t *testing.T) (http.Handler, *token.Provider) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := queue.NewStore(rdb, queue.Watermarks{Flash: 10, Immediate: 10, Priority: 10, Routine: 10})

	ledger, err := audit.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })

	registry, err := nodes.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close() })

	sealer, err := crypto.NewSealer(1, []byte("01234567890123456789012345678901"), 2)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	tokenProv := token.NewProvider([]byte("a-signing-key-that-is-long-enough"))
	rbacEngine := rbac.NewEngine(rbac.DefaultRoles())

	deps := Deps{
		Store:            store,
		Ledger:           ledger,
		Registry:         registry,
		Sealer:           sealer,
		TokenProv:        tokenProv,
		RBAC:             rbacEngine,
		AllowedOrigins:   []string{"*"},
		RateLimitPerMin:  1000,
		TokenRateLimiter: middleware.NewTokenRateLimiter(1000, 1000, 1000),
	}
	return NewRouter(deps), tokenProv
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadyAreUnauthenticated(t *testing.T) {
	router, _ := newTestRouter(t)
	for _, path := range []string{"/api/v1/health", "/api/v1/ready"} {
		rec := doJSON(t, router, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestSubmitMessageRequiresAuth(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/v1/messages", "", map[string]any{
		"precedence": "ROUTINE", "classification": "UNCLASSIFIED", "recipient": "node-a", "content": "hi",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSubmitAndFetchMessageRoundTrip(t *testing.T) {
	router, tokenProv := newTestRouter(t)

	tok, err := tokenProv.Sign(token.Claims{Subject: "op-1", Role: "operator", Permissions: []string{"message:send", "message:read"}, ClassificationLevel: "SECRET"}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	submitRec := doJSON(t, router, http.MethodPost, "/api/v1/messages", tok, map[string]any{
		"precedence":     "FLASH",
		"classification": "SECRET",
		"recipient":      "node-a",
		"content":        "proceed to checkpoint",
		"ttl_seconds":    3600,
	})
	if submitRec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body = %s", submitRec.Code, submitRec.Body.String())
	}
	var submitted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(submitRec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}
	if submitted.Status != string(queue.StatusQueued) {
		t.Fatalf("status = %s, want QUEUED", submitted.Status)
	}

	contentRec := doJSON(t, router, http.MethodGet, "/api/v1/messages/"+submitted.ID+"/content", tok, nil)
	if contentRec.Code != http.StatusOK {
		t.Fatalf("content status = %d, body = %s", contentRec.Code, contentRec.Body.String())
	}
	var content struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(contentRec.Body.Bytes(), &content); err != nil {
		t.Fatalf("unmarshal content response: %v", err)
	}
	if content.Content != "proceed to checkpoint" {
		t.Fatalf("content = %q, want original plaintext", content.Content)
	}
}

func TestAuditEventsRequiresAuditReadPermission(t *testing.T) {
	router, tokenProv := newTestRouter(t)

	operatorTok, err := tokenProv.Sign(token.Claims{Subject: "op-1", Role: "operator"}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := doJSON(t, router, http.MethodGet, "/api/v1/audit/events", operatorTok, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("operator audit/events status = %d, want 403", rec.Code)
	}

	supervisorTok, err := tokenProv.Sign(token.Claims{Subject: "sup-1", Role: "supervisor"}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/v1/audit/events", supervisorTok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("supervisor audit/events status = %d, want 200", rec.Code)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	router, tokenProv := newTestRouter(t)

	tok, err := tokenProv.Sign(token.Claims{Subject: "op-1", Role: "operator"}, time.Now().Add(-time.Hour), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := doJSON(t, router, http.MethodGet, "/api/v1/queue/status", tok, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for expired token", rec.Code)
	}
}
