package apierr

import (
	"net/http/httptest"
	"testing"
)

func TestNewEnvelopeSortsAndBoundsDetails(t *testing.T) {
	details := map[string]string{"zeta": "last", "alpha": "first"}
	env := NewEnvelope(ValidationError, "bad request", "req-1", details)

	if len(env.Error.Details) != 2 {
		t.Fatalf("details = %v, want 2 entries", env.Error.Details)
	}
	if env.Error.Details[0].Key != "alpha" || env.Error.Details[1].Key != "zeta" {
		t.Fatalf("details not sorted: %v", env.Error.Details)
	}
}

func TestNewEnvelopeFallsBackToInternalForUnknownCode(t *testing.T) {
	env := NewEnvelope(Code("not.a.real.code"), "oops", "", nil)
	if env.Error.Code != Internal {
		t.Fatalf("code = %s, want %s for unknown code", env.Error.Code, Internal)
	}
}

func TestSanitizeStripsControlCharacters(t *testing.T) {
	got := sanitize("hello\x00\x07world", 100)
	if got != "helloworld" {
		t.Fatalf("got %q", got)
	}
}

func TestWriteHTTPUsesMappedStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, New(PermissionDenied, "no"), "req-2")
	if rec.Code != 403 {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHTTPStatusForDefaultsTo500(t *testing.T) {
	if got := HTTPStatusFor(Code("unknown")); got != 500 {
		t.Fatalf("got %d, want 500", got)
	}
}
