package token

import (
	"testing"
	"time"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	p := NewProvider([]byte("a-signing-key-that-is-long-enough"))
	now := time.Now()

	claims := Claims{Issuer: "tacedge", Subject: "operator-1", Role: "operator", Permissions: []string{"message:send"}}
	tok, err := p.Sign(claims, now, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := p.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Subject != "operator-1" || got.Role != "operator" {
		t.Fatalf("claims = %+v", got)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	p := NewProvider([]byte("a-signing-key-that-is-long-enough"))
	now := time.Now()

	tok, err := p.Sign(Claims{Subject: "operator-1"}, now, time.Second)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = p.Verify(tok, now.Add(time.Hour))
	if err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	p := NewProvider([]byte("a-signing-key-that-is-long-enough"))
	now := time.Now()

	tok, err := p.Sign(Claims{Subject: "operator-1"}, now, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := tok[:len(tok)-1] + "x"
	if _, err := p.Verify(tampered, now); err == nil {
		t.Fatal("expected tampered token to fail verification")
	}
}

func TestVerifyToleratesSmallClockSkew(t *testing.T) {
	p := NewProvider([]byte("a-signing-key-that-is-long-enough"))
	now := time.Now()

	tok, err := p.Sign(Claims{Subject: "operator-1"}, now, 10*time.Second)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// 15s past expiry, within the 30s skew tolerance.
	if _, err := p.Verify(tok, now.Add(25*time.Second)); err != nil {
		t.Fatalf("expected skew tolerance to accept token, got %v", err)
	}
}
