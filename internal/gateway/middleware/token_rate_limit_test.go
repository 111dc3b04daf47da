package middleware

import "testing"

func TestTokenRateLimiterEnforcesPerCategoryCaps(t *testing.T) {
	l := NewTokenRateLimiter(2, 2, 2)

	if !l.AllowFlashSubmit("sub-1") || !l.AllowFlashSubmit("sub-1") {
		t.Fatal("expected first two FLASH submissions to be allowed")
	}
	if l.AllowFlashSubmit("sub-1") {
		t.Fatal("expected third FLASH submission to be rate limited")
	}

	// A different category for the same subject has its own bucket.
	if !l.AllowOtherSubmit("sub-1") {
		t.Fatal("expected other-precedence bucket to be independent of the flash bucket")
	}

	// A different subject has its own bucket too.
	if !l.AllowFlashSubmit("sub-2") {
		t.Fatal("expected a different subject to have its own bucket")
	}
}

func TestTokenRateLimiterZeroCapacityAllowsAll(t *testing.T) {
	l := NewTokenRateLimiter(0, 0, 0)
	for i := 0; i < 10; i++ {
		if !l.AllowRead("sub-1") {
			t.Fatal("a zero-configured cap should never rate limit")
		}
	}
}

func TestNilTokenRateLimiterAllowsAll(t *testing.T) {
	var l *TokenRateLimiter
	if !l.AllowFlashSubmit("sub-1") {
		t.Fatal("a nil limiter must fail open, not panic")
	}
}
