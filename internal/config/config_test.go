package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TACEDGE_TOKEN_SIGNING_KEY", "TACEDGE_CONTENT_ENCRYPTION_KEY",
		"TACEDGE_DISPATCHER_TICK_MS", "TACEDGE_MAX_ATTEMPTS",
	} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoadRequiresSigningKeys(t *testing.T) {
	clearEnv(t)
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when signing/encryption keys are unset")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TACEDGE_TOKEN_SIGNING_KEY", "signing-key")
	t.Setenv("TACEDGE_CONTENT_ENCRYPTION_KEY", "0123456789012345678901234567890123456789")
	t.Setenv("TACEDGE_MAX_ATTEMPTS", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxAttempts != 9 {
		t.Fatalf("max_attempts = %d, want 9", cfg.MaxAttempts)
	}
	if cfg.DispatcherTickMS != 2000 {
		t.Fatalf("dispatcher_tick_ms = %d, want default 2000", cfg.DispatcherTickMS)
	}
}

func TestDurationHelpers(t *testing.T) {
	clearEnv(t)
	t.Setenv("TACEDGE_TOKEN_SIGNING_KEY", "k")
	t.Setenv("TACEDGE_CONTENT_ENCRYPTION_KEY", "0123456789012345678901234567890123456789")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DispatcherTick().Seconds() != 2 {
		t.Fatalf("dispatcher tick = %v, want 2s", cfg.DispatcherTick())
	}
	if cfg.AttemptTimeout(true) >= cfg.AttemptTimeout(false) {
		t.Fatalf("flash timeout should be shorter than non-flash timeout")
	}
}
