package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"-dir", "/firmware"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Dir != "/firmware" {
		t.Fatalf("dir = %q", cfg.Dir)
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("default timeout = %v", cfg.Timeout)
	}
	if cfg.Test != 0 || cfg.EraseUserData || cfg.TUI {
		t.Fatalf("unexpected non-zero defaults: %+v", cfg)
	}
}

func TestParseOverridesEnvDefaults(t *testing.T) {
	t.Setenv("SXF_DIR", "/from-env")
	t.Setenv("SXF_TEST", "100")

	cfg, err := Parse([]string{"-test", "1"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Dir != "/from-env" {
		t.Fatalf("expected env default to apply when flag absent, got %q", cfg.Dir)
	}
	if cfg.Test != 1 {
		t.Fatalf("expected explicit flag to win over env default, got %d", cfg.Test)
	}
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	if _, err := Parse([]string{"-bogus"}); err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
}
