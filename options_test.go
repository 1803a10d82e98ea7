package mcpforge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadServerOptionsDefaults(t *testing.T) {
	opts, err := LoadServerOptions("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.Transport != "stdio" {
		t.Fatalf("expected default transport stdio, got %q", opts.Transport)
	}
	if opts.WorkerCount != DefaultWorkerCount {
		t.Fatalf("expected default worker count %d, got %d", DefaultWorkerCount, opts.WorkerCount)
	}
	if opts.RateLimitMax != 120 {
		t.Fatalf("expected default rate limit max 120, got %d", opts.RateLimitMax)
	}
}

func TestLoadServerOptionsMissingFileIsNotAnError(t *testing.T) {
	_, err := LoadServerOptions(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("expected a missing config file to be ignored, got %v", err)
	}
}

func TestLoadServerOptionsMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadServerOptions(path); err == nil {
		t.Fatal("expected an error for a malformed existing config file")
	}
}

func TestLoadServerOptionsFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"transport":"tcp","addr":"127.0.0.1:9999"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	opts, err := LoadServerOptions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.Transport != "tcp" || opts.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected file values to override defaults, got %+v", opts)
	}
}

func TestLoadServerOptionsEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"transport":"tcp"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("MCPFORGE_TRANSPORT", "http")
	opts, err := LoadServerOptions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.Transport != "http" {
		t.Fatalf("expected env var to win over file, got %q", opts.Transport)
	}
}

func TestNewTokenValidatorAcceptsKnownTokenOnly(t *testing.T) {
	validator := NewTokenValidator([]string{"good-token"})

	if auth, ok := validator("good-token"); !ok || auth.Token != "good-token" {
		t.Fatalf("expected the known token to validate, got %+v, %v", auth, ok)
	}
	if _, ok := validator("bad-token"); ok {
		t.Fatal("expected an unknown token to be rejected")
	}
}

func TestNewTokenValidatorEmptyAllowlistRejectsEverything(t *testing.T) {
	validator := NewTokenValidator(nil)
	if _, ok := validator("anything"); ok {
		t.Fatal("expected an empty allowlist to reject every token")
	}
}
