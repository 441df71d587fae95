package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/michaelbrown/codelab/internal/sandbox"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codelab.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9000\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Sandbox.Timeout != sandbox.DefaultTimeout {
		t.Errorf("timeout = %s, want %s", cfg.Sandbox.Timeout, sandbox.DefaultTimeout)
	}
	if cfg.Sandboxd.MaxConcurrent != 1 {
		t.Errorf("sandboxd max_concurrent = %d, want 1", cfg.Sandboxd.MaxConcurrent)
	}

	sc, err := cfg.SandboxConfig()
	if err != nil {
		t.Fatalf("SandboxConfig: %v", err)
	}
	if sc.Mode != sandbox.ModeLocal {
		t.Errorf("mode = %q, want local", sc.Mode)
	}
	if sc.Policy.Memory != 256*1024*1024 {
		t.Errorf("memory = %d, want 256 MiB", sc.Policy.Memory)
	}
	if sc.Policy.NanoCPUs != 1e9 {
		t.Errorf("nano cpus = %d, want 1e9", sc.Policy.NanoCPUs)
	}
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("EXECUTION_ENV", "modal")
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("SECRET_KEY", "jwt-secret")

	cfg, err := Load(writeConfig(t, "sandbox:\n  remote:\n    url: http://runner:8090\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Mode != "modal" {
		t.Errorf("mode = %q, want modal", cfg.Sandbox.Mode)
	}
	if cfg.AI.APIKey != "g-key" || !cfg.AIConfigured() {
		t.Errorf("api key = %q, want g-key", cfg.AI.APIKey)
	}
	if cfg.Auth.SecretKey != "jwt-secret" {
		t.Errorf("secret = %q", cfg.Auth.SecretKey)
	}

	sc, err := cfg.SandboxConfig()
	if err != nil {
		t.Fatalf("SandboxConfig: %v", err)
	}
	if sc.Mode != sandbox.ModeRemote || sc.Remote.URL != "http://runner:8090" {
		t.Errorf("sandbox config = %+v", sc)
	}
}

func TestLoadPrefixedEnvironment(t *testing.T) {
	t.Setenv("CODELAB_SANDBOX_TIMEOUT", "2s")
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Timeout != 2*time.Second {
		t.Errorf("timeout = %s, want 2s", cfg.Sandbox.Timeout)
	}
}

func TestLoadExpandsSecrets(t *testing.T) {
	t.Setenv("RUNNER_TOKEN", "tok")
	cfg, err := Load(writeConfig(t, "sandbox:\n  remote:\n    auth_token: ${RUNNER_TOKEN}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Remote.AuthToken != "tok" {
		t.Errorf("auth token = %q, want tok", cfg.Sandbox.Remote.AuthToken)
	}
}

func TestSandboxConfigRejectsUnknownMode(t *testing.T) {
	cfg, err := Load(writeConfig(t, "sandbox:\n  mode: kubernetes\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.SandboxConfig(); err == nil {
		t.Error("expected error for unknown execution mode")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}
