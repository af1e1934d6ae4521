package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func loadTestConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("PREVIEWBOX_DATA_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadTestConfig(t)

	if cfg.Provider != "docker" {
		t.Errorf("expected docker default provider, got %q", cfg.Provider)
	}
	if cfg.ServerAddr != ":7090" {
		t.Errorf("unexpected default addr %q", cfg.ServerAddr)
	}
	if cfg.DockerImage != "node:20-slim" {
		t.Errorf("unexpected default image %q", cfg.DockerImage)
	}
	if cfg.WorkDir != "/app" {
		t.Errorf("unexpected default workdir %q", cfg.WorkDir)
	}
	if cfg.DevPort != 5173 {
		t.Errorf("unexpected default dev port %d", cfg.DevPort)
	}
	if cfg.CommandTimeout != 30*time.Second {
		t.Errorf("unexpected default command timeout %v", cfg.CommandTimeout)
	}
	if cfg.SandboxIdleTimeout != 30*time.Minute {
		t.Errorf("unexpected default idle timeout %v", cfg.SandboxIdleTimeout)
	}
	if cfg.DatabasePath != filepath.Join(cfg.DataDir, "previewbox.db") {
		t.Errorf("database path %q not under data dir %q", cfg.DatabasePath, cfg.DataDir)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PREVIEWBOX_PROVIDER", "e2b")
	t.Setenv("PREVIEWBOX_ADDR", ":9000")
	t.Setenv("PREVIEWBOX_MEMORY_MB", "512")
	t.Setenv("PREVIEWBOX_COMMAND_TIMEOUT", "90s")
	t.Setenv("E2B_API_KEY", "e2b-secret")
	cfg := loadTestConfig(t)

	if cfg.Provider != "e2b" {
		t.Errorf("expected e2b provider, got %q", cfg.Provider)
	}
	if cfg.ServerAddr != ":9000" {
		t.Errorf("expected :9000, got %q", cfg.ServerAddr)
	}
	if cfg.MemoryMB != 512 {
		t.Errorf("expected 512 MB, got %d", cfg.MemoryMB)
	}
	if cfg.CommandTimeout != 90*time.Second {
		t.Errorf("expected 90s timeout, got %v", cfg.CommandTimeout)
	}
	if cfg.E2BAPIKey != "e2b-secret" {
		t.Errorf("expected API key from env, got %q", cfg.E2BAPIKey)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("PREVIEWBOX_MEMORY_MB", "lots")
	t.Setenv("PREVIEWBOX_COMMAND_TIMEOUT", "soonish")
	cfg := loadTestConfig(t)

	if cfg.MemoryMB != 2048 {
		t.Errorf("malformed int should fall back to default, got %d", cfg.MemoryMB)
	}
	if cfg.CommandTimeout != 30*time.Second {
		t.Errorf("malformed duration should fall back to default, got %v", cfg.CommandTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"docker needs nothing", Config{Provider: "docker"}, ""},
		{"e2b with key", Config{Provider: "e2b", E2BAPIKey: "k"}, ""},
		{"e2b without key", Config{Provider: "e2b"}, "E2B_API_KEY"},
		{"vercel with token", Config{Provider: "vercel", VercelToken: "t"}, ""},
		{"vercel without token", Config{Provider: "vercel"}, "VERCEL_TOKEN"},
		{"unknown provider", Config{Provider: "podman"}, "unknown provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
