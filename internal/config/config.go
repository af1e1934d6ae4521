// Package config provides configuration management for previewbox.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the previewbox server and providers.
// It is loaded once at startup and read-only thereafter.
type Config struct {
	// Provider selects the sandbox backend: "docker", "e2b", or "vercel".
	Provider string

	// ServerAddr is the address the HTTP API listens on (e.g., ":7090").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// Docker engine settings (self-hosted provider).
	DockerImage   string // base sandbox image
	DockerNetwork string // network mode for sandbox containers
	WorkDir       string // working directory inside the sandbox
	MemoryMB      int    // container memory ceiling in megabytes
	CPUs          int    // container CPU quota
	DevPort       int    // conventional dev-server port inside the sandbox
	SandboxHost   string // host used when building preview URLs

	// CommandTimeout bounds every RunCommand. Default: 30 seconds.
	CommandTimeout time.Duration

	// SandboxIdleTimeout is how long a sandbox stays alive without activity
	// before the server reaps it. Default: 30 minutes.
	SandboxIdleTimeout time.Duration

	// Managed service credentials.
	E2BAPIKey     string
	VercelToken   string
	VercelTeamID  string
	VercelProject string
}

// Load creates a Config from .env files and environment variables.
// Values are resolved in order: environment variable > .env file > default.
func Load() (*Config, error) {
	// godotenv never overrides variables already set in the environment,
	// so real env vars always win over file values.
	_ = godotenv.Load(filepath.Join(defaultDataDir(), "config.env"))
	_ = godotenv.Load()

	dataDir := envOr("PREVIEWBOX_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		Provider:     envOr("PREVIEWBOX_PROVIDER", "docker"),
		ServerAddr:   envOr("PREVIEWBOX_ADDR", ":7090"),
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "previewbox.db"),

		DockerImage:   envOr("PREVIEWBOX_DOCKER_IMAGE", "node:20-slim"),
		DockerNetwork: envOr("PREVIEWBOX_DOCKER_NETWORK", "bridge"),
		WorkDir:       envOr("PREVIEWBOX_WORKDIR", "/app"),
		MemoryMB:      envOrInt("PREVIEWBOX_MEMORY_MB", 2048),
		CPUs:          envOrInt("PREVIEWBOX_CPUS", 2),
		DevPort:       envOrInt("PREVIEWBOX_DEV_PORT", 5173),
		SandboxHost:   envOr("PREVIEWBOX_SANDBOX_HOST", "localhost"),

		CommandTimeout:     envOrDuration("PREVIEWBOX_COMMAND_TIMEOUT", 30*time.Second),
		SandboxIdleTimeout: envOrDuration("PREVIEWBOX_IDLE_TIMEOUT", 30*time.Minute),

		E2BAPIKey:     os.Getenv("E2B_API_KEY"),
		VercelToken:   os.Getenv("VERCEL_TOKEN"),
		VercelTeamID:  os.Getenv("VERCEL_TEAM_ID"),
		VercelProject: os.Getenv("VERCEL_PROJECT_ID"),
	}

	return cfg, nil
}

// Validate checks that the configuration for the selected provider is
// complete.
func (c *Config) Validate() error {
	switch c.Provider {
	case "docker":
		// The Docker engine needs no credentials; reachability is probed
		// at provision time.
	case "e2b":
		if c.E2BAPIKey == "" {
			return fmt.Errorf("E2B_API_KEY is required when PREVIEWBOX_PROVIDER=e2b")
		}
	case "vercel":
		if c.VercelToken == "" {
			return fmt.Errorf("VERCEL_TOKEN is required when PREVIEWBOX_PROVIDER=vercel")
		}
	default:
		return fmt.Errorf("unknown provider %q (expected docker, e2b, or vercel)", c.Provider)
	}
	return nil
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".previewbox"
	}
	return filepath.Join(home, ".previewbox")
}
