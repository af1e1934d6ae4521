// Package provider defines the sandbox provider contract implemented by all
// previewbox backends (self-hosted Docker engine, E2B, Vercel).
package provider

import (
	"context"
	"time"
)

// Kind identifies a sandbox backend.
type Kind string

const (
	KindDocker Kind = "docker"
	KindE2B    Kind = "e2b"
	KindVercel Kind = "vercel"
)

// SandboxInfo is the handle returned by a successful CreateSandbox. It is
// immutable and is the caller's sole reference into a running sandbox.
type SandboxInfo struct {
	SandboxID string    `json:"sandbox_id"`
	URL       string    `json:"url"`
	Provider  Kind      `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// CommandResult is the uniform result of running a command in a sandbox.
// A non-zero exit is an expected outcome, not an error: RunCommand returns
// a CommandResult with Success=false instead of failing.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Success  bool   `json:"success"`
}

// Provider is the capability set every sandbox backend exposes. A provider
// instance owns at most one live sandbox at a time; CreateSandbox on an
// instance that already holds one fails with *ProvisionError.
type Provider interface {
	// CreateSandbox provisions a new isolated environment.
	// Fails with *ProvisionError if the backend is unreachable,
	// quota-exhausted, or misconfigured.
	CreateSandbox(ctx context.Context) (*SandboxInfo, error)

	// RunCommand executes a shell command inside the active sandbox and
	// waits up to the configured timeout. A non-zero exit or a timeout is
	// reported in the CommandResult, never as an error. The error return is
	// reserved for ErrNotProvisioned.
	RunCommand(ctx context.Context, command string) (*CommandResult, error)

	// WriteFile writes content to a path inside the sandbox, creating
	// parent directories as needed.
	WriteFile(ctx context.Context, path, content string) error

	// ReadFile returns the content of a file inside the sandbox.
	// A missing file is a *FileError.
	ReadFile(ctx context.Context, path string) (string, error)

	// ListFiles returns the entries of a directory inside the sandbox.
	// An empty dir means the sandbox working root.
	ListFiles(ctx context.Context, dir string) ([]string, error)

	// InstallPackages runs the package manager install for the given
	// packages and returns its real result.
	InstallPackages(ctx context.Context, names []string) (*CommandResult, error)

	// SandboxURL returns the externally reachable preview URL, or "" if it
	// has not been determined yet (port binding may be resolved after
	// creation).
	SandboxURL(ctx context.Context) string

	// SandboxInfo returns the handle for the live sandbox, or nil if none.
	SandboxInfo() *SandboxInfo

	// Terminate releases all backend resources. Idempotent; teardown
	// failures are logged and swallowed so caller cleanup never blocks.
	Terminate(ctx context.Context)

	// IsAlive reports sandbox liveness. Probe failures mean "not alive",
	// never an error.
	IsAlive(ctx context.Context) bool
}

// DevServer is the optional dev-server bootstrap capability. Callers probe
// for it with a type assertion:
//
//	if ds, ok := p.(provider.DevServer); ok { ... }
//
// Backends that do not implement it are simply skipped; absence is a
// capability check, not a failure.
type DevServer interface {
	// SetupDevApp installs the frontend toolchain and writes the dev app
	// scaffold (bundler config, entry module, root component, stylesheet,
	// HTML shell) into the sandbox.
	SetupDevApp(ctx context.Context) error

	// RestartDevServer kills the running dev server process and relaunches
	// it in the background. Best effort.
	RestartDevServer(ctx context.Context) error
}
