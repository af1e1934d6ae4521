// Package engine implements the self-hosted sandbox provider on top of the
// Docker engine client. One Engine owns one container's lifecycle: it
// bootstraps a base runtime image, seeds a minimal project skeleton, executes
// commands with a bounded wait, bridges file reads and writes over the exec
// channel, and resolves the preview URL from published port bindings.
package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/previewbox/previewbox/internal/docker"
	"github.com/previewbox/previewbox/pkg/provider"
)

// Defaults for sandbox containers.
const (
	DefaultImage          = "node:20-slim"
	DefaultWorkDir        = "/app"
	DefaultMemoryMB       = 2048
	DefaultCPUs           = 2
	DefaultDevPort        = 5173
	DefaultCommandTimeout = 30 * time.Second
)

// ContainerClient is the engine's view of the container runtime. Satisfied
// by *docker.Client; stubbed in tests.
type ContainerClient interface {
	Ping(ctx context.Context) bool
	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, opts docker.CreateOptions) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, argv []string, stdin io.Reader) (*docker.ExecResult, error)
	Inspect(ctx context.Context, id string) (*docker.ContainerState, error)
}

// Options configures a self-hosted sandbox engine.
type Options struct {
	Image     string
	Network   string // Docker network mode
	WorkDir   string
	MemoryMB  int
	CPUs      int
	DevPort   int    // container port the dev server binds to
	Host      string // host used when building preview URLs
	PullImage bool   // pull the base image before creating the container

	// CommandTimeout bounds every command and file operation.
	CommandTimeout time.Duration

	// Env is passed to the sandbox container at creation.
	Env []string
}

func (o *Options) applyDefaults() {
	if o.Image == "" {
		o.Image = DefaultImage
	}
	if o.WorkDir == "" {
		o.WorkDir = DefaultWorkDir
	}
	if o.MemoryMB <= 0 {
		o.MemoryMB = DefaultMemoryMB
	}
	if o.CPUs <= 0 {
		o.CPUs = DefaultCPUs
	}
	if o.DevPort <= 0 {
		o.DevPort = DefaultDevPort
	}
	if o.Host == "" {
		o.Host = "localhost"
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
}

// Engine is the self-hosted sandbox provider. It holds at most one live
// container at a time; the container handle is exclusively owned by this
// instance. All command and file operations are serialized by an internal
// mutex because the exec channel does not support interleaved streams.
type Engine struct {
	client ContainerClient
	opts   Options

	mu          sync.Mutex
	containerID string
	info        *provider.SandboxInfo
}

var (
	_ provider.Provider  = (*Engine)(nil)
	_ provider.DevServer = (*Engine)(nil)
)

// New creates an engine driving the given container client.
func New(client ContainerClient, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{client: client, opts: opts}
}

func provisionErr(reason string, err error) *provider.ProvisionError {
	return &provider.ProvisionError{Provider: provider.KindDocker, Reason: reason, Err: err}
}

// CreateSandbox provisions a new sandbox container. An engine already
// holding a live sandbox rejects the call; Terminate first.
func (e *Engine) CreateSandbox(ctx context.Context) (*provider.SandboxInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID != "" {
		return nil, provisionErr(fmt.Sprintf("sandbox %s already active", e.info.SandboxID), nil)
	}

	if !e.client.Ping(ctx) {
		return nil, provisionErr("engine unreachable", nil)
	}

	if e.opts.PullImage {
		if err := e.client.PullImage(ctx, e.opts.Image); err != nil {
			return nil, provisionErr("image pull", err)
		}
	}

	// Timestamp plus a random suffix; collisions are negligible.
	sandboxID := fmt.Sprintf("sbx-%d-%s", time.Now().Unix(), uuid.NewString()[:8])

	containerID, err := e.client.CreateContainer(ctx, docker.CreateOptions{
		Name:  "previewbox-" + sandboxID,
		Image: e.opts.Image,
		// Keep the container alive; commands arrive over exec.
		Cmd:        []string{"sleep", "infinity"},
		Env:        e.opts.Env,
		WorkingDir: e.opts.WorkDir,
		Labels:     map[string]string{"previewbox.sandbox": sandboxID},
		Network:    e.opts.Network,
		// Host port 0 lets the engine assign a free port, so concurrent
		// sandboxes on one host never collide.
		PublishPorts: map[int]int{e.opts.DevPort: 0},
		MemoryMB:     e.opts.MemoryMB,
		CPUs:         e.opts.CPUs,
		PidsLimit:    512,
		AutoRemove:   true,
	})
	if err != nil {
		return nil, provisionErr("container create", err)
	}

	if err := e.client.StartContainer(ctx, containerID); err != nil {
		if rmErr := e.client.RemoveContainer(ctx, containerID); rmErr != nil {
			log.Printf("Sandbox %s: cleanup after failed start: %v", sandboxID, rmErr)
		}
		return nil, provisionErr("container start", err)
	}

	// The container is running; everything past this point is best effort.
	// The caller can still write files and run commands even if seeding or
	// URL resolution fails.
	if err := e.seedProject(ctx, containerID); err != nil {
		log.Printf("Sandbox %s: seeding project skeleton: %v", sandboxID, err)
	}

	url := ""
	if port, err := e.publishedPort(ctx, containerID); err != nil {
		log.Printf("Sandbox %s: resolving preview URL: %v", sandboxID, err)
	} else {
		url = fmt.Sprintf("http://%s:%d", e.opts.Host, port)
	}

	e.containerID = containerID
	e.info = &provider.SandboxInfo{
		SandboxID: sandboxID,
		URL:       url,
		Provider:  provider.KindDocker,
		CreatedAt: time.Now().UTC(),
	}
	return e.info, nil
}

// defaultManifest is written when a sandbox has no package.json yet.
const defaultManifest = `{
  "name": "sandbox-app",
  "version": "0.1.0",
  "scripts": {
    "dev": "vite",
    "build": "vite build",
    "preview": "vite preview"
  },
  "dependencies": {}
}
`

// seedProject ensures the working directory exists and carries a minimal
// project manifest.
func (e *Engine) seedProject(ctx context.Context, containerID string) error {
	res, err := e.exec(ctx, containerID, []string{"mkdir", "-p", e.opts.WorkDir}, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mkdir %s: %s", e.opts.WorkDir, strings.TrimSpace(res.Stderr))
	}

	manifest := e.opts.WorkDir + "/package.json"
	res, err = e.exec(ctx, containerID, []string{"test", "-f", manifest}, nil)
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil // manifest already present
	}
	return e.writeFileLocked(ctx, containerID, manifest, defaultManifest)
}

// exec runs argv in the container with the configured timeout applied.
func (e *Engine) exec(ctx context.Context, containerID string, argv []string, stdin io.Reader) (*docker.ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.opts.CommandTimeout)
	defer cancel()
	return e.client.Exec(execCtx, containerID, argv, stdin)
}

// RunCommand executes a whitespace-split shell command inside the sandbox,
// racing it against the configured timeout. Quoted arguments are not
// supported; the command is split on whitespace only.
func (e *Engine) RunCommand(ctx context.Context, command string) (*provider.CommandResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID == "" {
		return nil, provider.ErrNotProvisioned
	}
	return e.runLocked(ctx, strings.Fields(command)), nil
}

// runLocked executes argv and maps the outcome onto a CommandResult. Must be
// called with e.mu held.
func (e *Engine) runLocked(ctx context.Context, argv []string) *provider.CommandResult {
	if len(argv) == 0 {
		return &provider.CommandResult{ExitCode: -1, Stderr: "empty command"}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.opts.CommandTimeout)
	defer cancel()

	res, err := e.client.Exec(execCtx, e.containerID, argv, nil)
	if execCtx.Err() == context.DeadlineExceeded {
		// The docker exec process is killed client-side on deadline, which
		// leaves the in-container process running. Reap it so timed-out
		// commands do not leak container resources.
		e.reap(argv[0])
		return &provider.CommandResult{
			ExitCode: -1,
			Stderr:   fmt.Sprintf("command timed out after %s", e.opts.CommandTimeout),
		}
	}
	if err != nil {
		return &provider.CommandResult{ExitCode: -1, Stderr: err.Error()}
	}
	return &provider.CommandResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Success:  res.ExitCode == 0,
	}
}

// reap best-effort kills a timed-out process inside the container by name.
func (e *Engine) reap(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.client.Exec(ctx, e.containerID, []string{"pkill", "-f", name}, nil); err != nil {
		log.Printf("Sandbox %s: reaping timed-out %q: %v", e.sandboxID(), name, err)
	}
}

func (e *Engine) sandboxID() string {
	if e.info == nil {
		return "?"
	}
	return e.info.SandboxID
}

// WriteFile writes content to a path inside the sandbox over the exec
// channel. Parent directories are created. This is a shell bridge intended
// for small source files, not bulk transfer.
func (e *Engine) WriteFile(ctx context.Context, path, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID == "" {
		return provider.ErrNotProvisioned
	}
	return e.writeFileLocked(ctx, e.containerID, e.absPath(path), content)
}

// writeFileLocked streams content into the container via `cat`. Must be
// called with e.mu held (or during provisioning, before the engine is
// visible to callers).
func (e *Engine) writeFileLocked(ctx context.Context, containerID, absPath, content string) error {
	script := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(dirOf(absPath)), shellQuote(absPath))
	res, err := e.exec(ctx, containerID, []string{"sh", "-c", script}, strings.NewReader(content))
	if err != nil {
		return &provider.FileError{Op: "write", Path: absPath, Err: err}
	}
	if res.ExitCode != 0 {
		return &provider.FileError{Op: "write", Path: absPath, Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}
	return nil
}

// ReadFile returns the content of a file inside the sandbox.
func (e *Engine) ReadFile(ctx context.Context, path string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID == "" {
		return "", provider.ErrNotProvisioned
	}
	res, err := e.exec(ctx, e.containerID, []string{"cat", e.absPath(path)}, nil)
	if err != nil {
		return "", &provider.FileError{Op: "read", Path: path, Err: err}
	}
	if res.ExitCode != 0 {
		return "", &provider.FileError{Op: "read", Path: path, Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}
	return res.Stdout, nil
}

// ListFiles returns the entries of a directory inside the sandbox, with
// `.`/`..` and blank lines filtered out. An empty dir means the working
// root.
func (e *Engine) ListFiles(ctx context.Context, dir string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID == "" {
		return nil, provider.ErrNotProvisioned
	}
	if dir == "" {
		dir = e.opts.WorkDir
	}
	res, err := e.exec(ctx, e.containerID, []string{"ls", "-1A", e.absPath(dir)}, nil)
	if err != nil {
		return nil, &provider.FileError{Op: "list", Path: dir, Err: err}
	}
	if res.ExitCode != 0 {
		return nil, &provider.FileError{Op: "list", Path: dir, Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}

	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "." || line == ".." || strings.HasPrefix(line, "total ") {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}

// InstallPackages runs `npm install <names…>` inside the sandbox and
// returns npm's real result.
func (e *Engine) InstallPackages(ctx context.Context, names []string) (*provider.CommandResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID == "" {
		return nil, provider.ErrNotProvisioned
	}
	argv := append([]string{"npm", "install"}, names...)
	return e.runLocked(ctx, argv), nil
}

// SandboxURL resolves the preview URL from the currently published port
// mapping. The mapping is read at call time because it can only be resolved
// once the container is confirmed running.
func (e *Engine) SandboxURL(ctx context.Context) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID == "" {
		return ""
	}
	port, err := e.publishedPort(ctx, e.containerID)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", e.opts.Host, port)
}

// SandboxInfo returns the handle for the live sandbox, or nil.
func (e *Engine) SandboxInfo() *provider.SandboxInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// IsAlive reports whether the container is in the running state. Inspection
// errors mean "not alive".
func (e *Engine) IsAlive(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID == "" {
		return false
	}
	state, err := e.client.Inspect(ctx, e.containerID)
	if err != nil {
		return false
	}
	return state.Running
}

// Terminate stops and removes the container, best effort. Teardown failures
// are logged and swallowed, and the handle is always cleared, so the engine
// returns to the unprovisioned state and CreateSandbox can be called again.
func (e *Engine) Terminate(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID == "" {
		return
	}
	if err := e.client.StopContainer(ctx, e.containerID); err != nil {
		log.Printf("Sandbox %s: stopping container: %v", e.sandboxID(), err)
	}
	if err := e.client.RemoveContainer(ctx, e.containerID); err != nil {
		log.Printf("Sandbox %s: removing container: %v", e.sandboxID(), err)
	}
	e.containerID = ""
	e.info = nil
}

// publishedPort returns the host port the dev-server port is published on.
func (e *Engine) publishedPort(ctx context.Context, containerID string) (int, error) {
	state, err := e.client.Inspect(ctx, containerID)
	if err != nil {
		return 0, err
	}
	port, ok := state.Ports[e.opts.DevPort]
	if !ok || port == 0 {
		return 0, fmt.Errorf("port %d not published yet", e.opts.DevPort)
	}
	return port, nil
}

// absPath resolves a sandbox path against the working root.
func (e *Engine) absPath(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return e.opts.WorkDir + "/" + path
}

// shellQuote single-quotes s for use in a sh -c script.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// dirOf returns the parent directory of an absolute path.
func dirOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
