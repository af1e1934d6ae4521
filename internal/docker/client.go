// Package docker is a low-level client for the Docker engine, driven through
// the docker CLI. It is pure mechanism: connectivity probe, image pull,
// container create/start/stop/remove, exec with output capture, inspect.
// Policy (lifecycle, timeouts, serialization) lives in the engine.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Client runs Docker engine operations.
type Client struct {
	dockerBin string
}

// NewClient creates a Docker client, locating the docker binary on PATH or
// in well-known install locations (Docker Desktop on macOS, Homebrew, etc.).
func NewClient() *Client {
	return &Client{dockerBin: findDocker()}
}

func findDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (c *Client) docker(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, c.dockerBin, args...)
}

// Ping reports whether the Docker engine is reachable.
func (c *Client) Ping(ctx context.Context) bool {
	return c.docker(ctx, "version", "--format", "{{.Server.Version}}").Run() == nil
}

// PullImage pulls an image from the registry, blocking until complete.
func (c *Client) PullImage(ctx context.Context, image string) error {
	cmd := c.docker(ctx, "pull", image)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pulling image %q: %w\noutput: %s", image, err, string(output))
	}
	return nil
}

// CreateOptions configures a new container.
type CreateOptions struct {
	Name       string
	Image      string
	Cmd        []string // container command; empty for the image default
	Env        []string // KEY=VALUE pairs
	WorkingDir string
	Labels     map[string]string
	Volumes    []string // host:container bind mounts

	// Network is the Docker network mode ("bridge", "none", a named network).
	Network string

	// PublishPorts maps container ports to host ports. A zero host port asks
	// the engine to assign a free one.
	PublishPorts map[int]int

	// Resource limits (zero means no limit).
	MemoryMB  int
	CPUs      int
	PidsLimit int

	// AutoRemove removes the container when it stops.
	AutoRemove bool
}

// CreateContainer creates a container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, opts CreateOptions) (string, error) {
	cmd := c.docker(ctx, createArgs(opts)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("creating container: %w\noutput: %s", err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// createArgs translates CreateOptions into docker create arguments.
func createArgs(opts CreateOptions) []string {
	args := []string{"create"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	for k, v := range opts.Labels {
		args = append(args, "--label", k+"="+v)
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.WorkingDir != "" {
		args = append(args, "--workdir", opts.WorkingDir)
	}
	for _, v := range opts.Volumes {
		args = append(args, "-v", v)
	}
	for containerPort, hostPort := range opts.PublishPorts {
		if hostPort == 0 {
			args = append(args, "-p", fmt.Sprintf("%d", containerPort))
		} else {
			args = append(args, "-p", fmt.Sprintf("%d:%d", hostPort, containerPort))
		}
	}
	if opts.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.MemoryMB))
	}
	if opts.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%d", opts.CPUs))
	}
	if opts.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", opts.PidsLimit))
	}
	if opts.AutoRemove {
		args = append(args, "--rm")
	}
	for _, e := range opts.Env {
		args = append(args, "-e", e)
	}
	args = append(args, opts.Image)
	args = append(args, opts.Cmd...)
	return args
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if output, err := c.docker(ctx, "start", id).CombinedOutput(); err != nil {
		return fmt.Errorf("starting container: %w\noutput: %s", err, string(output))
	}
	return nil
}

// StopContainer stops a running container.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	if output, err := c.docker(ctx, "stop", id).CombinedOutput(); err != nil {
		return fmt.Errorf("stopping container: %w\noutput: %s", err, string(output))
	}
	return nil
}

// RemoveContainer force-removes a container.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if output, err := c.docker(ctx, "rm", "-f", id).CombinedOutput(); err != nil {
		return fmt.Errorf("removing container: %w\noutput: %s", err, string(output))
	}
	return nil
}

// ExecResult holds the captured output of an exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs argv inside a running container and captures its output. The
// command's exit code is returned in the result, not as an error; the error
// return is reserved for failures of the exec channel itself (container
// gone, context cancelled before the process could run).
func (c *Client) Exec(ctx context.Context, id string, argv []string, stdin io.Reader) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("exec: empty command")
	}
	args := append([]string{"exec", "-i", id}, argv...)

	cmd := c.docker(ctx, args...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("exec in container %s: %w", shortID(id), err)
	}
	return res, nil
}

// ContainerState is the subset of docker inspect the engine cares about.
type ContainerState struct {
	Status  string // "created", "running", "exited", ...
	Running bool

	// Ports maps container ports to their published host ports.
	Ports map[int]int
}

// Inspect returns the current state and published port mappings of a
// container.
func (c *Client) Inspect(ctx context.Context, id string) (*ContainerState, error) {
	cmd := c.docker(ctx, "inspect", id)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", shortID(id), err)
	}
	state, err := parseInspect(output)
	if err != nil {
		return nil, fmt.Errorf("container %s: %w", shortID(id), err)
	}
	return state, nil
}

// parseInspect extracts state and published ports from docker inspect JSON.
func parseInspect(output []byte) (*ContainerState, error) {
	var raw []struct {
		State struct {
			Status  string `json:"Status"`
			Running bool   `json:"Running"`
		} `json:"State"`
		NetworkSettings struct {
			Ports map[string][]struct {
				HostPort string `json:"HostPort"`
			} `json:"Ports"`
		} `json:"NetworkSettings"`
	}
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, fmt.Errorf("parsing inspect output: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("no such container")
	}

	state := &ContainerState{
		Status:  raw[0].State.Status,
		Running: raw[0].State.Running,
		Ports:   make(map[int]int),
	}
	for portProto, bindings := range raw[0].NetworkSettings.Ports {
		var containerPort int
		if _, err := fmt.Sscanf(portProto, "%d/", &containerPort); err != nil {
			continue
		}
		for _, b := range bindings {
			var hostPort int
			if _, err := fmt.Sscanf(b.HostPort, "%d", &hostPort); err == nil && hostPort > 0 {
				state.Ports[containerPort] = hostPort
				break
			}
		}
	}
	return state, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
