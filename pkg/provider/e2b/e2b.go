// Package e2b implements the sandbox provider contract against the E2B
// managed sandbox service.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/previewbox/previewbox/pkg/provider"
)

const defaultBaseURL = "https://api.e2b.dev"

// DefaultTemplate is the E2B template used for new sandboxes.
const DefaultTemplate = "base"

// Options configures the E2B provider.
type Options struct {
	APIKey   string
	Template string // sandbox template ID; DefaultTemplate if empty
	DevPort  int    // port baked into the preview URL; 5173 if zero

	// BaseURL overrides the API endpoint. Tests point this at a local
	// server.
	BaseURL string
}

// Client is the E2B sandbox provider. One instance holds at most one live
// sandbox. It does not implement the dev-server capability.
type Client struct {
	apiKey   string
	template string
	devPort  int
	baseURL  string
	client   *http.Client

	mu        sync.Mutex
	sandboxID string
	info      *provider.SandboxInfo
}

var _ provider.Provider = (*Client)(nil)

// New creates an E2B provider.
func New(opts Options) *Client {
	if opts.Template == "" {
		opts.Template = DefaultTemplate
	}
	if opts.DevPort <= 0 {
		opts.DevPort = 5173
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	return &Client{
		apiKey:   opts.APIKey,
		template: opts.Template,
		devPort:  opts.DevPort,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

func provisionErr(reason string, err error) *provider.ProvisionError {
	return &provider.ProvisionError{Provider: provider.KindE2B, Reason: reason, Err: err}
}

// CreateSandbox provisions a new E2B sandbox from the configured template.
func (c *Client) CreateSandbox(ctx context.Context) (*provider.SandboxInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sandboxID != "" {
		return nil, provisionErr(fmt.Sprintf("sandbox %s already active", c.sandboxID), nil)
	}

	var resp struct {
		SandboxID string `json:"sandboxID"`
	}
	err := c.do(ctx, "POST", "/sandboxes", map[string]any{
		"templateID": c.template,
	}, &resp)
	if err != nil {
		return nil, provisionErr("create sandbox", err)
	}
	if resp.SandboxID == "" {
		return nil, provisionErr("create sandbox", fmt.Errorf("no sandbox ID in response"))
	}

	c.sandboxID = resp.SandboxID
	c.info = &provider.SandboxInfo{
		SandboxID: resp.SandboxID,
		URL:       c.previewURL(resp.SandboxID),
		Provider:  provider.KindE2B,
		CreatedAt: time.Now().UTC(),
	}
	return c.info, nil
}

// previewURL builds the conventional E2B sandbox hostname.
func (c *Client) previewURL(sandboxID string) string {
	return fmt.Sprintf("https://%d-%s.e2b.app", c.devPort, sandboxID)
}

// RunCommand executes a shell command in the sandbox. Non-zero exits are
// reported in the result, never as an error.
func (c *Client) RunCommand(ctx context.Context, command string) (*provider.CommandResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sandboxID == "" {
		return nil, provider.ErrNotProvisioned
	}

	var resp struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exitCode"`
	}
	err := c.do(ctx, "POST", "/sandboxes/"+c.sandboxID+"/commands", map[string]any{
		"cmd": command,
	}, &resp)
	if err != nil {
		return &provider.CommandResult{ExitCode: -1, Stderr: err.Error()}, nil
	}
	return &provider.CommandResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		Success:  resp.ExitCode == 0,
	}, nil
}

// WriteFile writes content to a path in the sandbox filesystem.
func (c *Client) WriteFile(ctx context.Context, path, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sandboxID == "" {
		return provider.ErrNotProvisioned
	}
	err := c.do(ctx, "POST", "/sandboxes/"+c.sandboxID+"/files", map[string]any{
		"path":    path,
		"content": content,
	}, nil)
	if err != nil {
		return &provider.FileError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// ReadFile returns the content of a file in the sandbox filesystem.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sandboxID == "" {
		return "", provider.ErrNotProvisioned
	}
	var resp struct {
		Content string `json:"content"`
	}
	err := c.do(ctx, "GET", "/sandboxes/"+c.sandboxID+"/files?path="+url.QueryEscape(path), nil, &resp)
	if err != nil {
		return "", &provider.FileError{Op: "read", Path: path, Err: err}
	}
	return resp.Content, nil
}

// ListFiles returns the entries of a sandbox directory; "" means the home
// directory.
func (c *Client) ListFiles(ctx context.Context, dir string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sandboxID == "" {
		return nil, provider.ErrNotProvisioned
	}
	var resp struct {
		Entries []struct {
			Name string `json:"name"`
		} `json:"entries"`
	}
	err := c.do(ctx, "GET", "/sandboxes/"+c.sandboxID+"/files/list?path="+url.QueryEscape(dir), nil, &resp)
	if err != nil {
		return nil, &provider.FileError{Op: "list", Path: dir, Err: err}
	}
	names := make([]string, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// InstallPackages runs an npm install for the given packages.
func (c *Client) InstallPackages(ctx context.Context, names []string) (*provider.CommandResult, error) {
	return c.RunCommand(ctx, "npm install "+strings.Join(names, " "))
}

// SandboxURL returns the sandbox preview hostname.
func (c *Client) SandboxURL(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sandboxID == "" {
		return ""
	}
	return c.previewURL(c.sandboxID)
}

// SandboxInfo returns the handle for the live sandbox, or nil.
func (c *Client) SandboxInfo() *provider.SandboxInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// IsAlive reports whether the E2B sandbox is still running. Probe failures
// mean "not alive".
func (c *Client) IsAlive(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sandboxID == "" {
		return false
	}
	var resp struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, "GET", "/sandboxes/"+c.sandboxID, nil, &resp); err != nil {
		return false
	}
	return resp.State == "running"
}

// Terminate kills the sandbox. Failures are logged and swallowed; the
// handle is always cleared.
func (c *Client) Terminate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sandboxID == "" {
		return
	}
	if err := c.do(ctx, "DELETE", "/sandboxes/"+c.sandboxID, nil, nil); err != nil {
		log.Printf("E2B sandbox %s: terminating: %v", c.sandboxID, err)
	}
	c.sandboxID = ""
	c.info = nil
}

// do performs an authenticated JSON round trip against the E2B API.
func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("e2b API (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
