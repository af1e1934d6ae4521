package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/previewbox/previewbox/internal/config"
	"github.com/previewbox/previewbox/internal/registry"
	"github.com/previewbox/previewbox/pkg/eventbus"
	"github.com/previewbox/previewbox/pkg/provider"
)

// stubProvider is a scripted in-memory provider.
type stubProvider struct {
	createErr error
	alive     bool
	url       string
	files     map[string]string
	info      *provider.SandboxInfo

	commands       []string
	installedPkgs  []string
	terminateCalls int
	nextExitCode   int
}

var _ provider.Provider = (*stubProvider)(nil)

func newStubProvider() *stubProvider {
	return &stubProvider{files: make(map[string]string)}
}

func (p *stubProvider) CreateSandbox(ctx context.Context) (*provider.SandboxInfo, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.alive = true
	if p.url == "" {
		p.url = "http://localhost:49321"
	}
	p.info = &provider.SandboxInfo{
		SandboxID: "sbx-test-1",
		URL:       p.url,
		Provider:  provider.KindDocker,
		CreatedAt: time.Now().UTC(),
	}
	return p.info, nil
}

func (p *stubProvider) RunCommand(ctx context.Context, command string) (*provider.CommandResult, error) {
	if p.info == nil {
		return nil, provider.ErrNotProvisioned
	}
	p.commands = append(p.commands, command)
	return &provider.CommandResult{
		Stdout:   "out: " + command,
		ExitCode: p.nextExitCode,
		Success:  p.nextExitCode == 0,
	}, nil
}

func (p *stubProvider) WriteFile(ctx context.Context, path, content string) error {
	if p.info == nil {
		return provider.ErrNotProvisioned
	}
	p.files[path] = content
	return nil
}

func (p *stubProvider) ReadFile(ctx context.Context, path string) (string, error) {
	if p.info == nil {
		return "", provider.ErrNotProvisioned
	}
	content, ok := p.files[path]
	if !ok {
		return "", &provider.FileError{Op: "read", Path: path, Err: fmt.Errorf("no such file")}
	}
	return content, nil
}

func (p *stubProvider) ListFiles(ctx context.Context, dir string) ([]string, error) {
	if p.info == nil {
		return nil, provider.ErrNotProvisioned
	}
	names := make([]string, 0, len(p.files))
	for path := range p.files {
		names = append(names, path)
	}
	return names, nil
}

func (p *stubProvider) InstallPackages(ctx context.Context, names []string) (*provider.CommandResult, error) {
	if p.info == nil {
		return nil, provider.ErrNotProvisioned
	}
	p.installedPkgs = append(p.installedPkgs, names...)
	return &provider.CommandResult{Success: true}, nil
}

func (p *stubProvider) SandboxURL(ctx context.Context) string { return p.url }

func (p *stubProvider) SandboxInfo() *provider.SandboxInfo { return p.info }

func (p *stubProvider) Terminate(ctx context.Context) {
	p.terminateCalls++
	p.alive = false
	p.info = nil
}

func (p *stubProvider) IsAlive(ctx context.Context) bool { return p.alive }

// devStubProvider additionally implements the dev-server capability.
type devStubProvider struct {
	stubProvider
	setupCalls   int
	restartCalls int
}

var _ provider.DevServer = (*devStubProvider)(nil)

func (p *devStubProvider) SetupDevApp(ctx context.Context) error {
	p.setupCalls++
	return nil
}

func (p *devStubProvider) RestartDevServer(ctx context.Context) error {
	p.restartCalls++
	return nil
}

func newTestServer(t *testing.T, p provider.Provider) *Server {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	s := &Server{
		config: &config.Config{
			Provider:           "docker",
			SandboxIdleTimeout: 30 * time.Minute,
		},
		registry:    reg,
		bus:         eventbus.NewInMemoryBus(),
		newProvider: func() (provider.Provider, error) { return p, nil },
		active:      make(map[string]provider.Provider),
	}
	s.router = s.buildRouter()
	return s
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func createSandbox(t *testing.T, s *Server) string {
	t.Helper()
	rec := doRequest(t, s, "POST", "/api/sandboxes", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("creating sandbox: status %d: %s", rec.Code, rec.Body.String())
	}
	var info provider.SandboxInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}
	return info.SandboxID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, newStubProvider())
	rec := doRequest(t, s, "GET", "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestCreateSandbox(t *testing.T) {
	stub := newStubProvider()
	s := newTestServer(t, stub)

	id := createSandbox(t, s)
	if id != "sbx-test-1" {
		t.Fatalf("unexpected sandbox ID %q", id)
	}

	// The sandbox is persisted in the registry as ready.
	rec, err := s.registry.Get(id)
	if err != nil {
		t.Fatalf("registry.Get: %v", err)
	}
	if rec.Status != registry.StatusReady {
		t.Fatalf("expected ready status, got %q", rec.Status)
	}
	if rec.URL != "http://localhost:49321" {
		t.Fatalf("unexpected recorded URL %q", rec.URL)
	}

	// And held as a live provider.
	if _, ok := s.provider(id); !ok {
		t.Fatal("expected live provider for created sandbox")
	}
}

func TestCreateSandboxProvisionFailure(t *testing.T) {
	stub := newStubProvider()
	stub.createErr = &provider.ProvisionError{Provider: provider.KindDocker, Reason: "engine unreachable"}
	s := newTestServer(t, stub)

	rec := doRequest(t, s, "POST", "/api/sandboxes", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "engine unreachable") {
		t.Fatalf("expected provision reason in body, got %s", rec.Body.String())
	}
}

func TestGetSandbox(t *testing.T) {
	stub := newStubProvider()
	s := newTestServer(t, stub)
	id := createSandbox(t, s)

	rec := doRequest(t, s, "GET", "/api/sandboxes/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp sandboxResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ID != id || !resp.Alive {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestGetSandboxRefreshesURL(t *testing.T) {
	stub := newStubProvider()
	s := newTestServer(t, stub)
	id := createSandbox(t, s)

	// The published port resolved to a different URL after creation.
	stub.url = "http://localhost:50000"

	rec := doRequest(t, s, "GET", "/api/sandboxes/"+id, nil)
	var resp sandboxResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.URL != "http://localhost:50000" {
		t.Fatalf("expected refreshed URL, got %q", resp.URL)
	}

	stored, err := s.registry.Get(id)
	if err != nil {
		t.Fatalf("registry.Get: %v", err)
	}
	if stored.URL != "http://localhost:50000" {
		t.Fatalf("expected registry URL refreshed, got %q", stored.URL)
	}
}

func TestGetSandboxNotFound(t *testing.T) {
	s := newTestServer(t, newStubProvider())
	rec := doRequest(t, s, "GET", "/api/sandboxes/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListSandboxes(t *testing.T) {
	s := newTestServer(t, newStubProvider())

	rec := doRequest(t, s, "GET", "/api/sandboxes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}

	createSandbox(t, s)
	rec = doRequest(t, s, "GET", "/api/sandboxes", nil)
	var list []*registry.Sandbox
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one sandbox, got %d", len(list))
	}
}

func TestTerminateSandbox(t *testing.T) {
	stub := newStubProvider()
	s := newTestServer(t, stub)
	id := createSandbox(t, s)

	rec := doRequest(t, s, "DELETE", "/api/sandboxes/"+id, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.terminateCalls != 1 {
		t.Fatalf("expected one terminate call, got %d", stub.terminateCalls)
	}
	if _, ok := s.provider(id); ok {
		t.Fatal("expected provider released after terminate")
	}

	stored, err := s.registry.Get(id)
	if err != nil {
		t.Fatalf("registry.Get: %v", err)
	}
	if stored.Status != registry.StatusTerminated {
		t.Fatalf("expected terminated status, got %q", stored.Status)
	}

	// Commands against a terminated sandbox are rejected.
	rec = doRequest(t, s, "POST", "/api/sandboxes/"+id+"/commands", runCommandRequest{Command: "ls"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for terminated sandbox, got %d", rec.Code)
	}
}

func TestRunCommand(t *testing.T) {
	stub := newStubProvider()
	s := newTestServer(t, stub)
	id := createSandbox(t, s)

	rec := doRequest(t, s, "POST", "/api/sandboxes/"+id+"/commands", runCommandRequest{Command: "npm run build"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var result provider.CommandResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if !result.Success || result.Stdout != "out: npm run build" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(stub.commands) != 1 || stub.commands[0] != "npm run build" {
		t.Fatalf("command not forwarded: %v", stub.commands)
	}
}

func TestRunCommandValidation(t *testing.T) {
	s := newTestServer(t, newStubProvider())
	id := createSandbox(t, s)

	rec := doRequest(t, s, "POST", "/api/sandboxes/"+id+"/commands", runCommandRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty command, got %d", rec.Code)
	}
}

func TestNonZeroExitIsStillOK(t *testing.T) {
	stub := newStubProvider()
	s := newTestServer(t, stub)
	id := createSandbox(t, s)
	stub.nextExitCode = 1

	rec := doRequest(t, s, "POST", "/api/sandboxes/"+id+"/commands", runCommandRequest{Command: "false"})
	if rec.Code != http.StatusOK {
		t.Fatalf("non-zero exit must still be 200, got %d", rec.Code)
	}
	var result provider.CommandResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if result.Success || result.ExitCode != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestInstallPackages(t *testing.T) {
	stub := newStubProvider()
	s := newTestServer(t, stub)
	id := createSandbox(t, s)

	rec := doRequest(t, s, "POST", "/api/sandboxes/"+id+"/packages", installPackagesRequest{Packages: []string{"react", "vite"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if len(stub.installedPkgs) != 2 {
		t.Fatalf("packages not forwarded: %v", stub.installedPkgs)
	}

	rec = doRequest(t, s, "POST", "/api/sandboxes/"+id+"/packages", installPackagesRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty package list, got %d", rec.Code)
	}
}

func TestFileEndpoints(t *testing.T) {
	stub := newStubProvider()
	s := newTestServer(t, stub)
	id := createSandbox(t, s)

	rec := doRequest(t, s, "PUT", "/api/sandboxes/"+id+"/files", writeFileRequest{Path: "src/App.jsx", Content: "hi"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("write: status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, "GET", "/api/sandboxes/"+id+"/files?path=src/App.jsx", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: status %d: %s", rec.Code, rec.Body.String())
	}
	var read readFileResponse
	json.Unmarshal(rec.Body.Bytes(), &read)
	if read.Content != "hi" {
		t.Fatalf("unexpected content %q", read.Content)
	}

	rec = doRequest(t, s, "GET", "/api/sandboxes/"+id+"/files?path=missing.txt", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for missing file, got %d", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/api/sandboxes/"+id+"/files", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without path, got %d", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/api/sandboxes/"+id+"/files/list", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	var list listFilesResponse
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Files) != 1 || list.Files[0] != "src/App.jsx" {
		t.Fatalf("unexpected listing %+v", list)
	}
}

func TestDevServerEndpoints(t *testing.T) {
	stub := &devStubProvider{stubProvider: *newStubProvider()}
	s := newTestServer(t, stub)
	id := createSandbox(t, s)

	rec := doRequest(t, s, "POST", "/api/sandboxes/"+id+"/devserver/setup", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("setup: status %d: %s", rec.Code, rec.Body.String())
	}
	if stub.setupCalls != 1 {
		t.Fatalf("expected one setup call, got %d", stub.setupCalls)
	}

	rec = doRequest(t, s, "POST", "/api/sandboxes/"+id+"/devserver/restart", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("restart: status %d: %s", rec.Code, rec.Body.String())
	}
	if stub.restartCalls != 1 {
		t.Fatalf("expected one restart call, got %d", stub.restartCalls)
	}
}

func TestDevServerNotSupported(t *testing.T) {
	s := newTestServer(t, newStubProvider())
	id := createSandbox(t, s)

	rec := doRequest(t, s, "POST", "/api/sandboxes/"+id+"/devserver/setup", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 for provider without dev-server support, got %d", rec.Code)
	}
}

func TestSandboxEventsStream(t *testing.T) {
	stub := newStubProvider()
	s := newTestServer(t, stub)
	id := createSandbox(t, s)
	doRequest(t, s, "POST", "/api/sandboxes/"+id+"/commands", runCommandRequest{Command: "ls"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "/api/sandboxes/"+id+"/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	// Historical events arrive in order: provisioned, then the command.
	var types []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(types) < 2 || types[0] != "status" || types[1] != "command" {
		t.Fatalf("unexpected event sequence %v", types)
	}
}

func TestEventsForUnknownSandbox(t *testing.T) {
	s := newTestServer(t, newStubProvider())
	rec := doRequest(t, s, "GET", "/api/sandboxes/nope/events", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestTerminateAll(t *testing.T) {
	stub := newStubProvider()
	s := newTestServer(t, stub)
	id := createSandbox(t, s)

	s.terminateAll()

	if stub.terminateCalls != 1 {
		t.Fatalf("expected one terminate call, got %d", stub.terminateCalls)
	}
	stored, err := s.registry.Get(id)
	if err != nil {
		t.Fatalf("registry.Get: %v", err)
	}
	if stored.Status != registry.StatusTerminated {
		t.Fatalf("expected terminated status, got %q", stored.Status)
	}
}
