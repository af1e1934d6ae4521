// Package server provides the previewbox HTTP API. It is an external
// collaborator of the sandbox core: every handler only calls the provider
// contract.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/previewbox/previewbox/internal/config"
	"github.com/previewbox/previewbox/internal/factory"
	"github.com/previewbox/previewbox/internal/registry"
	"github.com/previewbox/previewbox/pkg/eventbus"
	"github.com/previewbox/previewbox/pkg/provider"
)

// Server is the previewbox HTTP API server. It constructs one provider
// instance per live sandbox and keeps them in memory; sandbox records and
// lifecycle events are persisted in the registry.
type Server struct {
	config   *config.Config
	registry *registry.Registry
	bus      eventbus.Bus
	router   chi.Router

	// newProvider constructs a fresh provider per sandbox. Stubbed in
	// tests.
	newProvider func() (provider.Provider, error)

	mu     sync.Mutex
	active map[string]provider.Provider // live providers by sandbox ID
}

// New creates a new Server with all dependencies.
func New(cfg *config.Config) (*Server, error) {
	reg, err := registry.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing registry: %w", err)
	}

	s := &Server{
		config:      cfg,
		registry:    reg,
		bus:         eventbus.NewInMemoryBus(),
		newProvider: func() (provider.Provider, error) { return factory.New(cfg) },
		active:      make(map[string]provider.Provider),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.reapIdleSandboxes(ctx)

	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("previewbox server listening on %s (provider: %s)", s.config.ServerAddr, s.config.Provider)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	s.terminateAll()
	return s.registry.Close()
}

// terminateAll tears down every live sandbox on shutdown.
func (s *Server) terminateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for id, p := range s.active {
		p.Terminate(ctx)
		s.markTerminated(id, "server shutdown")
		delete(s.active, id)
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Route("/api", func(r chi.Router) {
		r.Post("/sandboxes", s.handleCreateSandbox)
		r.Get("/sandboxes", s.handleListSandboxes)
		r.Get("/sandboxes/{id}", s.handleGetSandbox)
		r.Delete("/sandboxes/{id}", s.handleTerminateSandbox)
		r.Get("/sandboxes/{id}/events", s.handleSandboxEvents)
		r.Post("/sandboxes/{id}/commands", s.handleRunCommand)
		r.Post("/sandboxes/{id}/packages", s.handleInstallPackages)
		r.Get("/sandboxes/{id}/files", s.handleReadFile)
		r.Put("/sandboxes/{id}/files", s.handleWriteFile)
		r.Get("/sandboxes/{id}/files/list", s.handleListFiles)
		r.Post("/sandboxes/{id}/devserver/setup", s.handleSetupDevApp)
		r.Post("/sandboxes/{id}/devserver/restart", s.handleRestartDevServer)
	})

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type sandboxResponse struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	URL      string `json:"url,omitempty"`
	Alive    bool   `json:"alive"`
}

type runCommandRequest struct {
	Command string `json:"command"`
}

type installPackagesRequest struct {
	Packages []string `json:"packages"`
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type readFileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type listFilesResponse struct {
	Dir   string   `json:"dir"`
	Files []string `json:"files"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	p, err := s.newProvider()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	info, err := p.CreateSandbox(r.Context())
	if err != nil {
		log.Printf("Provisioning sandbox: %v", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	now := time.Now().UTC()
	rec := &registry.Sandbox{
		ID:        info.SandboxID,
		Provider:  string(info.Provider),
		URL:       info.URL,
		Status:    registry.StatusReady,
		CreatedAt: info.CreatedAt,
		UpdatedAt: now,
	}
	if err := s.registry.Create(rec); err != nil {
		log.Printf("Recording sandbox %s: %v", info.SandboxID, err)
	}

	s.mu.Lock()
	s.active[info.SandboxID] = p
	s.mu.Unlock()

	s.emitEvent(info.SandboxID, "status", "sandbox provisioned")
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	sandboxes, err := s.registry.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sandboxes")
		log.Printf("Error listing sandboxes: %v", err)
		return
	}
	if sandboxes == nil {
		sandboxes = []*registry.Sandbox{}
	}
	writeJSON(w, http.StatusOK, sandboxes)
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}

	resp := sandboxResponse{
		ID:       rec.ID,
		Provider: rec.Provider,
		URL:      rec.URL,
	}
	if p, ok := s.provider(id); ok {
		resp.Alive = p.IsAlive(r.Context())
		// The published port mapping can resolve after creation; refresh.
		if url := p.SandboxURL(r.Context()); url != "" && url != rec.URL {
			resp.URL = url
			rec.URL = url
			if err := s.registry.Update(rec); err != nil {
				log.Printf("Updating sandbox %s URL: %v", id, err)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTerminateSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}

	s.mu.Lock()
	p, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()

	if ok {
		p.Terminate(r.Context())
	}
	s.markTerminated(id, "")
	s.emitEvent(id, "status", "sandbox terminated")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.provider(id)
	if !ok {
		writeError(w, http.StatusConflict, "sandbox not active on this server")
		return
	}

	var req runCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	result, err := p.RunCommand(r.Context(), req.Command)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	s.touch(id)
	s.emitEvent(id, "command", req.Command)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInstallPackages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.provider(id)
	if !ok {
		writeError(w, http.StatusConflict, "sandbox not active on this server")
		return
	}

	var req installPackagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Packages) == 0 {
		writeError(w, http.StatusBadRequest, "packages is required")
		return
	}

	result, err := p.InstallPackages(r.Context(), req.Packages)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	s.touch(id)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.provider(id)
	if !ok {
		writeError(w, http.StatusConflict, "sandbox not active on this server")
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	content, err := p.ReadFile(r.Context(), path)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	s.touch(id)
	writeJSON(w, http.StatusOK, readFileResponse{Path: path, Content: content})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.provider(id)
	if !ok {
		writeError(w, http.StatusConflict, "sandbox not active on this server")
		return
	}

	var req writeFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	if err := p.WriteFile(r.Context(), req.Path, req.Content); err != nil {
		s.writeProviderError(w, err)
		return
	}
	s.touch(id)
	s.emitEvent(id, "file", req.Path)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.provider(id)
	if !ok {
		writeError(w, http.StatusConflict, "sandbox not active on this server")
		return
	}

	dir := r.URL.Query().Get("dir")
	files, err := p.ListFiles(r.Context(), dir)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, listFilesResponse{Dir: dir, Files: files})
}

func (s *Server) handleSetupDevApp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.provider(id)
	if !ok {
		writeError(w, http.StatusConflict, "sandbox not active on this server")
		return
	}

	ds, ok := p.(provider.DevServer)
	if !ok {
		writeError(w, http.StatusNotImplemented, "provider does not support dev-server setup")
		return
	}

	if err := ds.SetupDevApp(r.Context()); err != nil {
		s.writeProviderError(w, err)
		return
	}
	s.touch(id)
	s.emitEvent(id, "status", "dev app scaffolded")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestartDevServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.provider(id)
	if !ok {
		writeError(w, http.StatusConflict, "sandbox not active on this server")
		return
	}

	ds, ok := p.(provider.DevServer)
	if !ok {
		writeError(w, http.StatusNotImplemented, "provider does not support dev-server restart")
		return
	}

	if err := ds.RestartDevServer(r.Context()); err != nil {
		s.writeProviderError(w, err)
		return
	}
	s.touch(id)
	s.emitEvent(id, "status", "dev server restarted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSandboxEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Send historical events first.
	events, _ := s.registry.Events(id, 0)
	for _, e := range events {
		writeSSE(w, e.ID, e.Type, e)
	}
	flusher.Flush()

	ch := s.bus.Subscribe(id)
	defer s.bus.Unsubscribe(id, ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, 0, event.Type, event)
			flusher.Flush()
		}
	}
}

// --- Internals ---

// provider returns the live provider for a sandbox ID, if this server
// holds it.
func (s *Server) provider(id string) (provider.Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.active[id]
	return p, ok
}

// touch records activity so the idle reaper leaves the sandbox alone.
func (s *Server) touch(id string) {
	if err := s.registry.Touch(id); err != nil {
		log.Printf("Touching sandbox %s: %v", id, err)
	}
}

func (s *Server) markTerminated(id, reason string) {
	rec, err := s.registry.Get(id)
	if err != nil {
		return
	}
	rec.Status = registry.StatusTerminated
	rec.Error = reason
	if err := s.registry.Update(rec); err != nil {
		log.Printf("Marking sandbox %s terminated: %v", id, err)
	}
}

// emitEvent persists a lifecycle event and publishes it on the bus.
func (s *Server) emitEvent(sandboxID, eventType, data string) {
	now := time.Now().UTC()
	event := &registry.Event{
		SandboxID: sandboxID,
		Type:      eventType,
		Data:      data,
		CreatedAt: now,
	}
	if err := s.registry.AddEvent(event); err != nil {
		log.Printf("Recording event for sandbox %s: %v", sandboxID, err)
	}
	s.bus.Publish(sandboxID, &eventbus.Event{
		SandboxID: sandboxID,
		Type:      eventType,
		Data:      data,
		CreatedAt: now,
	})
}

// reapIdleSandboxes periodically terminates sandboxes that have seen no
// activity for longer than SandboxIdleTimeout.
func (s *Server) reapIdleSandboxes(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			ids := make([]string, 0, len(s.active))
			for id := range s.active {
				ids = append(ids, id)
			}
			s.mu.Unlock()

			for _, id := range ids {
				rec, err := s.registry.Get(id)
				if err != nil {
					continue
				}
				if time.Since(rec.UpdatedAt) <= s.config.SandboxIdleTimeout {
					continue
				}
				log.Printf("Reaping idle sandbox %s (idle for %v)", id, time.Since(rec.UpdatedAt))

				s.mu.Lock()
				p, ok := s.active[id]
				delete(s.active, id)
				s.mu.Unlock()

				if ok {
					p.Terminate(ctx)
				}
				s.markTerminated(id, "sandbox timed out due to inactivity")
				s.emitEvent(id, "status", "sandbox stopped (idle timeout)")
			}
		}
	}
}

// writeProviderError maps provider error kinds onto HTTP statuses.
func (s *Server) writeProviderError(w http.ResponseWriter, err error) {
	var fileErr *provider.FileError
	switch {
	case errors.Is(err, provider.ErrNotProvisioned):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, provider.ErrUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.As(err, &fileErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, id int64, eventType string, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, eventType, string(data))
}
