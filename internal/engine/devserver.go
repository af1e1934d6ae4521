package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/previewbox/previewbox/pkg/provider"
)

// Scaffold file contents for a conventional Vite + React dev app. The dev
// server binds all interfaces so the published port mapping reaches it.
const (
	viteConfig = `import { defineConfig } from 'vite'
import react from '@vitejs/plugin-react'

export default defineConfig({
  plugins: [react()],
  server: {
    host: '0.0.0.0',
    port: 5173,
  },
})
`

	indexHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>Sandbox App</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.jsx"></script>
  </body>
</html>
`

	mainJSX = `import React from 'react'
import ReactDOM from 'react-dom/client'
import App from './App.jsx'
import './index.css'

ReactDOM.createRoot(document.getElementById('root')).render(
  <React.StrictMode>
    <App />
  </React.StrictMode>,
)
`

	appJSX = `function App() {
  return (
    <div className="app">
      <h1>Sandbox ready</h1>
      <p>Edit src/App.jsx to get started.</p>
    </div>
  )
}

export default App
`

	indexCSS = `body {
  margin: 0;
  font-family: system-ui, -apple-system, sans-serif;
}

.app {
  padding: 2rem;
}
`
)

// devPackages is the toolchain installed by SetupDevApp.
var devPackages = []string{"react", "react-dom", "vite", "@vitejs/plugin-react"}

// SetupDevApp installs the frontend toolchain and writes the dev app
// scaffold into the sandbox. Each step is independent; the first failure
// aborts the rest.
func (e *Engine) SetupDevApp(ctx context.Context) error {
	res, err := e.InstallPackages(ctx, devPackages)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("installing dev packages: exit %d: %s", res.ExitCode, res.Stderr)
	}

	files := []struct {
		path    string
		content string
	}{
		{"vite.config.js", viteConfig},
		{"index.html", indexHTML},
		{"src/main.jsx", mainJSX},
		{"src/App.jsx", appJSX},
		{"src/index.css", indexCSS},
	}
	for _, f := range files {
		if err := e.WriteFile(ctx, f.path, f.content); err != nil {
			return fmt.Errorf("writing scaffold %s: %w", f.path, err)
		}
	}

	return e.rewriteDevScript(ctx)
}

// rewriteDevScript points the manifest's dev script at all interfaces on the
// conventional port, preserving whatever dependencies npm recorded.
func (e *Engine) rewriteDevScript(ctx context.Context) error {
	raw, err := e.ReadFile(ctx, "package.json")
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	var manifest map[string]any
	if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}
	scripts, _ := manifest["scripts"].(map[string]any)
	if scripts == nil {
		scripts = make(map[string]any)
	}
	scripts["dev"] = fmt.Sprintf("vite --host 0.0.0.0 --port %d", e.opts.DevPort)
	manifest["scripts"] = scripts

	updated, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return e.WriteFile(ctx, "package.json", string(updated)+"\n")
}

// devServerSettleDelay is how long RestartDevServer waits between killing
// the old process and launching the new one.
var devServerSettleDelay = time.Second

// RestartDevServer kills the running dev server by name pattern, waits a
// fixed settling delay, and relaunches the dev script detached. Inherently
// racy; fine for a development convenience, not a strong guarantee.
func (e *Engine) RestartDevServer(ctx context.Context) error {
	e.mu.Lock()
	if e.containerID == "" {
		e.mu.Unlock()
		return provider.ErrNotProvisioned
	}
	containerID := e.containerID
	e.mu.Unlock()

	// pkill exits 1 when nothing matched; that is not a failure here.
	if _, err := e.exec(ctx, containerID, []string{"pkill", "-f", "vite"}, nil); err != nil {
		return fmt.Errorf("stopping dev server: %w", err)
	}

	select {
	case <-time.After(devServerSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	script := fmt.Sprintf("cd %s && nohup npm run dev > /tmp/devserver.log 2>&1 &", shellQuote(e.opts.WorkDir))
	res, err := e.exec(ctx, containerID, []string{"sh", "-c", script}, nil)
	if err != nil {
		return fmt.Errorf("launching dev server: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("launching dev server: exit %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}
