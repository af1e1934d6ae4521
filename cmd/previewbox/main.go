// previewbox
//
// Short-lived, isolated sandboxes for AI-generated code: write files,
// install packages, and preview a dev server on Docker, E2B, or Vercel.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "previewbox",
	Short: "previewbox - Sandboxes for AI-generated code",
	Long: `previewbox provisions short-lived, isolated sandboxes in which
AI-generated code is written, installed, and previewed.

  previewbox serve                          Start the API server
  previewbox create                         Provision a sandbox
  previewbox run <id> "npm run build"       Run a command
  previewbox write <id> src/App.jsx < file  Write a file
  previewbox read <id> src/App.jsx          Read a file
  previewbox ls <id> [dir]                  List files
  previewbox install <id> left-pad          Install packages
  previewbox setup-dev <id>                 Scaffold the dev app
  previewbox url <id>                       Show the preview URL
  previewbox list                           List sandboxes
  previewbox terminate <id>                 Tear a sandbox down`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("PREVIEWBOX_SERVER", "http://localhost:7090"), "previewbox server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
