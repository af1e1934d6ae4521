package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/previewbox/previewbox/internal/config"
	"github.com/previewbox/previewbox/internal/server"
)

func init() {
	rootCmd.AddCommand(serveCmd, createCmd, runCmd, writeCmd, readCmd, lsCmd,
		installCmd, setupDevCmd, restartDevCmd, urlCmd, listCmd, terminateCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the previewbox API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Start(ctx)
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a new sandbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		var info struct {
			SandboxID string `json:"sandbox_id"`
			URL       string `json:"url"`
			Provider  string `json:"provider"`
		}
		if err := apiCall("POST", "/api/sandboxes", nil, &info); err != nil {
			return err
		}
		fmt.Printf("Sandbox %s (%s)\n", info.SandboxID, info.Provider)
		if info.URL != "" {
			fmt.Printf("Preview: %s\n", info.URL)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <id> <command>",
	Short: "Run a command in a sandbox",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		command := strings.Join(args[1:], " ")

		var result struct {
			Stdout   string `json:"stdout"`
			Stderr   string `json:"stderr"`
			ExitCode int    `json:"exit_code"`
			Success  bool   `json:"success"`
		}
		err := apiCall("POST", "/api/sandboxes/"+id+"/commands",
			map[string]string{"command": command}, &result)
		if err != nil {
			return err
		}
		fmt.Print(result.Stdout)
		fmt.Fprint(os.Stderr, result.Stderr)
		if !result.Success {
			return fmt.Errorf("exit code %d", result.ExitCode)
		}
		return nil
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <id> <path>",
	Short: "Write stdin to a file in a sandbox",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		return apiCall("PUT", "/api/sandboxes/"+args[0]+"/files",
			map[string]string{"path": args[1], "content": string(content)}, nil)
	},
}

var readCmd = &cobra.Command{
	Use:   "read <id> <path>",
	Short: "Print a sandbox file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Content string `json:"content"`
		}
		err := apiCall("GET", "/api/sandboxes/"+args[0]+"/files?path="+url.QueryEscape(args[1]), nil, &resp)
		if err != nil {
			return err
		}
		fmt.Print(resp.Content)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <id> [dir]",
	Short: "List files in a sandbox directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) == 2 {
			dir = args[1]
		}
		var resp struct {
			Files []string `json:"files"`
		}
		err := apiCall("GET", "/api/sandboxes/"+args[0]+"/files/list?dir="+url.QueryEscape(dir), nil, &resp)
		if err != nil {
			return err
		}
		for _, f := range resp.Files {
			fmt.Println(f)
		}
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install <id> <package>...",
	Short: "Install packages in a sandbox",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Stderr   string `json:"stderr"`
			ExitCode int    `json:"exit_code"`
			Success  bool   `json:"success"`
		}
		err := apiCall("POST", "/api/sandboxes/"+args[0]+"/packages",
			map[string]any{"packages": args[1:]}, &result)
		if err != nil {
			return err
		}
		if !result.Success {
			fmt.Fprint(os.Stderr, result.Stderr)
			return fmt.Errorf("npm install failed with exit code %d", result.ExitCode)
		}
		fmt.Println("Installed", strings.Join(args[1:], ", "))
		return nil
	},
}

var setupDevCmd = &cobra.Command{
	Use:   "setup-dev <id>",
	Short: "Scaffold the dev app in a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall("POST", "/api/sandboxes/"+args[0]+"/devserver/setup", nil, nil)
	},
}

var restartDevCmd = &cobra.Command{
	Use:   "restart-dev <id>",
	Short: "Restart the dev server in a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall("POST", "/api/sandboxes/"+args[0]+"/devserver/restart", nil, nil)
	},
}

var urlCmd = &cobra.Command{
	Use:   "url <id>",
	Short: "Show the sandbox preview URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			URL   string `json:"url"`
			Alive bool   `json:"alive"`
		}
		if err := apiCall("GET", "/api/sandboxes/"+args[0], nil, &resp); err != nil {
			return err
		}
		if resp.URL == "" {
			return fmt.Errorf("preview URL not resolved yet")
		}
		fmt.Println(resp.URL)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		var sandboxes []struct {
			ID        string    `json:"id"`
			Provider  string    `json:"provider"`
			Status    string    `json:"status"`
			URL       string    `json:"url"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := apiCall("GET", "/api/sandboxes", nil, &sandboxes); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPROVIDER\tSTATUS\tURL\tCREATED")
		for _, sb := range sandboxes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				sb.ID, sb.Provider, sb.Status, sb.URL, sb.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <id>",
	Short: "Tear a sandbox down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall("DELETE", "/api/sandboxes/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("Terminated", args[0])
		return nil
	},
}

// apiCall performs a JSON round trip against the previewbox server.
func apiCall(method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling previewbox server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if respBody == nil {
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, respBody)
}
