package docker

import (
	"strings"
	"testing"
)

func TestCreateArgs(t *testing.T) {
	args := createArgs(CreateOptions{
		Name:         "previewbox-sbx-1",
		Image:        "node:20-slim",
		Cmd:          []string{"sleep", "infinity"},
		Env:          []string{"NODE_ENV=development"},
		WorkingDir:   "/app",
		Labels:       map[string]string{"previewbox.sandbox": "sbx-1"},
		Network:      "bridge",
		PublishPorts: map[int]int{5173: 0},
		MemoryMB:     2048,
		CPUs:         2,
		PidsLimit:    512,
		AutoRemove:   true,
	})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"create",
		"--name previewbox-sbx-1",
		"--label previewbox.sandbox=sbx-1",
		"--network bridge",
		"--workdir /app",
		"-p 5173", // host port 0 means engine-assigned
		"--memory 2048m",
		"--cpus 2",
		"--pids-limit 512",
		"--rm",
		"-e NODE_ENV=development",
		"node:20-slim sleep infinity",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %q in args: %s", want, joined)
		}
	}

	// Image must come before the container command.
	if !strings.HasSuffix(joined, "node:20-slim sleep infinity") {
		t.Errorf("expected image and cmd last, got: %s", joined)
	}
}

func TestCreateArgsFixedHostPort(t *testing.T) {
	args := createArgs(CreateOptions{
		Image:        "node:20-slim",
		PublishPorts: map[int]int{5173: 8080},
	})
	if !strings.Contains(strings.Join(args, " "), "-p 8080:5173") {
		t.Errorf("expected fixed host port mapping, got: %v", args)
	}
}

func TestCreateArgsMinimal(t *testing.T) {
	args := createArgs(CreateOptions{Image: "alpine"})
	joined := strings.Join(args, " ")
	for _, unwanted := range []string{"--name", "--network", "--memory", "--cpus", "--rm", "-p"} {
		if strings.Contains(joined, unwanted+" ") {
			t.Errorf("unexpected %q in minimal args: %s", unwanted, joined)
		}
	}
	if args[len(args)-1] != "alpine" {
		t.Errorf("expected image last, got: %v", args)
	}
}

func TestParseInspect(t *testing.T) {
	data := []byte(`[
	  {
	    "State": {"Status": "running", "Running": true},
	    "NetworkSettings": {
	      "Ports": {
	        "5173/tcp": [
	          {"HostIp": "0.0.0.0", "HostPort": "49321"},
	          {"HostIp": "::", "HostPort": "49321"}
	        ],
	        "9229/tcp": null
	      }
	    }
	  }
	]`)

	state, err := parseInspect(data)
	if err != nil {
		t.Fatalf("parseInspect: %v", err)
	}
	if state.Status != "running" || !state.Running {
		t.Fatalf("expected running state, got %+v", state)
	}
	if state.Ports[5173] != 49321 {
		t.Fatalf("expected published port 49321, got %v", state.Ports)
	}
	if _, ok := state.Ports[9229]; ok {
		t.Fatalf("expected unbound port to be absent, got %v", state.Ports)
	}
}

func TestParseInspectStopped(t *testing.T) {
	data := []byte(`[{"State": {"Status": "exited", "Running": false}, "NetworkSettings": {"Ports": {}}}]`)
	state, err := parseInspect(data)
	if err != nil {
		t.Fatalf("parseInspect: %v", err)
	}
	if state.Running || state.Status != "exited" {
		t.Fatalf("expected exited state, got %+v", state)
	}
}

func TestParseInspectEmpty(t *testing.T) {
	if _, err := parseInspect([]byte(`[]`)); err == nil {
		t.Fatal("expected error for missing container")
	}
	if _, err := parseInspect([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed output")
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef0123"); got != "0123456789ab" {
		t.Errorf("expected truncated ID, got %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("expected short ID unchanged, got %q", got)
	}
}
