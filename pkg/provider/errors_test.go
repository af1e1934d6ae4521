package provider

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestProvisionErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ProvisionError{Provider: KindDocker, Reason: "engine unreachable", Err: cause}

	if !errors.Is(err, cause) {
		t.Fatal("expected ProvisionError to unwrap to its cause")
	}
	msg := err.Error()
	if !strings.Contains(msg, "docker") || !strings.Contains(msg, "engine unreachable") {
		t.Fatalf("unexpected message %q", msg)
	}

	// A reason with no underlying cause still formats cleanly.
	bare := &ProvisionError{Provider: KindE2B, Reason: "sandbox already active"}
	if strings.Contains(bare.Error(), "<nil>") {
		t.Fatalf("unexpected nil rendering in %q", bare.Error())
	}
}

func TestFileErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("no such file")
	err := &FileError{Op: "read", Path: "/app/missing.txt", Err: cause}

	if !errors.Is(err, cause) {
		t.Fatal("expected FileError to unwrap to its cause")
	}
	var fileErr *FileError
	if !errors.As(error(err), &fileErr) {
		t.Fatal("errors.As failed for FileError")
	}
	if !strings.Contains(err.Error(), "/app/missing.txt") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	if errors.Is(ErrNotProvisioned, ErrUnsupported) {
		t.Fatal("sentinels must not alias each other")
	}
}
