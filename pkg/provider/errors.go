package provider

import (
	"errors"
	"fmt"
)

// ErrNotProvisioned is returned when an operation is invoked before
// CreateSandbox or after Terminate. It is always a caller-logic bug and is
// never retried internally.
var ErrNotProvisioned = errors.New("sandbox not provisioned")

// ErrUnsupported is returned by an optional capability a backend declines
// to implement.
var ErrUnsupported = errors.New("operation not supported by this provider")

// ProvisionError is a creation-time failure: engine unreachable, quota
// exceeded, image pull failure, or a sandbox already live on this instance.
// It is fatal to that CreateSandbox call; the caller may retry by calling
// again.
type ProvisionError struct {
	Provider Kind
	Reason   string
	Err      error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: provisioning failed: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: provisioning failed: %s", e.Provider, e.Reason)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// FileError is a file read/write/list failure against a live sandbox,
// surfaced with the underlying backend message.
type FileError struct {
	Op   string // "read", "write", "list"
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }
