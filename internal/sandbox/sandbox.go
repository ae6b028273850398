// Package sandbox provides isolated execution for untrusted code.
// Every execution runs in a fresh OS process with its own scratch directory
// that is removed afterwards, whatever the outcome.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when an execution exceeds its wall-clock budget.
var ErrTimeout = errors.New("execution timed out")

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute (e.g. ["node", "harness.js"]).
	// Relative file arguments resolve against the scratch directory.
	Command []string

	// Files are written into the scratch directory (mode 0600) before the
	// command starts. Keys are base names; path separators are rejected.
	Files map[string][]byte

	// Env adds extra environment variables to the sanitized base set.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
	MaxDataMB     int // Writable data limit in MB (ulimit -d). Zero = unlimited.
}

// ExecutionResult captures the outcome of a sandboxed command.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Result is the structured outcome of one code execution. It is produced
// once and never retried.
type Result struct {
	Success       bool          `json:"success"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	Stack         string        `json:"stack,omitempty"`
	Logs          []string      `json:"logs,omitempty"`
	Stderr        string        `json:"stderr,omitempty"`
	ExitCode      int           `json:"exitCode"`
	ExecutionTime time.Duration `json:"executionTime"`
}
