package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout    = 30 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 4096

	// waitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the process group was killed.
	waitDelay = 2 * time.Second
)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
	// ScratchRoot is the parent of per-execution scratch directories.
	// Empty = os.TempDir().
	ScratchRoot string
}

// ProcessSandbox executes commands as isolated OS processes.
//
// Security guarantees:
//   - Each execution gets its own scratch directory (removed after)
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from parent, only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
type ProcessSandbox struct {
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	scratchRoot    string
	logger         *slog.Logger
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	limits := cfg.DefaultLimits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}

	root := cfg.ScratchRoot
	if root == "" {
		root = os.TempDir()
	}

	return &ProcessSandbox{
		defaultTimeout: timeout,
		defaultLimits:  limits,
		scratchRoot:    root,
		logger:         logger,
	}
}

// Execute runs a command in an isolated process environment.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Scratch directory keyed by a fresh random id, never reused.
	scratch := filepath.Join(s.scratchRoot, "tether-sandbox-"+uuid.NewString())
	if err := os.Mkdir(scratch, 0700); err != nil {
		return nil, fmt.Errorf("creating sandbox scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			s.logger.Warn("failed to remove sandbox scratch dir",
				slog.String("dir", scratch),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	for name, data := range req.Files {
		if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return nil, fmt.Errorf("invalid sandbox file name %q", name)
		}
		if err := os.WriteFile(filepath.Join(scratch, name), data, 0600); err != nil {
			return nil, fmt.Errorf("writing sandbox file %s: %w", name, err)
		}
	}

	limits := s.resolveLimits(req.Limits)

	// The command is wrapped:
	//   sh -c 'ulimit -v KB; ulimit -d KB; ulimit -t SEC; exec "$@"' _ cmd args...
	// exec "$@" with positional parameters keeps the command out of the
	// shell string, so nothing is interpolated.
	var script strings.Builder
	fmt.Fprintf(&script, "ulimit -v %d 2>/dev/null; ", limits.MaxMemoryMB*1024)
	if limits.MaxDataMB > 0 {
		fmt.Fprintf(&script, "ulimit -d %d 2>/dev/null; ", limits.MaxDataMB*1024)
	}
	fmt.Fprintf(&script, "ulimit -t %d 2>/dev/null; exec \"$@\"", limits.MaxCPUSeconds)

	args := make([]string, 0, 3+len(req.Command))
	args = append(args, "-c", script.String(), "_")
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = scratch
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Kill the entire process group on timeout/cancel so grandchildren die too.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
	cmd.Env = s.buildEnv(scratch, req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Debug("sandbox executing",
		slog.String("program", req.Command[0]),
		slog.String("dir", scratch),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("data_limit_mb", limits.MaxDataMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			s.logger.Warn("sandbox execution timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return &ExecutionResult{
				Stdout:   stdoutBuf.String(),
				Stderr:   stderrBuf.String(),
				ExitCode: -1,
				Duration: duration,
			}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}

		// Non-zero exit code is not an error, it's a result.
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	s.logger.Debug("sandbox execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// resolveLimits merges request-level overrides with sandbox defaults.
func (s *ProcessSandbox) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := s.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	if req.MaxDataMB > 0 {
		limits.MaxDataMB = req.MaxDataMB
	}
	return limits
}

// buildEnv constructs a minimal, safe environment.
// The parent process's environment is never inherited.
func (s *ProcessSandbox) buildEnv(scratch string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"LANG=C.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
