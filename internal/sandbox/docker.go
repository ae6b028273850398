package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerMemoryMB  = 512
	defaultDockerImage     = "node:20-alpine"

	// containerWorkDir is where the scratch directory is mounted read-only.
	containerWorkDir = "/sandbox"
)

// DockerConfig configures the Docker-based sandbox.
type DockerConfig struct {
	Image          string        // Container image with node on PATH.
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	ScratchRoot    string        // Parent of per-execution host scratch dirs.
}

// DockerSandbox executes commands inside ephemeral Docker containers.
//
// Security guarantees:
//   - Each execution gets its own container (--rm, plus deferred docker rm -f)
//   - ALL Linux capabilities dropped, no-new-privileges, non-root user
//   - Read-only root filesystem, scratch dir mounted read-only
//   - No network stack (--network=none)
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - stdout/stderr capped on the host
//   - Container and host scratch dir always cleaned up, even on timeout
type DockerSandbox struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerSandbox creates a Docker-based sandbox.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) *DockerSandbox {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	return &DockerSandbox{
		config: cfg,
		logger: logger,
	}
}

// Execute runs a command inside an ephemeral Docker container.
func (s *DockerSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := uuid.NewString()
	containerName := "tether-sbx-" + id[:8] + id[9:13]

	// Host scratch dir, readable by the container's nobody user.
	scratch := filepath.Join(s.config.ScratchRoot, "tether-sandbox-"+id)
	if err := os.Mkdir(scratch, 0755); err != nil {
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
		if err := os.WriteFile(filepath.Join(scratch, name), data, 0644); err != nil {
			return nil, fmt.Errorf("writing sandbox file %s: %w", name, err)
		}
	}

	memoryMB := s.config.MemoryMB
	if req.Limits.MaxMemoryMB > 0 {
		memoryMB = req.Limits.MaxMemoryMB
	}

	args := s.buildDockerArgs(containerName, scratch, memoryMB, req)
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	// The daemon stops the container once the client disconnects.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = waitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Debug("docker sandbox executing",
		slog.String("container", containerName),
		slog.String("image", s.config.Image),
		slog.Int("memory_mb", memoryMB),
		slog.Float64("cpu_cores", s.config.CPUCores),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// --rm does not fire on every path (OOM kill, daemon restart, cancel race).
	s.forceRemoveContainer(containerName)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			s.logger.Warn("docker sandbox timed out",
				slog.String("container", containerName),
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

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
	}

	s.logger.Debug("docker sandbox completed",
		slog.String("container", containerName),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// buildDockerArgs constructs the docker run argument list. The command
// itself is NOT included; the caller appends it.
func (s *DockerSandbox) buildDockerArgs(name, scratch string, memoryMB int, req ExecutionRequest) []string {
	memoryFlag := strconv.Itoa(memoryMB) + "m"
	cpuFlag := strconv.FormatFloat(s.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(s.config.PIDsLimit)

	args := []string{
		"run", "--rm",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--network=none",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=16m",
		"--volume", scratch + ":" + containerWorkDir + ":ro",
		"--workdir", containerWorkDir,

		"--env", "HOME=/tmp",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=C.UTF-8",
		"--env", "TERM=dumb",
	}

	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}

	return append(args, s.config.Image)
}

// forceRemoveContainer removes a container by name. Errors are logged,
// "No such container" is expected when --rm already cleaned up.
func (s *DockerSandbox) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		s.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}
