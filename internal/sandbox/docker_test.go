package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// skipIfNoDocker skips the test if Docker or the node image is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
	out, err := exec.Command("docker", "images", "-q", defaultDockerImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (docker pull %s)", defaultDockerImage, defaultDockerImage)
	}
}

func newTestDockerSandbox(t *testing.T) (*DockerSandbox, string) {
	t.Helper()
	skipIfNoDocker(t)

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewDockerSandbox(DockerConfig{
		DefaultTimeout: 30 * time.Second,
		MemoryMB:       128,
		CPUCores:       0.5,
		PIDsLimit:      32,
		ScratchRoot:    root,
	}, logger), root
}

func TestDockerSandbox_BasicExecution(t *testing.T) {
	sbx, _ := newTestDockerSandbox(t)

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"echo", "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestDockerSandbox_Timeout(t *testing.T) {
	sbx, _ := newTestDockerSandbox(t)

	_, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sleep", "60"},
		Timeout: 2 * time.Second,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestDockerSandbox_NoNetworkNonRoot(t *testing.T) {
	sbx, _ := newTestDockerSandbox(t)

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "id -u; wget -q -T 2 -O- http://1.1.1.1 >/dev/null 2>&1 || echo NETWORK_BLOCKED"},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Stdout, "65534") {
		t.Errorf("stdout = %q, want uid 65534", result.Stdout)
	}
	if !strings.Contains(result.Stdout, "NETWORK_BLOCKED") {
		t.Errorf("stdout = %q, want network failure", result.Stdout)
	}
}

func TestDockerSandbox_CodeAndCleanup(t *testing.T) {
	sbx, root := newTestDockerSandbox(t)
	code := NewCodeSandbox(CodeConfig{Containerized: true, Timeout: 20 * time.Second}, sbx, discardLogger())

	res := code.ExecuteCode(context.Background(), "1 + 2", 0)
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if got, ok := res.Result.(float64); !ok || got != 3 {
		t.Errorf("result = %v, want 3", res.Result)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch root not empty: %d entries", len(entries))
	}

	out, err := exec.Command("docker", "ps", "-a", "--filter", "name=tether-sbx", "--format", "{{.Names}}").Output()
	if err != nil {
		t.Fatalf("docker ps failed: %v", err)
	}
	if names := strings.TrimSpace(string(out)); names != "" {
		t.Errorf("found leftover containers: %s", names)
	}
}
