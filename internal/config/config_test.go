package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/tether/internal/security"
)

// clearEnv isolates a test from overrides present on the host.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		EnvDataDir, EnvLogLevel, EnvSecurityLevel, EnvSandboxTimeoutMS,
		EnvRateLimitMax, EnvRateLimitWindowMS, EnvScreenshotKey,
		EnvTargetWebSocketURL, EnvHTTPListenAddr,
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "tether.yaml", `
data_dir: /var/lib/tether
security:
  level: balanced
  audit_retention_days: 30
  rate_limit:
    max_requests: 5
    window_ms: 1000
sandbox:
  type: docker
  docker:
    image: node:20
target:
  ports: [9333]
storage:
  driver: postgres
  postgres:
    dsn_ref: env://TETHER_PG_DSN
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.Level != "balanced" || cfg.Security.Retention() != 30*24*time.Hour {
		t.Errorf("security = %+v", cfg.Security)
	}
	if got := cfg.Security.DefaultRateLimit(); got.MaxRequests != 5 || got.Window != time.Second {
		t.Errorf("DefaultRateLimit = %+v", got)
	}
	if cfg.Sandbox.SandboxType() != "docker" || cfg.Sandbox.DockerImage() != "node:20" {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if ports := cfg.Target.CandidatePorts(); len(ports) != 1 || ports[0] != 9333 {
		t.Errorf("ports = %v", ports)
	}
	if cfg.StorageDriverName() != "postgres" {
		t.Errorf("driver = %s", cfg.StorageDriverName())
	}
	if cfg.DatabasePath() != filepath.Join("/var/lib/tether", "tether.db") {
		t.Errorf("DatabasePath = %s", cfg.DatabasePath())
	}
}

func TestLoad_JSON(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "tether.json", `{"security":{"level":"permissive"},"log":{"format":"json"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.Level != "permissive" || cfg.Log.Format != "json" {
		t.Errorf("got %+v", cfg)
	}
}

func TestLoadOrDefault(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.StorageDriverName() != "sqlite" || cfg.Sandbox.SandboxType() != "process" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Gateways.HTTP.Addr() != "127.0.0.1:8420" || cfg.Gateways.HTTP.MaxBodyBytes() != 1<<20 {
		t.Errorf("http defaults = %+v", cfg.Gateways.HTTP)
	}
	if cfg.Security.SessionTimeout() != 24*time.Hour || cfg.Security.RetentionSchedule() != "@daily" {
		t.Errorf("security defaults = %+v", cfg.Security)
	}
	if got := cfg.Security.DefaultRateLimit(); got.MaxRequests != 100 || got.Window != time.Minute {
		t.Errorf("rate limit defaults = %+v", got)
	}
	if cfg.MetricsEnabled() || cfg.MetricsPath() != "/metrics" {
		t.Error("metrics should be off by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "tether.yaml", "security:\n  level: permissive\n  sandbox_timeout_ms: 100\n")
	t.Setenv(EnvSecurityLevel, "balanced")
	t.Setenv(EnvSandboxTimeoutMS, "1500")
	t.Setenv(EnvRateLimitMax, "7")
	t.Setenv(EnvScreenshotKey, "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Security.Level != "balanced" {
		t.Errorf("env level did not win: %s", cfg.Security.Level)
	}
	if cfg.Security.RateLimit.MaxRequests != 7 || cfg.Screenshot.Secret != "from-env" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	p, err := cfg.ResolveProfile()
	if err != nil {
		t.Fatal(err)
	}
	if p.Level != security.LevelBalanced || p.SandboxTimeout != 1500*time.Millisecond {
		t.Errorf("profile = %+v", p)
	}

	t.Setenv(EnvRateLimitWindowMS, "soon")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), EnvRateLimitWindowMS) {
		t.Errorf("non-integer override: err = %v", err)
	}
}

func TestResolveProfile_DefaultsToStrict(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatal(err)
	}
	p, err := cfg.ResolveProfile()
	if err != nil {
		t.Fatal(err)
	}
	if p.Level != security.LevelStrict || p.RiskThreshold != security.RiskLow || !p.EnableScreenshotEncryption {
		t.Errorf("profile = %+v", p)
	}
	if p.SandboxTimeout != 3*time.Second {
		t.Errorf("timeout = %v", p.SandboxTimeout)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown level", `{"security":{"level":"yolo"}}`, "security.level"},
		{"sandbox type", `{"sandbox":{"type":"vm"}}`, "sandbox.type"},
		{"storage driver", `{"storage":{"driver":"mysql"}}`, "storage.driver"},
		{"postgres without dsn", `{"storage":{"driver":"postgres"}}`, "dsn"},
		{"literal secret ref", `{"screenshot":{"secret_ref":"hunter2"}}`, "secret_ref"},
		{"negative timeout", `{"security":{"sandbox_timeout_ms":-1}}`, "sandbox_timeout_ms"},
		{"bad port", `{"target":{"ports":[70000]}}`, "target.ports"},
		{"log format", `{"log":{"format":"xml"}}`, "log.format"},
		{"tracing protocol", `{"observability":{"tracing":{"enabled":true,"protocol":"udp"}}}`, "tracing.protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.json", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolvedDataDir_Tilde(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg := &Config{DataDir: "~/state"}
	if got := cfg.ResolvedDataDir(); got != filepath.Join(home, "state") {
		t.Errorf("ResolvedDataDir = %s", got)
	}
	if got := cfg.ScreenshotDir(); got != filepath.Join(home, "state", "screenshots") {
		t.Errorf("ScreenshotDir = %s", got)
	}
}
