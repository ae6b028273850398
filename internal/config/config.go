// Package config handles loading and validating tether configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/tether/internal/ratelimit"
	"github.com/jkaninda/tether/internal/secrets"
	"github.com/jkaninda/tether/internal/security"
	"github.com/jkaninda/tether/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Environment overrides. Each one wins over the file value.
const (
	EnvConfig              = "TETHER_CONFIG"
	EnvDataDir             = "TETHER_DATA_DIR"
	EnvLogLevel            = "TETHER_LOG_LEVEL"
	EnvSecurityLevel       = "TETHER_SECURITY_LEVEL"
	EnvSandboxTimeoutMS    = "TETHER_SANDBOX_TIMEOUT_MS"
	EnvRateLimitMax        = "TETHER_RATE_LIMIT_MAX_REQUESTS"
	EnvRateLimitWindowMS   = "TETHER_RATE_LIMIT_WINDOW_MS"
	EnvAdminPassword       = "TETHER_ADMIN_PASSWORD"
	EnvScreenshotKey       = "SCREENSHOT_ENCRYPTION_KEY"
	EnvTargetWebSocketURL  = "TETHER_TARGET_WS_URL"
	EnvHTTPListenAddr      = "TETHER_LISTEN_ADDR"
	EnvAPIKey              = "TETHER_API_KEY" // Credential of the mcp command.
	defaultAuditRetention  = "@daily"
	defaultListenAddr      = "127.0.0.1:8420"
	defaultMaxRequestBytes = 1 << 20
)

// Config is the root configuration for tether.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.tether. Override: TETHER_DATA_DIR.
	Log           LogConfig            `json:"log" yaml:"log"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Screenshot    ScreenshotConfig     `json:"screenshot" yaml:"screenshot"`
	Target        TargetConfig         `json:"target" yaml:"target"`
	Storage       storage.Config       `json:"storage" yaml:"storage"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Vault         *secrets.VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`                 // nil = env and file secret references only
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error. Override: TETHER_LOG_LEVEL.
	Format string `json:"format" yaml:"format"` // "text" (default) or "json".
}

// SecurityConfig configures the policy engine, audit trail and access control.
type SecurityConfig struct {
	Level                  string          `json:"level" yaml:"level"`                                               // strict (default), balanced, permissive, development. Override: TETHER_SECURITY_LEVEL.
	SandboxTimeoutMS       int             `json:"sandbox_timeout_ms,omitempty" yaml:"sandbox_timeout_ms,omitempty"` // 0 = profile default. Override: TETHER_SANDBOX_TIMEOUT_MS.
	AuditLogPath           string          `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"`         // Extra JSONL sink. Empty = store only.
	AuditRetentionDays     int             `json:"audit_retention_days" yaml:"audit_retention_days"`                 // 0 = keep forever.
	AuditRetentionSchedule string          `json:"audit_retention_schedule" yaml:"audit_retention_schedule"`         // Cron spec. Default: "@daily".
	AuditQueueSize         int             `json:"audit_queue_size" yaml:"audit_queue_size"`                         // Default: 1024.
	SessionTimeoutMinutes  int             `json:"session_timeout_minutes" yaml:"session_timeout_minutes"`           // Default: 1440 (24h).
	SessionCleanupSeconds  int             `json:"session_cleanup_seconds" yaml:"session_cleanup_seconds"`           // Default: 300.
	RateLimit              RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig is the default per-user fixed window.
type RateLimitConfig struct {
	MaxRequests int `json:"max_requests" yaml:"max_requests"` // Default: 100. Override: TETHER_RATE_LIMIT_MAX_REQUESTS.
	WindowMS    int `json:"window_ms" yaml:"window_ms"`       // Default: 60000. Override: TETHER_RATE_LIMIT_WINDOW_MS.
}

// SandboxConfig selects the process isolation used by the code sandbox.
type SandboxConfig struct {
	Type          string              `json:"type" yaml:"type"` // "process" (default) or "docker".
	NodePath      string              `json:"node_path,omitempty" yaml:"node_path,omitempty"`
	MaxMemoryMB   int                 `json:"max_memory_mb" yaml:"max_memory_mb"`     // Default: 256.
	MaxCPUSeconds int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds"` // Default: 10.
	Docker        DockerSandboxConfig `json:"docker" yaml:"docker"`
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image     string  `json:"image" yaml:"image"`           // Container image with node on PATH. Default: "node:22-alpine".
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`   // Docker --cpus flag (e.g. 0.5). 0 = 1.0 default.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"` // Docker --pids-limit flag. 0 = 64 default.
}

// ScreenshotConfig configures screenshot persistence and encryption.
type ScreenshotConfig struct {
	Dir       string `json:"dir,omitempty" yaml:"dir,omitempty"`               // Default: <data_dir>/screenshots.
	Secret    string `json:"secret,omitempty" yaml:"secret,omitempty"`         // Override: SCREENSHOT_ENCRYPTION_KEY.
	SecretRef string `json:"secret_ref,omitempty" yaml:"secret_ref,omitempty"` // e.g. "vault://secret/data/tether#screenshot_key".
}

// TargetConfig locates the application's remote-debugging endpoint.
type TargetConfig struct {
	Host         string `json:"host" yaml:"host"`                                       // Default: 127.0.0.1.
	Ports        []int  `json:"ports,omitempty" yaml:"ports,omitempty"`                 // Candidate ports. Default: 9222-9229.
	WebSocketURL string `json:"websocket_url,omitempty" yaml:"websocket_url,omitempty"` // Skip discovery. Override: TETHER_TARGET_WS_URL.
	URLContains  string `json:"url_contains,omitempty" yaml:"url_contains,omitempty"`   // Pick the first page whose URL contains this.
}

// GatewaysConfig configures the inbound transports.
type GatewaysConfig struct {
	HTTP HTTPGatewayConfig `json:"http" yaml:"http"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"` // Default: 127.0.0.1:8420. Override: TETHER_LISTEN_ADDR.
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "tether"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures the blocked-request ratio detector.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	BlockRateThreshold float64 `json:"block_rate_threshold" yaml:"block_rate_threshold"` // e.g. 0.5 = half the requests blocked. Default: 0.5
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
	MinRequests        int     `json:"min_requests" yaml:"min_requests"`                 // Below this count no alert fires. Default: 10
}

// MetricsEnabled reports whether Prometheus metrics are on.
func (c *Config) MetricsEnabled() bool {
	return c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path.
func (c *Config) MetricsPath() string {
	if c.MetricsEnabled() && c.Observability.Metrics.Path != "" {
		return c.Observability.Metrics.Path
	}
	return "/metrics"
}

// Load reads and parses the configuration file at path.
// Supports JSON (.json) and YAML (.yaml, .yml) formats.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	return finish(&cfg)
}

// LoadOrDefault loads path when the file exists and falls back to the
// built-in defaults otherwise. An empty path means defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables on the parsed file.
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvSecurityLevel); v != "" {
		c.Security.Level = v
	}
	if v := os.Getenv(EnvScreenshotKey); v != "" {
		c.Screenshot.Secret = v
	}
	if v := os.Getenv(EnvTargetWebSocketURL); v != "" {
		c.Target.WebSocketURL = v
	}
	if v := os.Getenv(EnvHTTPListenAddr); v != "" {
		c.Gateways.HTTP.ListenAddr = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvSandboxTimeoutMS, &c.Security.SandboxTimeoutMS},
		{EnvRateLimitMax, &c.Security.RateLimit.MaxRequests},
		{EnvRateLimitWindowMS, &c.Security.RateLimit.WindowMS},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", e.key, v)
		}
		*e.dst = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.Security.Level != "" {
		if _, err := security.ProfileForLevel(c.Security.Level); err != nil {
			return fmt.Errorf("security.level: %w", err)
		}
	}
	if c.Security.SandboxTimeoutMS < 0 {
		return fmt.Errorf("security.sandbox_timeout_ms must not be negative")
	}
	if c.Security.RateLimit.MaxRequests < 0 || c.Security.RateLimit.WindowMS < 0 {
		return fmt.Errorf("security.rate_limit values must not be negative")
	}
	if c.Security.AuditRetentionDays < 0 {
		return fmt.Errorf("security.audit_retention_days must not be negative")
	}
	switch c.Sandbox.Type {
	case "", "process", "docker":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process or docker)", c.Sandbox.Type)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	switch c.Storage.Driver {
	case "", storage.DriverSQLite:
	case storage.DriverPostgres:
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNRef == "" {
			return fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_ref is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}
	if ref := c.Screenshot.SecretRef; ref != "" && !secrets.IsReference(ref) {
		return fmt.Errorf("screenshot.secret_ref %q is not a secret reference (scheme://...)", ref)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not supported (use text or json)", c.Log.Format)
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be grpc or http")
		}
	}
	for _, p := range c.Target.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("target.ports: %d is not a valid port", p)
		}
	}
	return nil
}

// ResolveProfile returns the immutable security profile for this process.
// TETHER_SECURITY_LEVEL (applied by Load) wins over the file; with neither set
// the level is strict. A positive sandbox timeout override replaces the
// profile's default.
func (c *Config) ResolveProfile() (security.SecurityProfile, error) {
	level := c.Security.Level
	if level == "" {
		level = security.LevelStrict
	}
	p, err := security.ProfileForLevel(level)
	if err != nil {
		return security.SecurityProfile{}, err
	}
	if c.Security.SandboxTimeoutMS > 0 {
		p.SandboxTimeout = time.Duration(c.Security.SandboxTimeoutMS) * time.Millisecond
	}
	return p, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".tether"
		}
		return filepath.Join(home, ".tether")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "tether.db")
}

// ScreenshotDir returns the directory screenshots are written to.
func (c *Config) ScreenshotDir() string {
	if c.Screenshot.Dir != "" {
		if p, err := resolvePath(c.Screenshot.Dir); err == nil {
			return p
		}
		return c.Screenshot.Dir
	}
	return filepath.Join(c.ResolvedDataDir(), "screenshots")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage.Driver == "" {
		return storage.DefaultDriver
	}
	return c.Storage.Driver
}

// DefaultRateLimit returns the per-user window applied to users without
// their own limit.
func (s SecurityConfig) DefaultRateLimit() ratelimit.Limit {
	max, window := s.RateLimit.MaxRequests, s.RateLimit.WindowMS
	if max == 0 {
		max = 100
	}
	if window == 0 {
		window = 60_000
	}
	return ratelimit.Limit{MaxRequests: max, Window: time.Duration(window) * time.Millisecond}
}

// SessionTimeout returns the session inactivity timeout. Default: 24h.
func (s SecurityConfig) SessionTimeout() time.Duration {
	if s.SessionTimeoutMinutes > 0 {
		return time.Duration(s.SessionTimeoutMinutes) * time.Minute
	}
	return 24 * time.Hour
}

// SessionCleanupInterval returns how often expired sessions are swept. Default: 5m.
func (s SecurityConfig) SessionCleanupInterval() time.Duration {
	if s.SessionCleanupSeconds > 0 {
		return time.Duration(s.SessionCleanupSeconds) * time.Second
	}
	return 5 * time.Minute
}

// AuditQueue returns the async audit queue capacity. Default: 1024.
func (s SecurityConfig) AuditQueue() int {
	if s.AuditQueueSize > 0 {
		return s.AuditQueueSize
	}
	return 1024
}

// RetentionSchedule returns the cron spec of the audit purge job.
func (s SecurityConfig) RetentionSchedule() string {
	if s.AuditRetentionSchedule != "" {
		return s.AuditRetentionSchedule
	}
	return defaultAuditRetention
}

// Retention returns how long audit entries are kept. 0 = forever.
func (s SecurityConfig) Retention() time.Duration {
	return time.Duration(s.AuditRetentionDays) * 24 * time.Hour
}

// SandboxType returns "process" or "docker".
func (s SandboxConfig) SandboxType() string {
	if s.Type == "" {
		return "process"
	}
	return s.Type
}

// MemoryMB returns the sandbox memory cap. Default: 256.
func (s SandboxConfig) MemoryMB() int {
	if s.MaxMemoryMB > 0 {
		return s.MaxMemoryMB
	}
	return 256
}

// CPUSeconds returns the sandbox CPU-time cap. Default: 10.
func (s SandboxConfig) CPUSeconds() int {
	if s.MaxCPUSeconds > 0 {
		return s.MaxCPUSeconds
	}
	return 10
}

// DockerImage returns the sandbox container image.
func (s SandboxConfig) DockerImage() string {
	if s.Docker.Image != "" {
		return s.Docker.Image
	}
	return "node:22-alpine"
}

// TargetHost returns the debugging host. Default: 127.0.0.1.
func (t TargetConfig) TargetHost() string {
	if t.Host != "" {
		return t.Host
	}
	return "127.0.0.1"
}

// CandidatePorts returns the ports probed during discovery.
func (t TargetConfig) CandidatePorts() []int {
	if len(t.Ports) > 0 {
		return t.Ports
	}
	return []int{9222, 9223, 9224, 9225, 9226, 9227, 9228, 9229}
}

// Addr returns the HTTP listen address.
func (h HTTPGatewayConfig) Addr() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return defaultListenAddr
}

// MaxBodyBytes returns the request body cap. Default: 1 MiB.
func (h HTTPGatewayConfig) MaxBodyBytes() int64 {
	if h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return defaultMaxRequestBytes
}
