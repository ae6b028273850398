package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// ErrRuntimeUnavailable is reported when the JavaScript runtime cannot be found.
var ErrRuntimeUnavailable = errors.New("sandbox runtime unavailable")

const (
	defaultCodeTimeout = 5 * time.Second
	defaultHeapMB      = 256
	// dataOverheadMB is added on top of the V8 heap for the data rlimit.
	dataOverheadMB = 256
	// maxStderrBytes bounds the stderr excerpt returned to callers.
	maxStderrBytes = 2048
)

// CodeConfig configures the JavaScript code sandbox.
type CodeConfig struct {
	NodePath    string        // Default: "node" from PATH.
	Timeout     time.Duration // Default: 5s.
	MaxMemoryMB int           // V8 old-space cap. Default: 256.
	// Containerized means node lives inside the sandbox image, so the
	// binary is not looked up on the host.
	Containerized bool
}

// forbidden is one static denylist entry.
type forbidden struct {
	name    string
	pattern *regexp.Regexp
	module  bool
}

// Keywords rejected before any process is spawned.
var forbiddenIdentifiers = []string{
	"eval", "Function", "require", "import", "process", "child_process",
	"fs", "fetch", "XMLHttpRequest", "WebSocket", "__proto__",
	"constructor", "global", "globalThis", "Deno", "Bun",
}

// Module names are only matched as string literals, the way they appear
// in require()/import specifiers.
var forbiddenModules = []string{
	"fs", "child_process", "net", "dgram", "dns", "tls", "vm",
	"worker_threads", "cluster", "v8", "zlib", "http", "https", "http2",
	"os", "path", "crypto", "inspector", "module", "process",
}

var staticDenylist = buildDenylist()

func buildDenylist() []forbidden {
	out := make([]forbidden, 0, len(forbiddenIdentifiers)+len(forbiddenModules)+1)
	for _, id := range forbiddenIdentifiers {
		out = append(out, forbidden{name: id, pattern: regexp.MustCompile(`\b` + regexp.QuoteMeta(id) + `\b`)})
	}
	for _, m := range forbiddenModules {
		out = append(out, forbidden{
			name:    m,
			pattern: regexp.MustCompile(`['"\x60](?:node:)?` + regexp.QuoteMeta(m) + `(?:/[^'"\x60]*)?['"\x60]`),
			module:  true,
		})
	}
	out = append(out, forbidden{name: "node:", pattern: regexp.MustCompile(`['"\x60]node:`), module: true})
	return out
}

// templatePieceRe matches template substitutions that only splice in a
// literal, as in `re${''}quire`.
var templatePieceRe = regexp.MustCompile(`\$\{\s*['"\x60]([^'"\x60]*)['"\x60]\s*\}`)

var (
	unixPathRe    = regexp.MustCompile(`(^|[\s(@'"=])/[^\s:()'"]+`)
	windowsPathRe = regexp.MustCompile(`(?i)\b[a-z]:\\[^\s:()'"]+`)
)

// CodeSandbox runs untrusted JavaScript in a short-lived node process.
// Each call gets its own process and scratch directory; nothing is shared
// between concurrent executions.
type CodeSandbox struct {
	proc     Sandbox
	nodePath string
	lookErr  error
	timeout  time.Duration
	heapMB   int
	logger   *slog.Logger
}

// NewCodeSandbox creates a code sandbox on top of proc. A missing node
// binary is not fatal here: every execution then fails closed and
// Available reports the problem.
func NewCodeSandbox(cfg CodeConfig, proc Sandbox, logger *slog.Logger) *CodeSandbox {
	name := cfg.NodePath
	if name == "" {
		name = "node"
	}
	path, err := name, error(nil)
	if !cfg.Containerized {
		path, err = exec.LookPath(name)
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrRuntimeUnavailable, name, err)
		logger.Warn("javascript runtime not found, sandboxed execution disabled",
			slog.String("node", name),
		)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCodeTimeout
	}
	heap := cfg.MaxMemoryMB
	if heap <= 0 {
		heap = defaultHeapMB
	}

	return &CodeSandbox{
		proc:     proc,
		nodePath: path,
		lookErr:  err,
		timeout:  timeout,
		heapMB:   heap,
		logger:   logger,
	}
}

// Available returns nil when the runtime binary was found.
func (s *CodeSandbox) Available() error {
	return s.lookErr
}

// Timeout returns the default execution timeout.
func (s *CodeSandbox) Timeout() time.Duration {
	return s.timeout
}

// CheckStatic runs the static denylist on code and on code with literal
// template pieces folded. It returns a non-empty reason when code must not
// be executed.
func CheckStatic(code string) string {
	if reason := checkDenylist(code); reason != "" {
		return reason
	}
	if folded := templatePieceRe.ReplaceAllString(code, "${1}"); folded != code {
		return checkDenylist(folded)
	}
	return ""
}

func checkDenylist(code string) string {
	for _, f := range staticDenylist {
		if !f.pattern.MatchString(code) {
			continue
		}
		if f.module {
			return "Forbidden module reference: " + f.name
		}
		return "Forbidden identifier: " + f.name
	}
	return ""
}

// ExecuteCode runs code and always returns a result, never an error.
// timeout <= 0 uses the sandbox default.
func (s *CodeSandbox) ExecuteCode(ctx context.Context, code string, timeout time.Duration) *Result {
	start := time.Now()
	if timeout <= 0 {
		timeout = s.timeout
	}

	res := s.execute(ctx, code, timeout)
	res.ExecutionTime = time.Since(start)
	return res
}

func (s *CodeSandbox) execute(ctx context.Context, code string, timeout time.Duration) *Result {
	if reason := CheckStatic(code); reason != "" {
		s.logger.Warn("sandbox static check rejected code", slog.String("reason", reason))
		return &Result{Error: reason}
	}
	if s.lookErr != nil {
		return &Result{Error: ErrRuntimeUnavailable.Error()}
	}

	req := ExecutionRequest{
		Command: []string{
			s.nodePath,
			"--disallow-code-generation-from-strings",
			fmt.Sprintf("--max-old-space-size=%d", s.heapMB),
			harnessFile,
		},
		Files:   map[string][]byte{harnessFile: buildHarness(code)},
		Timeout: timeout,
		Limits: ResourceLimits{
			MaxCPUSeconds: int(timeout/time.Second) + 1,
			MaxDataMB:     s.heapMB + dataOverheadMB,
		},
	}

	out, err := s.proc.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return &Result{Error: "timeout", ExitCode: -1}
		}
		s.logger.Error("sandbox execution failed", slog.String("error", err.Error()))
		return &Result{Error: "sandbox execution failed", ExitCode: -1}
	}

	line := lastLine(out.Stdout)
	if out.ExitCode != 0 || line == "" {
		return &Result{
			Error:    fmt.Sprintf("process exited with code %d", out.ExitCode),
			ExitCode: out.ExitCode,
			Stderr:   scrubPaths(truncate(out.Stderr, maxStderrBytes)),
		}
	}

	var parsed struct {
		Success bool     `json:"success"`
		Result  any      `json:"result"`
		Error   string   `json:"error"`
		Stack   string   `json:"stack"`
		Logs    []string `json:"logs"`
	}
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return &Result{
			Error:    "sandbox produced malformed output",
			ExitCode: out.ExitCode,
			Stderr:   scrubPaths(truncate(out.Stderr, maxStderrBytes)),
		}
	}

	res := &Result{
		Success: parsed.Success,
		Result:  parsed.Result,
		Logs:    parsed.Logs,
	}
	if !parsed.Success {
		res.Error = scrubPaths(parsed.Error)
		res.Stack = scrubStack(parsed.Stack)
		if res.Error == "" {
			res.Error = "execution failed"
		}
	}
	return res
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// scrubPaths replaces absolute filesystem paths with a placeholder.
func scrubPaths(s string) string {
	s = unixPathRe.ReplaceAllString(s, "$1<path>")
	return windowsPathRe.ReplaceAllString(s, "<path>")
}

// scrubStack drops runtime-internal frames and strips paths.
func scrubStack(stack string) string {
	if stack == "" {
		return ""
	}
	lines := strings.Split(stack, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.Contains(l, "node:internal") {
			continue
		}
		kept = append(kept, scrubPaths(l))
		if len(kept) == 10 {
			break
		}
	}
	return strings.Join(kept, "\n")
}
