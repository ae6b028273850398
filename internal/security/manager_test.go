package security

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/tether/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryAudit records entries in memory.
type memoryAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (m *memoryAudit) LogSecurityEvent(_ context.Context, e AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memoryAudit) all() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// fakeExecutor returns a canned sandbox result.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []string
	timeouts []time.Duration
	result   sandbox.Result
}

func (f *fakeExecutor) ExecuteCode(_ context.Context, code string, timeout time.Duration) *sandbox.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, code)
	f.timeouts = append(f.timeouts, timeout)
	res := f.result
	return &res
}

func mustProfile(t *testing.T, level string) SecurityProfile {
	t.Helper()
	p, err := ProfileForLevel(level)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestManager(t *testing.T, level string, exec codeExecutor) (*Manager, *memoryAudit) {
	t.Helper()
	audit := &memoryAudit{}
	return NewManager(NewValidator(), exec, audit, mustProfile(t, level), discardLogger()), audit
}

func TestManager_ScenarioA_EvalBlocked(t *testing.T) {
	fake := &fakeExecutor{}
	m, audit := newTestManager(t, LevelStrict, fake)

	res := m.ExecuteSecurely(context.Background(), CommandRequest{
		Command:       `eval("process.exit(0)")`,
		OperationType: OpCommand,
	})
	if !res.Blocked || res.Success {
		t.Fatalf("blocked=%v success=%v, want blocked", res.Blocked, res.Success)
	}
	if res.RiskLevel != RiskCritical {
		t.Errorf("risk = %s, want critical", res.RiskLevel)
	}
	if !strings.Contains(res.Error, "eval") {
		t.Errorf("error = %q, want mention of eval", res.Error)
	}
	if len(fake.calls) != 0 {
		t.Errorf("sandbox invoked %d times, want 0", len(fake.calls))
	}
	if len(audit.all()) != 1 {
		t.Errorf("audit entries = %d, want 1", len(audit.all()))
	}
}

func TestManager_ScenarioB_SafeRead(t *testing.T) {
	fake := &fakeExecutor{result: sandbox.Result{Success: true, Result: "<document.title>"}}
	m, _ := newTestManager(t, LevelStrict, fake)

	res := m.ExecuteSecurely(context.Background(), CommandRequest{Command: "document.title", OperationType: OpCommand})
	if res.Blocked || !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.RiskLevel != RiskLow {
		t.Errorf("risk = %s, want low", res.RiskLevel)
	}
	if len(fake.calls) != 1 || fake.calls[0] != "document.title" {
		t.Errorf("sandbox calls = %v", fake.calls)
	}
	if fake.timeouts[0] != mustProfile(t, LevelStrict).SandboxTimeout {
		t.Errorf("timeout = %s, want profile timeout", fake.timeouts[0])
	}
}

func TestManager_ScenarioC_TooLong(t *testing.T) {
	m, _ := newTestManager(t, LevelStrict, &fakeExecutor{})

	res := m.ExecuteSecurely(context.Background(), CommandRequest{
		Command:       strings.Repeat("a", 10000),
		OperationType: OpCommand,
	})
	if !res.Blocked {
		t.Fatal("expected blocked")
	}
	if !strings.Contains(res.Error, "too long") {
		t.Errorf("error = %q, want length message", res.Error)
	}
}

func TestManager_MonotonicBlocking(t *testing.T) {
	for _, level := range []string{LevelStrict, LevelBalanced, LevelPermissive, LevelDevelopment} {
		m, _ := newTestManager(t, level, &fakeExecutor{result: sandbox.Result{Success: true}})
		for _, cmd := range []string{`eval("1")`, "require('fs')", "fetch('/x')", "new WebSocket('ws://x')", "'<script>'"} {
			res := m.ExecuteSecurely(context.Background(), CommandRequest{Command: cmd, OperationType: OpCommand})
			if !res.Blocked || res.RiskLevel != RiskCritical {
				t.Errorf("%s: %q blocked=%v risk=%s, want blocked critical", level, cmd, res.Blocked, res.RiskLevel)
			}
		}
	}
}

func TestManager_ThresholdGate(t *testing.T) {
	tests := []struct {
		level   string
		command string
		blocked bool
	}{
		{LevelStrict, "document.title", false},
		{LevelStrict, "el.value = 'x'", true},
		{LevelBalanced, "el.value = 'x'", false},
		{LevelBalanced, "window.open('https://example.com')", true},
		{LevelPermissive, "window.open('https://example.com')", false},
	}
	for _, tt := range tests {
		m, _ := newTestManager(t, tt.level, &fakeExecutor{result: sandbox.Result{Success: true}})
		res := m.ExecuteSecurely(context.Background(), CommandRequest{Command: tt.command, OperationType: OpCommand})
		if res.Blocked != tt.blocked {
			t.Errorf("%s %q: blocked = %v, want %v (%s)", tt.level, tt.command, res.Blocked, tt.blocked, res.Error)
		}
		if tt.blocked && !strings.Contains(res.Error, "exceeds threshold") {
			t.Errorf("%s %q: error = %q", tt.level, tt.command, res.Error)
		}
	}
}

func TestManager_NonCommandPassThrough(t *testing.T) {
	fake := &fakeExecutor{}
	m, _ := newTestManager(t, LevelStrict, fake)

	for _, op := range []OperationType{OpScreenshot, OpLogs, OpWindowInfo, OpInteraction} {
		res := m.ExecuteSecurely(context.Background(), CommandRequest{Command: " capture\x00 ", OperationType: op})
		if !res.Success || res.Blocked {
			t.Errorf("%s: result = %+v", op, res)
		}
		if res.Result != "capture" {
			t.Errorf("%s: result = %v, want sanitized command", op, res.Result)
		}
	}
	if len(fake.calls) != 0 {
		t.Errorf("sandbox invoked for non-command operations: %v", fake.calls)
	}
}

func TestManager_SandboxDisabled(t *testing.T) {
	fake := &fakeExecutor{}
	m, _ := newTestManager(t, LevelDevelopment, fake)

	res := m.ExecuteSecurely(context.Background(), CommandRequest{Command: "1 + 1"})
	if !res.Success || res.Result != "1 + 1" {
		t.Errorf("result = %+v, want pass-through", res)
	}
	if len(fake.calls) != 0 {
		t.Error("sandbox invoked while disabled")
	}
}

func TestManager_ControlCharacterKeywordBlocked(t *testing.T) {
	for _, level := range []string{LevelDevelopment, LevelStrict} {
		t.Run(level, func(t *testing.T) {
			fake := &fakeExecutor{}
			m, audit := newTestManager(t, level, fake)

			res := m.ExecuteSecurely(context.Background(), CommandRequest{
				Command:       "ev\x01al(\"1+1\")",
				OperationType: OpCommand,
			})
			if !res.Blocked || res.Success || res.RiskLevel != RiskCritical {
				t.Errorf("result = %+v, want critical block", res)
			}
			if res.Approved != "" {
				t.Errorf("approved = %q, want nothing approved", res.Approved)
			}
			if len(fake.calls) != 0 {
				t.Error("sandbox invoked for blocked command")
			}
			if entries := audit.all(); len(entries) != 1 || !entries[0].Blocked {
				t.Errorf("audit = %+v", entries)
			}
		})
	}
}

func TestManager_NoSandboxFailsClosed(t *testing.T) {
	audit := &memoryAudit{}
	m := NewManager(NewValidator(), nil, audit, mustProfile(t, LevelStrict), discardLogger())

	res := m.ExecuteSecurely(context.Background(), CommandRequest{Command: "document.title"})
	if res.Success || res.Blocked {
		t.Errorf("result = %+v, want execution failure", res)
	}
}

func TestManager_ExecutionFailureIsData(t *testing.T) {
	fake := &fakeExecutor{result: sandbox.Result{Error: "timeout"}}
	m, audit := newTestManager(t, LevelStrict, fake)

	res := m.ExecuteSecurely(context.Background(), CommandRequest{Command: "document.title"})
	if res.Success || res.Blocked || res.Error != "timeout" {
		t.Errorf("result = %+v, want unblocked failure", res)
	}
	entries := audit.all()
	if len(entries) != 1 || entries[0].Success || entries[0].Blocked || entries[0].Error != "timeout" {
		t.Errorf("audit = %+v", entries)
	}
}

func TestManager_AuditCompleteness(t *testing.T) {
	fake := &fakeExecutor{result: sandbox.Result{Success: true}}
	m, audit := newTestManager(t, LevelStrict, fake)

	reqs := []CommandRequest{
		{Command: "document.title", UserID: "u1", SourceIP: "10.0.0.1", UserAgent: "test"},
		{Command: `eval("x")`, UserID: "u2"},
		{Command: "el.value = 1", UserID: "u3"},
		{Command: "shot", OperationType: OpScreenshot},
		{Command: ""},
	}
	results := make([]*ExecutionResult, 0, len(reqs))
	for _, r := range reqs {
		results = append(results, m.ExecuteSecurely(context.Background(), r))
	}

	entries := audit.all()
	if len(entries) != len(reqs) {
		t.Fatalf("audit entries = %d, want %d", len(entries), len(reqs))
	}
	for i, e := range entries {
		if e.SessionID != results[i].SessionID.String() {
			t.Errorf("entry %d session = %s, want %s", i, e.SessionID, results[i].SessionID)
		}
		if e.Blocked != results[i].Blocked || e.Success != results[i].Success || e.RiskLevel != results[i].RiskLevel {
			t.Errorf("entry %d = %+v does not match result %+v", i, e, results[i])
		}
		if e.UserID != reqs[i].UserID {
			t.Errorf("entry %d user = %q", i, e.UserID)
		}
	}
	if entries[0].SourceIP != "10.0.0.1" || entries[0].UserAgent != "test" || entries[0].Action != "command" {
		t.Errorf("metadata not recorded: %+v", entries[0])
	}
	if entries[3].Action != "screenshot" {
		t.Errorf("action = %q, want screenshot", entries[3].Action)
	}
}

func TestManager_DistinctSessionIDs(t *testing.T) {
	m, _ := newTestManager(t, LevelStrict, &fakeExecutor{result: sandbox.Result{Success: true}})
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := m.ExecuteSecurely(context.Background(), CommandRequest{Command: "1"}).SessionID.String()
		if seen[id] {
			t.Fatalf("duplicate session id %s", id)
		}
		seen[id] = true
	}
}

func TestManager_SetProfile(t *testing.T) {
	m, _ := newTestManager(t, LevelStrict, &fakeExecutor{result: sandbox.Result{Success: true}})
	req := CommandRequest{Command: "el.value = 'x'"}

	if res := m.ExecuteSecurely(context.Background(), req); !res.Blocked {
		t.Fatal("medium risk allowed under strict")
	}
	m.SetProfile(mustProfile(t, LevelBalanced))
	if m.Profile().Level != LevelBalanced {
		t.Fatalf("profile = %s", m.Profile().Level)
	}
	if res := m.ExecuteSecurely(context.Background(), req); res.Blocked {
		t.Fatalf("medium risk blocked under balanced: %s", res.Error)
	}
}

func TestExecutionResult_JSON(t *testing.T) {
	m, _ := newTestManager(t, LevelStrict, &fakeExecutor{})
	res := m.ExecuteSecurely(context.Background(), CommandRequest{Command: `eval("1")`})

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"success", "riskLevel", "blocked", "sessionId", "executionTime", "error"} {
		if _, ok := got[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	if got["riskLevel"] != "critical" || got["blocked"] != true {
		t.Errorf("json = %s", data)
	}
}

func TestProfileForLevel(t *testing.T) {
	p, err := ProfileForLevel(" Strict ")
	if err != nil || p.Level != LevelStrict || p.RiskThreshold != RiskLow || !p.EnableSandbox {
		t.Errorf("strict profile = %+v, %v", p, err)
	}
	if _, err := ProfileForLevel("lenient"); err == nil {
		t.Error("expected error for unknown level")
	}
}

// Runs the real node sandbox end to end.
func newNodeManager(t *testing.T) (*Manager, string) {
	t.Helper()
	if _, err := exec.LookPath("node"); err != nil {
		t.Skip("node not available")
	}
	root := t.TempDir()
	proc := sandbox.NewProcessSandbox(sandbox.ProcessConfig{ScratchRoot: root}, discardLogger())
	code := sandbox.NewCodeSandbox(sandbox.CodeConfig{}, proc, discardLogger())
	profile := mustProfile(t, LevelStrict)
	profile.SandboxTimeout = 10 * time.Second
	return NewManager(NewValidator(), code, &memoryAudit{}, profile, discardLogger()), root
}

func TestManager_NodeSafePassthrough(t *testing.T) {
	m, _ := newNodeManager(t)
	for _, cmd := range []string{"document.title", "window.location.href", "Math.random()"} {
		res := m.ExecuteSecurely(context.Background(), CommandRequest{Command: cmd, OperationType: OpCommand})
		if res.Blocked || !res.Success || res.RiskLevel != RiskLow {
			t.Errorf("%q: result = %+v", cmd, res)
		}
	}
}

func TestManager_NodeConcurrent(t *testing.T) {
	m, root := newNodeManager(t)

	var wg sync.WaitGroup
	results := make([]*ExecutionResult, 2)
	cmds := []string{"'first'", "'second'"}
	for i := range cmds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.ExecuteSecurely(context.Background(), CommandRequest{Command: cmds[i], OperationType: OpCommand})
		}(i)
	}
	wg.Wait()

	if results[0].SessionID == results[1].SessionID {
		t.Error("concurrent calls share a session id")
	}
	for i, want := range []string{"first", "second"} {
		if !results[i].Success || results[i].Result != want {
			t.Errorf("call %d = %+v, want %q", i, results[i], want)
		}
	}
	if entries, _ := readDirNames(root); len(entries) != 0 {
		t.Errorf("scratch dirs left behind: %v", entries)
	}
}
