package security

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jkaninda/tether/internal/sandbox"
)

// auditCommandMax bounds the command text stored per audit entry.
const auditCommandMax = 1000

// commandValidator is the input classification contract.
// Satisfied by *Validator.
type commandValidator interface {
	ValidateCommand(req CommandRequest) ValidationResult
}

// codeExecutor is the sandbox contract.
// Satisfied by *sandbox.CodeSandbox.
type codeExecutor interface {
	ExecuteCode(ctx context.Context, code string, timeout time.Duration) *sandbox.Result
}

// Manager is the single mediation point between callers and execution.
// It holds no per-request state; the profile is swapped atomically.
type Manager struct {
	validator commandValidator
	sandbox   codeExecutor
	audit     AuditLogger
	profile   atomic.Pointer[SecurityProfile]
	logger    *slog.Logger
}

// NewManager creates a security manager. sbx may be nil, in which case
// commands that require sandboxing fail closed.
func NewManager(validator commandValidator, sbx codeExecutor, audit AuditLogger, profile SecurityProfile, logger *slog.Logger) *Manager {
	m := &Manager{
		validator: validator,
		sandbox:   sbx,
		audit:     audit,
		logger:    logger,
	}
	m.profile.Store(&profile)
	return m
}

// Profile returns the active security profile.
func (m *Manager) Profile() SecurityProfile {
	return *m.profile.Load()
}

// SetProfile swaps the active profile. Calls already in flight keep the
// profile they started with; concurrent calls may observe either value.
func (m *Manager) SetProfile(p SecurityProfile) {
	m.profile.Store(&p)
	m.logger.Info("security profile updated",
		slog.String("level", p.Level),
		slog.String("risk_threshold", p.RiskThreshold.String()),
		slog.Bool("sandbox", p.EnableSandbox),
	)
}

// Validate classifies a request without executing or auditing it.
func (m *Manager) Validate(req CommandRequest) ValidationResult {
	return m.validator.ValidateCommand(req)
}

// ExecuteSecurely validates, gates, executes and audits one request.
// It never returns an error: blocked and failed outcomes are data.
func (m *Manager) ExecuteSecurely(ctx context.Context, req CommandRequest) *ExecutionResult {
	start := time.Now()
	profile := m.profile.Load()
	result := &ExecutionResult{SessionID: uuid.New()}

	defer func() {
		result.ExecutionTime = time.Since(start)
		m.record(ctx, req, result)
	}()

	// 1. Validate.
	v := m.validator.ValidateCommand(req)
	result.RiskLevel = v.RiskLevel
	if !v.IsValid {
		result.Blocked = true
		result.Error = strings.Join(v.Errors, "; ")
		if result.Error == "" {
			result.Error = "Command failed validation"
		}
		return result
	}

	// 2. Risk gate. Critical is never executable.
	if ok, reason := profile.Permits(v.RiskLevel); !ok {
		result.Blocked = true
		result.Error = reason
		return result
	}

	result.Approved = v.Sanitized.Command
	result.ApprovedArgs = v.Sanitized.Args

	// 3. Execute.
	op := req.OperationType
	if op == "" {
		op = OpCommand
	}
	if op != OpCommand || !profile.EnableSandbox {
		result.Success = true
		result.Result = v.Sanitized.Command
		return result
	}
	if m.sandbox == nil {
		result.Error = "sandbox unavailable"
		return result
	}

	sr := m.sandbox.ExecuteCode(ctx, v.Sanitized.Command, profile.SandboxTimeout)
	result.Success = sr.Success
	result.Result = sr.Result
	result.Error = sr.Error
	if !sr.Success && sr.Stack != "" {
		m.logger.DebugContext(ctx, "sandboxed code failed",
			slog.String("session_id", result.SessionID.String()),
			slog.String("stack", sr.Stack),
		)
	}
	return result
}

func (m *Manager) record(ctx context.Context, req CommandRequest, result *ExecutionResult) {
	op := req.OperationType
	if op == "" {
		op = OpCommand
	}

	if result.Blocked {
		m.logger.WarnContext(ctx, "command blocked",
			slog.String("session_id", result.SessionID.String()),
			slog.String("user_id", req.UserID),
			slog.String("operation", string(op)),
			slog.String("risk_level", result.RiskLevel.String()),
			slog.String("reason", result.Error),
		)
	}

	m.audit.LogSecurityEvent(ctx, AuditEntry{
		Timestamp:     time.Now().UTC(),
		SessionID:     result.SessionID.String(),
		UserID:        req.UserID,
		Action:        string(op),
		Command:       truncateRunes(req.Command, auditCommandMax),
		RiskLevel:     result.RiskLevel,
		Success:       result.Success,
		Blocked:       result.Blocked,
		Error:         result.Error,
		ExecutionTime: result.ExecutionTime,
		SourceIP:      req.SourceIP,
		UserAgent:     req.UserAgent,
	})
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "..."
}
