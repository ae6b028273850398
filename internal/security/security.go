// Package security implements the mediated execution pipeline for Tether:
// input validation, risk gating, sandbox dispatch and audit logging.
package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for security enforcement.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrBlocked          = errors.New("command blocked by security policy")
	ErrUnknownLevel     = errors.New("unknown security level")
)

// RiskLevel classifies the danger of a command.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Read-only, no side effects.
	RiskMedium                    // Mutates page state or touches storage.
	RiskHigh                      // Navigation, markup injection, dynamic timers.
	RiskCritical                  // Never executable.
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
// Unrecognized values default to RiskCritical (default-deny principle).
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	default:
		return RiskCritical
	}
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = ParseRiskLevel(s)
	return nil
}

// OperationType tells the manager how a request is executed once approved.
type OperationType string

const (
	OpCommand     OperationType = "command"
	OpScreenshot  OperationType = "screenshot"
	OpLogs        OperationType = "logs"
	OpWindowInfo  OperationType = "window_info"
	OpInteraction OperationType = "interaction" // Pre-built verbs from the translation layer.
)

// Valid reports whether op is a known operation type.
func (op OperationType) Valid() bool {
	switch op {
	case OpCommand, OpScreenshot, OpLogs, OpWindowInfo, OpInteraction:
		return true
	}
	return false
}

// CommandRequest is one caller invocation. Never persisted as-is.
type CommandRequest struct {
	Command       string        `json:"command"`
	Args          any           `json:"args,omitempty"`
	OperationType OperationType `json:"operationType"`

	// Audit metadata only. Never trusted for authorization.
	SourceIP  string `json:"sourceIP,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// SanitizedInput is the validator's cleaned copy of a request.
type SanitizedInput struct {
	Command string `json:"command"`
	Args    any    `json:"args,omitempty"`
}

// ValidationResult is produced once per request by the Validator.
type ValidationResult struct {
	IsValid   bool           `json:"isValid"`
	Sanitized SanitizedInput `json:"sanitizedInput"`
	RiskLevel RiskLevel      `json:"riskLevel"`
	Errors    []string       `json:"errors"`
}

// ExecutionResult is the caller-visible outcome of ExecuteSecurely.
// Blocked implies !Success: the request never reached execution.
type ExecutionResult struct {
	Success       bool          `json:"success"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"-"`
	RiskLevel     RiskLevel     `json:"riskLevel"`
	Blocked       bool          `json:"blocked"`
	SessionID     uuid.UUID     `json:"sessionId"`

	// Approved is the sanitized command that passed the gate. Empty when
	// blocked. Transports dispatch this, never the raw input.
	Approved string `json:"-"`
	// ApprovedArgs is the sanitized copy of the args that were validated.
	ApprovedArgs any `json:"-"`
}

// MarshalJSON renders ExecutionTime in milliseconds.
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	type alias ExecutionResult
	return json.Marshal(struct {
		alias
		ExecutionTimeMS int64 `json:"executionTime"`
	}{alias(r), r.ExecutionTime.Milliseconds()})
}

// AuditEntry is a single record in the append-only audit log.
type AuditEntry struct {
	Timestamp     time.Time     `json:"timestamp"`
	SessionID     string        `json:"sessionId"`
	UserID        string        `json:"userId,omitempty"`
	Action        string        `json:"action"`
	Command       string        `json:"command"`
	RiskLevel     RiskLevel     `json:"riskLevel"`
	Success       bool          `json:"success"`
	Blocked       bool          `json:"blocked"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"executionTimeNs"`
	SourceIP      string        `json:"sourceIP,omitempty"`
	UserAgent     string        `json:"userAgent,omitempty"`
}

// SecurityProfile is the resolved, immutable policy for one security level.
type SecurityProfile struct {
	Level                      string
	RiskThreshold              RiskLevel
	EnableSandbox              bool
	EnableScreenshotEncryption bool
	SandboxTimeout             time.Duration
}

// Permits reports whether a validated risk level may execute under the
// profile. Critical never executes. On refusal it returns the reason.
func (p SecurityProfile) Permits(level RiskLevel) (bool, string) {
	if level == RiskCritical || level > p.RiskThreshold {
		return false, fmt.Sprintf("Risk level %s exceeds threshold %s", level, p.RiskThreshold)
	}
	return true, ""
}

// Security levels.
const (
	LevelStrict      = "strict"
	LevelBalanced    = "balanced"
	LevelPermissive  = "permissive"
	LevelDevelopment = "development"
)

var profiles = map[string]SecurityProfile{
	LevelStrict: {
		Level:                      LevelStrict,
		RiskThreshold:              RiskLow,
		EnableSandbox:              true,
		EnableScreenshotEncryption: true,
		SandboxTimeout:             3 * time.Second,
	},
	LevelBalanced: {
		Level:                      LevelBalanced,
		RiskThreshold:              RiskMedium,
		EnableSandbox:              true,
		EnableScreenshotEncryption: true,
		SandboxTimeout:             5 * time.Second,
	},
	LevelPermissive: {
		Level:                      LevelPermissive,
		RiskThreshold:              RiskHigh,
		EnableSandbox:              true,
		EnableScreenshotEncryption: false,
		SandboxTimeout:             10 * time.Second,
	},
	LevelDevelopment: {
		Level:                      LevelDevelopment,
		RiskThreshold:              RiskCritical, // Critical findings still block.
		EnableSandbox:              false,
		EnableScreenshotEncryption: false,
		SandboxTimeout:             30 * time.Second,
	},
}

// ProfileForLevel returns the built-in profile for a security level.
// Matching is case-insensitive.
func ProfileForLevel(level string) (SecurityProfile, error) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		return SecurityProfile{}, fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}
	return p, nil
}
