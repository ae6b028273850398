// Package tools defines the caller-facing tools and the dispatcher that
// mediates every call. Each tool declares the permission it needs and the
// security operation it performs; the dispatcher authorizes the session,
// runs the request through the security manager and only then lets the
// tool touch the target.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/security"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrInvalidParams = errors.New("invalid tool parameters")
)

// Tool is implemented by every caller-facing tool.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "click_by_text").
	Name() string
	Description() string
	// InputSchema returns a JSON Schema object describing the parameters.
	InputSchema() map[string]any
	// Permission is checked against the caller's session before anything runs.
	Permission() access.Permission
	// Operation is the security operation the tool performs. Empty means the
	// tool neither executes code nor touches the target, so it is not mediated.
	Operation() security.OperationType
	// Request renders params into the command and args the security manager
	// validates and audits.
	Request(params map[string]any) (command string, args any, err error)
	// Execute runs an approved call.
	Execute(ctx context.Context, call Approved) (any, error)
}

// Approved is a call the security manager let through.
type Approved struct {
	// Command is the sanitized command. For unmediated tools it is the raw one.
	Command   string
	Params    map[string]any
	Execution *security.ExecutionResult
}

// Response is what transports return for a tool call.
type Response struct {
	Tool      string                    `json:"tool"`
	Success   bool                      `json:"success"`
	Output    any                       `json:"output,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Execution *security.ExecutionResult `json:"execution,omitempty"`
}

// Caller identifies who is calling. Filled by the transport after
// authentication.
type Caller struct {
	SessionID uuid.UUID
	SourceIP  string
	UserAgent string
}

// MaxOutputBytes caps text output handed back to transports.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

type authorizer interface {
	Authorize(sessionID uuid.UUID, perm access.Permission) error
	Session(sessionID uuid.UUID) (access.Session, bool)
}

// Executor mediates approved calls. Satisfied by security.Manager and its
// instrumented wrapper.
type Executor interface {
	ExecuteSecurely(ctx context.Context, req security.CommandRequest) *security.ExecutionResult
}

// Dispatcher is the single path from a transport to a tool.
type Dispatcher struct {
	registry *Registry
	access   authorizer
	manager  Executor
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *Registry, access authorizer, manager Executor, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, access: access, manager: manager, logger: logger}
}

// Registry returns the dispatcher's tool registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Call authorizes, mediates and runs one tool call. Authorization and
// parameter errors are returned as errors; blocked and failed executions
// are data in the Response.
func (d *Dispatcher) Call(ctx context.Context, caller Caller, name string, params map[string]any) (*Response, error) {
	tool := d.registry.Get(name)
	if tool == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if err := d.access.Authorize(caller.SessionID, tool.Permission()); err != nil {
		d.logger.WarnContext(ctx, "tool call denied",
			slog.String("tool", name),
			slog.String("session_id", caller.SessionID.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	params = cloneParams(params)
	command, args, err := tool.Request(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	resp := &Response{Tool: name}
	call := Approved{Command: command, Params: params}

	if op := tool.Operation(); op != "" {
		userID := ""
		if s, ok := d.access.Session(caller.SessionID); ok {
			userID = s.UserID.String()
		}
		exec := d.manager.ExecuteSecurely(ctx, security.CommandRequest{
			Command:       command,
			Args:          args,
			OperationType: op,
			SourceIP:      caller.SourceIP,
			UserAgent:     caller.UserAgent,
			UserID:        userID,
		})
		resp.Execution = exec
		if exec.Blocked || !exec.Success {
			resp.Error = exec.Error
			return resp, nil
		}
		call.Command = exec.Approved
		if approved, ok := exec.ApprovedArgs.(map[string]any); ok {
			for k, v := range approved {
				call.Params[k] = v
			}
		}
		call.Execution = exec
	}

	out, err := tool.Execute(ctx, call)
	if err != nil {
		d.logger.InfoContext(ctx, "tool execution failed",
			slog.String("tool", name),
			slog.String("error", err.Error()),
		)
		resp.Error = err.Error()
		resp.Output = out
		return resp, nil
	}
	resp.Success = true
	resp.Output = out
	return resp, nil
}

func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}

func optionalString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string", key)
	}
	return s, nil
}

// cloneParams returns a shallow copy so tools may normalise parameters
// without touching the caller's map.
func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// Deps are the collaborators of the built-in tools. Nil target
// collaborators leave the tools registered; they fail with ErrNoTarget.
type Deps struct {
	Target      Evaluator
	Interaction verbRunner
	Capturer    Capturer
	Screenshots imageSaver
	Analyzer    commandAnalyzer
	Profiles    profileSource
}

// NewDefaultRegistry registers every built-in tool.
func NewDefaultRegistry(d Deps) *Registry {
	r := NewRegistry()
	r.Register(NewSendCommand(d.Target))
	r.Register(NewClickByText(d.Interaction))
	r.Register(NewFillInput(d.Interaction))
	r.Register(NewKeyboardShortcut(d.Interaction))
	r.Register(NewWindowInfo(d.Interaction))
	r.Register(NewTakeScreenshot(d.Capturer, d.Screenshots))
	if d.Analyzer != nil {
		r.Register(NewDryRun(d.Analyzer, d.Profiles))
	}
	return r
}
