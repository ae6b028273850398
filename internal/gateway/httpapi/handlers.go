package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/observability"
	"github.com/jkaninda/tether/internal/tools"
)

// --- Auth ---

// LoginRequest is the JSON body for POST /v1/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the new session id. Send it back as a bearer token.
type LoginResponse struct {
	SessionID string `json:"session_id"`
}

func (g *Gateway) handleLogin(c *okapi.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return c.AbortBadRequest("username and password are required")
	}

	id, ok := g.identity.AuthenticateUser(c.Context(), req.Username, req.Password)
	g.config.Metrics.RecordAuth("password", ok)
	if !ok {
		g.logger.Warn("http login failed",
			slog.String("username", req.Username),
			slog.String("source_ip", clientIP(c.Request().RemoteAddr)),
		)
		return c.AbortUnauthorized("invalid credentials")
	}
	return c.OK(LoginResponse{SessionID: id.String()})
}

func (g *Gateway) handleLogout(c *okapi.Context) error {
	g.identity.InvalidateSession(sessionFrom(c))
	return c.OK(map[string]string{"status": "logged_out"})
}

// APIKeyResponse returns a freshly issued API key. It is shown once.
type APIKeyResponse struct {
	APIKey string `json:"api_key"`
}

func (g *Gateway) handleRegenerateAPIKey(c *okapi.Context) error {
	s, ok := g.identity.Session(sessionFrom(c))
	if !ok {
		return c.AbortUnauthorized("session invalid or expired")
	}
	key, err := g.identity.RegenerateAPIKey(c.Context(), s.UserID)
	if err != nil {
		g.logger.Error("api key regeneration failed",
			slog.String("user_id", s.UserID.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("api key regeneration failed")
	}
	// Every session of the user, this one included, is now invalid.
	g.logger.Info("api key regenerated", slog.String("username", s.Username))
	return c.OK(APIKeyResponse{APIKey: key})
}

// SessionResponse describes the caller's session.
type SessionResponse struct {
	SessionID    string              `json:"session_id"`
	Username     string              `json:"username"`
	Permissions  []access.Permission `json:"permissions"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity"`
}

func (g *Gateway) handleSession(c *okapi.Context) error {
	s, ok := g.identity.Session(sessionFrom(c))
	if !ok {
		return c.AbortUnauthorized("session invalid or expired")
	}
	return c.OK(SessionResponse{
		SessionID:    s.ID.String(),
		Username:     s.Username,
		Permissions:  s.Permissions,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	})
}

// --- Execution ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Command string `json:"command"`
	Args    any    `json:"args,omitempty"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}
	params := map[string]any{"command": req.Command}
	if req.Args != nil {
		params["args"] = req.Args
	}
	return g.callTool(c, "send_command", params)
}

// DryRunRequest is the JSON body for POST /v1/dry-run.
type DryRunRequest struct {
	Command string `json:"command"`
	Args    any    `json:"args,omitempty"`
	Report  bool   `json:"report,omitempty"`
}

func (g *Gateway) handleDryRun(c *okapi.Context) error {
	var req DryRunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}
	params := map[string]any{"command": req.Command, "report": req.Report}
	if req.Args != nil {
		params["args"] = req.Args
	}
	return g.callTool(c, "dry_run", params)
}

// ToolInfo describes one registered tool.
type ToolInfo struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Permission  access.Permission `json:"permission"`
	InputSchema map[string]any    `json:"input_schema"`
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	all := g.dispatcher.Registry().All()
	out := make([]ToolInfo, 0, len(all))
	for _, t := range all {
		out = append(out, ToolInfo{
			Name:        t.Name(),
			Description: t.Description(),
			Permission:  t.Permission(),
			InputSchema: t.InputSchema(),
		})
	}
	return c.OK(out)
}

func (g *Gateway) handleToolCall(c *okapi.Context) error {
	params, err := decodeParams(c.Request().Body, g.maxBodyBytes())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	return g.callTool(c, c.Param("name"), params)
}

// callTool runs one dispatcher call and renders the result. Blocked and
// failed executions are still 200: they are data, not transport errors.
func (g *Gateway) callTool(c *okapi.Context, name string, params map[string]any) error {
	start := time.Now()
	resp, err := g.dispatcher.Call(c.Context(), callerFrom(c), name, params)
	elapsed := time.Since(start)

	if err != nil {
		code, msg := errorStatus(err)
		g.config.Metrics.RecordToolCall(name, callStatus(nil, err), elapsed)
		if code == http.StatusTooManyRequests {
			g.config.Metrics.RecordRateLimited()
		}
		if code == http.StatusInternalServerError {
			g.logger.Error("tool call failed",
				slog.String("tool", name),
				slog.String("error", err.Error()),
			)
		}
		return c.JSON(code, ErrorBody{Error: msg})
	}

	g.config.Metrics.RecordToolCall(name, callStatus(resp, nil), elapsed)
	return c.OK(resp)
}

// callStatus is the tool_calls_total status label.
func callStatus(resp *tools.Response, err error) string {
	switch {
	case err != nil:
		code, _ := errorStatus(err)
		switch code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return "denied"
		case http.StatusTooManyRequests:
			return "rate_limited"
		case http.StatusBadRequest, http.StatusNotFound:
			return "invalid"
		}
		return "error"
	case resp.Execution != nil && resp.Execution.Blocked:
		return "blocked"
	case !resp.Success:
		return "failed"
	default:
		return "ok"
	}
}

// --- Audit ---

func (g *Gateway) handleAuditQuery(c *okapi.Context) error {
	if err := g.identity.Authorize(sessionFrom(c), access.PermAudit); err != nil {
		code, msg := errorStatus(err)
		return c.JSON(code, ErrorBody{Error: msg})
	}
	q, err := auditQueryFromValues(c.Request().URL.Query())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	entries, err := g.audit.Query(c.Context(), q)
	if err != nil {
		g.logger.Error("audit query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit query failed")
	}
	return c.OK(entries)
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: observability.StatusOK})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
// A degraded status (an optional check failed) is still ready.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: observability.StatusOK})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status == observability.StatusFail {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
