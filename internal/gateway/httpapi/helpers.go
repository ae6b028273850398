package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/ratelimit"
	"github.com/jkaninda/tether/internal/security"
	"github.com/jkaninda/tether/internal/tools"
)

type credentialKind int

const (
	credNone credentialKind = iota
	credSession
	credAPIKey
)

type credential struct {
	kind    credentialKind
	session uuid.UUID
	value   string
}

// parseCredential reads the Authorization and X-API-Key headers. X-API-Key
// wins when both are set.
func parseCredential(authorization, apiKey string) credential {
	if k := strings.TrimSpace(apiKey); k != "" {
		return credential{kind: credAPIKey, value: k}
	}
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return credential{}
	}
	if id, err := uuid.Parse(token); err == nil {
		return credential{kind: credSession, session: id}
	}
	return credential{kind: credAPIKey, value: token}
}

// errorStatus maps dispatcher and access errors to an HTTP status and a
// message safe to return to the caller.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, access.ErrSessionInvalid):
		return http.StatusUnauthorized, "session invalid or expired"
	case errors.Is(err, access.ErrPermissionDenied):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, tools.ErrUnknownTool):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, tools.ErrInvalidParams):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// clientIP strips the port from a RemoteAddr.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// decodeParams reads an optional JSON object body.
func decodeParams(body io.Reader, limit int64) (map[string]any, error) {
	params := map[string]any{}
	if body == nil {
		return params, nil
	}
	dec := json.NewDecoder(io.LimitReader(body, limit))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("request body must be a JSON object")
	}
	return params, nil
}

func (g *Gateway) maxBodyBytes() int64 {
	if g.config.MaxRequestSize > 0 {
		return g.config.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// auditQueryFromValues parses GET /v1/audit query parameters: since, until
// (RFC 3339), risk, min_risk, session_id, user_id and limit.
func auditQueryFromValues(v url.Values) (security.AuditQuery, error) {
	var q security.AuditQuery
	for _, f := range []struct {
		key string
		dst *time.Time
	}{{"since", &q.Since}, {"until", &q.Until}} {
		if s := v.Get(f.key); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return q, fmt.Errorf("%s must be an RFC 3339 timestamp", f.key)
			}
			*f.dst = t
		}
	}
	for _, f := range []struct {
		key string
		dst **security.RiskLevel
	}{{"risk", &q.RiskLevel}, {"min_risk", &q.MinRiskLevel}} {
		if s := v.Get(f.key); s != "" {
			level, err := parseRisk(s)
			if err != nil {
				return q, fmt.Errorf("%s: %w", f.key, err)
			}
			*f.dst = &level
		}
	}
	q.SessionID = v.Get("session_id")
	q.UserID = v.Get("user_id")
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	return q, nil
}

// parseRisk is strict: security.ParseRiskLevel maps unknown names to
// critical, which would silently change a filter.
func parseRisk(s string) (security.RiskLevel, error) {
	switch s {
	case "low", "medium", "high", "critical":
		return security.ParseRiskLevel(s), nil
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}
