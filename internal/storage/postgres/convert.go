package postgres

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/ratelimit"
	"github.com/jkaninda/tether/internal/security"
)

// --- User ---

func toUserModel(u *access.User) UserModel {
	perms := make([]string, len(u.Permissions))
	for i, p := range u.Permissions {
		perms[i] = string(p)
	}
	return UserModel{
		ID:                u.ID,
		Username:          u.Username,
		PasswordHash:      u.PasswordHash,
		Permissions:       strings.Join(perms, ","),
		RateLimitMax:      u.RateLimit.MaxRequests,
		RateLimitWindowMS: u.RateLimit.Window.Milliseconds(),
		IsActive:          u.IsActive,
		APIKeyHash:        u.APIKeyHash,
		CreatedAt:         u.CreatedAt.UTC(),
		UpdatedAt:         u.UpdatedAt.UTC(),
	}
}

func toUserDomain(m *UserModel) *access.User {
	var perms []access.Permission
	for _, p := range strings.Split(m.Permissions, ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, access.Permission(p))
		}
	}
	return &access.User{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		Permissions:  perms,
		RateLimit: ratelimit.Limit{
			MaxRequests: m.RateLimitMax,
			Window:      time.Duration(m.RateLimitWindowMS) * time.Millisecond,
		},
		IsActive:   m.IsActive,
		APIKeyHash: m.APIKeyHash,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// --- Audit ---

func toAuditModel(e security.AuditEntry) AuditEventModel {
	return AuditEventModel{
		ID:              uuid.New(),
		Timestamp:       e.Timestamp.UTC(),
		SessionID:       e.SessionID,
		UserID:          e.UserID,
		Action:          e.Action,
		Command:         e.Command,
		RiskLevel:       int(e.RiskLevel),
		Success:         e.Success,
		Blocked:         e.Blocked,
		Error:           e.Error,
		ExecutionTimeNS: int64(e.ExecutionTime),
		SourceIP:        e.SourceIP,
		UserAgent:       e.UserAgent,
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEntry {
	return security.AuditEntry{
		Timestamp:     m.Timestamp.UTC(),
		SessionID:     m.SessionID,
		UserID:        m.UserID,
		Action:        m.Action,
		Command:       m.Command,
		RiskLevel:     security.RiskLevel(m.RiskLevel),
		Success:       m.Success,
		Blocked:       m.Blocked,
		Error:         m.Error,
		ExecutionTime: time.Duration(m.ExecutionTimeNS),
		SourceIP:      m.SourceIP,
		UserAgent:     m.UserAgent,
	}
}
