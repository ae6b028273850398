// Package access authenticates callers, issues time-bounded sessions that
// carry a fixed permission snapshot, and enforces per-user rate limits.
//
// Session lifecycle: created -> active -> invalid. Invalid is terminal:
// an invalidated or expired session id is never valid again.
package access

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tether/internal/ratelimit"
)

// Sentinel errors.
var (
	ErrNotFound           = errors.New("not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionInvalid     = errors.New("session invalid or expired")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidPermission  = errors.New("invalid permission")
)

// Permission is a capability granted to a user.
type Permission string

const (
	PermAdmin      Permission = "admin" // Implies every other permission.
	PermExecute    Permission = "execute"
	PermInteract   Permission = "interact"
	PermScreenshot Permission = "screenshot"
	PermLogs       Permission = "logs"
	PermWindowInfo Permission = "window_info"
	PermDryRun     Permission = "dry_run"
	PermAudit      Permission = "audit"
)

// AllPermissions lists every known permission.
func AllPermissions() []Permission {
	return []Permission{PermAdmin, PermExecute, PermInteract, PermScreenshot, PermLogs, PermWindowInfo, PermDryRun, PermAudit}
}

// ParsePermissions converts a comma-separated list into permissions.
func ParsePermissions(s string) ([]Permission, error) {
	var out []Permission
	for _, part := range strings.Split(s, ",") {
		p := Permission(strings.TrimSpace(part))
		if p == "" {
			continue
		}
		if !slices.Contains(AllPermissions(), p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPermission, p)
		}
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// User is a provisioned identity. Owned by the Controller.
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	Permissions  []Permission
	RateLimit    ratelimit.Limit
	IsActive     bool
	APIKeyHash   string // SHA-256 of the API key, hex. Empty = no key.
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasAPIKey reports whether the user has an active API key.
func (u *User) HasAPIKey() bool {
	return u.APIKeyHash != ""
}

// Session is an issued credential with the permissions captured at mint.
type Session struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Username     string
	CreatedAt    time.Time
	LastActivity time.Time
	Permissions  []Permission
	RateLimit    ratelimit.Limit
	Valid        bool
}

// Has reports whether the session's snapshot grants perm.
func (s *Session) Has(perm Permission) bool {
	return slices.Contains(s.Permissions, PermAdmin) || slices.Contains(s.Permissions, perm)
}

// UserStore persists users. Implementations must be safe for concurrent use.
// Satisfied by MemoryUserStore and the SQL repositories in internal/storage.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Count(ctx context.Context) (int64, error)
}
