package postgres

import (
	"time"

	"github.com/google/uuid"
)

// UserModel maps to the "users" table.
type UserModel struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username          string    `gorm:"not null;uniqueIndex"`
	PasswordHash      string    `gorm:"not null"`
	Permissions       string    `gorm:"not null;default:''"` // Comma-separated.
	RateLimitMax      int       `gorm:"not null;default:0"`
	RateLimitWindowMS int64     `gorm:"not null;default:0"`
	IsActive          bool      `gorm:"not null;default:true"`
	APIKeyHash        string    `gorm:"index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (UserModel) TableName() string { return "users" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEventModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Timestamp       time.Time `gorm:"not null;index"`
	SessionID       string    `gorm:"not null;index"`
	UserID          string    `gorm:"index"`
	Action          string    `gorm:"not null"`
	Command         string    `gorm:"type:text;not null"`
	RiskLevel       int       `gorm:"not null;index"`
	Success         bool      `gorm:"not null"`
	Blocked         bool      `gorm:"not null;index"`
	Error           string    `gorm:"type:text"`
	ExecutionTimeNS int64     `gorm:"not null;default:0"`
	SourceIP        string
	UserAgent       string
}

func (AuditEventModel) TableName() string { return "audit_events" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&UserModel{}, &AuditEventModel{}}
}
