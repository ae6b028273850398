package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/tether/internal/security"
)

// AuditRepository implements security.AuditStore with GORM.
// Append-only: there is no Update method, and PurgeBefore is the only
// delete path.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry security.AuditEntry) error {
	model := toAuditModel(entry)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// Query returns matching audit entries, newest first.
func (r *AuditRepository) Query(ctx context.Context, q security.AuditQuery) ([]security.AuditEntry, error) {
	db := r.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(q.EffectiveLimit())

	if !q.Since.IsZero() {
		db = db.Where("timestamp >= ?", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		db = db.Where("timestamp <= ?", q.Until.UTC())
	}
	if q.RiskLevel != nil {
		db = db.Where("risk_level = ?", int(*q.RiskLevel))
	}
	if q.MinRiskLevel != nil {
		db = db.Where("risk_level >= ?", int(*q.MinRiskLevel))
	}
	if q.SessionID != "" {
		db = db.Where("session_id = ?", q.SessionID)
	}
	if q.UserID != "" {
		db = db.Where("user_id = ?", q.UserID)
	}

	var models []AuditEventModel
	if err := db.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	entries := make([]security.AuditEntry, len(models))
	for i := range models {
		entries[i] = toAuditDomain(&models[i])
	}
	return entries, nil
}

// PurgeBefore deletes entries older than cutoff and returns how many were
// removed. Used by the retention job only.
func (r *AuditRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("timestamp < ?", cutoff.UTC()).Delete(&AuditEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging audit entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ security.AuditStore = (*AuditRepository)(nil)
