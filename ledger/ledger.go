// Package ledger implements the append-only audit and usage ledgers.
// Append-only is enforced at the repository layer: Update and Delete are
// hard errors regardless of input. Database triggers are optional
// belt-and-suspenders and not assumed.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/tenant"
	"gorm.io/gorm"
)

// ErrAppendOnly is returned for any mutation of an existing ledger row.
var ErrAppendOnly = errors.New("ledger is append-only")

// AuditLedger writes the immutable audit trail in the tenant database.
type AuditLedger struct {
	db *gorm.DB
}

// NewAuditLedger creates an audit ledger over a tenant database handle.
func NewAuditLedger(db *gorm.DB) *AuditLedger {
	return &AuditLedger{db: db}
}

// Record appends an audit entry. A missing tenant binding fails loudly.
func (l *AuditLedger) Record(ctx context.Context, entry *model.AuditLog) error {
	if _, err := tenant.FromContext(ctx); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return l.db.WithContext(ctx).Create(entry).Error
}

// RecordTransition appends the audit entry written for every state machine
// transition.
func (l *AuditLedger) RecordTransition(ctx context.Context, auditableType string, auditableID uint, from, to string) error {
	return l.Record(ctx, &model.AuditLog{
		AuditableType: auditableType,
		AuditableID:   auditableID,
		Event:         "state_transition",
		OldValues:     model.JSONMap{"state": from},
		NewValues:     model.JSONMap{"state": to},
		Tags:          model.StringList{"lifecycle"},
	})
}

// List returns the audit trail for one auditable, oldest first.
func (l *AuditLedger) List(ctx context.Context, auditableType string, auditableID uint) ([]model.AuditLog, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return nil, err
	}
	var rows []model.AuditLog
	err := l.db.WithContext(ctx).
		Where("auditable_type = ? AND auditable_id = ?", auditableType, auditableID).
		Order("id").
		Find(&rows).Error
	return rows, err
}

// Update is rejected: the audit trail is immutable.
func (l *AuditLedger) Update(context.Context, *model.AuditLog) error {
	return ErrAppendOnly
}

// Delete is rejected: the audit trail is immutable.
func (l *AuditLedger) Delete(context.Context, uint) error {
	return ErrAppendOnly
}

// UsageLedger writes per-event usage metering in the tenant database.
type UsageLedger struct {
	db *gorm.DB
}

// NewUsageLedger creates a usage ledger over a tenant database handle.
func NewUsageLedger(db *gorm.DB) *UsageLedger {
	return &UsageLedger{db: db}
}

// Record appends a usage event.
func (l *UsageLedger) Record(ctx context.Context, event *model.UsageEvent) error {
	if _, err := tenant.FromContext(ctx); err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if event.Units == 0 {
		event.Units = 1
	}
	return l.db.WithContext(ctx).Create(event).Error
}

// TotalCredits sums cost_credits over a window, for metering reads.
func (l *UsageLedger) TotalCredits(ctx context.Context, from, to time.Time) (int64, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return 0, err
	}
	var total int64
	err := l.db.WithContext(ctx).Model(&model.UsageEvent{}).
		Where("occurred_at BETWEEN ? AND ?", from, to).
		Select("COALESCE(SUM(cost_credits), 0)").
		Scan(&total).Error
	return total, err
}

// Update is rejected: usage events are never updated.
func (l *UsageLedger) Update(context.Context, *model.UsageEvent) error {
	return ErrAppendOnly
}

// Delete is rejected: usage events are never deleted.
func (l *UsageLedger) Delete(context.Context, uint) error {
	return ErrAppendOnly
}
