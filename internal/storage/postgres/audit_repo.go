package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/keyward/internal/audit"
	"github.com/jkaninda/keyward/internal/storage"
)

const defaultAuditLimit = 100

// AuditRepository is the append-only storage.AuditStore. It has no update
// or delete path.
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) AppendAudit(ctx context.Context, event audit.Event) error {
	row := toAuditModel(event)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("appending %s audit event: %w", event.Kind, err)
	}
	return nil
}

// QueryAudit returns matching events, newest first.
func (r *AuditRepository) QueryAudit(ctx context.Context, f storage.AuditFilter) ([]audit.Event, error) {
	conds := map[string]any{}
	if f.Kind != "" {
		conds["kind"] = string(f.Kind)
	}
	if f.Credential != "" {
		conds["credential"] = f.Credential
	}
	if f.AgentID != "" {
		conds["agent_id"] = f.AgentID
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}

	var rows []AuditEventModel
	err := r.db.WithContext(ctx).
		Where(conds).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	out := make([]audit.Event, 0, len(rows))
	for i := range rows {
		out = append(out, toAuditDomain(&rows[i]))
	}
	return out, nil
}
