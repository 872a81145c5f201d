package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/keyward/internal/usage"
)

// UsageRepository implements storage.UsageStore.
type UsageRepository struct {
	db *gorm.DB
}

// NewUsageRepository creates a UsageRepository.
func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// AppendUsage inserts one usage record.
func (r *UsageRepository) AppendUsage(ctx context.Context, rec usage.Record) error {
	model := toUsageModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending usage record: %w", err)
	}
	return nil
}

// Totals returns cumulative units per credential.
func (r *UsageRepository) Totals(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Credential string
		Total      int64
	}
	if err := r.db.WithContext(ctx).
		Model(&UsageRecordModel{}).
		Select("credential, SUM(units) AS total").
		Group("credential").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("summing usage: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Credential] = row.Total
	}
	return out, nil
}
