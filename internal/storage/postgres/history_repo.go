package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/keyward/internal/storage"
	"github.com/jkaninda/keyward/internal/validator"
)

// HistoryRepository implements storage.HistoryStore.
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a HistoryRepository.
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// SaveResults stores every row of one run in a single transaction.
func (r *HistoryRepository) SaveResults(ctx context.Context, runID string, at time.Time, results []validator.Result) error {
	if len(results) == 0 {
		return nil
	}
	models := make([]ValidationResultModel, len(results))
	for i, res := range results {
		models[i] = toResultModel(runID, at, i, res)
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(models, 100).Error
	})
	if err != nil {
		return fmt.Errorf("saving validation results: %w", err)
	}
	return nil
}

// LastRun returns the most recent run in input order, or nil when none exists.
func (r *HistoryRepository) LastRun(ctx context.Context) (*storage.Run, error) {
	var latest ValidationResultModel
	err := r.db.WithContext(ctx).Order("checked_at DESC").First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding latest run: %w", err)
	}

	var models []ValidationResultModel
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", latest.RunID).
		Order("position ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading run %s: %w", latest.RunID, err)
	}

	run := &storage.Run{RunID: latest.RunID, At: latest.CheckedAt, Results: make([]validator.Result, len(models))}
	for i := range models {
		run.Results[i] = toResultDomain(&models[i])
	}
	return run, nil
}
