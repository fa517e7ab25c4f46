package flipper

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"skyflip/internal/model"
)

// OpportunityStore persists the current opportunity set per variant.
type OpportunityStore struct {
	db        *gorm.DB
	batchSize int
}

// NewOpportunityStore creates a store.
func NewOpportunityStore(db *gorm.DB, batchSize int) *OpportunityStore {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OpportunityStore{db: db, batchSize: batchSize}
}

// Replace swaps the stored set for variant with opps in one transaction.
func (s *OpportunityStore) Replace(ctx context.Context, variant model.FlipVariant, opps []model.FlipOpportunity) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("variant = ?", variant).Delete(&model.FlipOpportunity{}).Error; err != nil {
			return fmt.Errorf("delete %s opportunities: %w", variant, err)
		}
		if len(opps) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(opps, s.batchSize).Error; err != nil {
			return fmt.Errorf("insert %s opportunities: %w", variant, err)
		}
		return nil
	})
}

// List returns the stored set for variant ordered by profit, largest first.
func (s *OpportunityStore) List(ctx context.Context, variant model.FlipVariant, limit int) ([]model.FlipOpportunity, error) {
	var opps []model.FlipOpportunity
	query := s.db.WithContext(ctx).
		Where("variant = ?", variant).
		Order("profit DESC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&opps).Error; err != nil {
		return nil, err
	}
	return opps, nil
}
