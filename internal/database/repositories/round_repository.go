package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
)

type RoundRepository struct {
	db *gorm.DB
}

func NewRoundRepository(db *gorm.DB) ports.RoundRepository {
	return &RoundRepository{
		db: db,
	}
}

func (r *RoundRepository) Create(ctx context.Context, round *models.RoundRecord) error {
	return r.db.WithContext(ctx).Create(round).Error
}

func (r *RoundRepository) GetByRun(ctx context.Context, runID uuid.UUID) ([]*models.RoundRecord, error) {
	var rounds []*models.RoundRecord
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("round_number ASC").Find(&rounds).Error
	return rounds, err
}

func (r *RoundRepository) GetLatest(ctx context.Context, runID uuid.UUID) (*models.RoundRecord, error) {
	var round models.RoundRecord
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("round_number DESC").First(&round).Error
	if err != nil {
		return nil, err
	}
	return &round, nil
}
