package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
)

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) ports.RunRepository {
	return &RunRepository{
		db: db,
	}
}

func (r *RunRepository) Create(ctx context.Context, run *models.TrainingRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.TrainingRun, error) {
	var run models.TrainingRun
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RunRepository) GetAll(ctx context.Context) ([]*models.TrainingRun, error) {
	var runs []*models.TrainingRun
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&runs).Error
	return runs, err
}

func (r *RunRepository) Update(ctx context.Context, run *models.TrainingRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}
