package repositories

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
)

// MemoryRunRepository keeps run history in process when no database is
// configured. Lookups of unknown ids return gorm.ErrRecordNotFound like the
// database-backed repositories.
type MemoryRunRepository struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]models.TrainingRun
}

func NewMemoryRunRepository() ports.RunRepository {
	return &MemoryRunRepository{runs: make(map[uuid.UUID]models.TrainingRun)}
}

func (r *MemoryRunRepository) Create(ctx context.Context, run *models.TrainingRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[run.ID]; exists {
		return gorm.ErrDuplicatedKey
	}
	r.runs[run.ID] = *run
	return nil
}

func (r *MemoryRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.TrainingRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &run, nil
}

func (r *MemoryRunRepository) GetAll(ctx context.Context) ([]*models.TrainingRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runs := make([]*models.TrainingRun, 0, len(r.runs))
	for _, run := range r.runs {
		run := run
		runs = append(runs, &run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func (r *MemoryRunRepository) Update(ctx context.Context, run *models.TrainingRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *run
	return nil
}

type MemoryRoundRepository struct {
	mu     sync.RWMutex
	rounds map[uuid.UUID][]models.RoundRecord
}

func NewMemoryRoundRepository() ports.RoundRepository {
	return &MemoryRoundRepository{rounds: make(map[uuid.UUID][]models.RoundRecord)}
}

func (r *MemoryRoundRepository) Create(ctx context.Context, round *models.RoundRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds[round.RunID] = append(r.rounds[round.RunID], *round)
	return nil
}

func (r *MemoryRoundRepository) GetByRun(ctx context.Context, runID uuid.UUID) ([]*models.RoundRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored := r.rounds[runID]
	rounds := make([]*models.RoundRecord, len(stored))
	for i := range stored {
		round := stored[i]
		rounds[i] = &round
	}
	sort.SliceStable(rounds, func(i, j int) bool {
		return rounds[i].RoundNumber < rounds[j].RoundNumber
	})
	return rounds, nil
}

func (r *MemoryRoundRepository) GetLatest(ctx context.Context, runID uuid.UUID) (*models.RoundRecord, error) {
	rounds, err := r.GetByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(rounds) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return rounds[len(rounds)-1], nil
}
