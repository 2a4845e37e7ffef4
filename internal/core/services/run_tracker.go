package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
)

// RunTracker persists run and round history and keeps the live progress
// view read by the status API and the progress monitor.
type RunTracker struct {
	mu       sync.RWMutex
	run      *models.TrainingRun
	progress models.RunProgress
	runs     ports.RunRepository
	rounds   ports.RoundRepository
}

func NewRunTracker(runs ports.RunRepository, rounds ports.RoundRepository) *RunTracker {
	return &RunTracker{runs: runs, rounds: rounds}
}

func (t *RunTracker) Start(ctx context.Context, run *models.TrainingRun, stepTargets []int) error {
	now := time.Now()
	run.Status = models.RunStatusActive
	run.UpdatedAt = now

	t.mu.Lock()
	t.run = run
	t.progress = models.RunProgress{
		RunID:       run.ID,
		Mode:        run.Mode,
		Status:      run.Status,
		Round:       run.CurrentRound,
		MaxRounds:   run.MaxRounds,
		GlobalSteps: make([]int, len(stepTargets)),
		StepTargets: append([]int(nil), stepTargets...),
		StartedAt:   now,
		UpdatedAt:   now,
	}
	t.mu.Unlock()

	if err := t.runs.Create(ctx, run); err != nil {
		return fmt.Errorf("failed to create run record: %w", err)
	}
	return nil
}

// RecordRound stores the round and advances the run and progress view.
func (t *RunTracker) RecordRound(ctx context.Context, record *models.RoundRecord, globalSteps []int, bestAcc *float64) error {
	t.mu.Lock()
	if t.run == nil {
		t.mu.Unlock()
		return errors.New("run not started")
	}
	t.run.CurrentRound = record.RoundNumber
	t.run.BestAccuracy = bestAcc
	t.run.UpdatedAt = time.Now()
	run := *t.run

	t.progress.Round = record.RoundNumber
	t.progress.GlobalSteps = append([]int(nil), globalSteps...)
	t.progress.BestAcc = bestAcc
	t.progress.UpdatedAt = run.UpdatedAt
	t.progress.LastRoundMs = record.DurationMs
	t.mu.Unlock()

	if err := t.rounds.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to store round %d: %w", record.RoundNumber, err)
	}
	if err := t.runs.Update(ctx, &run); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// Finish closes the run with a status derived from runErr.
func (t *RunTracker) Finish(ctx context.Context, runErr error, duration time.Duration) error {
	status := models.RunStatusCompleted
	switch {
	case errors.Is(runErr, models.ErrInterrupted):
		status = models.RunStatusInterrupted
	case runErr != nil:
		status = models.RunStatusFailed
	}

	t.mu.Lock()
	if t.run == nil {
		t.mu.Unlock()
		return errors.New("run not started")
	}
	now := time.Now()
	t.run.Status = status
	t.run.UpdatedAt = now
	t.run.CompletedAt = &now
	t.run.DurationSeconds = duration.Seconds()
	if runErr != nil {
		t.run.Error = runErr.Error()
	}
	run := *t.run

	t.progress.Status = status
	t.progress.UpdatedAt = now
	t.mu.Unlock()

	if err := t.runs.Update(ctx, &run); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// Progress returns a snapshot of the live progress view.
func (t *RunTracker) Progress() models.RunProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.progress
	p.GlobalSteps = append([]int(nil), t.progress.GlobalSteps...)
	p.StepTargets = append([]int(nil), t.progress.StepTargets...)
	return p
}

func (t *RunTracker) RunID() uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress.RunID
}

func (t *RunTracker) Rounds(ctx context.Context) ([]*models.RoundRecord, error) {
	return t.rounds.GetByRun(ctx, t.RunID())
}
