package models

import (
	coremodels "github.com/theblitlabs/parity-fedsim/internal/core/models"
)

const timeLayout = "2006-01-02T15:04:05Z07:00"

type ProgressResponse struct {
	RunID        string   `json:"run_id"`
	Mode         string   `json:"mode"`
	Status       string   `json:"status"`
	Round        int      `json:"round"`
	MaxRounds    int      `json:"max_rounds"`
	GlobalSteps  []int    `json:"global_steps"`
	StepTargets  []int    `json:"step_targets"`
	StepProgress float64  `json:"step_progress"`
	BestAccuracy *float64 `json:"best_accuracy,omitempty"`
	LastRoundMs  int64    `json:"last_round_ms"`
	StartedAt    string   `json:"started_at"`
	UpdatedAt    string   `json:"updated_at"`
}

type RunResponse struct {
	ID              string                 `json:"id"`
	Mode            string                 `json:"mode"`
	Status          string                 `json:"status"`
	Settings        coremodels.RunSettings `json:"settings"`
	CurrentRound    int                    `json:"current_round"`
	MaxRounds       int                    `json:"max_rounds"`
	BestAccuracy    *float64               `json:"best_accuracy,omitempty"`
	Error           string                 `json:"error,omitempty"`
	DurationSeconds float64                `json:"duration_seconds"`
	CreatedAt       string                 `json:"created_at"`
	UpdatedAt       string                 `json:"updated_at"`
	CompletedAt     *string                `json:"completed_at,omitempty"`
}

type RoundResponse struct {
	ID           string                        `json:"id"`
	RunID        string                        `json:"run_id"`
	Round        int                           `json:"round"`
	Status       string                        `json:"status"`
	Participants []coremodels.RoundParticipant `json:"participants"`
	TotalSamples int                           `json:"total_samples"`
	TrainLoss    *float64                      `json:"train_loss,omitempty"`
	TestAcc1     *float64                      `json:"test_acc1,omitempty"`
	TestLoss     *float64                      `json:"test_loss,omitempty"`
	DurationMs   int64                         `json:"duration_ms"`
	CreatedAt    string                        `json:"created_at"`
}

// NewProgressResponse converts the live view, clamping each proxy's steps
// to its target when computing overall progress.
func NewProgressResponse(p coremodels.RunProgress) ProgressResponse {
	done, total := 0, 0
	for i, target := range p.StepTargets {
		total += target
		if i < len(p.GlobalSteps) {
			done += min(p.GlobalSteps[i], target)
		}
	}
	progress := 0.0
	if total > 0 {
		progress = float64(done) / float64(total)
	}

	return ProgressResponse{
		RunID:        p.RunID.String(),
		Mode:         string(p.Mode),
		Status:       string(p.Status),
		Round:        p.Round,
		MaxRounds:    p.MaxRounds,
		GlobalSteps:  p.GlobalSteps,
		StepTargets:  p.StepTargets,
		StepProgress: progress,
		BestAccuracy: p.BestAcc,
		LastRoundMs:  p.LastRoundMs,
		StartedAt:    p.StartedAt.Format(timeLayout),
		UpdatedAt:    p.UpdatedAt.Format(timeLayout),
	}
}

func NewRunResponse(run *coremodels.TrainingRun) RunResponse {
	response := RunResponse{
		ID:              run.ID.String(),
		Mode:            string(run.Mode),
		Status:          string(run.Status),
		Settings:        run.Settings,
		CurrentRound:    run.CurrentRound,
		MaxRounds:       run.MaxRounds,
		BestAccuracy:    run.BestAccuracy,
		Error:           run.Error,
		DurationSeconds: run.DurationSeconds,
		CreatedAt:       run.CreatedAt.Format(timeLayout),
		UpdatedAt:       run.UpdatedAt.Format(timeLayout),
	}
	if run.CompletedAt != nil {
		completedAt := run.CompletedAt.Format(timeLayout)
		response.CompletedAt = &completedAt
	}
	return response
}

func NewRoundResponse(round *coremodels.RoundRecord) RoundResponse {
	return RoundResponse{
		ID:           round.ID.String(),
		RunID:        round.RunID.String(),
		Round:        round.RoundNumber,
		Status:       string(round.Status),
		Participants: round.Participants,
		TotalSamples: round.TotalSamples,
		TrainLoss:    round.TrainLoss,
		TestAcc1:     round.TestAcc1,
		TestLoss:     round.TestLoss,
		DurationMs:   round.DurationMs,
		CreatedAt:    round.CreatedAt.Format(timeLayout),
	}
}
