package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/services"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
	"github.com/theblitlabs/parity-fedsim/internal/training"
	"github.com/theblitlabs/parity-fedsim/pkg/logger"
)

// EvaluateCheckpoint loads the global model saved at path and scores it on
// the validation split of the configured data.
func EvaluateCheckpoint(ctx context.Context, cfg *config.Config, path string) (*models.TestStats, *services.Checkpoint, error) {
	ckpt, err := services.LoadCheckpoint(path)
	if err != nil {
		return nil, nil, models.NewConfigurationError("failed to load checkpoint: %v", err)
	}

	source, err := LoadDataSource(cfg)
	if err != nil {
		return nil, nil, err
	}
	validation, err := source.Validation()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open validation data: %w", err)
	}
	if validation == nil || validation.Len() == 0 {
		return nil, nil, models.NewConfigurationError("no validation data to evaluate on")
	}

	model, err := training.NewSoftmaxClassifier(cfg.Data.NumFeatures, cfg.Data.NumClasses, rand.New(rand.NewSource(cfg.FL.Seed)))
	if err != nil {
		return nil, nil, models.NewConfigurationError("failed to build model: %v", err)
	}
	if err := model.Parameters().CopyFrom(ckpt.Model); err != nil {
		var layoutErr *tensor.LayoutError
		name := ""
		if errors.As(err, &layoutErr) {
			name = layoutErr.Tensor
		}
		return nil, nil, models.NewShapeMismatchError(-1, name, err)
	}

	stats, err := services.NewEvaluator(cfg.Data.BatchSize, cfg.Data.NumFeatures, cfg.Data.TopK).Evaluate(ctx, model, validation)
	if err != nil {
		return nil, nil, err
	}

	log := logger.WithComponent("evaluate")
	log.Info().
		Str("checkpoint", path).
		Int("round", ckpt.Round).
		Float64("acc1", stats.Acc1).
		Float64("loss", stats.Loss).
		Int("samples", stats.Samples).
		Msg("Checkpoint evaluated")
	return stats, ckpt, nil
}
