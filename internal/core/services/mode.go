package services

import (
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
)

// ModeStrategy holds every mode-dependent behavior of the engine. It is
// resolved once from the configured mode.
type ModeStrategy struct {
	Mode models.Mode
	// MetricName is the per-epoch accuracy statistic.
	MetricName string
	// UseMixup enables mixup/cutmix and label smoothing on training batches.
	UseMixup bool
	// Evaluate runs held-out evaluation and tracks the best checkpoint.
	Evaluate bool
	// ParticipantsOnly restricts aggregation to proxies that ran at least
	// one step this round.
	ParticipantsOnly bool
	// CheckpointFinalRound forces a checkpoint on the last planned round.
	CheckpointFinalRound bool
}

func ResolveModeStrategy(mode models.Mode) (ModeStrategy, error) {
	switch mode {
	case models.ModePretrain:
		return ModeStrategy{
			Mode:       mode,
			MetricName: "mlm_acc",
		}, nil
	case models.ModeFinetune:
		return ModeStrategy{
			Mode:                 mode,
			MetricName:           "class_acc",
			UseMixup:             true,
			Evaluate:             true,
			ParticipantsOnly:     true,
			CheckpointFinalRound: true,
		}, nil
	default:
		return ModeStrategy{}, models.NewConfigurationError("unknown mode %q", mode)
	}
}
