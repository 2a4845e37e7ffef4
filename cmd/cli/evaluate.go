package cli

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/theblitlabs/parity-fedsim/internal/core/app"
	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/utils"
)

func EvaluateFlags() map[string]utils.Flag {
	flags := TrainingFlags()
	flags["checkpoint"] = utils.Flag{
		Type:        utils.FlagTypeString,
		Required:    true,
		Description: "Checkpoint to evaluate",
	}
	return flags
}

// RunEvaluate scores a saved checkpoint on the validation split.
func RunEvaluate(configPath string, flags *pflag.FlagSet) {
	checkpoint, _ := flags.GetString("checkpoint")

	cfg, err := config.Load(configPath, models.ModeFinetune, flags)
	if err != nil {
		fail(err)
	}

	stats, ckpt, err := app.EvaluateCheckpoint(context.Background(), cfg, checkpoint)
	if err != nil {
		fail(err)
	}

	fmt.Printf("Accuracy of the network at round %d on the %d test samples: %.2f%%\n", ckpt.Round, stats.Samples, stats.Acc1)
	fmt.Printf("Top-k accuracy: %.2f%%, loss: %.4f\n", stats.Acc5, stats.Loss)
}
