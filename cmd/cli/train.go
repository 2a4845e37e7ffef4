package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/theblitlabs/parity-fedsim/internal/core/app"
	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/utils"
	"github.com/theblitlabs/parity-fedsim/pkg/logger"
)

// TrainingFlags are the config overrides shared by pretrain and finetune.
// Names match the keys bound in config.Load.
func TrainingFlags() map[string]utils.Flag {
	return map[string]utils.Flag{
		"n-clients":         {Type: utils.FlagTypeInt, DefaultInt: 5, Description: "Number of clients in the partition"},
		"num-local-clients": {Type: utils.FlagTypeInt, DefaultInt: -1, Description: "Clients trained per round, -1 for all"},
		"local-epochs":      {Type: utils.FlagTypeInt, DefaultInt: 1, Description: "Local epochs per round"},
		"rounds":            {Type: utils.FlagTypeInt, DefaultInt: 100, Description: "Maximum communication rounds"},
		"save-ckpt-freq":    {Type: utils.FlagTypeInt, DefaultInt: 20, Description: "Save a checkpoint every N rounds"},
		"termination":       {Type: utils.FlagTypeString, DefaultString: config.TerminationAllProxies, Description: "Termination policy: all_proxies, last_proxy, rounds"},
		"parallel-clients":  {Type: utils.FlagTypeInt, DefaultInt: 1, Description: "Clients trained concurrently"},
		"seed":              {Type: utils.FlagTypeInt, Description: "Random seed"},
		"disable-eval":      {Type: utils.FlagTypeBool, Description: "Skip evaluation after rounds"},
		"resume":            {Type: utils.FlagTypeString, Description: "Checkpoint to resume from"},
		"batch-size":        {Type: utils.FlagTypeInt, DefaultInt: 64, Description: "Batch size"},
		"data-path":         {Type: utils.FlagTypeString, DefaultString: "data", Description: "Partition directory"},
		"split-type":        {Type: utils.FlagTypeString, DefaultString: "central", Description: "Partition split under the data path"},
		"synthetic":         {Type: utils.FlagTypeBool, Description: "Generate synthetic client data"},
		"lr":                {Type: utils.FlagTypeFloat64, Description: "Base learning rate"},
		"output-dir":        {Type: utils.FlagTypeString, DefaultString: "output", Description: "Checkpoint and log directory"},
		"port":              {Type: utils.FlagTypeString, Description: "Serve the status API on this port"},
	}
}

func RunTraining(mode models.Mode, configPath string, flags *pflag.FlagSet) {
	log := logger.WithComponent("cli")

	cfg, err := config.Load(configPath, mode, flags)
	if err != nil {
		fail(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stopChan)

	go func() {
		select {
		case <-stopChan:
			log.Info().Msg("Shutdown signal received, stopping after the current round...")
			cancel()
		case <-ctx.Done():
		}
	}()

	trainer, err := app.NewTrainerBuilder(ctx, cfg).
		InitStorage().
		InitRepositories().
		InitData().
		InitEngine().
		InitMonitor().
		InitStatusServer().
		Build()
	if err != nil {
		fail(err)
	}

	summary, runErr := trainer.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	trainer.Shutdown(shutdownCtx)

	if runErr != nil {
		fail(runErr)
	}

	fmt.Printf("Training time %s\n", summary.Duration.Round(time.Second))
	if summary.FinalAccuracy != nil {
		fmt.Printf("Final accuracy: %.2f%%\n", *summary.FinalAccuracy)
	}
	if summary.BestAccuracy != nil {
		fmt.Printf("Max accuracy: %.2f%%\n", *summary.BestAccuracy)
	}
}

// fail prints the error kind and identifiers and exits non-zero.
func fail(err error) {
	var flErr *models.FLError
	switch {
	case errors.As(err, &flErr):
		fmt.Fprintf(os.Stderr, "%s: %s\n", flErr.Kind, flErr.Msg)
		if flErr.Client != "" {
			fmt.Fprintf(os.Stderr, "  client: %s\n", flErr.Client)
		}
		if flErr.ProxyID >= 0 {
			fmt.Fprintf(os.Stderr, "  proxy: %d\n", flErr.ProxyID)
		}
		if flErr.Tensor != "" {
			fmt.Fprintf(os.Stderr, "  tensor: %s\n", flErr.Tensor)
		}
		if flErr.Err != nil {
			fmt.Fprintf(os.Stderr, "  cause: %v\n", flErr.Err)
		}
	case errors.Is(err, models.ErrInterrupted):
		fmt.Fprintf(os.Stderr, "Interrupted: %v\n", err)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}
