package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theblitlabs/parity-fedsim/cmd/cli"
	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/utils"
	"github.com/theblitlabs/parity-fedsim/pkg/logger"
)

var (
	logMode    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "parity-fedsim",
	Short: "Simulated federated averaging trainer",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		switch logMode {
		case "debug", "pretty", "info", "prod", "test":
			logger.InitWithMode(logger.LogMode(logMode))
		default:
			logger.InitWithMode(logger.LogModePretty)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logMode, "log", "pretty", "Log mode: debug, pretty, info, prod, test")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "Path to the config file")

	rootCmd.AddCommand(trainCommand(models.ModePretrain, "Pretrain with masked-token accuracy as the metric"))
	rootCmd.AddCommand(trainCommand(models.ModeFinetune, "Finetune a classifier with evaluation after each round"))
	rootCmd.AddCommand(utils.CreateCommand(utils.CommandConfig{
		Use:     "evaluate",
		Short:   "Evaluate a checkpoint on the validation set",
		Example: "parity-fedsim evaluate --checkpoint output/checkpoint-best.json",
		Flags:   cli.EvaluateFlags(),
		RunFunc: func(cmd *cobra.Command, args []string) error {
			cli.RunEvaluate(configPath, cmd.Flags())
			return nil
		},
	}))
}

func trainCommand(mode models.Mode, short string) *cobra.Command {
	return utils.CreateCommand(utils.CommandConfig{
		Use:     string(mode),
		Short:   short,
		Example: fmt.Sprintf("parity-fedsim %s --n-clients 5 --num-local-clients 2 --rounds 50", mode),
		Flags:   cli.TrainingFlags(),
		RunFunc: func(cmd *cobra.Command, args []string) error {
			cli.RunTraining(mode, configPath, cmd.Flags())
			return nil
		},
	})
}
