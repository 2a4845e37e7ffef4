package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
)

const DefaultConfigPath = "config/config.yaml"

const (
	TerminationAllProxies = "all_proxies"
	TerminationLastProxy  = "last_proxy"
	TerminationRounds     = "rounds"

	BufferPolicyFirst   = "first"
	BufferPolicyAverage = "average"
)

type Config struct {
	FL        FLConfig        `mapstructure:"FL"`
	Optimizer OptimizerConfig `mapstructure:"OPTIMIZER"`
	Data      DataConfig      `mapstructure:"DATA"`
	Mixup     MixupConfig     `mapstructure:"MIXUP"`
	Output    OutputConfig    `mapstructure:"OUTPUT"`
	Server    ServerConfig    `mapstructure:"SERVER"`
	Database  DatabaseConfig  `mapstructure:"DATABASE"`
	AWS       AWSConfig       `mapstructure:"AWS"`
	Scheduler SchedulerConfig `mapstructure:"SCHEDULER"`

	Mode models.Mode `mapstructure:"-"`
}

type FLConfig struct {
	NClients             int    `mapstructure:"N_CLIENTS"`
	NumLocalClients      int    `mapstructure:"NUM_LOCAL_CLIENTS"`
	LocalEpochs          int    `mapstructure:"E_EPOCH"`
	MaxRounds            int    `mapstructure:"MAX_COMMUNICATION_ROUNDS"`
	SaveCkptFreq         int    `mapstructure:"SAVE_CKPT_FREQ"`
	SaveCkpt             bool   `mapstructure:"SAVE_CKPT"`
	Termination          string `mapstructure:"TERMINATION"`
	BufferPolicy         string `mapstructure:"BUFFER_POLICY"`
	ParallelClients      int    `mapstructure:"PARALLEL_CLIENTS"`
	MaxNonFiniteSteps    int    `mapstructure:"MAX_NONFINITE_STEPS"`
	MaxResidentParams    int64  `mapstructure:"MAX_RESIDENT_PARAMS"`
	Seed                 int64  `mapstructure:"SEED"`
	DeterministicShuffle bool   `mapstructure:"DETERMINISTIC_SHUFFLE"`
	DisableEval          bool   `mapstructure:"DISABLE_EVAL"`
	Resume               string `mapstructure:"RESUME"`
}

type OptimizerConfig struct {
	LR             float64 `mapstructure:"LR"`
	MinLR          float64 `mapstructure:"MIN_LR"`
	WarmupLR       float64 `mapstructure:"WARMUP_LR"`
	WarmupEpochs   int     `mapstructure:"WARMUP_EPOCHS"`
	WarmupSteps    int     `mapstructure:"WARMUP_STEPS"`
	WeightDecay    float64 `mapstructure:"WEIGHT_DECAY"`
	WeightDecayEnd float64 `mapstructure:"WEIGHT_DECAY_END"`
	ClipGrad       float64 `mapstructure:"CLIP_GRAD"`
	Beta1          float64 `mapstructure:"BETA1"`
	Beta2          float64 `mapstructure:"BETA2"`
	Eps            float64 `mapstructure:"EPS"`
	LossScale      bool    `mapstructure:"LOSS_SCALE"`
	InitScale      float64 `mapstructure:"INIT_SCALE"`
}

type DataConfig struct {
	Path             string  `mapstructure:"PATH"`
	SplitType        string  `mapstructure:"SPLIT_TYPE"`
	BatchSize        int     `mapstructure:"BATCH_SIZE"`
	Synthetic        bool    `mapstructure:"SYNTHETIC"`
	NumFeatures      int     `mapstructure:"NUM_FEATURES"`
	NumClasses       int     `mapstructure:"NB_CLASSES"`
	SamplesPerClient int     `mapstructure:"SAMPLES_PER_CLIENT"`
	ValidationSize   int     `mapstructure:"VALIDATION_SIZE"`
	LabelSkew        float64 `mapstructure:"LABEL_SKEW"`
	TopK             int     `mapstructure:"TOP_K"`
}

type MixupConfig struct {
	Mixup          float64 `mapstructure:"MIXUP"`
	Cutmix         float64 `mapstructure:"CUTMIX"`
	Prob           float64 `mapstructure:"PROB"`
	SwitchProb     float64 `mapstructure:"SWITCH_PROB"`
	LabelSmoothing float64 `mapstructure:"SMOOTHING"`
}

type OutputConfig struct {
	Dir     string `mapstructure:"DIR"`
	LogFile string `mapstructure:"LOG_FILE"`
}

type ServerConfig struct {
	Host     string `mapstructure:"HOST"`
	Port     string `mapstructure:"PORT"`
	Endpoint string `mapstructure:"ENDPOINT"`
}

type DatabaseConfig struct {
	Username     string `mapstructure:"USERNAME"`
	Password     string `mapstructure:"PASSWORD"`
	Host         string `mapstructure:"HOST"`
	Port         string `mapstructure:"PORT"`
	DatabaseName string `mapstructure:"DATABASE_NAME"`
}

type AWSConfig struct {
	Region          string `mapstructure:"REGION"`
	BucketName      string `mapstructure:"BUCKET_NAME"`
	AccessKeyID     string `mapstructure:"ACCESS_KEY_ID"`
	SecretAccessKey string `mapstructure:"SECRET_ACCESS_KEY"`
	Endpoint        string `mapstructure:"ENDPOINT"`
}

type SchedulerConfig struct {
	// Interval in seconds between progress reports; 0 disables them.
	Interval int `mapstructure:"INTERVAL"`
}

func (dc *DatabaseConfig) GetConnectionURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dc.Username,
		dc.Password,
		dc.Host,
		dc.Port,
		dc.DatabaseName,
	)
}

// Enabled reports whether run history should go to postgres.
func (dc *DatabaseConfig) Enabled() bool {
	return dc.Host != "" && dc.DatabaseName != ""
}

// MirrorEnabled reports whether checkpoints are mirrored to S3.
func (ac *AWSConfig) MirrorEnabled() bool {
	return ac.BucketName != ""
}

// Enabled reports whether the status API should be started.
func (sc *ServerConfig) Enabled() bool {
	return sc.Port != ""
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"n-clients":         "fl.n_clients",
	"num-local-clients": "fl.num_local_clients",
	"local-epochs":      "fl.e_epoch",
	"rounds":            "fl.max_communication_rounds",
	"save-ckpt-freq":    "fl.save_ckpt_freq",
	"termination":       "fl.termination",
	"parallel-clients":  "fl.parallel_clients",
	"seed":              "fl.seed",
	"disable-eval":      "fl.disable_eval",
	"resume":            "fl.resume",
	"batch-size":        "data.batch_size",
	"data-path":         "data.path",
	"split-type":        "data.split_type",
	"synthetic":         "data.synthetic",
	"lr":                "optimizer.lr",
	"output-dir":        "output.dir",
	"port":              "server.port",
}

// Default returns the configuration for mode with no file, environment or
// flag overrides.
func Default(mode models.Mode) *Config {
	v := viper.New()
	setDefaults(v, mode)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("default config does not decode: %v", err))
	}
	config.Mode = mode
	return &config
}

// Load builds the configuration for mode. Values are resolved from flags,
// then environment (FL_N_CLIENTS, OPTIMIZER_LR, ...), then the config file,
// then the mode defaults. A missing config file is not an error.
func Load(path string, mode models.Mode, flags *pflag.FlagSet) (*Config, error) {
	if mode != models.ModePretrain && mode != models.ModeFinetune {
		return nil, models.NewConfigurationError("unknown mode %q", mode)
	}

	v := viper.New()
	setDefaults(v, mode)

	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}
	config.Mode = mode

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper, mode models.Mode) {
	lr, minLR, saveFreq := 5e-4, 1e-6, 20
	if mode == models.ModePretrain {
		lr, minLR, saveFreq = 2e-3, 1e-5, 50
	}

	v.SetDefault("fl", map[string]interface{}{
		"n_clients":                5,
		"num_local_clients":        -1,
		"e_epoch":                  1,
		"max_communication_rounds": 100,
		"save_ckpt_freq":           saveFreq,
		"save_ckpt":                true,
		"termination":              TerminationAllProxies,
		"buffer_policy":            BufferPolicyFirst,
		"parallel_clients":         1,
		"max_nonfinite_steps":      100,
		"max_resident_params":      0,
		"seed":                     0,
		"deterministic_shuffle":    false,
		"disable_eval":             false,
		"resume":                   "",
	})

	v.SetDefault("optimizer", map[string]interface{}{
		"lr":               lr,
		"min_lr":           minLR,
		"warmup_lr":        1e-6,
		"warmup_epochs":    5,
		"warmup_steps":     -1,
		"weight_decay":     0.05,
		"weight_decay_end": -1.0,
		"clip_grad":        0.0,
		"beta1":            0.9,
		"beta2":            0.999,
		"eps":              1e-8,
		"loss_scale":       true,
		"init_scale":       65536.0,
	})

	v.SetDefault("data", map[string]interface{}{
		"path":               "data",
		"split_type":         "central",
		"batch_size":         64,
		"synthetic":          false,
		"num_features":       16,
		"nb_classes":         2,
		"samples_per_client": 512,
		"validation_size":    256,
		"label_skew":         0.0,
		"top_k":              5,
	})

	v.SetDefault("mixup", map[string]interface{}{
		"mixup":       0.0,
		"cutmix":      0.0,
		"prob":        1.0,
		"switch_prob": 0.5,
		"smoothing":   0.1,
	})

	v.SetDefault("output", map[string]interface{}{
		"dir":      "output",
		"log_file": "log.txt",
	})

	v.SetDefault("server", map[string]interface{}{
		"host":     "localhost",
		"port":     "",
		"endpoint": "/api/v1",
	})

	v.SetDefault("database", map[string]interface{}{
		"username":      "",
		"password":      "",
		"host":          "",
		"port":          "5432",
		"database_name": "",
	})

	v.SetDefault("aws", map[string]interface{}{
		"region":            "",
		"bucket_name":       "",
		"access_key_id":     "",
		"secret_access_key": "",
		"endpoint":          "",
	})

	v.SetDefault("scheduler", map[string]interface{}{
		"interval": 30,
	})
}

// Validate reports the first invalid setting as a ConfigurationError.
func (c *Config) Validate() error {
	fl := c.FL
	switch {
	case fl.NClients < 1:
		return models.NewConfigurationError("fl.n_clients must be positive, got %d", fl.NClients)
	case fl.NumLocalClients == 0 || fl.NumLocalClients < -1:
		return models.NewConfigurationError("fl.num_local_clients must be -1 or positive, got %d", fl.NumLocalClients)
	case fl.NumLocalClients > fl.NClients:
		return models.NewConfigurationError("fl.num_local_clients (%d) exceeds fl.n_clients (%d)", fl.NumLocalClients, fl.NClients)
	case fl.LocalEpochs < 1:
		return models.NewConfigurationError("fl.e_epoch must be positive, got %d", fl.LocalEpochs)
	case fl.MaxRounds < 1:
		return models.NewConfigurationError("fl.max_communication_rounds must be positive, got %d", fl.MaxRounds)
	case fl.SaveCkptFreq < 1:
		return models.NewConfigurationError("fl.save_ckpt_freq must be positive, got %d", fl.SaveCkptFreq)
	case fl.ParallelClients < 1:
		return models.NewConfigurationError("fl.parallel_clients must be positive, got %d", fl.ParallelClients)
	case fl.MaxNonFiniteSteps < 0:
		return models.NewConfigurationError("fl.max_nonfinite_steps must not be negative")
	case fl.MaxResidentParams < 0:
		return models.NewConfigurationError("fl.max_resident_params must not be negative")
	}

	switch fl.Termination {
	case TerminationAllProxies, TerminationLastProxy, TerminationRounds:
	default:
		return models.NewConfigurationError("unknown fl.termination %q", fl.Termination)
	}

	switch fl.BufferPolicy {
	case BufferPolicyFirst, BufferPolicyAverage:
	default:
		return models.NewConfigurationError("unknown fl.buffer_policy %q", fl.BufferPolicy)
	}

	opt := c.Optimizer
	switch {
	case opt.LR <= 0:
		return models.NewConfigurationError("optimizer.lr must be positive, got %g", opt.LR)
	case opt.MinLR < 0 || opt.WarmupLR < 0:
		return models.NewConfigurationError("optimizer learning rate bounds must not be negative")
	case opt.WarmupEpochs < 0:
		return models.NewConfigurationError("optimizer.warmup_epochs must not be negative")
	case opt.WeightDecay < 0:
		return models.NewConfigurationError("optimizer.weight_decay must not be negative")
	case opt.ClipGrad < 0:
		return models.NewConfigurationError("optimizer.clip_grad must not be negative")
	case opt.Beta1 < 0 || opt.Beta1 >= 1 || opt.Beta2 < 0 || opt.Beta2 >= 1:
		return models.NewConfigurationError("optimizer betas must be in [0, 1)")
	case opt.Eps <= 0:
		return models.NewConfigurationError("optimizer.eps must be positive")
	}

	data := c.Data
	switch {
	case data.BatchSize < 1:
		return models.NewConfigurationError("data.batch_size must be positive, got %d", data.BatchSize)
	case !data.Synthetic && data.Path == "":
		return models.NewConfigurationError("data.path is required unless data.synthetic is set")
	case data.Synthetic && (data.NumFeatures < 1 || data.NumClasses < 2 || data.SamplesPerClient < 1):
		return models.NewConfigurationError("synthetic data needs features >= 1, classes >= 2 and samples >= 1")
	case data.LabelSkew < 0 || data.LabelSkew > 1:
		return models.NewConfigurationError("data.label_skew must be in [0, 1]")
	case data.TopK < 1:
		return models.NewConfigurationError("data.top_k must be positive")
	}

	mix := c.Mixup
	switch {
	case mix.Mixup < 0 || mix.Cutmix < 0:
		return models.NewConfigurationError("mixup alphas must not be negative")
	case mix.Prob < 0 || mix.Prob > 1 || mix.SwitchProb < 0 || mix.SwitchProb > 1:
		return models.NewConfigurationError("mixup probabilities must be in [0, 1]")
	case mix.LabelSmoothing < 0 || mix.LabelSmoothing >= 1:
		return models.NewConfigurationError("mixup.smoothing must be in [0, 1)")
	}

	if c.Output.Dir == "" {
		return models.NewConfigurationError("output.dir is required")
	}
	if c.Scheduler.Interval < 0 {
		return models.NewConfigurationError("scheduler.interval must not be negative")
	}

	return nil
}

// Settings is the subset persisted with a run record.
func (c *Config) Settings() models.RunSettings {
	return models.RunSettings{
		NClients:        c.FL.NClients,
		NumLocalClients: c.FL.NumLocalClients,
		LocalEpochs:     c.FL.LocalEpochs,
		BatchSize:       c.Data.BatchSize,
		LearningRate:    c.Optimizer.LR,
		Termination:     c.FL.Termination,
		BufferPolicy:    c.FL.BufferPolicy,
		SplitType:       c.Data.SplitType,
		Seed:            c.FL.Seed,
	}
}
