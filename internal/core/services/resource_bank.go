package services

import (
	"fmt"
	"math/rand"

	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/internal/training"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
)

// residentCopies counts the weights plus both AdamW moments.
const residentCopies = 3

type BankConfig struct {
	BatchSize         int
	LocalEpochs       int
	MaxRounds         int
	LR                float64
	MinLR             float64
	WarmupLR          float64
	WarmupEpochs      int
	WarmupSteps       int
	WeightDecay       float64
	WeightDecayEnd    float64
	AdamW             training.AdamWConfig
	LossScale         bool
	InitScale         float64
	Mixup             training.MixupConfig
	Seed              int64
	MaxResidentParams int64
}

func NewBankConfig(cfg *config.Config, numClasses int) BankConfig {
	wdEnd := cfg.Optimizer.WeightDecayEnd
	if wdEnd < 0 {
		wdEnd = cfg.Optimizer.WeightDecay
	}
	return BankConfig{
		BatchSize:      cfg.Data.BatchSize,
		LocalEpochs:    cfg.FL.LocalEpochs,
		MaxRounds:      cfg.FL.MaxRounds,
		LR:             cfg.Optimizer.LR,
		MinLR:          cfg.Optimizer.MinLR,
		WarmupLR:       cfg.Optimizer.WarmupLR,
		WarmupEpochs:   cfg.Optimizer.WarmupEpochs,
		WarmupSteps:    cfg.Optimizer.WarmupSteps,
		WeightDecay:    cfg.Optimizer.WeightDecay,
		WeightDecayEnd: wdEnd,
		AdamW: training.AdamWConfig{
			Beta1: cfg.Optimizer.Beta1,
			Beta2: cfg.Optimizer.Beta2,
			Eps:   cfg.Optimizer.Eps,
		},
		LossScale: cfg.Optimizer.LossScale,
		InitScale: cfg.Optimizer.InitScale,
		Mixup: training.MixupConfig{
			MixupAlpha:  cfg.Mixup.Mixup,
			CutmixAlpha: cfg.Mixup.Cutmix,
			Prob:        cfg.Mixup.Prob,
			SwitchProb:  cfg.Mixup.SwitchProb,
			Smoothing:   cfg.Mixup.LabelSmoothing,
			NumClasses:  numClasses,
		},
		Seed:              cfg.FL.Seed,
		MaxResidentParams: cfg.FL.MaxResidentParams,
	}
}

// ProxyBundle is everything one proxy slot owns. Only the local trainer
// working on this proxy and the aggregator's redistribution touch it.
type ProxyBundle struct {
	ID            int
	Label         string
	Model         ports.Model
	Optimizer     *training.AdamW
	Schedule      *training.ScheduleTable
	Scaler        *training.LossScaler
	Mixup         *training.Mixup
	Smoothing     float64
	RNG           *rand.Rand
	StepsPerEpoch int
	GlobalStep    int
	StepTarget    int
}

// Reached reports whether the proxy has taken its planned number of steps.
func (b *ProxyBundle) Reached() bool {
	return b.GlobalStep >= b.StepTarget
}

// ResourceBank is the keyed store of proxy bundles, indexed by proxy id.
type ResourceBank struct {
	bundles []*ProxyBundle
}

// AllocateResourceBank clones the template into one bundle per proxy slot.
// The template itself is only read.
func AllocateResourceBank(template ports.Model, registry *ClientRegistry, strategy ModeStrategy, cfg BankConfig) (*ResourceBank, error) {
	if cfg.BatchSize < 1 || cfg.LocalEpochs < 1 || cfg.MaxRounds < 1 {
		return nil, models.NewConfigurationError("batch size, local epochs and rounds must be positive")
	}

	numProxies := registry.NumProxies()
	perReplica := int64(template.Parameters().NumElements()) * residentCopies
	if cfg.MaxResidentParams > 0 && int64(numProxies)*perReplica > cfg.MaxResidentParams {
		fits := int(cfg.MaxResidentParams / perReplica)
		return nil, models.NewResourceError(fits,
			"%d proxies need %d resident parameters, budget is %d",
			numProxies, int64(numProxies)*perReplica, cfg.MaxResidentParams)
	}

	stepsPerEpoch, err := stepsPerEpochByProxy(registry, cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	bundles := make([]*ProxyBundle, numProxies)
	for id := range bundles {
		steps := stepsPerEpoch[id]

		lr, err := training.CosineSchedule(cfg.LR, cfg.MinLR, cfg.MaxRounds, steps, cfg.WarmupEpochs, cfg.WarmupLR, cfg.WarmupSteps)
		if err != nil {
			return nil, models.NewConfigurationError("lr schedule for proxy %d: %v", id, err)
		}
		wd, err := training.CosineSchedule(cfg.WeightDecay, cfg.WeightDecayEnd, cfg.MaxRounds, steps, 0, 0, -1)
		if err != nil {
			return nil, models.NewConfigurationError("weight decay schedule for proxy %d: %v", id, err)
		}

		model := template.Clone()
		bundle := &ProxyBundle{
			ID:            id,
			Label:         registry.ProxyLabel(id),
			Model:         model,
			Optimizer:     training.NewAdamW(model.Parameters(), cfg.AdamW),
			Schedule:      &training.ScheduleTable{LR: lr, WD: wd},
			Scaler:        training.NewLossScaler(cfg.InitScale, cfg.LossScale),
			RNG:           rand.New(rand.NewSource(cfg.Seed + int64(id))),
			StepsPerEpoch: steps,
			StepTarget:    steps * cfg.LocalEpochs * cfg.MaxRounds,
		}
		if strategy.UseMixup {
			bundle.Mixup = training.NewMixup(cfg.Mixup)
			bundle.Smoothing = cfg.Mixup.Smoothing
		}
		bundles[id] = bundle
	}

	return &ResourceBank{bundles: bundles}, nil
}

// stepsPerEpochByProxy sizes each proxy's schedule. Under full
// participation proxy i always trains client i; otherwise any client can
// land on any proxy, so the smallest partition sets the size.
func stepsPerEpochByProxy(registry *ClientRegistry, batchSize int) ([]int, error) {
	clients := registry.Clients()
	steps := make([]int, registry.NumProxies())

	if registry.FullParticipation() {
		for i, c := range clients {
			steps[i] = training.StepsPerEpoch(c.NSamples, batchSize)
			if steps[i] == 0 {
				return nil, models.NewConfigurationError("%d samples is less than one batch of %d", c.NSamples, batchSize).WithClient(c.Key)
			}
		}
		return steps, nil
	}

	smallest := clients[0]
	for _, c := range clients[1:] {
		if c.NSamples < smallest.NSamples {
			smallest = c
		}
	}
	n := training.StepsPerEpoch(smallest.NSamples, batchSize)
	if n == 0 {
		return nil, models.NewConfigurationError("%d samples is less than one batch of %d", smallest.NSamples, batchSize).WithClient(smallest.Key)
	}
	for i := range steps {
		steps[i] = n
	}
	return steps, nil
}

func (b *ResourceBank) Get(proxyID int) (*ProxyBundle, error) {
	if proxyID < 0 || proxyID >= len(b.bundles) {
		return nil, fmt.Errorf("proxy %d out of range [0, %d)", proxyID, len(b.bundles))
	}
	return b.bundles[proxyID], nil
}

func (b *ResourceBank) Len() int {
	return len(b.bundles)
}

func (b *ResourceBank) Bundles() []*ProxyBundle {
	return b.bundles
}

func (b *ResourceBank) GlobalSteps() []int {
	steps := make([]int, len(b.bundles))
	for i, bundle := range b.bundles {
		steps[i] = bundle.GlobalStep
	}
	return steps
}

func (b *ResourceBank) StepTargets() []int {
	targets := make([]int, len(b.bundles))
	for i, bundle := range b.bundles {
		targets[i] = bundle.StepTarget
	}
	return targets
}

// AllReached reports whether every proxy hit its step target.
func (b *ResourceBank) AllReached() bool {
	for _, bundle := range b.bundles {
		if !bundle.Reached() {
			return false
		}
	}
	return true
}

// Parameters returns each proxy's live parameter set.
func (b *ResourceBank) Parameters() []tensor.Params {
	params := make([]tensor.Params, len(b.bundles))
	for i, bundle := range b.bundles {
		params[i] = bundle.Model.Parameters()
	}
	return params
}
