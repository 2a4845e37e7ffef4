package services

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
	"github.com/theblitlabs/parity-fedsim/internal/training"
	"github.com/theblitlabs/parity-fedsim/pkg/logger"
)

type TrainerConfig struct {
	BatchSize            int
	NumFeatures          int
	ClipGrad             float64
	MaxNonFiniteSteps    int
	DeterministicShuffle bool
	Seed                 int64
}

func NewTrainerConfig(cfg *config.Config) TrainerConfig {
	return TrainerConfig{
		BatchSize:            cfg.Data.BatchSize,
		NumFeatures:          cfg.Data.NumFeatures,
		ClipGrad:             cfg.Optimizer.ClipGrad,
		MaxNonFiniteSteps:    cfg.FL.MaxNonFiniteSteps,
		DeterministicShuffle: cfg.FL.DeterministicShuffle,
		Seed:                 cfg.FL.Seed,
	}
}

type LocalTrainer struct {
	cfg      TrainerConfig
	strategy ModeStrategy
}

func NewLocalTrainer(strategy ModeStrategy, cfg TrainerConfig) *LocalTrainer {
	return &LocalTrainer{cfg: cfg, strategy: strategy}
}

// RunLocalEpochs trains the proxy on one client's data for the given number
// of epochs. Only the bundle's model, optimizer, scaler, RNG and step
// counter are modified. Cancellation is checked between epochs; an
// interrupted run returns models.ErrInterrupted.
func (t *LocalTrainer) RunLocalEpochs(ctx context.Context, bundle *ProxyBundle, round int, assignment models.Assignment, data ports.Dataset, epochs int) (*models.LocalResult, error) {
	log := logger.WithComponent("local_trainer").With().
		Int("round", round).
		Str("client", assignment.Client).
		Int("proxy_id", bundle.ID).
		Logger()

	stepsPerEpoch := training.StepsPerEpoch(data.Len(), t.cfg.BatchSize)
	if stepsPerEpoch == 0 {
		return nil, models.NewConfigurationError("%d samples is less than one batch of %d", data.Len(), t.cfg.BatchSize).WithClient(assignment.Client)
	}

	result := &models.LocalResult{Client: assignment.Client, ProxyID: bundle.ID}
	params := bundle.Model.Parameters()

	for inner := 0; inner < epochs; inner++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", models.ErrInterrupted, ctx.Err())
		default:
		}

		order := training.EpochOrder(data.Len(), t.epochRNG(bundle, round, inner))
		startStep := (round + inner) * stepsPerEpoch
		meter := newStatsMeter()
		nonFinite := 0

		for it := 0; it < stepsPerEpoch; it++ {
			batch, err := training.LoadBatch(data, order[it*t.cfg.BatchSize:(it+1)*t.cfg.BatchSize], t.cfg.NumFeatures)
			if err != nil {
				return nil, fmt.Errorf("client %s: %w", assignment.Client, err)
			}
			if bundle.Mixup != nil {
				batch, _ = bundle.Mixup.Apply(batch, bundle.RNG)
			} else {
				batch.Smoothing = bundle.Smoothing
			}

			lr, wd := bundle.Schedule.At(startStep + it)
			started := time.Now()

			out, err := bundle.Model.Forward(batch, true)
			if err != nil {
				return nil, fmt.Errorf("forward pass failed for client %s on proxy %d: %w", assignment.Client, bundle.ID, err)
			}
			bundle.GlobalStep++

			scale := bundle.Scaler.Scale()
			if !t.finite(out, scale) {
				nonFinite++
				result.NonFiniteSteps++
				result.Degraded = true
				bundle.Scaler.Update(true)
				log.Warn().
					Int("step", bundle.GlobalStep).
					Float64("loss", out.Loss).
					Float64("loss_scale", bundle.Scaler.Scale()).
					Msg("Skipping step with non-finite loss or gradients")

				if result.NonFiniteSteps > t.cfg.MaxNonFiniteSteps {
					return nil, models.NewNumericInstabilityError(assignment.Client, bundle.ID,
						"%d non-finite steps in round %d exceed the limit of %d",
						result.NonFiniteSteps, round, t.cfg.MaxNonFiniteSteps)
				}
				continue
			}

			gradNorm := training.ClipGradNorm(out.Grads, t.cfg.ClipGrad)
			if err := bundle.Optimizer.Step(params, out.Grads, lr, wd); err != nil {
				return nil, fmt.Errorf("optimizer step failed on proxy %d: %w", bundle.ID, err)
			}
			bundle.Scaler.Update(false)
			result.Steps++

			meter.add("loss", out.Loss)
			if out.Correct >= 0 {
				meter.add(t.strategy.MetricName, float64(out.Correct)/float64(batch.Size()))
			}
			meter.add("lr", lr)
			meter.add("weight_decay", wd)
			meter.add("grad_norm", gradNorm)
			meter.add("loss_scale", scale)
			meter.add("step_time_ms", float64(time.Since(started).Microseconds())/1000)
		}

		stats := meter.averages()
		stats["steps"] = float64(stepsPerEpoch)
		stats["nonfinite_steps"] = float64(nonFinite)
		result.Epochs = append(result.Epochs, models.EpochStats{InnerEpoch: inner, Stats: stats})

		log.Debug().
			Int("inner_epoch", inner).
			Int("global_step", bundle.GlobalStep).
			Interface("stats", stats).
			Msg("Local epoch finished")
	}

	return result, nil
}

// epochRNG returns the generator that orders one epoch. With deterministic
// shuffling the order depends only on the seed, round and epoch.
func (t *LocalTrainer) epochRNG(bundle *ProxyBundle, round, inner int) *rand.Rand {
	if t.cfg.DeterministicShuffle {
		return rand.New(rand.NewSource(t.cfg.Seed + int64(round)*1000 + int64(inner)))
	}
	return bundle.RNG
}

// finite checks the loss and the gradients as they would look after loss
// scaling, then leaves the gradients unscaled.
func (t *LocalTrainer) finite(out tensor.Output, scale float64) bool {
	if math.IsNaN(out.Loss) || math.IsInf(out.Loss, 0) || out.Grads == nil {
		return false
	}
	if scale == 1 {
		return out.Grads.IsFinite()
	}
	out.Grads.Scale(scale)
	ok := out.Grads.IsFinite()
	out.Grads.Scale(1 / scale)
	return ok
}

// statsMeter averages named scalars; a name with no samples is omitted.
type statsMeter struct {
	sums   map[string]float64
	counts map[string]int
}

func newStatsMeter() *statsMeter {
	return &statsMeter{sums: make(map[string]float64), counts: make(map[string]int)}
}

func (m *statsMeter) add(name string, v float64) {
	m.sums[name] += v
	m.counts[name]++
}

func (m *statsMeter) averages() map[string]float64 {
	out := make(map[string]float64, len(m.sums)+2)
	for name, sum := range m.sums {
		out[name] = sum / float64(m.counts[name])
	}
	return out
}
