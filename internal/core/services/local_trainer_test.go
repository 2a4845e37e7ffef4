package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/internal/training"
)

func trainProxy(t *testing.T, e *engine, trainer *LocalTrainer, proxyID, round int) (*models.LocalResult, error) {
	t.Helper()
	selection := e.registry.Select(nil)
	assignment := selection.Assignments[proxyID]
	bundle, err := e.bank.Get(proxyID)
	require.NoError(t, err)
	data, err := e.source.Client(assignment.Client)
	require.NoError(t, err)
	return trainer.RunLocalEpochs(context.Background(), bundle, round, assignment, data, e.cfg.FL.LocalEpochs)
}

func TestLocalTrainer_TouchesOnlyItsProxy(t *testing.T) {
	cfg := testConfig(t, models.ModeFinetune)
	cfg.FL.LocalEpochs = 2
	e := newEngine(t, cfg)
	trainer := NewLocalTrainer(e.strategy, NewTrainerConfig(cfg))

	before := e.bank.Parameters()
	snapshots := make([]map[string][]float64, len(before))
	for i, p := range before {
		snapshots[i] = map[string][]float64{}
		for name, tensor := range p.Clone() {
			snapshots[i][name] = tensor.Data
		}
	}
	optimizers := make([]training.OptimizerState, len(before))
	scalers := make([]training.ScalerState, len(before))
	for id, bundle := range e.bank.Bundles() {
		optimizers[id] = bundle.Optimizer.State()
		scalers[id] = bundle.Scaler.State()
	}

	result, err := trainProxy(t, e, trainer, 1, 0)
	require.NoError(t, err)

	assert.Equal(t, "client_1", result.Client)
	assert.Equal(t, 1, result.ProxyID)
	assert.Equal(t, 10, result.Steps)
	assert.True(t, result.Participated())
	assert.False(t, result.Degraded)
	require.Len(t, result.Epochs, 2)

	for id, bundle := range e.bank.Bundles() {
		changed := false
		for name, tensor := range bundle.Model.Parameters() {
			for i, v := range tensor.Data {
				if v != snapshots[id][name][i] {
					changed = true
				}
			}
		}
		if id == 1 {
			assert.True(t, changed, "trained proxy must move")
			assert.NotEqual(t, optimizers[id].Step, bundle.Optimizer.State().Step)
			continue
		}
		assert.False(t, changed, "proxy %d must not be touched", id)
		assert.Equal(t, optimizers[id], bundle.Optimizer.State(), "proxy %d optimizer", id)
		assert.Equal(t, scalers[id], bundle.Scaler.State(), "proxy %d scaler", id)
		assert.Zero(t, bundle.GlobalStep, "proxy %d step", id)
	}
	assert.Equal(t, []int{0, 10, 0}, e.bank.GlobalSteps())
	assert.True(t, e.global.Parameters().Equal(before[0], 0))
}

func TestLocalTrainer_EpochStats(t *testing.T) {
	cfg := testConfig(t, models.ModeFinetune)
	e := newEngine(t, cfg)
	trainer := NewLocalTrainer(e.strategy, NewTrainerConfig(cfg))

	result, err := trainProxy(t, e, trainer, 0, 0)
	require.NoError(t, err)
	require.Len(t, result.Epochs, 1)

	stats := result.Epochs[0].Stats
	for _, key := range []string{"loss", "class_acc", "lr", "weight_decay", "grad_norm", "loss_scale", "step_time_ms", "steps", "nonfinite_steps"} {
		assert.Contains(t, stats, key)
	}
	assert.NotContains(t, stats, "mlm_acc")
	assert.Equal(t, 4.0, stats["steps"])
	assert.Zero(t, stats["nonfinite_steps"])
	assert.GreaterOrEqual(t, stats["class_acc"], 0.0)
	assert.LessOrEqual(t, stats["class_acc"], 1.0)

	loss, ok := result.MeanLoss()
	assert.True(t, ok)
	assert.Equal(t, stats["loss"], loss)
}

func TestLocalTrainer_PretrainMetricName(t *testing.T) {
	cfg := testConfig(t, models.ModePretrain)
	e := newEngine(t, cfg)
	trainer := NewLocalTrainer(e.strategy, NewTrainerConfig(cfg))

	result, err := trainProxy(t, e, trainer, 2, 0)
	require.NoError(t, err)
	assert.Contains(t, result.Epochs[0].Stats, "mlm_acc")
}

func TestLocalTrainer_SkipsNonFiniteSteps(t *testing.T) {
	cfg := testConfig(t, models.ModePretrain)
	e := newEngineWithModel(t, cfg, func(m *training.SoftmaxClassifier) ports.Model {
		return newNaNModel(m, 2)
	})
	trainer := NewLocalTrainer(e.strategy, NewTrainerConfig(cfg))

	bundle, err := e.bank.Get(0)
	require.NoError(t, err)
	scaleBefore := bundle.Scaler.Scale()

	result, err := trainProxy(t, e, trainer, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Steps)
	assert.Equal(t, 2, result.NonFiniteSteps)
	assert.True(t, result.Degraded)
	assert.Equal(t, 4, bundle.GlobalStep, "skipped steps still advance the step counter")
	assert.Equal(t, 2, bundle.Optimizer.StepCount())
	assert.Equal(t, scaleBefore/4, bundle.Scaler.Scale())
	assert.True(t, bundle.Model.Parameters().IsFinite())
	assert.Equal(t, 2.0, result.Epochs[0].Stats["nonfinite_steps"])
}

func TestLocalTrainer_EscalatesPersistentInstability(t *testing.T) {
	cfg := testConfig(t, models.ModePretrain)
	cfg.FL.MaxNonFiniteSteps = 1
	e := newEngineWithModel(t, cfg, func(m *training.SoftmaxClassifier) ports.Model {
		return newNaNModel(m, 0)
	})
	trainer := NewLocalTrainer(e.strategy, NewTrainerConfig(cfg))

	_, err := trainProxy(t, e, trainer, 2, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNumericInstability))

	var flErr *models.FLError
	require.True(t, errors.As(err, &flErr))
	assert.Equal(t, "client_2", flErr.Client)
	assert.Equal(t, 2, flErr.ProxyID)
}

func TestLocalTrainer_CancelledContext(t *testing.T) {
	cfg := testConfig(t, models.ModePretrain)
	e := newEngine(t, cfg)
	trainer := NewLocalTrainer(e.strategy, NewTrainerConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	selection := e.registry.Select(nil)
	bundle, err := e.bank.Get(0)
	require.NoError(t, err)
	data, err := e.source.Client(selection.Assignments[0].Client)
	require.NoError(t, err)

	_, err = trainer.RunLocalEpochs(ctx, bundle, 0, selection.Assignments[0], data, 1)
	assert.True(t, errors.Is(err, models.ErrInterrupted))
	assert.Zero(t, bundle.GlobalStep)
}

func TestLocalTrainer_DeterministicShuffleIsReproducible(t *testing.T) {
	run := func() []float64 {
		cfg := testConfig(t, models.ModePretrain)
		cfg.FL.DeterministicShuffle = true
		e := newEngine(t, cfg)
		trainer := NewLocalTrainer(e.strategy, NewTrainerConfig(cfg))
		_, err := trainProxy(t, e, trainer, 0, 1)
		require.NoError(t, err)
		bundle, err := e.bank.Get(0)
		require.NoError(t, err)
		return append([]float64(nil), bundle.Model.Parameters()[training.ParamWeight].Data...)
	}
	assert.Equal(t, run(), run())
}
