package services

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/internal/database/repositories"
	"github.com/theblitlabs/parity-fedsim/internal/dataset"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
	"github.com/theblitlabs/parity-fedsim/internal/training"
)

// testConfig is a small three-client run: clients hold 32, 40 and 48
// samples, so with batch 8 they take 4, 5 and 6 steps per epoch.
func testConfig(t *testing.T, mode models.Mode) *config.Config {
	t.Helper()
	cfg := config.Default(mode)
	cfg.FL.NClients = 3
	cfg.FL.MaxRounds = 3
	cfg.FL.SaveCkptFreq = 2
	cfg.FL.Seed = 7
	cfg.Data.Synthetic = true
	cfg.Data.BatchSize = 8
	cfg.Data.SamplesPerClient = 32
	cfg.Data.ValidationSize = 20
	cfg.Data.NumFeatures = 4
	cfg.Data.NumClasses = 3
	cfg.Data.TopK = 2
	cfg.Optimizer.WarmupEpochs = 1
	cfg.Output.Dir = t.TempDir()
	require.NoError(t, cfg.Validate())
	return cfg
}

type engine struct {
	cfg        *config.Config
	strategy   ModeStrategy
	source     *dataset.MemorySource
	registry   *ClientRegistry
	bank       *ResourceBank
	global     ports.Model
	tracker    *RunTracker
	runLog     *RunLog
	controller *RoundController
}

func newEngine(t *testing.T, cfg *config.Config) *engine {
	return newEngineWithModel(t, cfg, nil)
}

// newEngineWithModel wires a full engine. wrap, when set, replaces the
// reference classifier with a test double built around it.
func newEngineWithModel(t *testing.T, cfg *config.Config, wrap func(*training.SoftmaxClassifier) ports.Model) *engine {
	t.Helper()

	strategy, err := ResolveModeStrategy(cfg.Mode)
	require.NoError(t, err)

	source, err := dataset.NewSyntheticSource(dataset.SyntheticConfig{
		Clients:          cfg.FL.NClients,
		SamplesPerClient: cfg.Data.SamplesPerClient,
		ValidationSize:   cfg.Data.ValidationSize,
		NumFeatures:      cfg.Data.NumFeatures,
		NumClasses:       cfg.Data.NumClasses,
		LabelSkew:        cfg.Data.LabelSkew,
		Seed:             cfg.FL.Seed,
	})
	require.NoError(t, err)

	manifest, err := source.Manifest()
	require.NoError(t, err)
	registry, err := NewClientRegistry(manifest, cfg.FL.NumLocalClients)
	require.NoError(t, err)

	classifier, err := training.NewSoftmaxClassifier(cfg.Data.NumFeatures, cfg.Data.NumClasses, rand.New(rand.NewSource(cfg.FL.Seed)))
	require.NoError(t, err)
	var template ports.Model = classifier
	if wrap != nil {
		template = wrap(classifier)
	}

	bank, err := AllocateResourceBank(template, registry, strategy, NewBankConfig(cfg, cfg.Data.NumClasses))
	require.NoError(t, err)

	aggregator, err := NewAggregator(cfg.FL.BufferPolicy)
	require.NoError(t, err)

	runLog, err := NewRunLog(cfg.Output.Dir, cfg.Output.LogFile)
	require.NoError(t, err)

	tracker := NewRunTracker(repositories.NewMemoryRunRepository(), repositories.NewMemoryRoundRepository())
	global := template.Clone()

	controller, err := NewRoundController(RoundControllerDeps{
		Config:      NewControllerConfig(cfg),
		Strategy:    strategy,
		Registry:    registry,
		Bank:        bank,
		Trainer:     NewLocalTrainer(strategy, NewTrainerConfig(cfg)),
		Aggregator:  aggregator,
		Evaluator:   NewEvaluator(cfg.Data.BatchSize, cfg.Data.NumFeatures, cfg.Data.TopK),
		Data:        source,
		Global:      global,
		Checkpoints: NewCheckpointService(cfg.Output.Dir, nil),
		RunLog:      runLog,
		Tracker:     tracker,
	})
	require.NoError(t, err)

	return &engine{
		cfg:        cfg,
		strategy:   strategy,
		source:     source,
		registry:   registry,
		bank:       bank,
		global:     global,
		tracker:    tracker,
		runLog:     runLog,
		controller: controller,
	}
}

// nanModel reports a NaN loss on every training pass after the first
// healthyPasses, and behaves like the wrapped classifier otherwise.
type nanModel struct {
	inner         ports.Model
	healthyPasses int
	passes        int
}

func newNaNModel(inner ports.Model, healthyPasses int) *nanModel {
	return &nanModel{inner: inner, healthyPasses: healthyPasses}
}

func (m *nanModel) Parameters() tensor.Params {
	return m.inner.Parameters()
}

func (m *nanModel) Forward(batch tensor.Batch, train bool) (tensor.Output, error) {
	out, err := m.inner.Forward(batch, train)
	if err != nil || !train {
		return out, err
	}
	m.passes++
	if m.passes > m.healthyPasses {
		out.Loss = math.NaN()
	}
	return out, nil
}

func (m *nanModel) Clone() ports.Model {
	return &nanModel{inner: m.inner.Clone(), healthyPasses: m.healthyPasses}
}

// fakeArtifactStore records uploads and can be told to fail.
type fakeArtifactStore struct {
	mu   sync.Mutex
	keys []string
	fail bool
}

func (s *fakeArtifactStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("bucket unavailable")
	}
	s.keys = append(s.keys, key)
	return "mem://" + key, nil
}

// failingRoundRepository rejects every write.
type failingRoundRepository struct {
	ports.RoundRepository
}

func (failingRoundRepository) Create(ctx context.Context, round *models.RoundRecord) error {
	return errors.New("database is down")
}

func params(values map[string][]float64) tensor.Params {
	p := make(tensor.Params, len(values))
	for name, v := range values {
		t := tensor.New(true, len(v))
		copy(t.Data, v)
		p[name] = t
	}
	return p
}
