package app

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/theblitlabs/parity-fedsim/internal/api"
	"github.com/theblitlabs/parity-fedsim/internal/api/handlers"
	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/internal/core/services"
	"github.com/theblitlabs/parity-fedsim/internal/dataset"
	"github.com/theblitlabs/parity-fedsim/internal/storage/db"
	"github.com/theblitlabs/parity-fedsim/internal/training"
	"github.com/theblitlabs/parity-fedsim/internal/utils"
	"github.com/theblitlabs/parity-fedsim/pkg/logger"
)

const checkpointPrefix = "checkpoints"

// Trainer is a fully wired simulation: the round controller plus the
// optional status API, progress monitor and database it reports to.
type Trainer struct {
	Config     *config.Config
	Controller *services.RoundController
	Tracker    *services.RunTracker
	HttpServer *http.Server
	DBManager  *db.DBManager
	Monitor    *services.ProgressMonitor
}

// Run starts the status API and progress monitor, then trains until the
// controller stops.
func (t *Trainer) Run(ctx context.Context) (*models.RunSummary, error) {
	log := logger.WithComponent("trainer")

	if t.HttpServer != nil {
		go func() {
			log.Info().Str("address", t.HttpServer.Addr).Msg("Status API starting")
			if err := t.HttpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Status API stopped")
			}
		}()
	}

	if t.Monitor != nil {
		if err := t.Monitor.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start progress monitor")
		}
	}

	return t.Controller.Run(ctx)
}

func (t *Trainer) Shutdown(ctx context.Context) {
	log := logger.WithComponent("trainer")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if t.Monitor != nil {
		t.Monitor.Stop()
		log.Info().Msg("Stopped progress monitor")
	}

	if t.HttpServer != nil {
		if err := t.HttpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status API forced to shutdown")
			if err := t.HttpServer.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to force close status API")
			}
		} else {
			log.Info().Msg("Status API stopped gracefully")
		}
	}

	if t.DBManager != nil {
		if err := t.DBManager.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		} else {
			log.Info().Msg("Database connection closed")
		}
	}
}

type TrainerBuilder struct {
	config *config.Config
	ctx    context.Context
	err    error

	dbManager *db.DBManager
	mirror    ports.ArtifactStore
	runs      ports.RunRepository
	rounds    ports.RoundRepository

	source     *dataset.MemorySource
	tracker    *services.RunTracker
	controller *services.RoundController
	monitor    *services.ProgressMonitor
	httpServer *http.Server
}

func NewTrainerBuilder(ctx context.Context, cfg *config.Config) *TrainerBuilder {
	return &TrainerBuilder{
		config: cfg,
		ctx:    ctx,
	}
}

// InitStorage connects to postgres and S3 when they are configured.
func (tb *TrainerBuilder) InitStorage() *TrainerBuilder {
	if tb.err != nil {
		return tb
	}
	log := logger.WithComponent("trainer_builder")

	if tb.config.Database.Enabled() {
		ctx, cancel := context.WithTimeout(tb.ctx, 10*time.Second)
		defer cancel()

		tb.dbManager = db.NewDBManager()
		if err := tb.dbManager.Connect(ctx, tb.config.Database.GetConnectionURL()); err != nil {
			tb.err = fmt.Errorf("failed to connect to database: %w", err)
			return tb
		}
		log.Info().Str("host", tb.config.Database.Host).Msg("Connected to run history database")
	}

	if tb.config.AWS.MirrorEnabled() {
		store, err := services.NewS3ArtifactStore(tb.ctx, &tb.config.AWS, checkpointPrefix)
		if err != nil {
			tb.err = fmt.Errorf("failed to create checkpoint mirror: %w", err)
			return tb
		}
		tb.mirror = store
	}

	return tb
}

func (tb *TrainerBuilder) InitRepositories() *TrainerBuilder {
	if tb.err != nil {
		return tb
	}

	var factory *db.RepositoryFactory
	if tb.dbManager != nil {
		factory = db.NewRepositoryFactoryFromManager(tb.dbManager)
	} else {
		factory = db.NewRepositoryFactory(nil)
	}
	tb.runs = factory.RunRepository()
	tb.rounds = factory.RoundRepository()

	if !factory.Persistent() {
		log := logger.WithComponent("trainer_builder")
		log.Debug().Msg("Keeping run history in memory")
	}
	return tb
}

func (tb *TrainerBuilder) InitData() *TrainerBuilder {
	if tb.err != nil {
		return tb
	}

	source, err := LoadDataSource(tb.config)
	if err != nil {
		tb.err = err
		return tb
	}
	tb.source = source
	return tb
}

func (tb *TrainerBuilder) InitEngine() *TrainerBuilder {
	if tb.err != nil {
		return tb
	}
	cfg := tb.config

	strategy, err := services.ResolveModeStrategy(cfg.Mode)
	if err != nil {
		tb.err = err
		return tb
	}

	manifest, err := tb.source.Manifest()
	if err != nil {
		tb.err = fmt.Errorf("failed to read client manifest: %w", err)
		return tb
	}
	if len(manifest) != cfg.FL.NClients {
		tb.err = models.NewConfigurationError("data has %d clients, configured for %d", len(manifest), cfg.FL.NClients)
		return tb
	}

	registry, err := services.NewClientRegistry(manifest, cfg.FL.NumLocalClients)
	if err != nil {
		tb.err = err
		return tb
	}

	template, err := training.NewSoftmaxClassifier(cfg.Data.NumFeatures, cfg.Data.NumClasses, rand.New(rand.NewSource(cfg.FL.Seed)))
	if err != nil {
		tb.err = models.NewConfigurationError("failed to build model: %v", err)
		return tb
	}

	bank, err := services.AllocateResourceBank(template, registry, strategy, services.NewBankConfig(cfg, cfg.Data.NumClasses))
	if err != nil {
		tb.err = err
		return tb
	}

	aggregator, err := services.NewAggregator(cfg.FL.BufferPolicy)
	if err != nil {
		tb.err = err
		return tb
	}

	runLog, err := services.NewRunLog(cfg.Output.Dir, cfg.Output.LogFile)
	if err != nil {
		tb.err = err
		return tb
	}

	tb.tracker = services.NewRunTracker(tb.runs, tb.rounds)

	controller, err := services.NewRoundController(services.RoundControllerDeps{
		Config:      services.NewControllerConfig(cfg),
		Strategy:    strategy,
		Registry:    registry,
		Bank:        bank,
		Trainer:     services.NewLocalTrainer(strategy, services.NewTrainerConfig(cfg)),
		Aggregator:  aggregator,
		Evaluator:   services.NewEvaluator(cfg.Data.BatchSize, cfg.Data.NumFeatures, cfg.Data.TopK),
		Data:        tb.source,
		Global:      template.Clone(),
		Checkpoints: services.NewCheckpointService(cfg.Output.Dir, tb.mirror),
		RunLog:      runLog,
		Tracker:     tb.tracker,
	})
	if err != nil {
		tb.err = err
		return tb
	}

	if cfg.FL.Resume != "" {
		ckpt, err := services.LoadCheckpoint(cfg.FL.Resume)
		if err != nil {
			tb.err = models.NewConfigurationError("failed to load resume checkpoint: %v", err)
			return tb
		}
		if err := controller.Resume(ckpt); err != nil {
			tb.err = err
			return tb
		}
	}

	tb.controller = controller
	return tb
}

func (tb *TrainerBuilder) InitMonitor() *TrainerBuilder {
	if tb.err != nil {
		return tb
	}
	interval := time.Duration(tb.config.Scheduler.Interval) * time.Second
	if interval > 0 {
		tb.monitor = services.NewProgressMonitor(tb.tracker, interval)
	}
	return tb
}

// InitStatusServer builds the read-only status API when a port is set.
func (tb *TrainerBuilder) InitStatusServer() *TrainerBuilder {
	if tb.err != nil || !tb.config.Server.Enabled() {
		return tb
	}

	router := api.NewRouter(
		handlers.NewRunHandler(tb.tracker, tb.runs, tb.rounds),
		tb.config.Server.Endpoint,
	)

	if err := utils.VerifyPortAvailable(tb.config.Server.Host, tb.config.Server.Port); err != nil {
		tb.err = fmt.Errorf("status port is not available: %w", err)
		return tb
	}

	tb.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%s", tb.config.Server.Host, tb.config.Server.Port),
		Handler: router,
	}
	return tb
}

func (tb *TrainerBuilder) Build() (*Trainer, error) {
	if tb.err != nil {
		if tb.dbManager != nil {
			_ = tb.dbManager.Close()
		}
		return nil, tb.err
	}

	return &Trainer{
		Config:     tb.config,
		Controller: tb.controller,
		Tracker:    tb.tracker,
		HttpServer: tb.httpServer,
		DBManager:  tb.dbManager,
		Monitor:    tb.monitor,
	}, nil
}

// LoadDataSource opens the partition directory, or generates synthetic
// clients, and records the feature width on cfg.
func LoadDataSource(cfg *config.Config) (*dataset.MemorySource, error) {
	var (
		source *dataset.MemorySource
		err    error
	)
	if cfg.Data.Synthetic {
		source, err = dataset.NewSyntheticSource(dataset.SyntheticConfig{
			Clients:          cfg.FL.NClients,
			SamplesPerClient: cfg.Data.SamplesPerClient,
			ValidationSize:   cfg.Data.ValidationSize,
			NumFeatures:      cfg.Data.NumFeatures,
			NumClasses:       cfg.Data.NumClasses,
			LabelSkew:        cfg.Data.LabelSkew,
			Seed:             cfg.FL.Seed,
		})
	} else {
		source, err = dataset.LoadCSVSource(cfg.Data.Path, cfg.Data.SplitType)
	}
	if err != nil {
		return nil, models.NewConfigurationError("failed to load data: %v", err)
	}

	features, err := source.NumFeatures()
	if err != nil {
		return nil, models.NewConfigurationError("failed to read feature width: %v", err)
	}
	cfg.Data.NumFeatures = features
	return source, nil
}
