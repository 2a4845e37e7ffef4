package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/pkg/logger"
)

type ControllerConfig struct {
	LocalEpochs     int
	MaxRounds       int
	SaveCkptFreq    int
	SaveCkpt        bool
	Termination     string
	ParallelClients int
	DisableEval     bool
	Seed            int64
	Settings        models.RunSettings
}

func NewControllerConfig(cfg *config.Config) ControllerConfig {
	return ControllerConfig{
		LocalEpochs:     cfg.FL.LocalEpochs,
		MaxRounds:       cfg.FL.MaxRounds,
		SaveCkptFreq:    cfg.FL.SaveCkptFreq,
		SaveCkpt:        cfg.FL.SaveCkpt,
		Termination:     cfg.FL.Termination,
		ParallelClients: cfg.FL.ParallelClients,
		DisableEval:     cfg.FL.DisableEval,
		Seed:            cfg.FL.Seed,
		Settings:        cfg.Settings(),
	}
}

type RoundControllerDeps struct {
	Config      ControllerConfig
	Strategy    ModeStrategy
	Registry    *ClientRegistry
	Bank        *ResourceBank
	Trainer     *LocalTrainer
	Aggregator  *Aggregator
	Evaluator   *Evaluator
	Data        ports.DataSource
	Global      ports.Model
	Checkpoints *CheckpointService
	RunLog      *RunLog
	Tracker     *RunTracker
}

// RoundController drives the FedAvg loop: select clients, train them
// locally on their proxies, aggregate into the global model, checkpoint and
// evaluate, then decide whether to stop. It is the only writer of the
// global model.
type RoundController struct {
	cfg         ControllerConfig
	strategy    ModeStrategy
	registry    *ClientRegistry
	bank        *ResourceBank
	trainer     *LocalTrainer
	aggregator  *Aggregator
	evaluator   *Evaluator
	data        ports.DataSource
	global      ports.Model
	checkpoints *CheckpointService
	runLog      *RunLog
	tracker     *RunTracker

	rng         *rand.Rand
	startRound  int
	nParameters int
	bestAcc     *float64
	lastTest    *models.TestStats
}

func NewRoundController(deps RoundControllerDeps) (*RoundController, error) {
	if deps.Registry == nil || deps.Bank == nil || deps.Trainer == nil || deps.Aggregator == nil ||
		deps.Data == nil || deps.Global == nil || deps.RunLog == nil || deps.Tracker == nil {
		return nil, models.NewConfigurationError("round controller is missing a collaborator")
	}
	if deps.Registry.NumProxies() != deps.Bank.Len() {
		return nil, models.NewConfigurationError("registry has %d proxies, bank has %d", deps.Registry.NumProxies(), deps.Bank.Len())
	}
	cfg := deps.Config
	if cfg.LocalEpochs < 1 || cfg.MaxRounds < 1 || cfg.SaveCkptFreq < 1 {
		return nil, models.NewConfigurationError("local epochs, rounds and checkpoint frequency must be positive")
	}
	switch cfg.Termination {
	case config.TerminationAllProxies, config.TerminationLastProxy, config.TerminationRounds:
	default:
		return nil, models.NewConfigurationError("unknown termination policy %q", cfg.Termination)
	}
	if cfg.ParallelClients < 1 {
		cfg.ParallelClients = 1
	}

	return &RoundController{
		cfg:         cfg,
		strategy:    deps.Strategy,
		registry:    deps.Registry,
		bank:        deps.Bank,
		trainer:     deps.Trainer,
		aggregator:  deps.Aggregator,
		evaluator:   deps.Evaluator,
		data:        deps.Data,
		global:      deps.Global,
		checkpoints: deps.Checkpoints,
		runLog:      deps.RunLog,
		tracker:     deps.Tracker,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		nParameters: deps.Global.Parameters().NumTrainable(),
	}, nil
}

func (c *RoundController) Global() ports.Model {
	return c.global
}

// Resume restores the global model, the saved proxy's optimizer and scaler
// state and the round index from a checkpoint. Step counters are rebuilt
// from the number of completed rounds.
func (c *RoundController) Resume(ckpt *Checkpoint) error {
	if ckpt.Mode != "" && ckpt.Mode != c.strategy.Mode {
		return models.NewConfigurationError("checkpoint was written in %s mode, run is %s", ckpt.Mode, c.strategy.Mode)
	}
	if ckpt.Round+1 >= c.cfg.MaxRounds {
		return models.NewConfigurationError("checkpoint round %d leaves nothing to train with %d rounds", ckpt.Round, c.cfg.MaxRounds)
	}
	if err := c.global.Parameters().CopyFrom(ckpt.Model); err != nil {
		return shapeMismatch(-1, err)
	}
	if err := c.aggregator.Redistribute(c.global.Parameters(), c.proxyParams(nil)); err != nil {
		return err
	}

	if bundle, err := c.bank.Get(ckpt.ProxyID); err == nil {
		if ckpt.Optimizer != nil {
			if err := bundle.Optimizer.LoadState(*ckpt.Optimizer); err != nil {
				return fmt.Errorf("failed to restore optimizer of proxy %d: %w", ckpt.ProxyID, err)
			}
		}
		if ckpt.Scaler != nil {
			bundle.Scaler.LoadState(*ckpt.Scaler)
		}
	}

	c.startRound = ckpt.Round + 1
	for _, bundle := range c.bank.Bundles() {
		bundle.GlobalStep = c.startRound * c.cfg.LocalEpochs * bundle.StepsPerEpoch
	}
	c.bestAcc = ckpt.BestAcc

	log := logger.WithComponent("round_controller")
	log.Info().
		Int("round", ckpt.Round).
		Int("proxy_id", ckpt.ProxyID).
		Msg("Resumed from checkpoint")
	return nil
}

// Run executes rounds until the termination policy fires, the round budget
// is spent or ctx is cancelled. Cancellation is observed between rounds and
// returns an error wrapping models.ErrInterrupted.
func (c *RoundController) Run(ctx context.Context) (*models.RunSummary, error) {
	log := logger.WithComponent("round_controller")
	started := time.Now()

	run := models.NewTrainingRun(c.strategy.Mode, c.cfg.MaxRounds, c.cfg.Settings)
	run.CurrentRound = c.startRound - 1
	if err := c.tracker.Start(ctx, run, c.bank.StepTargets()); err != nil {
		log.Warn().Err(err).Msg("Failed to record run start")
	}
	log = logger.WithRun("round_controller", run.ID.String())

	if c.strategy.Evaluate && !c.cfg.DisableEval {
		if val, err := c.data.Validation(); err != nil || val == nil {
			log.Warn().Err(err).Msg("No validation set, evaluation disabled")
		}
	}

	summary := &models.RunSummary{RunID: run.ID, Mode: c.strategy.Mode, LastRound: c.startRound - 1}
	var runErr error

	round := c.startRound - 1
	for {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("%w before round %d: %v", models.ErrInterrupted, round+1, err)
			break
		}

		round++
		state, done, err := c.RunRound(ctx, round)
		if err != nil {
			runErr = err
			break
		}

		summary.Rounds++
		summary.LastRound = round
		if state.Degraded {
			summary.DegradedRounds++
		}
		if done {
			break
		}
	}

	summary.Duration = time.Since(started)
	summary.GlobalSteps = c.bank.GlobalSteps()
	summary.BestAccuracy = c.bestAcc
	if c.lastTest != nil {
		acc := c.lastTest.Acc1
		summary.FinalAccuracy = &acc
	}

	if err := c.tracker.Finish(context.WithoutCancel(ctx), runErr, summary.Duration); err != nil {
		log.Warn().Err(err).Msg("Failed to record run end")
	}

	if runErr != nil {
		return summary, runErr
	}

	event := log.Info().
		Int("rounds", summary.Rounds).
		Int("degraded_rounds", summary.DegradedRounds).
		Dur("duration", summary.Duration)
	if summary.BestAccuracy != nil {
		event = event.Float64("best_acc", *summary.BestAccuracy)
	}
	event.Msg("Training finished")

	return summary, nil
}

// RunRound executes one communication round and reports whether the run
// should stop after it. A started round always runs to completion; Run
// observes cancellation between rounds.
func (c *RoundController) RunRound(ctx context.Context, round int) (*models.RoundState, bool, error) {
	ctx = context.WithoutCancel(ctx)
	log := logger.WithComponent("round_controller").With().Int("round", round).Logger()

	state := &models.RoundState{
		Index:       round,
		Selection:   c.registry.Select(c.rng),
		StartedAt:   time.Now(),
		StepTargets: c.bank.StepTargets(),
	}
	assignments := state.Selection.Assignments

	log.Info().
		Int("clients", len(assignments)).
		Int("total_samples", state.Selection.TotalSamples).
		Msg("Round started")

	results, err := c.trainSelected(ctx, round, assignments)
	if err != nil {
		return nil, false, err
	}

	if err := c.appendTrainLogs(round, results); err != nil {
		return nil, false, err
	}

	eligible := make([]ProxyParams, 0, len(assignments))
	for i, a := range assignments {
		res := results[i]
		if res.Degraded {
			state.Degraded = true
			log.Warn().
				Str("client", a.Client).
				Int("proxy_id", a.ProxyID).
				Int("nonfinite_steps", res.NonFiniteSteps).
				Msg("Excluding degraded proxy from aggregation")
			continue
		}
		if c.strategy.ParticipantsOnly && !res.Participated() {
			continue
		}
		bundle, _ := c.bank.Get(a.ProxyID)
		eligible = append(eligible, ProxyParams{ProxyID: a.ProxyID, Params: bundle.Model.Parameters(), Weight: a.Weight})
		state.Participants = append(state.Participants, a.ProxyID)
	}

	if len(eligible) == 0 {
		state.Degraded = true
		log.Warn().Msg("No proxy eligible for aggregation, global model unchanged")
	} else if err := c.aggregator.Average(c.global.Parameters(), eligible); err != nil {
		return nil, false, err
	}

	if err := c.aggregator.Redistribute(c.global.Parameters(), c.proxyParams(nil)); err != nil {
		return nil, false, err
	}

	state.LastProxy = assignments[len(assignments)-1].ProxyID
	state.GlobalSteps = c.bank.GlobalSteps()
	done := c.shouldTerminate(round, state.LastProxy)

	if c.shouldCheckpoint(round, done) {
		if err := c.saveCheckpoint(ctx, RoundTag(round), round, state.LastProxy); err != nil {
			return nil, false, err
		}
	}

	if err := c.evaluate(ctx, round, state, log); err != nil {
		return nil, false, err
	}

	c.recordRound(ctx, state, results, log)

	log.Info().
		Int("participants", len(state.Participants)).
		Bool("degraded", state.Degraded).
		Ints("global_steps", state.GlobalSteps).
		Dur("duration", time.Since(state.StartedAt)).
		Msg("Round completed")

	return state, done, nil
}

// trainSelected runs local training for every assignment and returns the
// results in selection order. With ParallelClients > 1 clients train
// concurrently; each goroutine owns exactly one proxy bundle.
func (c *RoundController) trainSelected(ctx context.Context, round int, assignments []models.Assignment) ([]*models.LocalResult, error) {
	results := make([]*models.LocalResult, len(assignments))

	train := func(ctx context.Context, i int) error {
		a := assignments[i]
		bundle, err := c.bank.Get(a.ProxyID)
		if err != nil {
			return err
		}
		ds, err := c.data.Client(a.Client)
		if err != nil {
			return fmt.Errorf("failed to open data for client %s: %w", a.Client, err)
		}
		res, err := c.trainer.RunLocalEpochs(ctx, bundle, round, a, ds, c.cfg.LocalEpochs)
		if err != nil {
			return err
		}
		results[i] = res
		return nil
	}

	if c.cfg.ParallelClients == 1 {
		for i := range assignments {
			if err := train(ctx, i); err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ParallelClients)
	for i := range assignments {
		i := i
		g.Go(func() error {
			return train(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *RoundController) appendTrainLogs(round int, results []*models.LocalResult) error {
	for _, res := range results {
		for _, epoch := range res.Epochs {
			record := models.TrainLogRecord(epoch.Stats, res.Client, round, epoch.InnerEpoch, c.nParameters)
			if err := c.runLog.Append(record); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *RoundController) shouldTerminate(round, lastProxy int) bool {
	var reached bool
	switch c.cfg.Termination {
	case config.TerminationAllProxies:
		reached = c.bank.AllReached()
	case config.TerminationLastProxy:
		bundle, err := c.bank.Get(lastProxy)
		reached = err == nil && bundle.Reached()
	case config.TerminationRounds:
		reached = round+1 >= c.cfg.MaxRounds
	}
	if !reached && round+1 >= c.cfg.MaxRounds {
		log := logger.WithComponent("round_controller")
		log.Warn().
			Int("round", round).
			Ints("global_steps", c.bank.GlobalSteps()).
			Ints("step_targets", c.bank.StepTargets()).
			Msg("Round budget spent before step targets were reached")
		return true
	}
	return reached
}

func (c *RoundController) shouldCheckpoint(round int, terminating bool) bool {
	if !c.cfg.SaveCkpt || c.checkpoints == nil {
		return false
	}
	if (round+1)%c.cfg.SaveCkptFreq == 0 || terminating {
		return true
	}
	return c.strategy.CheckpointFinalRound && round+1 == c.cfg.MaxRounds
}

func (c *RoundController) saveCheckpoint(ctx context.Context, tag string, round, proxyID int) error {
	bundle, err := c.bank.Get(proxyID)
	if err != nil {
		return err
	}
	optState := bundle.Optimizer.State()
	scalerState := bundle.Scaler.State()

	ckpt := &Checkpoint{
		RunID:     c.tracker.RunID().String(),
		Mode:      c.strategy.Mode,
		Round:     round,
		ProxyID:   proxyID,
		Model:     c.global.Parameters().Clone(),
		Optimizer: &optState,
		Scaler:    &scalerState,
		BestAcc:   c.bestAcc,
	}
	if _, err := c.checkpoints.Save(ctx, tag, ckpt); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", tag, err)
	}
	return nil
}

// evaluate scores the global model on the validation set. Evaluation
// failures are logged and skipped.
func (c *RoundController) evaluate(ctx context.Context, round int, state *models.RoundState, log zerolog.Logger) error {
	if !c.strategy.Evaluate || c.cfg.DisableEval || c.evaluator == nil {
		return nil
	}
	val, err := c.data.Validation()
	if err != nil || val == nil {
		return nil
	}

	stats, err := c.evaluator.Evaluate(ctx, c.global, val)
	if err != nil {
		if errors.Is(err, models.ErrEvaluation) {
			log.Warn().Err(err).Msg("Skipping evaluation")
			return nil
		}
		return err
	}

	state.Test = stats
	c.lastTest = stats
	if err := c.runLog.Append(models.TestLogRecord(*stats, round, c.nParameters)); err != nil {
		return err
	}

	log.Info().
		Float64("acc1", stats.Acc1).
		Float64("acc5", stats.Acc5).
		Float64("loss", stats.Loss).
		Int("samples", stats.Samples).
		Msg("Evaluated global model")

	if c.bestAcc == nil || stats.Acc1 > *c.bestAcc {
		best := stats.Acc1
		c.bestAcc = &best
		if c.cfg.SaveCkpt && c.checkpoints != nil {
			if err := c.saveCheckpoint(ctx, BestCheckpointTag, round, state.LastProxy); err != nil {
				return err
			}
		}
	}
	return nil
}

// recordRound stores the round in the run history. History failures do not
// stop training.
func (c *RoundController) recordRound(ctx context.Context, state *models.RoundState, results []*models.LocalResult, log zerolog.Logger) {
	record := models.NewRoundRecord(c.tracker.RunID(), state.Index)
	record.TotalSamples = state.Selection.TotalSamples
	record.DurationMs = time.Since(state.StartedAt).Milliseconds()
	if state.Degraded {
		record.Status = models.RoundStatusDegraded
	}

	lossSum, weightSum := 0.0, 0.0
	for i, a := range state.Selection.Assignments {
		res := results[i]
		participant := models.RoundParticipant{
			Client:         a.Client,
			ProxyID:        a.ProxyID,
			Weight:         a.Weight,
			Steps:          res.Steps,
			NonFiniteSteps: res.NonFiniteSteps,
			Degraded:       res.Degraded,
		}
		if loss, ok := res.MeanLoss(); ok {
			participant.Loss = &loss
			lossSum += loss * a.Weight
			weightSum += a.Weight
		}
		record.Participants = append(record.Participants, participant)
	}
	if weightSum > 0 {
		trainLoss := lossSum / weightSum
		record.TrainLoss = &trainLoss
	}
	if state.Test != nil {
		acc, loss := state.Test.Acc1, state.Test.Loss
		record.TestAcc1 = &acc
		record.TestLoss = &loss
	}

	if err := c.tracker.RecordRound(ctx, record, state.GlobalSteps, c.bestAcc); err != nil {
		log.Warn().Err(err).Msg("Failed to record round")
	}
}

// proxyParams lists the live parameters of the given proxies, or of every
// proxy when ids is nil.
func (c *RoundController) proxyParams(ids []int) []ProxyParams {
	if ids == nil {
		ids = c.registry.ProxyIDs()
	}
	out := make([]ProxyParams, 0, len(ids))
	for _, id := range ids {
		bundle, err := c.bank.Get(id)
		if err != nil {
			continue
		}
		out = append(out, ProxyParams{ProxyID: id, Params: bundle.Model.Parameters()})
	}
	return out
}
