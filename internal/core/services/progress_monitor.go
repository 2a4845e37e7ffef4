package services

import (
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/pkg/logger"
)

// ProgressMonitor periodically logs how far every proxy is from its step
// target.
type ProgressMonitor struct {
	tracker   ports.ProgressReporter
	interval  time.Duration
	scheduler *gocron.Scheduler
	mutex     sync.Mutex
	isRunning bool
	stopCh    chan struct{}
}

func NewProgressMonitor(tracker ports.ProgressReporter, interval time.Duration) *ProgressMonitor {
	return &ProgressMonitor{
		tracker:  tracker,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (m *ProgressMonitor) Start() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.isRunning || m.interval <= 0 {
		return nil
	}

	log := logger.WithComponent("progress_monitor")
	log.Info().
		Dur("interval", m.interval).
		Msg("Starting progress monitor")

	m.scheduler = gocron.NewScheduler(time.UTC)
	m.stopCh = make(chan struct{})

	_, err := m.scheduler.Every(m.interval).WaitForSchedule().Do(func() {
		select {
		case <-m.stopCh:
			return
		default:
			m.report()
		}
	})
	if err != nil {
		return err
	}

	m.scheduler.StartAsync()
	m.isRunning = true
	return nil
}

func (m *ProgressMonitor) Stop() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.isRunning {
		return
	}

	close(m.stopCh)
	m.scheduler.Stop()
	m.isRunning = false

	log := logger.WithComponent("progress_monitor")
	log.Info().Msg("Progress monitor stopped")
}

func (m *ProgressMonitor) report() {
	log := logger.WithComponent("progress_monitor")
	p := m.tracker.Progress()

	done, total := 0, 0
	for i, target := range p.StepTargets {
		total += target
		if i < len(p.GlobalSteps) {
			step := p.GlobalSteps[i]
			if step > target {
				step = target
			}
			done += step
		}
	}

	event := log.Info().
		Str("run_id", p.RunID.String()).
		Str("status", string(p.Status)).
		Int("round", p.Round).
		Int("max_rounds", p.MaxRounds).
		Int64("last_round_ms", p.LastRoundMs).
		Dur("elapsed", time.Since(p.StartedAt))
	if total > 0 {
		event = event.Float64("step_progress", float64(done)/float64(total))
	}
	if p.BestAcc != nil {
		event = event.Float64("best_acc", *p.BestAcc)
	}
	event.Msg("Training progress")
}
