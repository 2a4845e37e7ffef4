package models

import (
	"time"

	"github.com/google/uuid"
)

type Mode string

const (
	ModePretrain Mode = "pretrain"
	ModeFinetune Mode = "finetune"
)

// ManifestEntry is one row of the partition manifest.
type ManifestEntry struct {
	Key      string `json:"key"`
	NSamples int    `json:"n_samples"`
}

// Client is a logical data partition.
type Client struct {
	Key      string  `json:"key"`
	NSamples int     `json:"n_samples"`
	Weight   float64 `json:"weight"`
}

// Assignment pairs a selected client with the proxy slot that trains it
// this round.
type Assignment struct {
	Client   string  `json:"client"`
	ProxyID  int     `json:"proxy_id"`
	NSamples int     `json:"n_samples"`
	Weight   float64 `json:"weight"`
}

// Selection is the outcome of SELECT_CLIENTS for one round.
type Selection struct {
	Assignments  []Assignment `json:"assignments"`
	TotalSamples int          `json:"total_samples"`
}

// WeightSum is 1 for any valid selection.
func (s Selection) WeightSum() float64 {
	sum := 0.0
	for _, a := range s.Assignments {
		sum += a.Weight
	}
	return sum
}

// RoundState is held by the round controller for the duration of a round.
type RoundState struct {
	Index        int        `json:"round"`
	Selection    Selection  `json:"selection"`
	GlobalSteps  []int      `json:"global_steps"`
	StepTargets  []int      `json:"step_targets"`
	LastProxy    int        `json:"last_proxy"`
	Degraded     bool       `json:"degraded"`
	Participants []int      `json:"participants"`
	StartedAt    time.Time  `json:"started_at"`
	Test         *TestStats `json:"test,omitempty"`
}

// EpochStats are the averaged statistics of one local epoch.
type EpochStats struct {
	InnerEpoch int                `json:"inner_epoch"`
	Stats      map[string]float64 `json:"stats"`
}

// LocalResult is what the local trainer reports for one client in one round.
type LocalResult struct {
	Client         string       `json:"client"`
	ProxyID        int          `json:"proxy_id"`
	Epochs         []EpochStats `json:"epochs"`
	Steps          int          `json:"steps"`
	NonFiniteSteps int          `json:"nonfinite_steps"`
	Degraded       bool         `json:"degraded"`
}

// Participated reports whether at least one optimization step ran.
func (r *LocalResult) Participated() bool {
	return r.Steps > 0
}

// MeanLoss averages the per-epoch losses that were recorded.
func (r *LocalResult) MeanLoss() (float64, bool) {
	sum, n := 0.0, 0
	for _, e := range r.Epochs {
		if v, ok := e.Stats["loss"]; ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

type TestStats struct {
	Loss    float64 `json:"loss"`
	Acc1    float64 `json:"acc1"`
	Acc5    float64 `json:"acc5"`
	Samples int     `json:"samples"`
}

func (s TestStats) AsMap() map[string]float64 {
	return map[string]float64{
		"loss": s.Loss,
		"acc1": s.Acc1,
		"acc5": s.Acc5,
	}
}

// TrainLogRecord builds the per client/epoch JSON line.
func TrainLogRecord(stats map[string]float64, client string, round, innerEpoch, nParameters int) map[string]interface{} {
	record := make(map[string]interface{}, len(stats)+4)
	for k, v := range stats {
		record["train_"+k] = v
	}
	record["client"] = client
	record["epoch"] = round
	record["inner_epoch"] = innerEpoch
	record["n_parameters"] = nParameters
	return record
}

// TestLogRecord builds the JSON line appended after an evaluation round.
func TestLogRecord(stats TestStats, round, nParameters int) map[string]interface{} {
	record := make(map[string]interface{}, 5)
	for k, v := range stats.AsMap() {
		record["test_"+k] = v
	}
	record["epoch"] = round
	record["n_parameters"] = nParameters
	return record
}

// RunSummary is reported when a run completes.
type RunSummary struct {
	RunID          uuid.UUID     `json:"run_id"`
	Mode           Mode          `json:"mode"`
	Rounds         int           `json:"rounds"`
	LastRound      int           `json:"last_round"`
	Duration       time.Duration `json:"duration"`
	FinalAccuracy  *float64      `json:"final_accuracy,omitempty"`
	BestAccuracy   *float64      `json:"best_accuracy,omitempty"`
	DegradedRounds int           `json:"degraded_rounds"`
	GlobalSteps    []int         `json:"global_steps"`
}

// RunProgress is the live view of a run shared with the status API and the
// progress monitor.
type RunProgress struct {
	RunID       uuid.UUID `json:"run_id"`
	Mode        Mode      `json:"mode"`
	Status      RunStatus `json:"status"`
	Round       int       `json:"round"`
	MaxRounds   int       `json:"max_rounds"`
	GlobalSteps []int     `json:"global_steps"`
	StepTargets []int     `json:"step_targets"`
	BestAcc     *float64  `json:"best_acc,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastRoundMs int64     `json:"last_round_ms"`
}
