package training

import (
	"fmt"
	"math"
)

// CosineSchedule precomputes one value per optimization step: an optional
// linear warmup from startWarmup to base, then a half-cosine decay from base
// to final. warmupSteps > 0 overrides warmupEpochs.
func CosineSchedule(base, final float64, epochs, itersPerEpoch, warmupEpochs int, startWarmup float64, warmupSteps int) ([]float64, error) {
	if epochs <= 0 || itersPerEpoch <= 0 {
		return nil, fmt.Errorf("schedule needs positive epochs and iterations, got %d x %d", epochs, itersPerEpoch)
	}

	total := epochs * itersPerEpoch
	warmupIters := warmupEpochs * itersPerEpoch
	if warmupSteps > 0 {
		warmupIters = warmupSteps
	}
	if warmupIters > total {
		warmupIters = total
	}

	schedule := make([]float64, 0, total)
	for i := 0; i < warmupIters; i++ {
		if warmupIters == 1 {
			schedule = append(schedule, startWarmup)
			break
		}
		schedule = append(schedule, startWarmup+(base-startWarmup)*float64(i)/float64(warmupIters-1))
	}

	decayIters := total - warmupIters
	for i := 0; i < decayIters; i++ {
		schedule = append(schedule, final+0.5*(base-final)*(1+math.Cos(math.Pi*float64(i)/float64(decayIters))))
	}

	return schedule, nil
}

// ScheduleTable holds the per-step learning rate and weight decay for one
// proxy over the whole planned horizon.
type ScheduleTable struct {
	LR []float64
	WD []float64
}

// At returns the values for a step, clamped to the last entry.
func (t *ScheduleTable) At(step int) (lr, wd float64) {
	return clampAt(t.LR, step), clampAt(t.WD, step)
}

func (t *ScheduleTable) Len() int {
	return len(t.LR)
}

func clampAt(values []float64, i int) float64 {
	if len(values) == 0 {
		return 0
	}
	if i < 0 {
		i = 0
	}
	if i >= len(values) {
		i = len(values) - 1
	}
	return values[i]
}
