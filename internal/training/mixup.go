package training

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/theblitlabs/parity-fedsim/internal/tensor"
)

type MixupConfig struct {
	MixupAlpha  float64
	CutmixAlpha float64
	Prob        float64
	SwitchProb  float64
	Smoothing   float64
	NumClasses  int
}

// Mixup blends each batch with its reversed copy, one lambda per batch.
// Mixup interpolates whole feature vectors; cutmix pastes a contiguous
// feature segment and corrects lambda to the pasted fraction.
type Mixup struct {
	cfg MixupConfig
}

// NewMixup returns nil when neither mixup nor cutmix is enabled.
func NewMixup(cfg MixupConfig) *Mixup {
	if cfg.MixupAlpha <= 0 && cfg.CutmixAlpha <= 0 {
		return nil
	}
	return &Mixup{cfg: cfg}
}

// Apply returns a mixed copy of batch with soft targets and the lambda used.
// The input batch is not modified.
func (m *Mixup) Apply(batch tensor.Batch, rng *rand.Rand) (tensor.Batch, float64) {
	n := batch.Size()
	_, features := batch.Inputs.Dims()

	lam, useCutmix := m.sampleLambda(rng)

	inputs := mat.DenseCopyOf(batch.Inputs)
	if lam < 1 {
		if useCutmix {
			lo, hi := cutSegment(features, lam, rng)
			for i := 0; i < n; i++ {
				src := batch.Inputs.RawRowView(n - 1 - i)
				copy(inputs.RawRowView(i)[lo:hi], src[lo:hi])
			}
			lam = 1 - float64(hi-lo)/float64(features)
		} else {
			for i := 0; i < n; i++ {
				dst := inputs.RawRowView(i)
				src := batch.Inputs.RawRowView(n - 1 - i)
				for j := range dst {
					dst[j] = lam*dst[j] + (1-lam)*src[j]
				}
			}
		}
	}

	targets := mat.NewDense(n, m.cfg.NumClasses, nil)
	a := make([]float64, m.cfg.NumClasses)
	b := make([]float64, m.cfg.NumClasses)
	for i := 0; i < n; i++ {
		OneHot(a, batch.Labels[i], m.cfg.Smoothing)
		OneHot(b, batch.Labels[n-1-i], m.cfg.Smoothing)
		row := targets.RawRowView(i)
		for c := range row {
			row[c] = lam*a[c] + (1-lam)*b[c]
		}
	}

	return tensor.Batch{
		Inputs:  inputs,
		Labels:  batch.Labels,
		Targets: targets,
	}, lam
}

func (m *Mixup) sampleLambda(rng *rand.Rand) (float64, bool) {
	if rng.Float64() >= m.cfg.Prob {
		return 1, false
	}
	switch {
	case m.cfg.MixupAlpha > 0 && m.cfg.CutmixAlpha > 0:
		if rng.Float64() < m.cfg.SwitchProb {
			return sampleBeta(rng, m.cfg.CutmixAlpha, m.cfg.CutmixAlpha), true
		}
		return sampleBeta(rng, m.cfg.MixupAlpha, m.cfg.MixupAlpha), false
	case m.cfg.MixupAlpha > 0:
		return sampleBeta(rng, m.cfg.MixupAlpha, m.cfg.MixupAlpha), false
	default:
		return sampleBeta(rng, m.cfg.CutmixAlpha, m.cfg.CutmixAlpha), true
	}
}

// cutSegment picks a contiguous range covering about 1-lam of the features.
func cutSegment(features int, lam float64, rng *rand.Rand) (int, int) {
	width := int(math.Round(float64(features) * (1 - lam)))
	if width <= 0 {
		return 0, 0
	}
	center := rng.Intn(features)
	lo := center - width/2
	if lo < 0 {
		lo = 0
	}
	hi := lo + width
	if hi > features {
		hi = features
	}
	return lo, hi
}

// rngSource lets gonum distributions draw from a proxy's *rand.Rand so
// mixup stays on the proxy's random stream.
type rngSource struct {
	rng *rand.Rand
}

func (s rngSource) Uint64() uint64 {
	return s.rng.Uint64()
}

func (s rngSource) Seed(seed uint64) {
	s.rng.Seed(int64(seed))
}

func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	return distuv.Beta{Alpha: a, Beta: b, Src: rngSource{rng: rng}}.Rand()
}
