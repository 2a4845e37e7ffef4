package dataset

import (
	"fmt"
	"math/rand"

	"github.com/theblitlabs/parity-fedsim/internal/tensor"
)

type SyntheticConfig struct {
	Clients          int
	SamplesPerClient int
	ValidationSize   int
	NumFeatures      int
	NumClasses       int
	// LabelSkew in [0, 1]; 0 draws labels uniformly, 1 gives every client a
	// single dominant class.
	LabelSkew float64
	Seed      int64
}

// NewSyntheticSource generates Gaussian class clusters split across
// clients. Client i holds SamplesPerClient * (4 + i%3) / 4 samples so that
// aggregation weights differ.
func NewSyntheticSource(cfg SyntheticConfig) (*MemorySource, error) {
	if cfg.Clients < 1 || cfg.SamplesPerClient < 1 || cfg.NumFeatures < 1 || cfg.NumClasses < 2 {
		return nil, fmt.Errorf("invalid synthetic data config: %+v", cfg)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	centers := make([][]float64, cfg.NumClasses)
	for c := range centers {
		centers[c] = make([]float64, cfg.NumFeatures)
		for j := range centers[c] {
			centers[c][j] = rng.NormFloat64() * 2
		}
	}

	draw := func(label int) tensor.Sample {
		features := make([]float64, cfg.NumFeatures)
		for j := range features {
			features[j] = centers[label][j] + rng.NormFloat64()
		}
		return tensor.Sample{Features: features, Label: label}
	}

	source := NewMemorySource(cfg.NumFeatures)
	for i := 0; i < cfg.Clients; i++ {
		n := cfg.SamplesPerClient * (4 + i%3) / 4
		dominant := i % cfg.NumClasses
		samples := make([]tensor.Sample, n)
		for k := range samples {
			label := rng.Intn(cfg.NumClasses)
			if rng.Float64() < cfg.LabelSkew {
				label = dominant
			}
			samples[k] = draw(label)
		}
		if err := source.AddClient(fmt.Sprintf("client_%d", i), samples); err != nil {
			return nil, err
		}
	}

	if cfg.ValidationSize > 0 {
		samples := make([]tensor.Sample, cfg.ValidationSize)
		for k := range samples {
			samples[k] = draw(k % cfg.NumClasses)
		}
		if err := source.SetValidation(samples); err != nil {
			return nil, err
		}
	}

	return source, nil
}
