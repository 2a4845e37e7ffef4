package training

import (
	"fmt"
	"math/rand"

	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
)

// LoadBatch reads the samples at indices into a batch. Every sample must
// have numFeatures features.
func LoadBatch(ds ports.Dataset, indices []int, numFeatures int) (tensor.Batch, error) {
	samples := make([]tensor.Sample, 0, len(indices))
	for _, idx := range indices {
		s, err := ds.Sample(idx)
		if err != nil {
			return tensor.Batch{}, fmt.Errorf("failed to read sample %d: %w", idx, err)
		}
		if len(s.Features) != numFeatures {
			return tensor.Batch{}, fmt.Errorf("sample %d has %d features, expected %d", idx, len(s.Features), numFeatures)
		}
		samples = append(samples, s)
	}
	return tensor.NewBatch(samples), nil
}

// EpochOrder returns the visiting order of an epoch. A nil rng keeps the
// natural order.
func EpochOrder(n int, rng *rand.Rand) []int {
	if rng == nil {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	return rng.Perm(n)
}

// StepsPerEpoch is the number of full batches; the remainder is dropped.
func StepsPerEpoch(n, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return n / batchSize
}
