package tensor

import "gonum.org/v1/gonum/mat"

// Sample is one (input, target) pair produced by a dataset.
type Sample struct {
	Features []float64
	Label    int
}

// Batch holds a minibatch with inputs as rows. Targets carries soft labels
// after mixup; when nil the hard Labels are used, smoothed by Smoothing.
type Batch struct {
	Inputs    *mat.Dense
	Labels    []int
	Targets   *mat.Dense
	Smoothing float64
}

func (b Batch) Size() int {
	if b.Inputs == nil {
		return 0
	}
	r, _ := b.Inputs.Dims()
	return r
}

// Mixed reports whether the batch carries soft targets.
func (b Batch) Mixed() bool {
	return b.Targets != nil
}

// Output is the result of a forward pass. Grads is only populated for
// training passes. Correct is -1 when accuracy is not measurable.
type Output struct {
	Loss    float64
	Correct int
	Logits  *mat.Dense
	Grads   Params
}

// NewBatch stacks samples into a batch.
func NewBatch(samples []Sample) Batch {
	if len(samples) == 0 {
		return Batch{}
	}
	features := len(samples[0].Features)
	data := make([]float64, 0, len(samples)*features)
	labels := make([]int, len(samples))
	for i, s := range samples {
		data = append(data, s.Features...)
		labels[i] = s.Label
	}
	return Batch{
		Inputs: mat.NewDense(len(samples), features, data),
		Labels: labels,
	}
}
