package training

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
)

const (
	ParamWeight       = "head.weight"
	ParamBias         = "head.bias"
	BufferRunningMean = "norm.running_mean"

	runningMeanMomentum = 0.1
)

// SoftmaxClassifier is a linear classifier over centered inputs. Inputs are
// centered by a running mean buffer that is updated on training passes and
// never seen by the optimizer.
type SoftmaxClassifier struct {
	numFeatures int
	numClasses  int
	params      tensor.Params
}

var _ ports.Model = (*SoftmaxClassifier)(nil)

func NewSoftmaxClassifier(numFeatures, numClasses int, rng *rand.Rand) (*SoftmaxClassifier, error) {
	if numFeatures < 1 || numClasses < 2 {
		return nil, fmt.Errorf("classifier needs at least one feature and two classes, got %d and %d", numFeatures, numClasses)
	}

	weight := tensor.New(true, numClasses, numFeatures)
	std := 1 / math.Sqrt(float64(numFeatures))
	for i := range weight.Data {
		weight.Data[i] = rng.NormFloat64() * std * 0.1
	}

	return &SoftmaxClassifier{
		numFeatures: numFeatures,
		numClasses:  numClasses,
		params: tensor.Params{
			ParamWeight:       weight,
			ParamBias:         tensor.New(true, numClasses),
			BufferRunningMean: tensor.New(false, numFeatures),
		},
	}, nil
}

func (m *SoftmaxClassifier) Parameters() tensor.Params {
	return m.params
}

func (m *SoftmaxClassifier) NumClasses() int {
	return m.numClasses
}

func (m *SoftmaxClassifier) Clone() ports.Model {
	return &SoftmaxClassifier{
		numFeatures: m.numFeatures,
		numClasses:  m.numClasses,
		params:      m.params.Clone(),
	}
}

func (m *SoftmaxClassifier) Forward(batch tensor.Batch, train bool) (tensor.Output, error) {
	n := batch.Size()
	if n == 0 {
		return tensor.Output{}, fmt.Errorf("empty batch")
	}
	if _, cols := batch.Inputs.Dims(); cols != m.numFeatures {
		return tensor.Output{}, fmt.Errorf("batch has %d features, model expects %d", cols, m.numFeatures)
	}

	targets, err := m.targets(batch)
	if err != nil {
		return tensor.Output{}, err
	}

	runningMean := m.params[BufferRunningMean].Data
	if train {
		col := make([]float64, n)
		for j := 0; j < m.numFeatures; j++ {
			mat.Col(col, j, batch.Inputs)
			runningMean[j] = (1-runningMeanMomentum)*runningMean[j] + runningMeanMomentum*floats.Sum(col)/float64(n)
		}
	}

	centered := mat.NewDense(n, m.numFeatures, nil)
	centered.Apply(func(_, j int, v float64) float64 {
		return v - runningMean[j]
	}, batch.Inputs)

	weight := mat.NewDense(m.numClasses, m.numFeatures, m.params[ParamWeight].Data)
	bias := m.params[ParamBias].Data

	logits := mat.NewDense(n, m.numClasses, nil)
	logits.Mul(centered, weight.T())

	probs := mat.NewDense(n, m.numClasses, nil)
	loss := 0.0
	correct := 0
	for i := 0; i < n; i++ {
		row := logits.RawRowView(i)
		floats.Add(row, bias)

		lse := logSumExp(row)
		prow := probs.RawRowView(i)
		for c, z := range row {
			logp := z - lse
			prow[c] = math.Exp(logp)
			loss -= targets.At(i, c) * logp
		}
		if batch.Labels != nil && floats.MaxIdx(row) == batch.Labels[i] {
			correct++
		}
	}
	loss /= float64(n)

	out := tensor.Output{Loss: loss, Correct: correct, Logits: logits}
	if batch.Mixed() || batch.Labels == nil {
		out.Correct = -1
	}
	if !train {
		return out, nil
	}

	grad := mat.NewDense(n, m.numClasses, nil)
	grad.Sub(probs, targets)
	grad.Scale(1/float64(n), grad)

	gradWeight := tensor.New(true, m.numClasses, m.numFeatures)
	mat.NewDense(m.numClasses, m.numFeatures, gradWeight.Data).Mul(grad.T(), centered)

	gradBias := tensor.New(true, m.numClasses)
	col := make([]float64, n)
	for c := 0; c < m.numClasses; c++ {
		mat.Col(col, c, grad)
		gradBias.Data[c] = floats.Sum(col)
	}

	out.Grads = tensor.Params{
		ParamWeight: gradWeight,
		ParamBias:   gradBias,
	}
	return out, nil
}

// targets returns the soft targets of the batch, building smoothed one-hot
// rows from the hard labels when no soft targets are attached.
func (m *SoftmaxClassifier) targets(batch tensor.Batch) (*mat.Dense, error) {
	n := batch.Size()
	if batch.Targets != nil {
		rows, cols := batch.Targets.Dims()
		if rows != n || cols != m.numClasses {
			return nil, fmt.Errorf("targets are %dx%d, expected %dx%d", rows, cols, n, m.numClasses)
		}
		return batch.Targets, nil
	}
	if len(batch.Labels) != n {
		return nil, fmt.Errorf("batch has %d labels for %d rows", len(batch.Labels), n)
	}

	targets := mat.NewDense(n, m.numClasses, nil)
	for i, label := range batch.Labels {
		if label < 0 || label >= m.numClasses {
			return nil, fmt.Errorf("label %d out of range [0, %d)", label, m.numClasses)
		}
		OneHot(targets.RawRowView(i), label, batch.Smoothing)
	}
	return targets, nil
}

// OneHot writes a smoothed one-hot row: the target class gets
// 1 - smoothing + smoothing/C, every other class smoothing/C.
func OneHot(row []float64, label int, smoothing float64) {
	off := smoothing / float64(len(row))
	for c := range row {
		row[c] = off
	}
	row[label] = 1 - smoothing + off
}

func logSumExp(row []float64) float64 {
	max := floats.Max(row)
	if math.IsInf(max, 0) || math.IsNaN(max) {
		return max
	}
	sum := 0.0
	for _, z := range row {
		sum += math.Exp(z - max)
	}
	return max + math.Log(sum)
}
