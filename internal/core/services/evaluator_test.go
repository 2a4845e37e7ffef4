package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/dataset"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
	"github.com/theblitlabs/parity-fedsim/internal/training"
)

func TestEvaluator_EmptySet(t *testing.T) {
	evaluator := NewEvaluator(8, 4, 2)
	model := newTemplate(t)

	_, err := evaluator.Evaluate(context.Background(), model, dataset.NewMemoryDataset(nil))
	assert.True(t, errors.Is(err, models.ErrEvaluation))

	_, err = evaluator.Evaluate(context.Background(), model, nil)
	assert.True(t, errors.Is(err, models.ErrEvaluation))
}

func TestEvaluator_CancelledIsInterruptNotEvaluationFailure(t *testing.T) {
	samples := []tensor.Sample{{Features: []float64{1, 0, 0, 1}, Label: 0}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEvaluator(4, 4, 2).Evaluate(ctx, newTemplate(t), dataset.NewMemoryDataset(samples))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInterrupted))
	assert.False(t, errors.Is(err, models.ErrEvaluation))
}

func TestEvaluator_CountsPartialBatch(t *testing.T) {
	model := newTemplate(t)
	samples := make([]tensor.Sample, 10)
	for i := range samples {
		samples[i] = tensor.Sample{Features: []float64{float64(i), 1, 0, -1}, Label: i % 3}
	}

	stats, err := NewEvaluator(4, 4, 3).Evaluate(context.Background(), model, dataset.NewMemoryDataset(samples))
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Samples)
	assert.Equal(t, 100.0, stats.Acc5, "top-3 of 3 classes always contains the label")
	assert.GreaterOrEqual(t, stats.Acc1, 0.0)
	assert.LessOrEqual(t, stats.Acc1, 100.0)
	assert.Greater(t, stats.Loss, 0.0)
}

func TestEvaluator_PerfectModel(t *testing.T) {
	model := newTemplate(t)
	weight := model.Parameters()[training.ParamWeight]
	for i := range weight.Data {
		weight.Data[i] = 0
	}
	// Class c scores feature c.
	for c := 0; c < 3; c++ {
		weight.Data[c*4+c] = 10
	}

	samples := make([]tensor.Sample, 6)
	for i := range samples {
		features := make([]float64, 4)
		features[i%3] = 1
		samples[i] = tensor.Sample{Features: features, Label: i % 3}
	}

	stats, err := NewEvaluator(4, 4, 1).Evaluate(context.Background(), model, dataset.NewMemoryDataset(samples))
	require.NoError(t, err)
	assert.Equal(t, 100.0, stats.Acc1)
	assert.Equal(t, 100.0, stats.Acc5)
}

func TestEvaluator_DoesNotTouchBuffers(t *testing.T) {
	model := newTemplate(t)
	before := model.Parameters().Clone()
	samples := []tensor.Sample{{Features: []float64{5, 5, 5, 5}, Label: 1}}

	_, err := NewEvaluator(4, 4, 1).Evaluate(context.Background(), model, dataset.NewMemoryDataset(samples))
	require.NoError(t, err)
	assert.True(t, model.Parameters().Equal(before, 0))
}

func TestLabelRank(t *testing.T) {
	assert.Equal(t, 0, labelRank([]float64{3, 1, 2}, 0))
	assert.Equal(t, 2, labelRank([]float64{3, 1, 2}, 1))
	assert.Equal(t, 3, labelRank([]float64{3, 1, 2}, 7))
}
