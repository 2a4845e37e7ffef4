package services

import (
	"context"
	"fmt"
	"math"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/internal/training"
)

// Evaluator measures loss and top-1/top-k accuracy (in percent) of a model
// on a held-out set. The model is only run in inference mode.
type Evaluator struct {
	batchSize   int
	numFeatures int
	topK        int
}

func NewEvaluator(batchSize, numFeatures, topK int) *Evaluator {
	if topK < 1 {
		topK = 1
	}
	return &Evaluator{batchSize: batchSize, numFeatures: numFeatures, topK: topK}
}

func (e *Evaluator) Evaluate(ctx context.Context, model ports.Model, data ports.Dataset) (*models.TestStats, error) {
	if data == nil || data.Len() == 0 {
		return nil, models.NewEvaluationError(nil, "validation set is empty")
	}

	n := data.Len()
	order := training.EpochOrder(n, nil)
	lossSum := 0.0
	top1, topK := 0, 0

	for start := 0; start < n; start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w during evaluation: %v", models.ErrInterrupted, err)
		}

		end := start + e.batchSize
		if end > n {
			end = n
		}
		batch, err := training.LoadBatch(data, order[start:end], e.numFeatures)
		if err != nil {
			return nil, models.NewEvaluationError(err, "failed to load validation batch")
		}

		out, err := model.Forward(batch, false)
		if err != nil {
			return nil, models.NewEvaluationError(err, "forward pass failed")
		}
		if out.Logits == nil {
			return nil, models.NewEvaluationError(nil, "model returned no logits")
		}

		lossSum += out.Loss * float64(batch.Size())
		for i, label := range batch.Labels {
			rank := labelRank(out.Logits.RawRowView(i), label)
			if rank < 1 {
				top1++
			}
			if rank < e.topK {
				topK++
			}
		}
	}

	loss := lossSum / float64(n)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return nil, models.NewEvaluationError(nil, "validation loss is not finite")
	}

	return &models.TestStats{
		Loss:    loss,
		Acc1:    100 * float64(top1) / float64(n),
		Acc5:    100 * float64(topK) / float64(n),
		Samples: n,
	}, nil
}

// labelRank counts the classes scored strictly above the label.
func labelRank(logits []float64, label int) int {
	if label < 0 || label >= len(logits) {
		return len(logits)
	}
	rank := 0
	for c, v := range logits {
		if c != label && v > logits[label] {
			rank++
		}
	}
	return rank
}

