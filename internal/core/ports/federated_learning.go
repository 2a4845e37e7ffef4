package ports

import (
	"context"

	"github.com/google/uuid"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
)

// Model is the opaque trainable model. Parameters returns the live mapping;
// optimizers and the aggregator mutate it in place. Clone must return a
// fully independent copy.
type Model interface {
	Parameters() tensor.Params
	Forward(batch tensor.Batch, train bool) (tensor.Output, error)
	Clone() Model
}

// Dataset is a finite, restartable sequence of samples.
type Dataset interface {
	Len() int
	Sample(i int) (tensor.Sample, error)
}

// DataSource partitions data by client key.
type DataSource interface {
	Manifest() ([]models.ManifestEntry, error)
	Client(key string) (Dataset, error)
	// Validation returns nil when no held-out set is available.
	Validation() (Dataset, error)
	NumFeatures() (int, error)
}

type RunRepository interface {
	Create(ctx context.Context, run *models.TrainingRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.TrainingRun, error)
	GetAll(ctx context.Context) ([]*models.TrainingRun, error)
	Update(ctx context.Context, run *models.TrainingRun) error
}

type RoundRepository interface {
	Create(ctx context.Context, round *models.RoundRecord) error
	GetByRun(ctx context.Context, runID uuid.UUID) ([]*models.RoundRecord, error)
	GetLatest(ctx context.Context, runID uuid.UUID) (*models.RoundRecord, error)
}

// ArtifactStore persists opaque blobs under a key and returns their location.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// ProgressReporter exposes the live view of the current run.
type ProgressReporter interface {
	Progress() models.RunProgress
}
