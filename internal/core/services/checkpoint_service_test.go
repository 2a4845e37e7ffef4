package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
	"github.com/theblitlabs/parity-fedsim/internal/training"
)

func TestCheckpointService_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	mirror := &fakeArtifactStore{}
	service := NewCheckpointService(dir, mirror)

	model := newTemplate(t)
	opt := training.NewAdamW(model.Parameters(), training.DefaultAdamWConfig())
	grads := model.Parameters().Clone()
	for _, g := range grads {
		for i := range g.Data {
			g.Data[i] = 0.1
		}
	}
	require.NoError(t, opt.Step(model.Parameters(), grads, 1e-3, 0.05))
	optState := opt.State()
	scaler := training.NewLossScaler(1024, true)
	scaler.Update(true)
	scalerState := scaler.State()
	best := 87.5

	path, err := service.Save(context.Background(), RoundTag(4), &Checkpoint{
		RunID:     "run-1",
		Mode:      models.ModeFinetune,
		Round:     4,
		ProxyID:   1,
		Model:     model.Parameters().Clone(),
		Optimizer: &optState,
		Scaler:    &scalerState,
		BestAcc:   &best,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "checkpoint-4.json"), path)
	assert.Equal(t, []string{"run-1/checkpoint-4.json"}, mirror.keys)

	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, models.ModeFinetune, loaded.Mode)
	assert.Equal(t, 4, loaded.Round)
	assert.Equal(t, 1, loaded.ProxyID)
	assert.True(t, loaded.Model.Equal(model.Parameters(), 0))
	assert.False(t, loaded.CreatedAt.IsZero())
	require.NotNil(t, loaded.BestAcc)
	assert.Equal(t, best, *loaded.BestAcc)

	restored := training.NewAdamW(model.Parameters(), training.DefaultAdamWConfig())
	require.NoError(t, restored.LoadState(*loaded.Optimizer))
	assert.Equal(t, 1, restored.StepCount())
	assert.Equal(t, 512.0, loaded.Scaler.Scale)
}

func TestCheckpointService_MirrorFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	service := NewCheckpointService(dir, &fakeArtifactStore{fail: true})

	path, err := service.Save(context.Background(), BestCheckpointTag, &Checkpoint{
		Model: tensor.Params{"w": tensor.New(true, 2)},
	})
	require.NoError(t, err)
	assert.FileExists(t, path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestLoadCheckpoint_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadCheckpoint(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("{"), 0o644))
	_, err = LoadCheckpoint(garbage)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"round": 3}`), 0o644))
	_, err = LoadCheckpoint(empty)
	assert.Error(t, err)
}
