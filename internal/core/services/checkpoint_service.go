package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
	"github.com/theblitlabs/parity-fedsim/internal/training"
	"github.com/theblitlabs/parity-fedsim/pkg/logger"
)

const BestCheckpointTag = "best"

// Checkpoint is the persisted state of a run after one round: the global
// parameters plus the optimizer and scaler state of the proxy that trained
// last.
type Checkpoint struct {
	RunID     string                   `json:"run_id"`
	Mode      models.Mode              `json:"mode"`
	Round     int                      `json:"round"`
	ProxyID   int                      `json:"proxy_id"`
	Model     tensor.Params            `json:"model"`
	Optimizer *training.OptimizerState `json:"optimizer,omitempty"`
	Scaler    *training.ScalerState    `json:"scaler,omitempty"`
	BestAcc   *float64                 `json:"best_acc,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
}

// CheckpointService writes checkpoints under the output directory and
// optionally mirrors them to an artifact store. Writes are serialized.
type CheckpointService struct {
	mu     sync.Mutex
	dir    string
	mirror ports.ArtifactStore
}

func NewCheckpointService(dir string, mirror ports.ArtifactStore) *CheckpointService {
	return &CheckpointService{dir: dir, mirror: mirror}
}

// RoundTag names the checkpoint of a round.
func RoundTag(round int) string {
	return strconv.Itoa(round)
}

func CheckpointPath(dir, tag string) string {
	return filepath.Join(dir, fmt.Sprintf("checkpoint-%s.json", tag))
}

// Save writes the checkpoint atomically and returns its local path. A
// failed mirror upload is logged and does not fail the save.
func (s *CheckpointService) Save(ctx context.Context, tag string, ckpt *Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logger.WithComponent("checkpoint_service")

	if ckpt.CreatedAt.IsZero() {
		ckpt.CreatedAt = time.Now()
	}
	data, err := json.Marshal(ckpt)
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	path := CheckpointPath(s.dir, tag)
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move checkpoint into place: %w", err)
	}

	log.Info().
		Str("path", path).
		Int("round", ckpt.Round).
		Int("proxy_id", ckpt.ProxyID).
		Msg("Checkpoint saved")

	if s.mirror != nil {
		key := filepath.Base(path)
		if ckpt.RunID != "" {
			key = ckpt.RunID + "/" + key
		}
		if _, err := s.mirror.Put(ctx, key, data); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Checkpoint mirror failed")
		}
	}

	return path, nil
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	if len(ckpt.Model) == 0 {
		return nil, fmt.Errorf("checkpoint %s has no model parameters", path)
	}
	return &ckpt, nil
}
