package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	RunStatus   string
	RoundStatus string
)

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusActive      RunStatus = "active"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusFailed      RunStatus = "failed"
)

const (
	RoundStatusCompleted RoundStatus = "completed"
	RoundStatusDegraded  RoundStatus = "degraded"
)

type TrainingRun struct {
	ID              uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	Mode            Mode        `json:"mode" gorm:"type:varchar(20);not null"`
	Status          RunStatus   `json:"status" gorm:"type:varchar(50)"`
	Settings        RunSettings `json:"settings" gorm:"type:jsonb"`
	CurrentRound    int         `json:"current_round" gorm:"default:-1"`
	MaxRounds       int         `json:"max_rounds" gorm:"not null"`
	BestAccuracy    *float64    `json:"best_accuracy"`
	Error           string      `json:"error,omitempty" gorm:"type:text"`
	CreatedAt       time.Time   `json:"created_at" gorm:"type:timestamp"`
	UpdatedAt       time.Time   `json:"updated_at" gorm:"type:timestamp"`
	CompletedAt     *time.Time  `json:"completed_at" gorm:"type:timestamp"`
	DurationSeconds float64     `json:"duration_seconds"`
}

// RunSettings is the subset of the configuration persisted with a run.
type RunSettings struct {
	NClients        int     `json:"n_clients"`
	NumLocalClients int     `json:"num_local_clients"`
	LocalEpochs     int     `json:"local_epochs"`
	BatchSize       int     `json:"batch_size"`
	LearningRate    float64 `json:"learning_rate"`
	Termination     string  `json:"termination"`
	BufferPolicy    string  `json:"buffer_policy"`
	SplitType       string  `json:"split_type"`
	Seed            int64   `json:"seed"`
}

// Value implements the driver.Valuer interface for GORM
func (s RunSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements the sql.Scanner interface for GORM
func (s *RunSettings) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into RunSettings", value)
	}

	return json.Unmarshal(bytes, s)
}

type RoundRecord struct {
	ID           uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	RunID        uuid.UUID         `json:"run_id" gorm:"type:uuid;not null;index"`
	RoundNumber  int               `json:"round_number" gorm:"not null"`
	Status       RoundStatus       `json:"status" gorm:"type:varchar(50)"`
	Participants RoundParticipants `json:"participants" gorm:"type:jsonb"`
	TotalSamples int               `json:"total_samples"`
	TrainLoss    *float64          `json:"train_loss"`
	TestAcc1     *float64          `json:"test_acc1"`
	TestLoss     *float64          `json:"test_loss"`
	DurationMs   int64             `json:"duration_ms"`
	CreatedAt    time.Time         `json:"created_at" gorm:"type:timestamp"`
}

type RoundParticipant struct {
	Client         string   `json:"client"`
	ProxyID        int      `json:"proxy_id"`
	Weight         float64  `json:"weight"`
	Steps          int      `json:"steps"`
	NonFiniteSteps int      `json:"nonfinite_steps"`
	Degraded       bool     `json:"degraded"`
	Loss           *float64 `json:"loss,omitempty"`
}

type RoundParticipants []RoundParticipant

// Value implements the driver.Valuer interface for GORM
func (p RoundParticipants) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements the sql.Scanner interface for GORM
func (p *RoundParticipants) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into RoundParticipants", value)
	}

	return json.Unmarshal(bytes, p)
}

func NewTrainingRun(mode Mode, maxRounds int, settings RunSettings) *TrainingRun {
	return &TrainingRun{
		ID:           uuid.New(),
		Mode:         mode,
		Status:       RunStatusPending,
		Settings:     settings,
		CurrentRound: -1,
		MaxRounds:    maxRounds,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

func NewRoundRecord(runID uuid.UUID, roundNumber int) *RoundRecord {
	return &RoundRecord{
		ID:          uuid.New(),
		RunID:       runID,
		RoundNumber: roundNumber,
		Status:      RoundStatusCompleted,
		CreatedAt:   time.Now(),
	}
}
