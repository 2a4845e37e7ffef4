package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/database/repositories"
)

func TestRunTracker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	runs := repositories.NewMemoryRunRepository()
	tracker := NewRunTracker(runs, repositories.NewMemoryRoundRepository())

	run := models.NewTrainingRun(models.ModeFinetune, 5, models.RunSettings{NClients: 3})
	require.NoError(t, tracker.Start(ctx, run, []int{10, 12}))
	assert.Equal(t, run.ID, tracker.RunID())

	progress := tracker.Progress()
	assert.Equal(t, models.RunStatusActive, progress.Status)
	assert.Equal(t, -1, progress.Round)
	assert.Equal(t, []int{10, 12}, progress.StepTargets)

	best := 61.0
	record := models.NewRoundRecord(run.ID, 0)
	record.DurationMs = 42
	require.NoError(t, tracker.RecordRound(ctx, record, []int{5, 6}, &best))

	progress = tracker.Progress()
	assert.Equal(t, 0, progress.Round)
	assert.Equal(t, []int{5, 6}, progress.GlobalSteps)
	assert.Equal(t, int64(42), progress.LastRoundMs)

	progress.GlobalSteps[0] = 99
	assert.Equal(t, 5, tracker.Progress().GlobalSteps[0], "progress is a snapshot")

	require.NoError(t, tracker.Finish(ctx, nil, 3*time.Second))

	stored, err := runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.Equal(t, 0, stored.CurrentRound)
	assert.Equal(t, 3.0, stored.DurationSeconds)
	require.NotNil(t, stored.BestAccuracy)
	assert.Equal(t, best, *stored.BestAccuracy)
	assert.NotNil(t, stored.CompletedAt)

	rounds, err := tracker.Rounds(ctx)
	require.NoError(t, err)
	assert.Len(t, rounds, 1)
}

func TestRunTracker_FinishStatus(t *testing.T) {
	tests := []struct {
		err  error
		want models.RunStatus
	}{
		{nil, models.RunStatusCompleted},
		{fmt.Errorf("%w: signal", models.ErrInterrupted), models.RunStatusInterrupted},
		{models.NewResourceError(2, "out of memory"), models.RunStatusFailed},
	}
	for _, tt := range tests {
		ctx := context.Background()
		runs := repositories.NewMemoryRunRepository()
		tracker := NewRunTracker(runs, repositories.NewMemoryRoundRepository())
		run := models.NewTrainingRun(models.ModePretrain, 1, models.RunSettings{})
		require.NoError(t, tracker.Start(ctx, run, nil))

		require.NoError(t, tracker.Finish(ctx, tt.err, time.Second))
		stored, err := runs.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, tt.want, stored.Status)
		if tt.err != nil {
			assert.Equal(t, tt.err.Error(), stored.Error)
		}
	}
}

func TestRunTracker_NotStarted(t *testing.T) {
	tracker := NewRunTracker(repositories.NewMemoryRunRepository(), repositories.NewMemoryRoundRepository())
	assert.Error(t, tracker.RecordRound(context.Background(), models.NewRoundRecord(uuid.New(), 0), nil, nil))
	assert.Error(t, tracker.Finish(context.Background(), nil, 0))
}

func TestRunTracker_RoundStoreFailure(t *testing.T) {
	ctx := context.Background()
	tracker := NewRunTracker(repositories.NewMemoryRunRepository(), failingRoundRepository{})
	run := models.NewTrainingRun(models.ModePretrain, 1, models.RunSettings{})
	require.NoError(t, tracker.Start(ctx, run, []int{1}))

	err := tracker.RecordRound(ctx, models.NewRoundRecord(run.ID, 0), []int{1}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, tracker.Progress().Round, "the live view advances even when history fails")
}

func TestRunLog_AppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	runLog, err := NewRunLog(dir+"/nested", "log.txt")
	require.NoError(t, err)

	require.NoError(t, runLog.Append(models.TrainLogRecord(map[string]float64{"loss": 0.5}, "client_0", 0, 1, 12)))
	require.NoError(t, runLog.Append(models.TestLogRecord(models.TestStats{Acc1: 50}, 0, 12)))

	data, err := os.ReadFile(runLog.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	records := readRunLog(t, runLog.Path())
	assert.Equal(t, 0.5, records[0]["train_loss"])
	assert.Equal(t, "client_0", records[0]["client"])
	assert.Equal(t, float64(1), records[0]["inner_epoch"])
	assert.Equal(t, 50.0, records[1]["test_acc1"])
	assert.Equal(t, float64(12), records[1]["n_parameters"])

	err = runLog.Append(map[string]interface{}{"bad": make(chan int)})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, models.ErrConfiguration))
}
