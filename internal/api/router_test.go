package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/parity-fedsim/internal/api/handlers"
	responsemodels "github.com/theblitlabs/parity-fedsim/internal/api/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/database/repositories"
)

type staticProgress struct {
	progress models.RunProgress
}

func (s staticProgress) Progress() models.RunProgress {
	return s.progress
}

func get(t *testing.T, router *Router, path string, out interface{}) int {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestRouter_StatusEndpoints(t *testing.T) {
	ctx := context.Background()
	runs := repositories.NewMemoryRunRepository()
	rounds := repositories.NewMemoryRoundRepository()

	run := models.NewTrainingRun(models.ModeFinetune, 10, models.RunSettings{NClients: 2})
	require.NoError(t, runs.Create(ctx, run))
	for i := 0; i < 2; i++ {
		record := models.NewRoundRecord(run.ID, i)
		record.Participants = models.RoundParticipants{{Client: "client_0", ProxyID: 0, Weight: 1, Steps: 4}}
		require.NoError(t, rounds.Create(ctx, record))
	}

	best := 55.0
	progress := staticProgress{models.RunProgress{
		RunID:       run.ID,
		Mode:        models.ModeFinetune,
		Status:      models.RunStatusActive,
		Round:       1,
		MaxRounds:   10,
		GlobalSteps: []int{8, 30},
		StepTargets: []int{40, 20},
		BestAcc:     &best,
		StartedAt:   time.Now(),
	}}
	router := NewRouter(handlers.NewRunHandler(progress, runs, rounds), "/api/v1")

	var health map[string]string
	assert.Equal(t, http.StatusOK, get(t, router, "/health", &health))
	assert.Equal(t, "ok", health["status"])

	var current responsemodels.ProgressResponse
	require.Equal(t, http.StatusOK, get(t, router, "/api/v1/run", &current))
	assert.Equal(t, run.ID.String(), current.RunID)
	assert.Equal(t, "active", current.Status)
	assert.InDelta(t, 28.0/60.0, current.StepProgress, 1e-12)
	require.NotNil(t, current.BestAccuracy)
	assert.Equal(t, best, *current.BestAccuracy)

	var currentRounds []responsemodels.RoundResponse
	require.Equal(t, http.StatusOK, get(t, router, "/api/v1/rounds", &currentRounds))
	require.Len(t, currentRounds, 2)
	assert.Equal(t, 0, currentRounds[0].Round)
	assert.Equal(t, "client_0", currentRounds[1].Participants[0].Client)

	var all []responsemodels.RunResponse
	require.Equal(t, http.StatusOK, get(t, router, "/api/v1/runs", &all))
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Settings.NClients)

	var one responsemodels.RunResponse
	require.Equal(t, http.StatusOK, get(t, router, "/api/v1/runs/"+run.ID.String(), &one))
	assert.Equal(t, "finetune", one.Mode)

	var byRun []responsemodels.RoundResponse
	require.Equal(t, http.StatusOK, get(t, router, "/api/v1/runs/"+run.ID.String()+"/rounds", &byRun))
	assert.Len(t, byRun, 2)

	assert.Equal(t, http.StatusBadRequest, get(t, router, "/api/v1/runs/not-a-uuid", nil))
	assert.Equal(t, http.StatusNotFound, get(t, router, "/api/v1/runs/"+uuid.New().String(), nil))
}

func TestRouter_NoRunInProgress(t *testing.T) {
	router := NewRouter(handlers.NewRunHandler(
		staticProgress{},
		repositories.NewMemoryRunRepository(),
		repositories.NewMemoryRoundRepository(),
	), "/api/v1")

	assert.Equal(t, http.StatusNotFound, get(t, router, "/api/v1/run", nil))
	assert.Equal(t, http.StatusNotFound, get(t, router, "/api/v1/rounds", nil))

	var runs []responsemodels.RunResponse
	assert.Equal(t, http.StatusOK, get(t, router, "/api/v1/runs", &runs))
	assert.Empty(t, runs)
}
