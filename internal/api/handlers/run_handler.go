package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	responsemodels "github.com/theblitlabs/parity-fedsim/internal/api/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/pkg/logger"
)

// RunHandler serves the read-only view of the current run and the stored
// run history.
type RunHandler struct {
	progress ports.ProgressReporter
	runs     ports.RunRepository
	rounds   ports.RoundRepository
}

func NewRunHandler(progress ports.ProgressReporter, runs ports.RunRepository, rounds ports.RoundRepository) *RunHandler {
	return &RunHandler{
		progress: progress,
		runs:     runs,
		rounds:   rounds,
	}
}

func (h *RunHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *RunHandler) GetCurrentRun(c *gin.Context) {
	p := h.progress.Progress()
	if p.RunID == uuid.Nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No run in progress"})
		return
	}
	c.JSON(http.StatusOK, responsemodels.NewProgressResponse(p))
}

func (h *RunHandler) GetCurrentRounds(c *gin.Context) {
	runID := h.progress.Progress().RunID
	if runID == uuid.Nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No run in progress"})
		return
	}
	h.writeRounds(c, runID)
}

func (h *RunHandler) ListRuns(c *gin.Context) {
	log := logger.WithComponent("run_handler")

	runs, err := h.runs.GetAll(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs"})
		return
	}

	response := make([]responsemodels.RunResponse, 0, len(runs))
	for _, run := range runs {
		response = append(response, responsemodels.NewRunResponse(run))
	}
	c.JSON(http.StatusOK, response)
}

func (h *RunHandler) GetRun(c *gin.Context) {
	log := logger.WithComponent("run_handler")

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}

	run, err := h.runs.GetByID(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
			return
		}
		log.Error().Err(err).Str("run_id", runID.String()).Msg("Failed to get run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get run"})
		return
	}

	c.JSON(http.StatusOK, responsemodels.NewRunResponse(run))
}

func (h *RunHandler) GetRunRounds(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}
	h.writeRounds(c, runID)
}

func (h *RunHandler) writeRounds(c *gin.Context, runID uuid.UUID) {
	log := logger.WithComponent("run_handler")

	rounds, err := h.rounds.GetByRun(c.Request.Context(), runID)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID.String()).Msg("Failed to get rounds")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get rounds"})
		return
	}

	response := make([]responsemodels.RoundResponse, 0, len(rounds))
	for _, round := range rounds {
		response = append(response, responsemodels.NewRoundResponse(round))
	}
	c.JSON(http.StatusOK, response)
}
