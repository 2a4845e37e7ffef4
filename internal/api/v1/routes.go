package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/theblitlabs/parity-fedsim/internal/api/handlers"
)

func registerRunRoutes(router *gin.RouterGroup, runHandler *handlers.RunHandler) {
	router.GET("/run", runHandler.GetCurrentRun)
	router.GET("/rounds", runHandler.GetCurrentRounds)

	runs := router.Group("/runs")
	{
		runs.GET("", runHandler.ListRuns)
		runs.GET("/:id", runHandler.GetRun)
		runs.GET("/:id/rounds", runHandler.GetRunRounds)
	}
}

func RegisterRoutes(api *gin.RouterGroup, runHandler *handlers.RunHandler) {
	registerRunRoutes(api, runHandler)
}
