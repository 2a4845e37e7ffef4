package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/theblitlabs/parity-fedsim/internal/api/handlers"
	"github.com/theblitlabs/parity-fedsim/internal/api/middleware"
	v1 "github.com/theblitlabs/parity-fedsim/internal/api/v1"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

type Router struct {
	engine   *gin.Engine
	endpoint string
}

func NewRouter(runHandler *handlers.RunHandler, endpoint string) *Router {
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.Logging())

	r := &Router{
		engine:   engine,
		endpoint: endpoint,
	}

	r.registerRoutes(runHandler)
	return r
}

func (r *Router) registerRoutes(runHandler *handlers.RunHandler) {
	r.engine.GET("/health", runHandler.Health)

	api := r.engine.Group(r.endpoint)
	v1.RegisterRoutes(api, runHandler)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) AddMiddleware(middleware gin.HandlerFunc) {
	r.engine.Use(middleware)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}
