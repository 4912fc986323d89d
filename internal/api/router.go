package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/tabport/internal/api/handler"
	"github.com/timmy/tabport/internal/api/middleware"
	"github.com/timmy/tabport/internal/config"
	"github.com/timmy/tabport/internal/dataset"
	"github.com/timmy/tabport/internal/metrics"
	"github.com/timmy/tabport/internal/service"
	"gorm.io/gorm"
)

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	DB             *gorm.DB
	Push           *service.PushService
	Coordinator    *service.Coordinator
	Reader         *dataset.Reader
	Metrics        *metrics.Metrics
	MaxUploadBytes int64
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Deps, server config.ServerConfig) *gin.Engine {
	// Set Gin mode
	switch server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.Metrics(deps.Metrics))
	r.Use(middleware.CORS(server.CORS))

	healthHandler := handler.NewHealthHandler(deps.DB)
	agentHandler := handler.NewAgentHandler(deps.Push, deps.MaxUploadBytes)
	sourceHandler := handler.NewSourceHandler(deps.Coordinator)
	fileHandler := handler.NewFileHandler(deps.Reader)

	r.GET("/health", healthHandler.Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	{
		// Agents
		v1.POST("/agent/push", agentHandler.Push)
		v1.POST("/agent/delete", agentHandler.Delete)

		// Operators
		v1.POST("/sources/:id/scan", sourceHandler.Scan)

		// Imported data
		v1.GET("/files/:id/rows", fileHandler.Rows)
	}

	return r
}
