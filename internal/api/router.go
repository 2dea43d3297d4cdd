package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/bulkimport/internal/api/handler"
	"github.com/timmy/bulkimport/internal/api/middleware"
	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/service"
)

// RouterConfig holds what SetupRouter needs besides the engine.
type RouterConfig struct {
	Mode        string
	AccessToken string
	DB          handler.Pinger
	Logger      *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(eng *service.Engine, cfg RouterConfig) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	// Portable ids are URL-encoded full paths such as org%2Fapp.
	r.UseRawPath = true

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(cfg.Logger))

	healthHandler := handler.NewHealthHandler(cfg.DB)
	importHandler := handler.NewImportHandler(eng.Starter, eng.Summaries)
	exportHandler := handler.NewExportHandler(eng.Exports)

	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Destination side
	v1 := r.Group("/api/v1")
	{
		v1.POST("/imports", importHandler.CreateImport)
		v1.GET("/imports/:id", importHandler.GetImport)
		v1.GET("/imports/:id/failures", importHandler.ListFailures)
	}

	// Source side, polled by destination installations
	v4 := r.Group("/api/v4", middleware.RequireToken(cfg.AccessToken))
	for prefix, t := range map[string]domain.SourceType{
		"/groups":   domain.SourceTypeGroup,
		"/projects": domain.SourceTypeProject,
	} {
		v4.POST(prefix+"/:id/export_relations", exportHandler.Start(t))
		v4.GET(prefix+"/:id/export_relations/status", exportHandler.Status(t))
		v4.GET(prefix+"/:id/export_relations/download", exportHandler.Download(t))
	}

	return r
}
