package server

import (
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/habitaro/extraction-backend/internal/handlers"
	"github.com/habitaro/extraction-backend/internal/middleware"
)

type RouterConfig struct {
	Extractions *handlers.ExtractionsHandler
	APIKey      *middleware.APIKeyMiddleware
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// otelgin is a no-op until a tracer provider is installed, so it can sit
	// on the chain whether or not OTEL_ENABLED is set.
	router.Use(otelgin.Middleware("extraction-backend"))
	router.Use(middleware.AttachRequestMeta())

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins(),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Api-Key", "X-Request-ID"},
		AllowCredentials: true,
	}))

	// Public
	router.GET("/health", handlers.HealthCheck)

	// Protected
	api := router.Group("/api/v1")
	api.Use(cfg.APIKey.RequireAPIKey())
	{
		api.POST("/extractions", cfg.Extractions.Create)
		api.GET("/extractions/:id", cfg.Extractions.GetByID)
		api.GET("/extractions/:id/events", cfg.Extractions.Events)
	}

	return router
}

func allowedOrigins() []string {
	raw := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS"))
	if raw == "" {
		return []string{"http://localhost:3000", "http://localhost:5173"}
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
