package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/habitaro/extraction-backend/internal/logger"
)

// APIKeyMiddleware guards the v1 API with the shared key in the API_KEY
// env var. Callers send it in the x-api-key header; the SSE endpoint also
// accepts ?api_key= because EventSource cannot set headers.
type APIKeyMiddleware struct {
	log    *logger.Logger
	apiKey string
}

func NewAPIKeyMiddleware(log *logger.Logger) *APIKeyMiddleware {
	am := &APIKeyMiddleware{
		log:    log.With("middleware", "APIKeyMiddleware"),
		apiKey: strings.TrimSpace(os.Getenv("API_KEY")),
	}
	if am.apiKey == "" {
		am.log.Warn("API_KEY not set; API requests are not authenticated")
	}
	return am
}

func (am *APIKeyMiddleware) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.apiKey == "" {
			c.Next()
			return
		}
		key := extractAPIKey(c)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(am.apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid api key"})
			return
		}
		c.Next()
	}
}

func extractAPIKey(c *gin.Context) string {
	if h := strings.TrimSpace(c.GetHeader("x-api-key")); h != "" {
		return h
	}
	return strings.TrimSpace(c.Query("api_key"))
}
