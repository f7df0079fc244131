package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/habitaro/extraction-backend/internal/platform/ctxutil"
)

// AttachRequestMeta stamps every request with a request id and the active
// trace id. Handlers copy both into job payloads, so worker-side logs can
// be tied back to the request that queued the job.
func AttachRequestMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		reqID := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		traceID := ""
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{
			TraceID:   traceID,
			RequestID: reqID,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Request-ID", reqID)
		c.Next()
	}
}
