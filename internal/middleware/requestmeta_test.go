package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/habitaro/extraction-backend/internal/platform/ctxutil"
)

func requestMetaRouter(seen **ctxutil.TraceData) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AttachRequestMeta())
	router.GET("/ping", func(c *gin.Context) {
		*seen = ctxutil.GetTraceData(c.Request.Context())
		c.String(http.StatusOK, "pong")
	})
	return router
}

func TestAttachRequestMetaGeneratesRequestID(t *testing.T) {
	var seen *ctxutil.TraceData
	router := requestMetaRouter(&seen)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if seen == nil || seen.RequestID == "" {
		t.Fatalf("request id not attached: %+v", seen)
	}
	if got := rr.Header().Get("X-Request-ID"); got != seen.RequestID {
		t.Fatalf("response header %q does not match context %q", got, seen.RequestID)
	}
}

func TestAttachRequestMetaKeepsProvidedRequestID(t *testing.T) {
	var seen *ctxutil.TraceData
	router := requestMetaRouter(&seen)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if seen == nil || seen.RequestID != "req-abc" {
		t.Fatalf("provided request id not kept: %+v", seen)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Fatalf("response header: %q", got)
	}
}
