package logger

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	l := slog.New(slog.NewJSONHandler(buf, nil))
	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/v1/thing", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })
	return r
}

func TestMiddleware_LogsRequestSummary(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRouter(&buf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/thing", nil))

	if w.Header().Get(headerRequestID) == "" {
		t.Fatal("response must carry a request id")
	}
	out := buf.String()
	for _, attr := range []string{"request_id", "client_ip", "duration_ms"} {
		if !strings.Contains(out, attr) {
			t.Fatalf("summary line missing %s: %s", attr, out)
		}
	}
}

func TestMiddleware_QuietPathsLogOnlyFailures(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRouter(&buf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if buf.Len() != 0 {
		t.Fatalf("healthy liveness checks must not be logged: %s", buf.String())
	}
}
