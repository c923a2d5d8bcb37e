package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNewTo_LevelByEnv(t *testing.T) {
	var buf bytes.Buffer
	NewTo(&buf, "production").Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be suppressed in production, got %s", buf.String())
	}
	NewTo(&buf, "dev").Debug("shown")
	if buf.Len() == 0 {
		t.Fatalf("debug should be emitted in dev")
	}
}

func TestMiddleware_PropagatesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := NewTo(&buf, "production")

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/x", func(c *gin.Context) {
		if From(c.Request.Context()) != FromGin(c) {
			t.Errorf("request context should carry the request logger")
		}
		c.String(http.StatusOK, RequestID(c))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	r.ServeHTTP(w, req)

	if w.Body.String() != "rid-1" || w.Header().Get("X-Request-Id") != "rid-1" {
		t.Fatalf("request id not propagated: body %q header %q", w.Body.String(), w.Header().Get("X-Request-Id"))
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line: %v", err)
	}
	if line["request_id"] != "rid-1" || line["path"] != "/x" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	if From(context.Background()) == nil {
		t.Fatalf("expected default logger")
	}
}

func TestFromOr_PrefersContextLogger(t *testing.T) {
	def := NewTo(io.Discard, "dev")
	if FromOr(context.Background(), def) != def {
		t.Fatalf("expected fallback logger")
	}
	scoped := def.With("request_id", "r")
	if FromOr(With(context.Background(), scoped), def) != scoped {
		t.Fatalf("expected context logger")
	}
}
