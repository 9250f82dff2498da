package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

// webhookStack builds the middleware chain the webhook routes run under.
func webhookStack(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	for _, m := range mw {
		r.Use(m)
	}
	return r
}

func TestRequestID_GenerateAndPropagate(t *testing.T) {
	r := webhookStack()
	r.POST("/webhook/telegram", func(c *gin.Context) {
		if v, ok := c.Get(requestIDKey); !ok || v == "" {
			t.Fatal("request id not set in context")
		}
		c.Status(http.StatusOK)
	})

	// Absent header: generated.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/telegram", nil))
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated %s header", requestIDHeader)
	}

	// Provided by the platform gateway (any header casing): propagated.
	for _, hdr := range []string{requestIDHeader, strings.ToLower(requestIDHeader)} {
		w = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", nil)
		req.Header.Set(hdr, "gw-delivery-42")
		r.ServeHTTP(w, req)
		if got := w.Header().Get(requestIDHeader); got != "gw-delivery-42" {
			t.Fatalf("header %q: propagated id = %q; want gw-delivery-42", hdr, got)
		}
	}
}

func TestLogger_LevelsAndRoutePathFallback(t *testing.T) {
	buf := captureLogger(t)
	r := webhookStack(Logger())

	r.POST("/webhook/telegram", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"kind": "phone_requested"})
	})
	r.POST("/webhook/whatsapp", func(c *gin.Context) {
		_ = c.Error(errMalformedPayload{})
		c.Status(http.StatusBadRequest)
	})

	// 200 → info, with the registered route as path.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/telegram", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("telegram: %d", w.Code)
	}

	// Unroutable path → 404 warn, raw URL as fallback path label.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/signal", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown platform: %d", w.Code)
	}

	// Handler recorded a gin error → error level regardless of status.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("whatsapp: %d", w.Code)
	}

	logs := buf.String()
	if !strings.Contains(logs, `"level":"info"`) || !strings.Contains(logs, `"path":"/webhook/telegram"`) {
		t.Fatalf("expected info log with route path, got:\n%s", logs)
	}
	if !strings.Contains(logs, `"level":"warn"`) || !strings.Contains(logs, `"path":"/webhook/signal"`) {
		t.Fatalf("expected warn log with raw path fallback, got:\n%s", logs)
	}
	if !strings.Contains(logs, `"level":"error"`) {
		t.Fatalf("expected error log, got:\n%s", logs)
	}
}

type errMalformedPayload struct{}

func (errMalformedPayload) Error() string { return "malformed update payload" }

func TestRecovery_PanicsToJSON500AndLogs(t *testing.T) {
	buf := captureLogger(t)
	r := webhookStack(Logger(), Recovery())

	r.POST("/webhook/telegram", func(c *gin.Context) {
		panic("adapter blew up")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/telegram", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["code"] != "internal_error" || body["message"] != "internal server error" {
		t.Fatalf("unexpected body: %v", body)
	}
	if out := buf.String(); !strings.Contains(out, "panic recovered") && !strings.Contains(out, `"panic"`) {
		t.Fatalf("expected panic log, got:\n%s", out)
	}
}

func TestRecovery_PanicAfterWrite_NoJSONBody(t *testing.T) {
	buf := captureLogger(t)
	r := webhookStack(Logger(), Recovery())

	// The handler already answered the platform before panicking; Recovery
	// must not append a second (JSON) body to the flushed response.
	r.POST("/webhook/telegram", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("late failure")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/telegram", nil))

	if strings.Contains(w.Body.String(), "internal error") ||
		strings.Contains(strings.ToLower(w.Header().Get("Content-Type")), "application/json") {
		t.Fatalf("error body written after flush: CT=%q body=%q",
			w.Header().Get("Content-Type"), w.Body.String())
	}
	if out := buf.String(); !strings.Contains(out, "panic recovered") && !strings.Contains(out, `"panic"`) {
		t.Fatalf("expected panic log, got:\n%s", out)
	}
}

func TestLoggerFrom_FallbackAndRequestScoped(t *testing.T) {
	// Without Logger() installed, LoggerFrom falls back to the global
	// logger and carries no request fields.
	buf1 := captureLogger(t)
	r1 := webhookStack()
	r1.POST("/webhook/whatsapp", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("delivery received")
		c.Status(http.StatusOK)
	})
	w := httptest.NewRecorder()
	r1.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", nil))
	if !strings.Contains(buf1.String(), `"message":"delivery received"`) {
		t.Fatal("expected fallback logger output")
	}
	if strings.Contains(buf1.String(), `"request_id"`) {
		t.Fatal("fallback logger unexpectedly carried request_id")
	}

	// With Logger() installed, the request-scoped logger carries the id.
	buf2 := captureLogger(t)
	r2 := webhookStack(Logger())
	r2.POST("/webhook/whatsapp", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("delivery received")
		c.Status(http.StatusOK)
	})
	w = httptest.NewRecorder()
	r2.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", nil))
	out := buf2.String()
	if !strings.Contains(out, `"message":"delivery received"`) || !strings.Contains(out, `"request_id"`) {
		t.Fatalf("expected request-scoped log with request_id, got:\n%s", out)
	}
}

func TestHelpers_asString_and_truncate(t *testing.T) {
	if asString("x") != "x" || asString(123) != "" {
		t.Fatal("asString failed")
	}
	if truncate("telegram", 20) != "telegram" {
		t.Fatal("truncate must not touch short values")
	}
	if got := truncate("abcdefgh", 5); got != "abcde…" {
		t.Fatalf("truncate = %q; want %q", got, "abcde…")
	}
	if truncate("abc", 0) != "abc" {
		t.Fatal("max <= 0 must disable truncation")
	}
}
