package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_WebhookAndAdminTraffic(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())

	// Webhook reply with a JSON body: size >= 0, observed.
	r.POST("/webhook/telegram", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"kind": "account_created"})
	})
	// Status-only reply (ignored platform delivery): size stays -1, skipped
	// by the size histogram.
	r.POST("/webhook/whatsapp", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	baseHook := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/webhook/telegram", "200"))
	base404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/api/v9/nope", "404"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/telegram", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("telegram webhook -> %d", w.Code)
	}

	// Unmatched route: the path label must fall back to the raw URL.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v9/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown route -> %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("whatsapp webhook -> %d", w.Code)
	}

	got := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/webhook/telegram", "200"))
	if got != baseHook+1 {
		t.Fatalf("webhook counter = %v; want %v", got, baseHook+1)
	}
	got404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/api/v9/nope", "404"))
	if got404 != base404+1 {
		t.Fatalf("404 fallback counter = %v; want %v", got404, base404+1)
	}
	if inFlight := testutil.ToFloat64(httpInflight); inFlight != 0 {
		t.Fatalf("httpInflight = %v after completion; want 0", inFlight)
	}
	// Bucket counts are timing-dependent; the three requests above already
	// exercised the latency histogram and both size branches.
}
