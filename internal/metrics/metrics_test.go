package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{302, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestSetActiveModelKeepsOneSeries(t *testing.T) {
	SetActiveModel("v1", "isolation_forest", 0.6)
	SetActiveModel("v2", "onnx", 0.7)

	if n := testutil.CollectAndCount(ModelInfo); n != 1 {
		t.Fatalf("expected one model_info series, got %d", n)
	}
	if got := testutil.ToFloat64(ModelInfo.WithLabelValues("v2", "onnx")); got != 1 {
		t.Fatalf("expected active version gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(ModelThreshold); got != 0.7 {
		t.Fatalf("threshold gauge = %v", got)
	}
}

func TestMiddlewareAndEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", Handler())

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx"))
	if after != before+1 {
		t.Fatalf("request counter %v -> %v", before, after)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "fraudwatcher_model_threshold") {
		t.Fatalf("metrics output missing fraudwatcher_model_threshold")
	}
}
