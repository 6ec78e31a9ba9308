package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{202, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	if len(body) == 0 {
		t.Fatal("expected non-empty metrics response")
	}

	// Gauges are exported from the start; counters and histograms only
	// appear after their first observation.
	for _, name := range []string{
		"proctor_active_sessions",
		"proctor_active_websocket_clients",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected metrics output to contain %s", name)
		}
	}

	ViolationsTotal.WithLabelValues("rapid-paste").Inc()

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)
	body = w.Body.String()

	if !strings.Contains(body, "proctor_violations_total") {
		t.Error("expected proctor_violations_total after incrementing")
	}
}

func TestEventsIngestedCounterValue(t *testing.T) {
	EventsIngestedTotal.Reset()

	EventsIngestedTotal.WithLabelValues("file_edit").Inc()
	EventsIngestedTotal.WithLabelValues("file_edit").Inc()
	EventsIngestedTotal.WithLabelValues("terminal_command").Inc()

	m := &dto.Metric{}
	counter, err := EventsIngestedTotal.GetMetricWithLabelValues("file_edit")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.Counter.GetValue(); got != 2.0 {
		t.Errorf("file_edit counter = %f, want 2", got)
	}
}

func TestMiddlewareRecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/sessions/:id", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/sessions/sess-42", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	// The middleware labels by route pattern, so session IDs never
	// explode the cardinality of the counter.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	r.GET("/metrics", Handler())
	r.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), `path="/v1/sessions/:id"`) {
		t.Error("expected requests labeled with the route pattern")
	}
}
