package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestMetrics_Inc(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Inc("billing_submissions_total", "result", "success")
		}()
	}
	wg.Wait()
	m.Inc("billing_submissions_total", "result", "failure")

	if got := m.Counter("billing_submissions_total", "result", "success"); got != 20 {
		t.Errorf("expected 20, got %d", got)
	}
	if got := m.Counter("billing_submissions_total", "result", "missing"); got != 0 {
		t.Errorf("expected 0 for unknown series, got %d", got)
	}
}

func TestHistogram_Buckets(t *testing.T) {
	h := newHistogram([]float64{1, 5})
	h.observe(0.5)
	h.observe(3)
	h.observe(10)

	cum := h.cumulative()
	if cum[0] != 1 || cum[1] != 2 {
		t.Errorf("unexpected cumulative buckets %v", cum)
	}
	if h.count != 3 {
		t.Errorf("expected count 3, got %d", h.count)
	}
}

func TestMiddleware_RecordsRoute(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/billing/sessions/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	})
	e.GET("/metrics", m.Handler())

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/billing/sessions/abc", nil))
	m.Inc("billing_searches_total", "outcome", "empty")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`route="/api/v1/billing/sessions/:id",status_code="404"`,
		`http_server_request_duration_seconds_count{method="GET",route="/api/v1/billing/sessions/:id",status_code="404"} 1`,
		`billing_searches_total{outcome="empty"} 1`,
		"# TYPE http_server_active_requests gauge",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q:\n%s", want, body)
		}
	}
}
