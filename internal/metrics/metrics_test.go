package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthzReportsReadiness(t *testing.T) {
	ready := false
	s := NewServer("127.0.0.1:0", func() bool { return ready })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while not ready, got %d", rec.Code)
	}

	ready = true
	rec2 := httptest.NewRecorder()
	s.echo.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", rec2.Code)
	}
}

func TestMetricsEndpointServesPrometheusExposition(t *testing.T) {
	s := NewServer("127.0.0.1:0", func() bool { return true })

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected non-empty prometheus exposition body")
	}
}
