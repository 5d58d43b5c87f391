package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesControlPlaneMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.GateDecision("/users/{userID}/lock", "DENIED")
	metrics.AuditDropped("buffer_full", 2)
	metrics.RealtimeConnections(3)

	body := scrape(t, metrics)
	for _, want := range []string{
		`fnbcost_gate_decisions_total{outcome="DENIED",route="/users/{userID}/lock"} 1`,
		`fnbcost_audit_entries_dropped_total{reason="buffer_full"} 2`,
		`fnbcost_realtime_connections 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics body, got: %s", want, body)
		}
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, "fnbcost_http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, "fnbcost_http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.GateDecision("/x", "ALLOWED")
	metrics.RateLimited("/x")
	metrics.LoginAttempt("invalid")
	metrics.AuditWritten(1)
	metrics.AuditDropped("closed", 1)
	metrics.RealtimeConnections(1)
	metrics.RealtimeFrame("heartbeat", false)
	metrics.JobRun("accounts:unlock_expired", "ok")

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics, got %d", rr.Code)
	}
}
