package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"/":                               "/",
		"/health":                         "/health",
		"/v1/stats":                       "/v1/stats",
		"/v1/requests":                    "/v1/requests",
		"/v1/requests/req_abc":            "/v1/requests/:id",
		"/v1/requests/req_abc/cancel":     "/v1/requests/:id/cancel",
		"/v1/requests/external/order-123": "/v1/requests/external/:external_id",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Errorf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandlerExposesRouterMetrics(t *testing.T) {
	SetQueueDepth(3)
	RecordTransition("mixing", "running")
	RecordHandler("mixing", 5*time.Millisecond, nil)
	RecordCapacityRejection()
	RecordSettlement("ledger", true)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	InstrumentHandler(inner).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/requests/req_1", nil))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"request_router_router_queue_depth 3",
		`request_router_router_transitions_total{service_type="mixing",status="running"}`,
		`request_router_http_requests_total{method="GET",path="/v1/requests/:id",status="418"}`,
		"request_router_router_capacity_rejections_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
