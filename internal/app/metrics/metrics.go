package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "request_router"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	requestsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "requests_created_total",
			Help:      "Requests accepted by service type.",
		},
		[]string{"service_type"},
	)

	fulfillmentAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "fulfillment_attempts_total",
			Help:      "Fulfillment attempts by outcome.",
		},
		[]string{"service_type", "outcome"},
	)

	mixPayouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mixer",
			Name:      "payouts_total",
			Help:      "Mix payouts reaching a status.",
		},
		[]string{"status"},
	)

	pollerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "ticks_total",
			Help:      "Poller ticks by whether the lease was held.",
		},
		[]string{"poller", "leader"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "queue_depth",
			Help:      "Request ids waiting for a worker.",
		},
	)

	requestTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "transitions_total",
			Help:      "Request status transitions by service type.",
		},
		[]string{"service_type", "status"},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "handler_duration_seconds",
			Help:      "Duration of handler attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"service_type", "outcome"},
	)

	capacityRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "capacity_rejections_total",
			Help:      "Submissions rejected because the queue was full.",
		},
	)

	pollerSettlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "settlements_total",
			Help:      "Items settled by pollers.",
		},
		[]string{"poller", "success"},
	)

	automationExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "triggers_total",
			Help:      "Automation triggers that created a request.",
		},
		[]string{"trigger"},
	)

	feedRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "datafeed",
			Name:      "refreshes_total",
			Help:      "Data feed fetches by outcome.",
		},
		[]string{"feed", "success"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		requestsCreated,
		fulfillmentAttempts,
		mixPayouts,
		pollerTicks,
		queueDepth,
		requestTransitions,
		handlerDuration,
		capacityRejections,
		pollerSettlements,
		automationExecutions,
		feedRefreshes,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// SetQueueDepth reports the router backlog.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// RecordTransition counts a persisted request status change.
func RecordTransition(serviceType, status string) {
	requestTransitions.WithLabelValues(serviceType, status).Inc()
}

// RecordHandler observes one handler attempt.
func RecordHandler(serviceType string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	handlerDuration.WithLabelValues(serviceType, outcome).Observe(duration.Seconds())
}

// RecordRequestCreated counts an accepted request.
func RecordRequestCreated(serviceType string) {
	requestsCreated.WithLabelValues(serviceType).Inc()
}

// RecordFulfillment counts one delivery attempt.
func RecordFulfillment(serviceType string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	fulfillmentAttempts.WithLabelValues(serviceType, outcome).Inc()
}

// RecordPayout counts a payout status change.
func RecordPayout(status string) { mixPayouts.WithLabelValues(status).Inc() }

// RecordPollerTick counts a poller tick.
func RecordPollerTick(poller string, leader bool) {
	pollerTicks.WithLabelValues(poller, strconv.FormatBool(leader)).Inc()
}

// RecordCapacityRejection counts a full-queue submission.
func RecordCapacityRejection() { capacityRejections.Inc() }

// RecordSettlement counts a poller settlement.
func RecordSettlement(poller string, success bool) {
	pollerSettlements.WithLabelValues(poller, strconv.FormatBool(success)).Inc()
}

// RecordAutomationTrigger counts a fired automation trigger.
func RecordAutomationTrigger(trigger string) {
	if trigger == "" {
		trigger = "unknown"
	}
	automationExecutions.WithLabelValues(trigger).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 || parts[0] != "v1" {
		return "/" + parts[0]
	}
	if parts[1] != "requests" || len(parts) == 2 {
		return "/v1/" + parts[1]
	}
	switch {
	case parts[2] == "external":
		return "/v1/requests/external/:external_id"
	case len(parts) == 3:
		return "/v1/requests/:id"
	default:
		return "/v1/requests/:id/" + parts[3]
	}
}

// RecordFeedRefresh counts a data feed fetch.
func RecordFeedRefresh(feed string, err error) {
	feedRefreshes.WithLabelValues(feed, strconv.FormatBool(err == nil)).Inc()
}
