// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// TasksSubmittedTotal counts tasks submitted, by research depth.
	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"research_depth"},
	)
	// TasksCompletedTotal counts tasks reaching a terminal status, by outcome.
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"}, // completed, failed, cancelled
	)
	// TasksProcessing is a gauge of tasks currently held by a worker.
	TasksProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of tasks currently being processed by a worker",
		},
	)
	// TaskDuration records wall-clock task duration by terminal outcome.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Task duration from start to terminal status, in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"status"},
	)

	// QueueDepth is a gauge of ready-to-reserve queue entries, by user.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of tasks waiting to be reserved",
		},
		[]string{"user_id"},
	)
	// QueueReservationsTotal counts successful Reserve outcomes.
	QueueReservationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_reservations_total",
			Help: "Total number of task reservations handed to workers",
		},
	)
	// QueueReclaimsTotal counts expired-reservation reclaims, by whether the
	// reclaimed task was requeued or exhausted its retry budget.
	QueueReclaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_reclaims_total",
			Help: "Total number of expired reservations reclaimed",
		},
		[]string{"requeued"},
	)

	// BatchTasksGauge tracks per-status task counts for in-flight batches.
	BatchTasksGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batch_tasks",
			Help: "Per-status task counts for the most recently observed batches",
		},
		[]string{"batch_id", "status"},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueReservationsTotal)
	prometheus.MustRegister(QueueReclaimsTotal)
	prometheus.MustRegister(BatchTasksGauge)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordTaskSubmitted increments the submission counter for a research depth.
func RecordTaskSubmitted(depth string) {
	TasksSubmittedTotal.WithLabelValues(depth).Inc()
}

// StartProcessingTask increments the in-flight task gauge.
func StartProcessingTask() {
	TasksProcessing.Inc()
}

// FinishProcessingTask decrements the in-flight gauge and records the
// terminal outcome and duration.
func FinishProcessingTask(status string, duration time.Duration) {
	TasksProcessing.Dec()
	TasksCompletedTotal.WithLabelValues(status).Inc()
	TaskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordQueueDepth sets the ready-queue depth gauge for a user.
func RecordQueueDepth(userID string, depth int) {
	QueueDepth.WithLabelValues(userID).Set(float64(depth))
}

// RecordReservation increments the reservations counter.
func RecordReservation() {
	QueueReservationsTotal.Inc()
}

// RecordReclaim increments the reclaim counter, split by whether the task was requeued.
func RecordReclaim(requeued bool) {
	label := "false"
	if requeued {
		label = "true"
	}
	QueueReclaimsTotal.WithLabelValues(label).Inc()
}

// RecordBatchStatusCount sets the per-status task gauge for a batch.
func RecordBatchStatusCount(batchID, status string, count int) {
	BatchTasksGauge.WithLabelValues(batchID, status).Set(float64(count))
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
