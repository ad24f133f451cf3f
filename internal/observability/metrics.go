package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cards",
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Lifecycle operations by outcome code.",
		},
		[]string{"operation", "code"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cards",
			Subsystem: "lifecycle",
			Name:      "operation_duration_seconds",
			Help:      "Lifecycle operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cards",
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Owner notifications by kind and delivery result.",
		},
		[]string{"kind", "success"},
	)
	expiryTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cards",
			Subsystem: "expiry",
			Name:      "instances_total",
			Help:      "Instances handled by the expiry scheduler by result.",
		},
		[]string{"result"},
	)
	expiryTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cards",
			Subsystem: "expiry",
			Name:      "tick_duration_seconds",
			Help:      "Expiry tick duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cards",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cards",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(operations, operationDuration, notifications,
			expiryTicks, expiryTickDuration, httpRequests, httpDuration)
	})
}

// RecordOperation counts one lifecycle call. code is empty on success.
func RecordOperation(operation, code string, duration time.Duration) {
	RegisterMetrics()
	if code == "" {
		code = "ok"
	}
	operations.WithLabelValues(operation, code).Inc()
	operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordNotification(kind string, success bool) {
	RegisterMetrics()
	notifications.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
}

func RecordExpiryTick(expired, skipped, failed, deferred, warned int, duration time.Duration) {
	RegisterMetrics()
	expiryTicks.WithLabelValues("expired").Add(float64(expired))
	expiryTicks.WithLabelValues("skipped").Add(float64(skipped))
	expiryTicks.WithLabelValues("failed").Add(float64(failed))
	expiryTicks.WithLabelValues("deferred").Add(float64(deferred))
	expiryTicks.WithLabelValues("warned").Add(float64(warned))
	expiryTickDuration.Observe(duration.Seconds())
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
