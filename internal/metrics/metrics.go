package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger operation metrics
	LedgerOperationTotal    *prometheus.CounterVec
	LedgerOperationDuration *prometheus.HistogramVec

	// Grant lifecycle metrics
	GrantIssuedTotal *prometheus.CounterVec
	RedemptionTotal  *prometheus.CounterVec
	ActivationTotal  *prometheus.CounterVec
	SweepDeletedTotal prometheus.Counter

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		// HTTP request metrics
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		// Ledger operation metrics
		LedgerOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Total number of grant ledger operations",
		}, []string{"operation", "status"}),

		LedgerOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Grant ledger operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		// Grant lifecycle metrics
		GrantIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grant_issued_total",
			Help: "Total number of grants issued",
		}, []string{"kind"}),

		RedemptionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grant_redemption_total",
			Help: "Total number of redemption attempts",
		}, []string{"result"}),

		ActivationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "license_activation_total",
			Help: "Total number of device activation attempts",
		}, []string{"result"}),

		SweepDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grant_sweep_deleted_total",
			Help: "Total number of grants deleted by the expiry sweeper",
		}),

		// Event publishing metrics
		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.LedgerOperationTotal)
	registerOrGet(m.LedgerOperationDuration)
	registerOrGet(m.GrantIssuedTotal)
	registerOrGet(m.RedemptionTotal)
	registerOrGet(m.ActivationTotal)
	registerOrGet(m.SweepDeletedTotal)
	registerOrGet(m.EventPublishTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
