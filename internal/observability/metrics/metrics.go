package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	metricPrefix = "settlement_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	weekAggregateTotal   *prometheus.CounterVec
	weekAggregateLatency *prometheus.HistogramVec
	weekRowsTotal        *prometheus.CounterVec

	payoutInitiateTotal   *prometheus.CounterVec
	payoutInitiateLatency *prometheus.HistogramVec
	transitionsTotal      *prometheus.CounterVec

	gatewayRequestsTotal  *prometheus.CounterVec
	gatewayRequestLatency *prometheus.HistogramVec

	webhookEventsTotal *prometheus.CounterVec
	reconcileTotal     *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers settlement metrics and, when db is non-nil, DB-backed gauges.
func Init(db *sql.DB, logger logrus.FieldLogger) {
	registerOnce.Do(func() {
		weekAggregateTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "week_aggregate_total",
				Help: "Total weekly aggregation runs by result",
			},
			[]string{"result"},
		)
		weekAggregateLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "week_aggregate_latency_seconds",
				Help:    "Weekly aggregation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		weekRowsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "week_rows_total",
				Help: "Settlement rows touched by weekly aggregation by outcome",
			},
			[]string{"outcome"},
		)

		payoutInitiateTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "payout_initiate_total",
				Help: "Total payout initiations by outcome",
			},
			[]string{"outcome"},
		)
		payoutInitiateLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "payout_initiate_latency_seconds",
				Help:    "Payout initiation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		)
		transitionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "transitions_total",
				Help: "Settlement status transitions by target status",
			},
			[]string{"status"},
		)

		gatewayRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "gateway_requests_total",
				Help: "Payout gateway requests by operation and result",
			},
			[]string{"operation", "result"},
		)
		gatewayRequestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "gateway_request_latency_seconds",
				Help:    "Payout gateway request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		)

		webhookEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "webhook_events_total",
				Help: "Gateway webhook events by type and result",
			},
			[]string{"event", "result"},
		)
		reconcileTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_total",
				Help: "Reconciliation actions by action",
			},
			[]string{"action"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "export_latency_seconds",
				Help:    "Export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			weekAggregateTotal,
			weekAggregateLatency,
			weekRowsTotal,
			payoutInitiateTotal,
			payoutInitiateLatency,
			transitionsTotal,
			gatewayRequestsTotal,
			gatewayRequestLatency,
			webhookEventsTotal,
			reconcileTotal,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveWeekAggregate records one UpsertWeek run and its row outcomes.
func ObserveWeekAggregate(result string, duration time.Duration, created, updated, frozen int) {
	if result == "" {
		result = resultSuccess
	}
	if weekAggregateTotal != nil {
		weekAggregateTotal.WithLabelValues(result).Inc()
	}
	if weekAggregateLatency != nil {
		weekAggregateLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if weekRowsTotal != nil {
		weekRowsTotal.WithLabelValues("created").Add(float64(created))
		weekRowsTotal.WithLabelValues("updated").Add(float64(updated))
		weekRowsTotal.WithLabelValues("frozen").Add(float64(frozen))
	}
}

// ObservePayoutInitiate records an initiate call by outcome.
func ObservePayoutInitiate(outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	if payoutInitiateTotal != nil {
		payoutInitiateTotal.WithLabelValues(outcome).Inc()
	}
	if payoutInitiateLatency != nil {
		payoutInitiateLatency.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// IncTransition counts a committed status transition.
func IncTransition(status string) {
	if status == "" {
		status = "unknown"
	}
	if transitionsTotal != nil {
		transitionsTotal.WithLabelValues(status).Inc()
	}
}

// ObserveGatewayRequest records one gateway call.
func ObserveGatewayRequest(operation, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if gatewayRequestsTotal != nil {
		gatewayRequestsTotal.WithLabelValues(operation, result).Inc()
	}
	if gatewayRequestLatency != nil {
		gatewayRequestLatency.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// IncWebhookEvent counts a processed webhook delivery.
func IncWebhookEvent(event, result string) {
	if event == "" {
		event = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if webhookEventsTotal != nil {
		webhookEventsTotal.WithLabelValues(event, result).Inc()
	}
}

// IncReconcile counts a reconciliation action.
func IncReconcile(action string) {
	if action == "" {
		action = "unknown"
	}
	if reconcileTotal != nil {
		reconcileTotal.WithLabelValues(action).Inc()
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
