package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var trackedStatuses = []string{"pending", "processing", "completed", "failed"}

func registerDBMetrics(db *sql.DB, logger logrus.FieldLogger) {
	for _, status := range trackedStatuses {
		status := status
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        metricPrefix + "rows",
				Help:        "Settlement rows by status",
				ConstLabels: prometheus.Labels{"status": status},
			},
			func() float64 {
				return queryCount(db, logger, "SELECT COUNT(*) FROM settlements WHERE status = '"+status+"'")
			},
		))
	}

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "needs_reconciliation",
			Help: "Pending settlements blocked on an ambiguous gateway outcome",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM settlements WHERE needs_reconciliation AND status = 'pending'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "payout_attempts_in_flight",
			Help: "Payout attempts awaiting a gateway answer",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM payout_attempts WHERE outcome = 'requested'")
		},
	))
}

func queryCount(db *sql.DB, logger logrus.FieldLogger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.WithError(err).Warn("metrics query failed")
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
