package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveBeforeInitIsNoop(t *testing.T) {
	if weekAggregateTotal != nil {
		t.Skip("metrics already registered")
	}
	assert.NotPanics(t, func() {
		ObserveWeekAggregate(ResultSuccess, time.Second, 1, 0, 0)
		ObservePayoutInitiate("succeeded", time.Second)
		IncTransition("processing")
		ObserveGatewayRequest("create_payout", ResultSuccess, time.Second)
		IncWebhookEvent("payout.processed", ResultSuccess)
		IncReconcile("expired")
		ObserveExport("xlsx", ResultSuccess, time.Second)
	})
}

func TestCountersAfterInit(t *testing.T) {
	Init(nil, nil)

	before := testutil.ToFloat64(weekRowsTotal.WithLabelValues("created"))
	ObserveWeekAggregate(ResultSuccess, 10*time.Millisecond, 2, 1, 1)
	assert.Equal(t, before+2, testutil.ToFloat64(weekRowsTotal.WithLabelValues("created")))

	ObservePayoutInitiate("", time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(payoutInitiateTotal.WithLabelValues("unknown")))

	IncTransition("completed")
	IncTransition("completed")
	assert.Equal(t, float64(2), testutil.ToFloat64(transitionsTotal.WithLabelValues("completed")))

	ObserveGatewayRequest("create_payout", "ambiguous", time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(gatewayRequestsTotal.WithLabelValues("create_payout", "ambiguous")))

	IncWebhookEvent("", "")
	assert.Equal(t, float64(1), testutil.ToFloat64(webhookEventsTotal.WithLabelValues("unknown", ResultSuccess)))

	IncReconcile("cleared")
	assert.Equal(t, float64(1), testutil.ToFloat64(reconcileTotal.WithLabelValues("cleared")))

	ObserveExport("pdf", ResultError, time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(exportTotal.WithLabelValues("pdf", ResultError)))
}

func TestQueryCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	logger, hook := test.NewNullLogger()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM settlements").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	assert.Equal(t, float64(7), queryCount(db, logger, "SELECT COUNT(*) FROM settlements"))

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM payout_attempts").
		WillReturnError(errors.New("no such table"))
	assert.Equal(t, float64(0), queryCount(db, logger, "SELECT COUNT(*) FROM payout_attempts"))
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "metrics query failed", hook.LastEntry().Message)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, float64(0), queryCount(nil, logger, "SELECT 1"))
}
