package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"pricewatch/metrics"
)

func TestMetrics_Recorders(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.JobStarted()
	m.JobFinished("COMPLETED", 3*time.Second, true)
	m.JobFinished("FAILED", 0, false)
	m.AdapterFailure("shop", "no_match")
	m.AdapterFailure("shop", "no_match")
	m.ResultSaved(4)
	m.OutlierDropped(1)
	m.AlertCreated(false)
	m.AlertCreated(true)

	assert.InDelta(t, 1, testutil.ToFloat64(m.JobsStarted), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.JobsRunning), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.JobsFinished.WithLabelValues("FAILED")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.AdapterFailures.WithLabelValues("shop", "no_match")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.ResultsSaved), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OutliersDropped), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AlertsCreated), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AlertsFailed), 0)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.JobStarted()
		m.JobFinished("STOPPED", time.Second, true)
		m.AdapterCall("shop", "ok", time.Second)
		m.AdapterFailure("shop", "network")
		m.ResultSaved(1)
		m.OutlierDropped(1)
		m.AlertCreated(false)
		m.RowImported("valid", 1)
		m.FXLookup("cache")
	})
}
