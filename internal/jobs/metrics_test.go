package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsRunsAndFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	require.NoError(t, metrics.Track("plots:token_expiry_sweep").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, metrics.Track("plots:token_expiry_sweep").End(boom), boom)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, 1.0, counterValue(t, families, "odyssey_jobs_total", map[string]string{"job": "plots:token_expiry_sweep", "status": "success"}))
	require.Equal(t, 1.0, counterValue(t, families, "odyssey_jobs_total", map[string]string{"job": "plots:token_expiry_sweep", "status": "failure"}))
	require.Equal(t, 1.0, counterValue(t, families, "odyssey_jobs_failures_total", map[string]string{"job": "plots:token_expiry_sweep"}))
}

func TestSweepAndApprovalCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.AddSweepOutcome("expired", 3)
	metrics.AddSweepOutcome("expired", 0)
	metrics.AddSweepOutcome("converted", 1)
	metrics.IncApproval("booking")
	metrics.IncApproval("booking")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, 3.0, counterValue(t, families, "odyssey_plot_sweep_receipts_total", map[string]string{"outcome": "expired"}))
	require.Equal(t, 1.0, counterValue(t, families, "odyssey_plot_sweep_receipts_total", map[string]string{"outcome": "converted"}))
	require.Equal(t, 2.0, counterValue(t, families, "odyssey_plot_approvals_total", map[string]string{"receipt_type": "booking"}))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.AddSweepOutcome("expired", 1)
	metrics.IncApproval("token")
	require.NoError(t, metrics.Track("noop").End(nil))
}

func counterValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, pair := range metric.GetLabel() {
		if want, ok := labels[pair.GetName()]; ok {
			if pair.GetValue() != want {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}
