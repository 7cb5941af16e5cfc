package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/plotledger/internal/jobs"
	"github.com/odyssey-erp/plotledger/internal/plots"
)

type fakeSweeper struct {
	result plots.SweepResult
	err    error
	calls  int
}

func (f *fakeSweeper) Sweep(ctx context.Context) (plots.SweepResult, error) {
	f.calls++
	return f.result, f.err
}

func TestTokenExpiryJobRecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	sweeper := &fakeSweeper{result: plots.SweepResult{RunID: uuid.New(), Candidates: 6, Converted: 2, Expired: 3, Reverted: 1, Skipped: 1}}
	job := NewTokenExpiryJob(sweeper, nil, jobmetrics.NewMetrics(reg))

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, 1, sweeper.calls)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, 2.0, counterValue(t, families, "odyssey_plot_sweep_receipts_total", map[string]string{"outcome": "converted"}))
	require.Equal(t, 3.0, counterValue(t, families, "odyssey_plot_sweep_receipts_total", map[string]string{"outcome": "expired"}))
	require.Equal(t, 1.0, counterValue(t, families, "odyssey_jobs_total", map[string]string{"job": TaskTokenExpirySweep, "status": "success"}))
}

func TestTokenExpiryJobReportsFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	boom := errors.New("persist sweep: serialization failure")
	job := NewTokenExpiryJob(&fakeSweeper{err: boom}, nil, jobmetrics.NewMetrics(reg))

	require.ErrorIs(t, job.Run(context.Background()), boom)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, 1.0, counterValue(t, families, "odyssey_jobs_failures_total", map[string]string{"job": TaskTokenExpirySweep}))
}

func TestTokenExpiryJobHandleRunsSweep(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := NewTokenExpiryJob(sweeper, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewTokenExpirySweepTask("manual")
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, sweeper.calls)
}

func TestTokenExpiryJobRequiresSweeper(t *testing.T) {
	require.Error(t, (&TokenExpiryJob{}).Run(context.Background()))
}

func counterValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchesLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func matchesLabels(metric *dto.Metric, labels map[string]string) bool {
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
