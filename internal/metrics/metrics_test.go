package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectorsWithoutDuplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { New(reg) })
}

func TestJobsTotalIncrementsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobsTotal.WithLabelValues("completed").Inc()
	m.JobsTotal.WithLabelValues("completed").Inc()
	m.JobsTotal.WithLabelValues("failed").Inc()

	var metric dto.Metric
	require.NoError(t, m.JobsTotal.WithLabelValues("completed").Write(&metric))
	require.Equal(t, float64(2), metric.GetCounter().GetValue())
}
