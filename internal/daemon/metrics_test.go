package daemon

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.filesDiscovered.Inc()
	metrics.linesRead.Add(3)
	metrics.workersBusy.Inc()
	metrics.workersBusy.Dec()

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 6, count)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.filesDiscovered))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.linesRead))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.workersBusy))
}

func TestMetrics_Unregistered(t *testing.T) {
	metrics := NewMetrics(nil)
	metrics.filesFailed.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.filesFailed))
}
