package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMetricsIsSingleton(t *testing.T) {
	assert.Same(t, GetMetrics(), GetMetrics())
}

func TestCountersAccumulate(t *testing.T) {
	m := GetMetrics()

	before := m.ToJSON()
	jobsBefore := before["jobs"].(map[string]interface{})["submitted"].(int64)

	m.RecordJobSubmitted()
	m.RecordJobSubmitted()
	m.RecordJobDispatched()
	m.RecordJobFinished(true)
	m.RecordJobFinished(false)
	m.RecordJobRetried()
	m.SetQueueDepth(7)

	after := m.ToJSON()
	jobs := after["jobs"].(map[string]interface{})
	assert.Equal(t, jobsBefore+2, jobs["submitted"].(int64))
	assert.Equal(t, int64(7), jobs["queue_depth"].(int64))
}

func TestToPrometheusExposesOrchestratorSeries(t *testing.T) {
	m := GetMetrics()
	m.RecordRequest(12*time.Millisecond, true)
	m.RecordProviderCall(true)
	m.RecordProviderCall(false)
	m.RecordInstanceProvisioned()
	m.RecordInstanceCost(1.25)
	m.RecordDBQuery(3 * time.Millisecond)
	m.RecordRateLimitBlock()

	out := m.ToPrometheus()
	for _, series := range []string{
		"gpuorchestrator_requests_total",
		"gpuorchestrator_jobs_submitted_total",
		"gpuorchestrator_queue_depth",
		"gpuorchestrator_instances_provisioned_total",
		"gpuorchestrator_instance_cost_total",
		"gpuorchestrator_provider_calls_total",
		"gpuorchestrator_provider_calls_failed",
		"gpuorchestrator_db_queries_total",
		"gpuorchestrator_rate_limit_blocks",
	} {
		assert.True(t, strings.Contains(out, series), "missing series %s", series)
	}
	assert.True(t, strings.Contains(out, "# TYPE"))
}

func TestHistogramObserve(t *testing.T) {
	h := NewHistogram()
	p50, p95, p99, avg := h.GetStats()
	assert.Zero(t, p50)
	assert.Zero(t, p95)
	assert.Zero(t, p99)
	assert.Zero(t, avg)

	h.Observe(10 * time.Millisecond)
	h.Observe(30 * time.Millisecond)

	_, _, _, avg = h.GetStats()
	require.InDelta(t, 20.0, avg, 0.01)
}

func TestRequestsInFlightGauge(t *testing.T) {
	m := GetMetrics()
	base := m.ToJSON()["requests"].(map[string]interface{})["in_flight"].(int64)

	m.IncrementRequestsInFlight()
	m.IncrementRequestsInFlight()
	m.DecrementRequestsInFlight()

	now := m.ToJSON()["requests"].(map[string]interface{})["in_flight"].(int64)
	assert.Equal(t, base+1, now)
}
