package metrics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type Metrics struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests       int64
	failedRequests      int64
	requestsInFlight    int64
	requestDurationHist *Histogram

	// Job metrics
	jobsSubmitted  int64
	jobsDispatched int64
	jobsCompleted  int64
	jobsFailed     int64
	jobsRetried    int64
	queueDepth     int64

	// Instance metrics
	activeInstances     int64
	instancesProvisioned int64
	totalInstanceCost   float64

	// Provider metrics
	providerCallsTotal  int64
	providerCallsFailed int64

	// Database metrics
	dbQueryDuration     *Histogram
	dbErrors            int64
	dbQueriesTotal      int64

	// Rate limiting metrics
	rateLimitBlocks int64

	// System metrics
	goroutineCount int
	heapAllocMB    uint64
	numGC          uint32

	startTime time.Time
}

type Histogram struct {
	counts []int64
	sum    int64
	count  int64
}

var globalMetrics = &Metrics{
	requestDurationHist: NewHistogram(),
	dbQueryDuration:     NewHistogram(),
	startTime:           time.Now(),
}

func NewHistogram() *Histogram {
	return &Histogram{
		counts: make([]int64, 20), // logarithmic buckets
	}
}

func (h *Histogram) Observe(duration time.Duration) {
	ms := duration.Milliseconds()
	atomic.AddInt64(&h.count, 1)
	atomic.AddInt64(&h.sum, ms)

	bucket := 0
	for ms > 0 && bucket < 19 {
		ms /= 2
		bucket++
	}
	atomic.AddInt64(&h.counts[bucket], 1)
}

func (h *Histogram) GetStats() (p50, p95, p99, avg float64) {
	count := atomic.LoadInt64(&h.count)
	if count == 0 {
		return 0, 0, 0, 0
	}
	avg = float64(atomic.LoadInt64(&h.sum)) / float64(count)

	// Simplified percentile estimate
	p50 = avg * 0.8
	p95 = avg * 1.5
	p99 = avg * 2.0
	return
}

func GetMetrics() *Metrics {
	return globalMetrics
}

// Request metrics
func (m *Metrics) RecordRequest(duration time.Duration, success bool) {
	atomic.AddInt64(&m.totalRequests, 1)
	if !success {
		atomic.AddInt64(&m.failedRequests, 1)
	}
	m.requestDurationHist.Observe(duration)
}

func (m *Metrics) IncrementRequestsInFlight() {
	atomic.AddInt64(&m.requestsInFlight, 1)
}

func (m *Metrics) DecrementRequestsInFlight() {
	atomic.AddInt64(&m.requestsInFlight, -1)
}

// Job metrics
func (m *Metrics) RecordJobSubmitted()  { atomic.AddInt64(&m.jobsSubmitted, 1) }
func (m *Metrics) RecordJobDispatched() { atomic.AddInt64(&m.jobsDispatched, 1) }
func (m *Metrics) RecordJobRetried()    { atomic.AddInt64(&m.jobsRetried, 1) }

func (m *Metrics) RecordJobFinished(success bool) {
	if success {
		atomic.AddInt64(&m.jobsCompleted, 1)
	} else {
		atomic.AddInt64(&m.jobsFailed, 1)
	}
}

func (m *Metrics) SetQueueDepth(depth int64) {
	atomic.StoreInt64(&m.queueDepth, depth)
}

// Instance metrics
func (m *Metrics) RecordInstanceProvisioned() {
	atomic.AddInt64(&m.instancesProvisioned, 1)
}

func (m *Metrics) RecordInstanceCost(cost float64) {
	m.mu.Lock()
	m.totalInstanceCost += cost
	m.mu.Unlock()
}

func (m *Metrics) SetActiveInstances(count int64) {
	atomic.StoreInt64(&m.activeInstances, count)
}

// Provider metrics
func (m *Metrics) RecordProviderCall(success bool) {
	atomic.AddInt64(&m.providerCallsTotal, 1)
	if !success {
		atomic.AddInt64(&m.providerCallsFailed, 1)
	}
}

// Database metrics
func (m *Metrics) RecordDBQuery(duration time.Duration) {
	m.dbQueryDuration.Observe(duration)
	atomic.AddInt64(&m.dbQueriesTotal, 1)
}

func (m *Metrics) RecordDBError() {
	atomic.AddInt64(&m.dbErrors, 1)
}

// Rate limiting metrics
func (m *Metrics) RecordRateLimitBlock() {
	atomic.AddInt64(&m.rateLimitBlocks, 1)
}

// System metrics
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.goroutineCount = runtime.NumGoroutine()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.heapAllocMB = memStats.Alloc / 1024 / 1024
	m.numGC = memStats.NumGC
}

// Export for Prometheus format
func (m *Metrics) ToPrometheus() string {
	m.UpdateSystemMetrics()

	reqP50, reqP95, reqP99, _ := m.requestDurationHist.GetStats()
	dbP50, dbP95, dbP99, _ := m.dbQueryDuration.GetStats()

	uptime := time.Since(m.startTime).Seconds()
	totalReqs := atomic.LoadInt64(&m.totalRequests)
	failedReqs := atomic.LoadInt64(&m.failedRequests)

	m.mu.RLock()
	totalCost := m.totalInstanceCost
	goroutines := m.goroutineCount
	heapMB := m.heapAllocMB
	gcRuns := m.numGC
	m.mu.RUnlock()

	return fmt.Sprintf(`# HELP gpuorchestrator_uptime_seconds Time since server started
# TYPE gpuorchestrator_uptime_seconds gauge
gpuorchestrator_uptime_seconds %f

# HELP gpuorchestrator_requests_total Total number of HTTP requests
# TYPE gpuorchestrator_requests_total counter
gpuorchestrator_requests_total %d

# HELP gpuorchestrator_requests_failed Total number of failed requests
# TYPE gpuorchestrator_requests_failed counter
gpuorchestrator_requests_failed %d

# HELP gpuorchestrator_requests_in_flight Current number of requests being processed
# TYPE gpuorchestrator_requests_in_flight gauge
gpuorchestrator_requests_in_flight %d

# HELP gpuorchestrator_request_duration_milliseconds Request duration statistics
# TYPE gpuorchestrator_request_duration_milliseconds summary
gpuorchestrator_request_duration_milliseconds{quantile="0.5"} %f
gpuorchestrator_request_duration_milliseconds{quantile="0.95"} %f
gpuorchestrator_request_duration_milliseconds{quantile="0.99"} %f

# HELP gpuorchestrator_jobs_submitted_total Jobs accepted by admission
# TYPE gpuorchestrator_jobs_submitted_total counter
gpuorchestrator_jobs_submitted_total %d

# HELP gpuorchestrator_jobs_dispatched_total Jobs handed to the runner
# TYPE gpuorchestrator_jobs_dispatched_total counter
gpuorchestrator_jobs_dispatched_total %d

# HELP gpuorchestrator_jobs_completed_total Jobs finished successfully
# TYPE gpuorchestrator_jobs_completed_total counter
gpuorchestrator_jobs_completed_total %d

# HELP gpuorchestrator_jobs_failed_total Jobs terminally failed
# TYPE gpuorchestrator_jobs_failed_total counter
gpuorchestrator_jobs_failed_total %d

# HELP gpuorchestrator_jobs_retried_total Job retry requeues
# TYPE gpuorchestrator_jobs_retried_total counter
gpuorchestrator_jobs_retried_total %d

# HELP gpuorchestrator_queue_depth Queued jobs at last sample
# TYPE gpuorchestrator_queue_depth gauge
gpuorchestrator_queue_depth %d

# HELP gpuorchestrator_instances_active Number of active GPU instances
# TYPE gpuorchestrator_instances_active gauge
gpuorchestrator_instances_active %d

# HELP gpuorchestrator_instances_provisioned_total GPU instances created
# TYPE gpuorchestrator_instances_provisioned_total counter
gpuorchestrator_instances_provisioned_total %d

# HELP gpuorchestrator_instance_cost_total Accrued GPU cost in USD
# TYPE gpuorchestrator_instance_cost_total counter
gpuorchestrator_instance_cost_total %f

# HELP gpuorchestrator_provider_calls_total Provider API calls
# TYPE gpuorchestrator_provider_calls_total counter
gpuorchestrator_provider_calls_total %d

# HELP gpuorchestrator_provider_calls_failed Provider API failures
# TYPE gpuorchestrator_provider_calls_failed counter
gpuorchestrator_provider_calls_failed %d

# HELP gpuorchestrator_db_queries_total Total database queries
# TYPE gpuorchestrator_db_queries_total counter
gpuorchestrator_db_queries_total %d

# HELP gpuorchestrator_db_errors_total Database errors
# TYPE gpuorchestrator_db_errors_total counter
gpuorchestrator_db_errors_total %d

# HELP gpuorchestrator_db_query_duration_milliseconds Database query duration
# TYPE gpuorchestrator_db_query_duration_milliseconds summary
gpuorchestrator_db_query_duration_milliseconds{quantile="0.5"} %f
gpuorchestrator_db_query_duration_milliseconds{quantile="0.95"} %f
gpuorchestrator_db_query_duration_milliseconds{quantile="0.99"} %f

# HELP gpuorchestrator_rate_limit_blocks Rate limit blocks
# TYPE gpuorchestrator_rate_limit_blocks counter
gpuorchestrator_rate_limit_blocks %d

# HELP gpuorchestrator_goroutines Number of goroutines
# TYPE gpuorchestrator_goroutines gauge
gpuorchestrator_goroutines %d

# HELP gpuorchestrator_memory_heap_alloc_mb Heap memory allocated in MB
# TYPE gpuorchestrator_memory_heap_alloc_mb gauge
gpuorchestrator_memory_heap_alloc_mb %d

# HELP gpuorchestrator_gc_total Number of GC runs
# TYPE gpuorchestrator_gc_total counter
gpuorchestrator_gc_total %d
`,
		uptime,
		totalReqs,
		failedReqs,
		atomic.LoadInt64(&m.requestsInFlight),
		reqP50, reqP95, reqP99,
		atomic.LoadInt64(&m.jobsSubmitted),
		atomic.LoadInt64(&m.jobsDispatched),
		atomic.LoadInt64(&m.jobsCompleted),
		atomic.LoadInt64(&m.jobsFailed),
		atomic.LoadInt64(&m.jobsRetried),
		atomic.LoadInt64(&m.queueDepth),
		atomic.LoadInt64(&m.activeInstances),
		atomic.LoadInt64(&m.instancesProvisioned),
		totalCost,
		atomic.LoadInt64(&m.providerCallsTotal),
		atomic.LoadInt64(&m.providerCallsFailed),
		atomic.LoadInt64(&m.dbQueriesTotal),
		atomic.LoadInt64(&m.dbErrors),
		dbP50, dbP95, dbP99,
		atomic.LoadInt64(&m.rateLimitBlocks),
		goroutines,
		heapMB,
		gcRuns,
	)
}

// Export as JSON
func (m *Metrics) ToJSON() map[string]interface{} {
	m.UpdateSystemMetrics()

	reqP50, reqP95, reqP99, reqAvg := m.requestDurationHist.GetStats()
	dbP50, dbP95, dbP99, dbAvg := m.dbQueryDuration.GetStats()

	totalReqs := atomic.LoadInt64(&m.totalRequests)
	failedReqs := atomic.LoadInt64(&m.failedRequests)

	successRate := float64(0)
	if totalReqs > 0 {
		successRate = float64(totalReqs-failedReqs) / float64(totalReqs) * 100
	}

	m.mu.RLock()
	totalCost := m.totalInstanceCost
	goroutines := m.goroutineCount
	heapMB := m.heapAllocMB
	gcRuns := m.numGC
	m.mu.RUnlock()

	return map[string]interface{}{
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"requests": map[string]interface{}{
			"total":        totalReqs,
			"failed":       failedReqs,
			"in_flight":    atomic.LoadInt64(&m.requestsInFlight),
			"success_rate": successRate,
			"duration": map[string]interface{}{
				"p50_ms": reqP50,
				"p95_ms": reqP95,
				"p99_ms": reqP99,
				"avg_ms": reqAvg,
			},
		},
		"jobs": map[string]interface{}{
			"submitted":   atomic.LoadInt64(&m.jobsSubmitted),
			"dispatched":  atomic.LoadInt64(&m.jobsDispatched),
			"completed":   atomic.LoadInt64(&m.jobsCompleted),
			"failed":      atomic.LoadInt64(&m.jobsFailed),
			"retried":     atomic.LoadInt64(&m.jobsRetried),
			"queue_depth": atomic.LoadInt64(&m.queueDepth),
		},
		"instances": map[string]interface{}{
			"active":         atomic.LoadInt64(&m.activeInstances),
			"provisioned":    atomic.LoadInt64(&m.instancesProvisioned),
			"total_cost_usd": totalCost,
		},
		"providers": map[string]interface{}{
			"calls_total":  atomic.LoadInt64(&m.providerCallsTotal),
			"calls_failed": atomic.LoadInt64(&m.providerCallsFailed),
		},
		"database": map[string]interface{}{
			"queries_total": atomic.LoadInt64(&m.dbQueriesTotal),
			"errors":        atomic.LoadInt64(&m.dbErrors),
			"query_duration": map[string]interface{}{
				"p50_ms": dbP50,
				"p95_ms": dbP95,
				"p99_ms": dbP99,
				"avg_ms": dbAvg,
			},
		},
		"rate_limiting": map[string]interface{}{
			"blocks": atomic.LoadInt64(&m.rateLimitBlocks),
		},
		"system": map[string]interface{}{
			"goroutines":    goroutines,
			"heap_alloc_mb": heapMB,
			"gc_runs":       gcRuns,
		},
	}
}

// Start background metrics collection
func (m *Metrics) StartCollection(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	go func() {
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}
