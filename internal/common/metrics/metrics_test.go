package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// === Exchange Metrics Tests ===

func TestExchangeRecordsCreated_Labels(t *testing.T) {
	ExchangeRecordsCreated.WithLabelValues("acme", "invoice-out", "output").Inc()
	ExchangeRecordsCreated.WithLabelValues("acme", "order-in", "input").Inc()

	counter := ExchangeRecordsCreated.WithLabelValues("acme", "invoice-out", "output")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestExchangeTransitions_Labels(t *testing.T) {
	ExchangeTransitions.WithLabelValues("output_pending", "output_sent").Inc()
	ExchangeTransitions.WithLabelValues("output_sent", "output_sent_and_processed").Inc()
	ExchangeTransitions.WithLabelValues("input_received", "input_processed").Inc()

	counter := ExchangeTransitions.WithLabelValues("output_pending", "output_sent")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestExchangePhaseResults_Labels(t *testing.T) {
	phases := []string{"generate", "send", "check", "receive", "process"}
	results := []string{"success", "recoverable", "fatal"}

	for _, phase := range phases {
		for _, result := range results {
			ExchangePhaseResults.WithLabelValues(phase, result).Inc()
		}
	}

	counter := ExchangePhaseResults.WithLabelValues("send", "success")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestExchangePhaseDuration_Observe(t *testing.T) {
	durations := []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0}
	for _, d := range durations {
		ExchangePhaseDuration.WithLabelValues("send").Observe(d)
	}

	histogram := ExchangePhaseDuration.WithLabelValues("send")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestExchangeRecordsByState_Gauge(t *testing.T) {
	states := []string{"new", "output_pending", "output_sent", "input_received"}
	for i, state := range states {
		ExchangeRecordsByState.WithLabelValues(state).Set(float64(i * 10))
	}

	gauge := ExchangeRecordsByState.WithLabelValues("output_pending")
	if gauge == nil {
		t.Error("Expected gauge to be non-nil")
	}
}

// === Pool Metrics Tests ===

func TestPoolMessagesProcessed_Labels(t *testing.T) {
	PoolMessagesProcessed.WithLabelValues("test-pool", "success").Inc()
	PoolMessagesProcessed.WithLabelValues("test-pool", "failed").Inc()
	PoolMessagesProcessed.WithLabelValues("test-pool", "rate_limited").Inc()

	counter := PoolMessagesProcessed.WithLabelValues("test-pool", "success")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestPoolProcessingDuration_Observe(t *testing.T) {
	durations := []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0}
	for _, d := range durations {
		PoolProcessingDuration.WithLabelValues("test-pool").Observe(d)
	}

	histogram := PoolProcessingDuration.WithLabelValues("test-pool")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestPoolActiveWorkers_GaugeOperations(t *testing.T) {
	gauge := PoolActiveWorkers.WithLabelValues("test-pool-workers")

	gauge.Set(5)
	gauge.Inc()
	gauge.Dec()
	gauge.Add(10)
	gauge.Sub(5)

	if gauge == nil {
		t.Error("Expected gauge to be non-nil")
	}
}

func TestPoolQueueDepth_GaugeOperations(t *testing.T) {
	gauge := PoolQueueDepth.WithLabelValues("test-pool-queue")

	gauge.Set(100)
	gauge.Add(50)
	gauge.Sub(25)

	if gauge == nil {
		t.Error("Expected gauge to be non-nil")
	}
}

func TestPoolRateLimitRejections_Counter(t *testing.T) {
	PoolRateLimitRejections.WithLabelValues("test-pool-rl").Inc()
	PoolRateLimitRejections.WithLabelValues("test-pool-rl").Add(5)

	counter := PoolRateLimitRejections.WithLabelValues("test-pool-rl")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Transport Metrics Tests ===

func TestTransportHTTPRequests_Labels(t *testing.T) {
	statusCodes := []string{"200", "201", "400", "401", "404", "500", "502", "503"}
	methods := []string{"GET", "POST", "PUT", "DELETE"}

	for _, code := range statusCodes {
		for _, method := range methods {
			TransportHTTPRequests.WithLabelValues(code, method).Inc()
		}
	}

	counter := TransportHTTPRequests.WithLabelValues("200", "POST")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestTransportHTTPDuration_Observe(t *testing.T) {
	backends := []string{"acme-sftp", "globex-api"}

	for _, backend := range backends {
		TransportHTTPDuration.WithLabelValues(backend).Observe(0.123)
	}

	histogram := TransportHTTPDuration.WithLabelValues("acme-sftp")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestTransportCircuitBreakerState_Values(t *testing.T) {
	gauge := TransportCircuitBreakerState.WithLabelValues("acme-sftp")

	gauge.Set(CircuitBreakerClosed)
	gauge.Set(CircuitBreakerOpen)
	gauge.Set(CircuitBreakerHalfOpen)

	if gauge == nil {
		t.Error("Expected gauge to be non-nil")
	}
}

func TestTransportCircuitBreakerTrips_Counter(t *testing.T) {
	TransportCircuitBreakerTrips.WithLabelValues("failing-backend").Inc()

	counter := TransportCircuitBreakerTrips.WithLabelValues("failing-backend")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Scheduler Metrics Tests ===

func TestSchedulerRecordsScheduled_Counter(t *testing.T) {
	SchedulerRecordsScheduled.Inc()
	SchedulerRecordsScheduled.Add(10)

	desc := SchedulerRecordsScheduled.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestSchedulerRecordsReady_Gauge(t *testing.T) {
	SchedulerRecordsReady.Set(50)
	SchedulerRecordsReady.Inc()
	SchedulerRecordsReady.Dec()
	SchedulerRecordsReady.Add(25)
	SchedulerRecordsReady.Sub(10)

	desc := SchedulerRecordsReady.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestSchedulerStaleRequeued_Counter(t *testing.T) {
	SchedulerStaleRequeued.Inc()
	SchedulerStaleRequeued.Add(3)

	desc := SchedulerStaleRequeued.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestSchedulerPollsTotal_Labels(t *testing.T) {
	SchedulerPollsTotal.WithLabelValues("acme-sftp", "success").Inc()
	SchedulerPollsTotal.WithLabelValues("acme-sftp", "failed").Inc()

	counter := SchedulerPollsTotal.WithLabelValues("acme-sftp", "success")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Queue Metrics Tests ===

func TestQueueMessagesPublished_Labels(t *testing.T) {
	queueTypes := []string{"nats", "sqs"}

	for _, qType := range queueTypes {
		QueueMessagesPublished.WithLabelValues(qType).Inc()
		QueueMessagesPublished.WithLabelValues(qType).Add(100)
	}

	counter := QueueMessagesPublished.WithLabelValues("nats")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestQueueMessagesConsumed_Labels(t *testing.T) {
	queueTypes := []string{"nats", "sqs"}

	for _, qType := range queueTypes {
		QueueMessagesConsumed.WithLabelValues(qType).Inc()
		QueueMessagesConsumed.WithLabelValues(qType).Add(100)
	}

	counter := QueueMessagesConsumed.WithLabelValues("sqs")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestQueuePublishErrors_Counter(t *testing.T) {
	QueuePublishErrors.WithLabelValues("nats").Inc()
	QueuePublishErrors.WithLabelValues("sqs").Inc()

	counter := QueuePublishErrors.WithLabelValues("nats")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === HTTP API Metrics Tests ===

func TestHTTPRequestsTotal_Labels(t *testing.T) {
	methods := []string{"GET", "POST", "PUT", "DELETE"}
	paths := []string{"/api/records", "/api/backends", "/api/types"}
	statuses := []string{"200", "201", "400", "404", "409", "500"}

	for _, method := range methods {
		for _, path := range paths {
			for _, status := range statuses {
				HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
			}
		}
	}

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/api/records", "200")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestHTTPRequestDuration_Observe(t *testing.T) {
	HTTPRequestDuration.WithLabelValues("GET", "/api/records").Observe(0.015)
	HTTPRequestDuration.WithLabelValues("POST", "/api/records").Observe(0.150)

	histogram := HTTPRequestDuration.WithLabelValues("GET", "/api/records")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestHTTPActiveConnections_Gauge(t *testing.T) {
	HTTPActiveConnections.Set(10)
	HTTPActiveConnections.Inc()
	HTTPActiveConnections.Dec()
	HTTPActiveConnections.Add(5)
	HTTPActiveConnections.Sub(3)

	desc := HTTPActiveConnections.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === Circuit Breaker Constants Tests ===

func TestCircuitBreakerConstants(t *testing.T) {
	if CircuitBreakerClosed != 0 {
		t.Errorf("Expected CircuitBreakerClosed=0, got %d", CircuitBreakerClosed)
	}
	if CircuitBreakerOpen != 1 {
		t.Errorf("Expected CircuitBreakerOpen=1, got %d", CircuitBreakerOpen)
	}
	if CircuitBreakerHalfOpen != 2 {
		t.Errorf("Expected CircuitBreakerHalfOpen=2, got %d", CircuitBreakerHalfOpen)
	}
}

// === Counter Value Tests ===

func TestCounterValue(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})

	reg.MustRegister(counter)

	counter.Add(5)

	val := testutil.ToFloat64(counter)
	if val != 5 {
		t.Errorf("Expected counter value 5, got %f", val)
	}

	counter.Inc()

	val = testutil.ToFloat64(counter)
	if val != 6 {
		t.Errorf("Expected counter value 6, got %f", val)
	}
}

// === Gauge Value Tests ===

func TestGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "Test gauge",
	})

	reg.MustRegister(gauge)

	gauge.Set(100)
	val := testutil.ToFloat64(gauge)
	if val != 100 {
		t.Errorf("Expected gauge value 100, got %f", val)
	}

	gauge.Add(50)
	val = testutil.ToFloat64(gauge)
	if val != 150 {
		t.Errorf("Expected gauge value 150, got %f", val)
	}

	gauge.Sub(30)
	val = testutil.ToFloat64(gauge)
	if val != 120 {
		t.Errorf("Expected gauge value 120, got %f", val)
	}
}

// === Pool Metrics Integration Tests ===

func TestPoolMetricsIntegration(t *testing.T) {
	poolCode := "integration-test-pool"

	// Simulate processing jobs
	for i := 0; i < 100; i++ {
		if i%10 == 0 {
			PoolMessagesProcessed.WithLabelValues(poolCode, "failed").Inc()
		} else if i%20 == 0 {
			PoolMessagesProcessed.WithLabelValues(poolCode, "rate_limited").Inc()
		} else {
			PoolMessagesProcessed.WithLabelValues(poolCode, "success").Inc()
		}

		PoolProcessingDuration.WithLabelValues(poolCode).Observe(float64(i) * 0.001)
	}

	PoolActiveWorkers.WithLabelValues(poolCode).Set(10)
	PoolQueueDepth.WithLabelValues(poolCode).Set(25)

	// All operations should succeed without panic
}

// Benchmark for counter operations
func BenchmarkCounterInc(b *testing.B) {
	counter := PoolMessagesProcessed.WithLabelValues("bench-pool", "success")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counter.Inc()
	}
}

// Benchmark for histogram observations
func BenchmarkHistogramObserve(b *testing.B) {
	histogram := PoolProcessingDuration.WithLabelValues("bench-pool")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		histogram.Observe(0.123)
	}
}
