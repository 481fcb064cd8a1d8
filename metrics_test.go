package nvmepcie

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.Submits != 0 {
		t.Errorf("Expected 0 initial submits, got %d", snap.Submits)
	}

	m.RecordSubmit(1_000_000, false) // 1ms, success
	m.RecordSubmit(2_000_000, false) // 2ms, success
	m.RecordSubmit(500_000, true)    // 0.5ms, error

	snap = m.Snapshot()

	if snap.Submits != 3 {
		t.Errorf("Expected 3 submits, got %d", snap.Submits)
	}
	if snap.CompletionErrors != 1 {
		t.Errorf("Expected 1 completion error, got %d", snap.CompletionErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsRetriesDeferralsAborts(t *testing.T) {
	m := NewMetrics()

	m.RecordRetry()
	m.RecordRetry()
	m.RecordDeferral()
	m.RecordAbort()
	m.RecordProtocolViolation()
	m.RecordRoutingFailure()

	snap := m.Snapshot()
	if snap.Retries != 2 {
		t.Errorf("Expected 2 retries, got %d", snap.Retries)
	}
	if snap.Deferrals != 1 {
		t.Errorf("Expected 1 deferral, got %d", snap.Deferrals)
	}
	if snap.Aborts != 1 {
		t.Errorf("Expected 1 abort, got %d", snap.Aborts)
	}
	if snap.ProtocolViolations != 1 {
		t.Errorf("Expected 1 protocol violation, got %d", snap.ProtocolViolations)
	}
	if snap.RoutingFailures != 1 {
		t.Errorf("Expected 1 routing failure, got %d", snap.RoutingFailures)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()

	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}

	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmit(1_000_000, false) // 1ms
	m.RecordSubmit(2_000_000, false) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmit(1_000_000, false)
	m.RecordQueueDepth(10)

	snap := m.Snapshot()
	if snap.Submits == 0 {
		t.Error("Expected some submits before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.Submits != 0 {
		t.Errorf("Expected 0 submits after reset, got %d", snap.Submits)
	}
	if snap.MaxQueueDepth != 0 {
		t.Errorf("Expected 0 max queue depth after reset, got %d", snap.MaxQueueDepth)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveSubmit(1_000_000, false)
	observer.ObserveRetry()
	observer.ObserveDeferral()
	observer.ObserveAbort()
	observer.ObserveProtocolViolation()
	observer.ObserveRoutingFailure()
	observer.ObserveQueueDepth(10)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveSubmit(1_000_000, false)
	metricsObserver.ObserveRetry()

	snap := m.Snapshot()
	if snap.Submits != 1 {
		t.Errorf("Expected 1 submit from observer, got %d", snap.Submits)
	}
	if snap.Retries != 1 {
		t.Errorf("Expected 1 retry from observer, got %d", snap.Retries)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordSubmit(1_000_000, false)
	m.RecordSubmit(2_000_000, false)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.SubmitsPerSecond < 1.8 || snap.SubmitsPerSecond > 2.2 {
		t.Errorf("Expected SubmitsPerSecond ~2.0, got %.2f", snap.SubmitsPerSecond)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordSubmit(500_000, false) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordSubmit(5_000_000, false) // 5ms
	}
	m.RecordSubmit(50_000_000, false) // 50ms (P99)

	snap := m.Snapshot()

	if snap.Submits != 100 {
		t.Errorf("Expected 100 submits, got %d", snap.Submits)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
