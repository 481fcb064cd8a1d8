package nvmepcie

import (
	"sync/atomic"
	"time"

	"github.com/nvmepcie/nvmepcie/internal/qpair"
)

// LatencyBuckets defines the completion-latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for a controller's queue pairs.
type Metrics struct {
	// Command counters
	Submits       atomic.Uint64 // commands submitted
	Completions   atomic.Uint64 // completions processed
	Retries       atomic.Uint64 // retry-eligible completions resubmitted
	Deferrals     atomic.Uint64 // submits that went to the deferred FIFO
	Aborts        atomic.Uint64 // synthetic Enable/Disable/Fail aborts issued

	// Error counters
	CompletionErrors   atomic.Uint64 // completions with a non-zero status
	ProtocolViolations atomic.Uint64 // inactive/mismatched-CID completions
	RoutingFailures    atomic.Uint64 // admin completions for an unregistered pid

	// Queue statistics
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Latency tracking (submit-to-completion)
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records a successful submission and its eventual completion
// latency.
func (m *Metrics) RecordSubmit(latencyNs uint64, isError bool) {
	m.Submits.Add(1)
	m.Completions.Add(1)
	if isError {
		m.CompletionErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRetry records one retry-eligible completion that was resubmitted.
func (m *Metrics) RecordRetry() { m.Retries.Add(1) }

// RecordDeferral records one submit that went to the deferred FIFO because
// the tracker pool was exhausted.
func (m *Metrics) RecordDeferral() { m.Deferrals.Add(1) }

// RecordAbort records one synthetic completion issued by Enable, Disable,
// or Fail.
func (m *Metrics) RecordAbort() { m.Aborts.Add(1) }

// RecordProtocolViolation records a completion that referenced a tracker
// not currently marked active, or whose CID did not match the tracker it
// was routed to.
func (m *Metrics) RecordProtocolViolation() { m.ProtocolViolations.Add(1) }

// RecordRoutingFailure records an admin completion whose originating
// process was not found in the registry.
func (m *Metrics) RecordRoutingFailure() { m.RoutingFailures.Add(1) }

// RecordQueueDepth records a queue-depth sample (outstanding trackers) for
// averaging and peak tracking.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the controller as stopped, fixing StopTime for uptime
// calculations.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time copy of Metrics, with derived rates.
type MetricsSnapshot struct {
	Submits     uint64
	Completions uint64
	Retries     uint64
	Deferrals   uint64
	Aborts      uint64

	CompletionErrors   uint64
	ProtocolViolations uint64
	RoutingFailures    uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	SubmitsPerSecond float64
	ErrorRate        float64
}

// Snapshot returns a point-in-time snapshot with derived statistics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submits:            m.Submits.Load(),
		Completions:        m.Completions.Load(),
		Retries:            m.Retries.Load(),
		Deferrals:          m.Deferrals.Load(),
		Aborts:             m.Aborts.Load(),
		CompletionErrors:   m.CompletionErrors.Load(),
		ProtocolViolations: m.ProtocolViolations.Load(),
		RoutingFailures:    m.RoutingFailures.Load(),
		MaxQueueDepth:      m.MaxQueueDepth.Load(),
	}

	if n := m.QueueDepthCount.Load(); n > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(n)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.SubmitsPerSecond = float64(snap.Submits) / (float64(snap.UptimeNs) / 1e9)
	}
	if snap.Completions > 0 {
		snap.ErrorRate = float64(snap.CompletionErrors) / float64(snap.Completions) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters, useful between test cases.
func (m *Metrics) Reset() {
	m.Submits.Store(0)
	m.Completions.Store(0)
	m.Retries.Store(0)
	m.Deferrals.Store(0)
	m.Aborts.Store(0)
	m.CompletionErrors.Store(0)
	m.ProtocolViolations.Store(0)
	m.RoutingFailures.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, so a caller can route
// transport events somewhere other than the built-in Metrics (a
// Prometheus registry, for instance) without the core depending on it.
// It is a type alias for internal/qpair.Observer, the interface a QPair
// actually calls on every submit, completion, deferral, retry, abort, and
// routing failure; Options.Observer and Config.Observer both accept the
// same concrete types as a result.
type Observer = qpair.Observer

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(uint64, bool)     {}
func (NoOpObserver) ObserveRetry()                  {}
func (NoOpObserver) ObserveDeferral()                {}
func (NoOpObserver) ObserveAbort()                   {}
func (NoOpObserver) ObserveProtocolViolation()        {}
func (NoOpObserver) ObserveRoutingFailure()           {}
func (NoOpObserver) ObserveQueueDepth(uint32)         {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(latencyNs uint64, isError bool) {
	o.metrics.RecordSubmit(latencyNs, isError)
}
func (o *MetricsObserver) ObserveRetry()              { o.metrics.RecordRetry() }
func (o *MetricsObserver) ObserveDeferral()            { o.metrics.RecordDeferral() }
func (o *MetricsObserver) ObserveAbort()               { o.metrics.RecordAbort() }
func (o *MetricsObserver) ObserveProtocolViolation()    { o.metrics.RecordProtocolViolation() }
func (o *MetricsObserver) ObserveRoutingFailure()       { o.metrics.RecordRoutingFailure() }
func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
