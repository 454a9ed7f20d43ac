package memscat

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the execute-latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing.
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

// Metrics tracks operational statistics for a Handle or Map: prepare
// counts, execute round-trips, and read-out hit/miss rates.
type Metrics struct {
	PrepareReads  atomic.Uint64
	PrepareWrites atomic.Uint64

	Executes       atomic.Uint64
	ExecuteErrors  atomic.Uint64
	ExecutedPages  atomic.Uint64 // deduplicated page-fetch count across all executes

	ReadHits   atomic.Uint64 // read_* calls served from the result cache
	ReadMisses atomic.Uint64 // read_* calls that failed (PartialResult, PointerInvalid, ...)

	TinyReads    atomic.Uint64 // prepares served by the sub-page tiny-read path
	TinyUpgrades atomic.Uint64 // tiny windows upgraded to a full page

	TotalLatencyNs atomic.Uint64 // cumulative execute latency
	OpCount        atomic.Uint64 // executes counted toward TotalLatencyNs

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordPrepareRead records one accepted prepare_read call.
func (m *Metrics) RecordPrepareRead(tiny bool) {
	m.PrepareReads.Add(1)
	if tiny {
		m.TinyReads.Add(1)
	}
}

// RecordPrepareWrite records one accepted prepare_write call.
func (m *Metrics) RecordPrepareWrite() {
	m.PrepareWrites.Add(1)
}

// RecordTinyUpgrade records a tiny window being upgraded to a full page.
func (m *Metrics) RecordTinyUpgrade() {
	m.TinyUpgrades.Add(1)
}

// RecordExecute records one execute() round-trip: its wall latency, the
// number of distinct pages it fetched, and whether it succeeded.
func (m *Metrics) RecordExecute(pages uint64, latencyNs uint64, success bool) {
	m.Executes.Add(1)
	m.ExecutedPages.Add(pages)
	if !success {
		m.ExecuteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRead records the outcome of one read_* call.
func (m *Metrics) RecordRead(hit bool) {
	if hit {
		m.ReadHits.Add(1)
	} else {
		m.ReadMisses.Add(1)
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

// Stop marks the tracked Handle/Map as closed.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates.
type MetricsSnapshot struct {
	PrepareReads  uint64
	PrepareWrites uint64

	Executes      uint64
	ExecuteErrors uint64
	ExecutedPages uint64

	ReadHits   uint64
	ReadMisses uint64

	TinyReads    uint64
	TinyUpgrades uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ExecuteRate float64 // executes per second
	ErrorRate   float64 // percentage of executes that failed
	HitRate     float64 // percentage of read_* calls served from cache
}

// Snapshot produces a MetricsSnapshot with all derived fields computed.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		PrepareReads:  m.PrepareReads.Load(),
		PrepareWrites: m.PrepareWrites.Load(),
		Executes:      m.Executes.Load(),
		ExecuteErrors: m.ExecuteErrors.Load(),
		ExecutedPages: m.ExecutedPages.Load(),
		ReadHits:      m.ReadHits.Load(),
		ReadMisses:    m.ReadMisses.Load(),
		TinyReads:     m.TinyReads.Load(),
		TinyUpgrades:  m.TinyUpgrades.Load(),
	}

	opCount := m.OpCount.Load()
	totalLatencyNs := m.TotalLatencyNs.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.ExecuteRate = float64(snap.Executes) / (float64(snap.UptimeNs) / 1e9)
	}
	if snap.Executes > 0 {
		snap.ErrorRate = float64(snap.ExecuteErrors) / float64(snap.Executes) * 100.0
	}
	totalReads := snap.ReadHits + snap.ReadMisses
	if totalReads > 0 {
		snap.HitRate = float64(snap.ReadHits) / float64(totalReads) * 100.0
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

// Observer allows pluggable metrics collection for a Handle or Map.
type Observer interface {
	ObservePrepareRead(tiny bool)
	ObservePrepareWrite()
	ObserveExecute(pages uint64, latencyNs uint64, success bool)
	ObserveRead(hit bool)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObservePrepareRead(bool)          {}
func (NoOpObserver) ObservePrepareWrite()             {}
func (NoOpObserver) ObserveExecute(uint64, uint64, bool) {}
func (NoOpObserver) ObserveRead(bool)                 {}

// MetricsObserver implements Observer by recording into a *Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer recording into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObservePrepareRead(tiny bool) { o.metrics.RecordPrepareRead(tiny) }
func (o *MetricsObserver) ObservePrepareWrite()         { o.metrics.RecordPrepareWrite() }
func (o *MetricsObserver) ObserveExecute(pages uint64, latencyNs uint64, success bool) {
	o.metrics.RecordExecute(pages, latencyNs, success)
}
func (o *MetricsObserver) ObserveRead(hit bool) { o.metrics.RecordRead(hit) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
