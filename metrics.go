package treekv

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/treekv/internal/engine"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    putCounter   prometheus.Counter
//	    getHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordPut(duration time.Duration, err error) {
//	    p.putCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordPut is called after each put, conditional put or CAS.
	// duration is the total time taken including the durability wait, err is nil if successful.
	RecordPut(duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordGet is called after each point lookup. A missing key is not an error.
	RecordGet(duration time.Duration, found bool, err error)

	// RecordScan is called when a scan finishes or is abandoned.
	// pairs is the number of pairs yielded.
	RecordScan(pairs int, duration time.Duration)

	// RecordCommit is called after each batch commit. ops is the batch size.
	RecordCommit(ops int, duration time.Duration, err error)

	// RecordCompaction is called after every compaction, manual or background.
	RecordCompaction(segments int, recordsReclaimed int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPut(time.Duration, error)                    {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)                 {}
func (NoopMetricsCollector) RecordGet(time.Duration, bool, error)              {}
func (NoopMetricsCollector) RecordScan(int, time.Duration)                     {}
func (NoopMetricsCollector) RecordCommit(int, time.Duration, error)            {}
func (NoopMetricsCollector) RecordCompaction(int, int64, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PutCount         atomic.Int64
	PutErrors        atomic.Int64
	PutTotalNanos    atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	GetCount         atomic.Int64
	GetMisses        atomic.Int64
	GetErrors        atomic.Int64
	GetTotalNanos    atomic.Int64
	ScanCount        atomic.Int64
	ScanPairs        atomic.Int64
	CommitCount      atomic.Int64
	CommitOps        atomic.Int64
	CommitErrors     atomic.Int64
	CompactionCount  atomic.Int64
	CompactionErrors atomic.Int64
	RecordsReclaimed atomic.Int64
	CompactionNanos  atomic.Int64
}

// RecordPut implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPut(duration time.Duration, err error) {
	b.PutCount.Add(1)
	b.PutTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.PutErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(duration time.Duration, found bool, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	switch {
	case err != nil:
		b.GetErrors.Add(1)
	case !found:
		b.GetMisses.Add(1)
	}
}

// RecordScan implements MetricsCollector.
func (b *BasicMetricsCollector) RecordScan(pairs int, duration time.Duration) {
	b.ScanCount.Add(1)
	b.ScanPairs.Add(int64(pairs))
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(ops int, duration time.Duration, err error) {
	b.CommitCount.Add(1)
	b.CommitOps.Add(int64(ops))
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(segments int, recordsReclaimed int64, duration time.Duration, err error) {
	b.CompactionCount.Add(1)
	b.CompactionNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CompactionErrors.Add(1)
		return
	}
	b.RecordsReclaimed.Add(recordsReclaimed)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PutCount:         b.PutCount.Load(),
		PutErrors:        b.PutErrors.Load(),
		PutAvgNanos:      avg(b.PutTotalNanos.Load(), b.PutCount.Load()),
		DeleteCount:      b.DeleteCount.Load(),
		DeleteErrors:     b.DeleteErrors.Load(),
		GetCount:         b.GetCount.Load(),
		GetMisses:        b.GetMisses.Load(),
		GetErrors:        b.GetErrors.Load(),
		GetAvgNanos:      avg(b.GetTotalNanos.Load(), b.GetCount.Load()),
		ScanCount:        b.ScanCount.Load(),
		ScanPairs:        b.ScanPairs.Load(),
		CommitCount:      b.CommitCount.Load(),
		CommitOps:        b.CommitOps.Load(),
		CommitErrors:     b.CommitErrors.Load(),
		CompactionCount:  b.CompactionCount.Load(),
		CompactionErrors: b.CompactionErrors.Load(),
		RecordsReclaimed: b.RecordsReclaimed.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PutCount         int64
	PutErrors        int64
	PutAvgNanos      int64
	DeleteCount      int64
	DeleteErrors     int64
	GetCount         int64
	GetMisses        int64
	GetErrors        int64
	GetAvgNanos      int64
	ScanCount        int64
	ScanPairs        int64
	CommitCount      int64
	CommitOps        int64
	CommitErrors     int64
	CompactionCount  int64
	CompactionErrors int64
	RecordsReclaimed int64
}

// engineObserver forwards engine events the collector is interested in.
type engineObserver struct {
	engine.NoopMetricsObserver
	mc MetricsCollector
}

func (o *engineObserver) OnCompaction(d time.Duration, inputSegments int, recordsReclaimed int64, err error) {
	o.mc.RecordCompaction(inputSegments, recordsReclaimed, d, err)
}
