package engine

import "time"

// MetricsObserver defines the interface for observing engine events.
type MetricsObserver interface {
	// OnAppend is called after each log append, successful or not.
	OnAppend(records int, bytes int, duration time.Duration, err error)

	// OnRotate is called when the active segment was sealed.
	OnRotate(segmentID uint64, size int64)

	// OnCompaction is called when a compaction completes.
	OnCompaction(duration time.Duration, inputSegments int, recordsReclaimed int64, err error)

	// OnRecovery is called once the log was replayed at open.
	OnRecovery(duration time.Duration, records int64, err error)

	// OnQueueDepth reports the depth of a background queue.
	OnQueueDepth(name string, depth int)

	// OnThroughput reports bytes processed.
	OnThroughput(name string, bytes int64)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (o *NoopMetricsObserver) OnAppend(records int, bytes int, duration time.Duration, err error) {}
func (o *NoopMetricsObserver) OnRotate(segmentID uint64, size int64)                              {}
func (o *NoopMetricsObserver) OnCompaction(duration time.Duration, inputSegments int, recordsReclaimed int64, err error) {
}
func (o *NoopMetricsObserver) OnRecovery(duration time.Duration, records int64, err error) {}
func (o *NoopMetricsObserver) OnQueueDepth(name string, depth int)                         {}
func (o *NoopMetricsObserver) OnThroughput(name string, bytes int64)                       {}
