package compaction

// SegmentStats holds metadata about a sealed segment needed for compaction decisions.
type SegmentStats struct {
	ID      uint64
	Size    int64
	Records int64
	MinID   uint64
	MaxID   uint64
}

// Task describes a compaction unit of work: the oldest Count sealed segments.
type Task struct {
	Segments []uint64
}

// Policy determines when the sealed log should be compacted.
//
// segments are the sealed segments in log order. A task must name a prefix of
// them: rewriting a range in the middle could drop a tombstone whose older
// versions live in earlier segments.
type Policy interface {
	// Pick selects segments to compact.
	// Returns a task or nil if no compaction is needed.
	Pick(segments []SegmentStats) *Task
}

// TieredPolicy triggers compaction of every sealed segment once there are at
// least Threshold of them.
type TieredPolicy struct {
	Threshold int
}

func (p *TieredPolicy) Pick(segments []SegmentStats) *Task {
	if p.Threshold <= 0 || len(segments) < p.Threshold {
		return nil
	}
	return &Task{Segments: ids(segments)}
}

// BoundedSizeTieredPolicy is a size-tiered strategy with an upper bound on the
// bytes rewritten by one compaction.
//   - Segment size buckets: [0-10MB], [10-100MB], [100MB-1GB], [1GB+]
//   - Triggers when any bucket holds at least Threshold segments
//   - Rewrites the longest prefix that fits in MaxBytes (default 2GB)
type BoundedSizeTieredPolicy struct {
	Threshold int
	MaxBytes  int64
}

func (p *BoundedSizeTieredPolicy) Pick(segments []SegmentStats) *Task {
	if p.Threshold <= 0 {
		return nil
	}

	var buckets [4]int
	triggered := false
	for _, s := range segments {
		b := bucket(s.Size)
		buckets[b]++
		if buckets[b] >= p.Threshold {
			triggered = true
		}
	}
	if !triggered {
		return nil
	}

	limit := p.MaxBytes
	if limit <= 0 {
		limit = 2 * 1024 * 1024 * 1024 // 2GB
	}

	var total int64
	n := 0
	for _, s := range segments {
		if n > 0 && total+s.Size > limit {
			break
		}
		total += s.Size
		n++
	}
	if n < 2 { // Need at least 2 to compact
		return nil
	}
	return &Task{Segments: ids(segments[:n])}
}

func bucket(size int64) int {
	const (
		MB = 1024 * 1024
		GB = 1024 * MB
	)
	switch {
	case size < 10*MB:
		return 0
	case size < 100*MB:
		return 1
	case size < 1*GB:
		return 2
	}
	return 3
}

func ids(segments []SegmentStats) []uint64 {
	out := make([]uint64, len(segments))
	for i, s := range segments {
		out[i] = s.ID
	}
	return out
}
