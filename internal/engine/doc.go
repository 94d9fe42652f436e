// Package engine provides the coordinator layer for treekv.
//
// The engine orchestrates all database operations, integrating:
//   - the record log (internal/wal) with its id sequence and group commit
//   - the tree index (internal/index) rebuilt from a checkpoint and log replay
//   - the transaction coordinator (internal/txn) for conditional writes and batches
//   - the snapshot registry (internal/snapshot)
//   - the compactor (internal/compaction) and the manifest (internal/manifest)
//
// # Write Path
//
// Validation, id assignment, the frame write and the index update happen under
// the log's append lock. The durability wait happens outside of it, so
// concurrent writers share fsyncs. Once an append is durable the visible
// watermark is raised to its last id; reads and new snapshots never see ids
// above the watermark.
//
// # Segments and Compaction
//
// The active segment is rotated when it reaches the configured size. The
// manifest is saved before any write lands in the new segment. Compaction
// rewrites a prefix of the sealed segments, keeping the versions required by
// the current state and by every open snapshot, then saves the manifest and
// swaps the reference-counted segment set. Replaced files are deleted when the
// last reader releases them.
//
// # Recovery
//
// Open loads the manifest, removes files an interrupted rotation or compaction
// left behind, loads the newest checkpoint and replays the log past it. A
// corrupt frame stops replay with a *CorruptLogError; with RecoveryTruncateTail
// a corrupt tail of the final segment is truncated instead.
package engine
