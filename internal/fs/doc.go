// Package fs provides the storage capability the log is written through.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with append, positional read, truncate and fsync
//   - [FileSystem]: open, remove, rename, stat and directory listing
//
// # Implementations
//
//   - [LocalFS]: production implementation using the os package
//   - [MemFS]: in-memory variant for tests and ephemeral databases
//   - [FaultyFS]: fault injection wrapper (write, sync, read, open, close failures)
//   - [RetryFS]: retries transient failures with bounded exponential backoff
//
// [LockDir] takes an exclusive advisory lock on a data directory.
//
// # Design Notes
//
// This package intentionally does NOT include context.Context parameters.
// Local filesystem calls are not interruptible at the syscall level; retry
// budgets are bounded by [RetryPolicy] instead.
package fs
