// Package txn implements the write-side semantics of treekv: upserts,
// conditional upserts, deletes, compare-and-swap and single-tree batches.
//
// Every check runs inside the log's critical section through the Writer's
// validate hook, so it observes exactly the state the write is ordered after.
package txn
