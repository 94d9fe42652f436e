// Package treekv is an embedded, namespace-scoped key-value store for Go.
//
// Keys live in trees: independent namespaces identified by a byte string. Every
// write is appended to a log and stamped with an id that is strictly increasing
// across all trees and never reused, not even after a restart or after
// compaction reclaimed every record.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, _ := treekv.Open(ctx, treekv.Local("./data"))
//	defer db.Close()
//
//	id, _ := db.Put(ctx, []byte("users"), []byte("alice"), []byte("admin"))
//	v, _ := db.Get(ctx, []byte("users"), []byte("alice"))
//
//	for k, v := range db.Scan(ctx, []byte("users"), []byte("a")) {
//	    fmt.Println(string(k), string(v))
//	}
//
// # Conditional Writes
//
// PutIf succeeds only if the live record still has the expected id, and
// CompareAndSwap only if the live value is unchanged. Both fail with
// ErrConflict otherwise:
//
//	v, _ := db.GetVersion(ctx, tree, key)
//	_, err := db.PutIf(ctx, tree, key, next(v.Value), v.ID)
//
// # Batches
//
// A batch groups writes to one tree. It becomes visible atomically, survives a
// crash either whole or not at all, and is rejected whole if any condition fails:
//
//	b := db.Begin(tree)
//	b.Put([]byte("a"), []byte("1"))
//	b.Delete([]byte("b"))
//	first, last, err := b.Commit(ctx)
//
// # Snapshots
//
// A snapshot pins the current id ceiling. Reads through it see exactly the state
// at that point, regardless of later writes or compaction:
//
//	snap, _ := db.Snapshot()
//	defer snap.Release()
//
// # Durability and Recovery
//
// With DurabilitySync (default) a write returns once it is fsynced; concurrent
// writers share one fsync. Open replays the log from the latest index checkpoint.
// A damaged log fails Open with a *CorruptLogError naming the segment, offset and
// last verified id; WithRecoveryMode(RecoveryTruncateTail) drops a torn tail
// instead. Nothing is ever skipped silently.
//
// # Compaction
//
// Sealed log segments are rewritten in the background (or by Compact), keeping
// only live records and the versions open snapshots still need. A compaction
// that fails leaves the old segments authoritative.
//
// # Storage
//
// Log segments live in the backend directory. Manifests and checkpoints live
// there too unless WithBlobStore moves them to another blobstore.BlobStore, such
// as a bbolt file, Amazon S3 or MinIO.
package treekv
