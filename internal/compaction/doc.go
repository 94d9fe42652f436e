// Package compaction rewrites sealed log segments so that only records the
// retention rule keeps remain on disk.
//
// A compaction works on a prefix of the sealed segments. The engine computes
// the survivor set from the index, the Compactor streams the input segments
// into one new segment through the resource controller's IO limit, and the
// engine then publishes the result with a manifest save. Until that save the
// old segments stay authoritative; a failed or cancelled rewrite leaves
// nothing behind.
//
// Policies decide when the background loop starts a compaction.
package compaction
