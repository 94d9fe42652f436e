// Package index implements the in-memory tree index.
//
// Every tree is a B-tree of keys, each holding the versions of that key the
// retention rule still needs. Reads pick the newest version at or below a
// ceiling; the index itself has no notion of durability or snapshots.
package index
