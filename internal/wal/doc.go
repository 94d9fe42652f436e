// Package wal implements the append-only record log.
//
// The log is a sequence of segment files. Each segment starts with a 12 byte
// header followed by CRC-protected frames; a frame carries one or more records
// with consecutive ids and is the unit of atomicity during replay.
//
// Durability modes:
//   - DurabilityAsync: writes go to the OS page cache, fsync happens on rotation and close.
//   - DurabilitySync: an append is durable once Ticket.Wait returns. A background
//     syncer batches concurrent appends into a single fsync (group commit).
package wal
