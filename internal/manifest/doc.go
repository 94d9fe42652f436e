// Package manifest implements atomic manifest persistence.
//
// # Overview
//
// The manifest records which log segments make up the database, which index
// checkpoint (if any) covers their prefix, and the highest record id ever
// assigned. Recovery starts from the manifest; compaction and segment rotation
// publish their results by saving a new manifest version.
//
// # Binary Format
//
// Manifests are stored in a compact binary format with integrity checking:
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - 0x544B4D46 ("TKMF")
//	  Version  (4 bytes) - Format version (currently 1)
//	  Checksum (4 bytes) - CRC32-IEEE of payload
//	  Length   (4 bytes) - Payload length in bytes
//
//	Payload:
//	  ID            (8 bytes)  - Manifest version ID
//	  CreatedAt     (8 bytes)  - Unix nanoseconds
//	  InstanceID    (16 bytes) - UUID assigned when the database was created
//	  NextSegmentID (8 bytes)  - Next segment ID to allocate
//	  LastID        (8 bytes)  - Highest record id ever assigned
//	  NumSegments   (4 bytes)  - Number of segments
//	  Segments[]               - Segment extents
//	  Checkpoint               - Blob name and covered max id
//
// Strings are length-prefixed (2-byte length + bytes).
//
// # Atomic Protocol
//
// Save follows a two-phase protocol:
//
//  1. Write manifest blob to MANIFEST-NNNNNN.bin (where N is the version ID)
//  2. Atomically update the CURRENT pointer to reference the new manifest
//
// On local filesystems both steps use write-to-temp plus rename. On S3, strong
// read-after-write consistency makes the update immediately visible; the
// DynamoDB commit store turns step 2 into a conditional write.
//
// # Thread Safety
//
// All Store methods are protected by a mutex and safe for concurrent use.
package manifest
