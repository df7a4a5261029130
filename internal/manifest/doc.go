// Package manifest implements atomic manifest persistence for index partitions.
//
// # Overview
//
// A manifest is the sealed state of one partition: its ordered segment list
// (ID, generation, merge level, row count, size, value bounds), the
// allocation counters for segment IDs and generations, the reducer name,
// and DurableSeq, the highest primary sequence number fully reflected in the
// segments. Recovery replays primary records above DurableSeq.
//
// # Binary Format
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - 0x444b564d ("DKVM")
//	  Version  (4 bytes) - Format version (currently 1)
//	  Checksum (4 bytes) - CRC32C of payload
//	  Length   (4 bytes) - Payload length in bytes
//
// Byte strings in the payload are length-prefixed (2-byte length + bytes).
//
// # Atomic Protocol
//
//  1. Write the manifest blob to MANIFEST-NNNNNN.bin
//  2. Atomically replace the CURRENT pointer with that name
//
// Load reads CURRENT and then the manifest it names. A missing CURRENT means
// an empty partition (ErrNotFound); a dangling or damaged manifest is
// reported as ErrCorrupt and the partition must be rebuilt.
//
// All Store methods are safe for concurrent use.
package manifest
