// stand for bytes helper
package bx

import "encoding/binary"

// The on-disk format is big-endian throughout, so the unprefixed helpers
// read and write big-endian.
var BE = binary.BigEndian

// --- read ---
func U16(b []byte) uint16 { return BE.Uint16(b) }
func U32(b []byte) uint32 { return BE.Uint32(b) }
func U64(b []byte) uint64 { return BE.Uint64(b) }

// --- write ---
func PutU16(b []byte, v uint16) { BE.PutUint16(b, v) }
func PutU32(b []byte, v uint32) { BE.PutUint32(b, v) }
func PutU64(b []byte, v uint64) { BE.PutUint64(b, v) }

// --- At (offset) ---
func U16At(b []byte, off int) uint16       { return U16(b[off:]) }
func U32At(b []byte, off int) uint32       { return U32(b[off:]) }
func U64At(b []byte, off int) uint64       { return U64(b[off:]) }
func PutU16At(b []byte, off int, v uint16) { PutU16(b[off:], v) }
func PutU32At(b []byte, off int, v uint32) { PutU32(b[off:], v) }
func PutU64At(b []byte, off int, v uint64) { PutU64(b[off:], v) }
