// Package pgmseq implements circular sequence-number arithmetic shared by
// the transmit and receive windows. All PGM sequence numbers are 32-bit and
// compared by treating their difference as a signed int32 (RFC 1982 style).
package pgmseq

// MaxWindowLength is two less than half the sequence space: the largest
// legal window length in PGM's sequence-number data model.
const MaxWindowLength = 1<<31 - 2

// LT returns true if a < b, handling wraparound.
func LT(a, b uint32) bool { return int32(a-b) < 0 }

// LTE returns true if a <= b, handling wraparound.
func LTE(a, b uint32) bool { return int32(a-b) <= 0 }

// GT returns true if a > b, handling wraparound.
func GT(a, b uint32) bool { return int32(a-b) > 0 }

// GTE returns true if a >= b, handling wraparound.
func GTE(a, b uint32) bool { return int32(a-b) >= 0 }

// Diff returns b-a interpreted as a signed distance (positive if a precedes b).
func Diff(a, b uint32) int32 { return int32(b - a) }

// InRange returns true if lo <= v <= hi, handling wraparound.
func InRange(v, lo, hi uint32) bool { return LTE(lo, v) && LTE(v, hi) }
