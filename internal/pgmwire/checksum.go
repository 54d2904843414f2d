package pgmwire

import "encoding/binary"

// unfoldedChecksum returns the running 32-bit one's-complement sum of data,
// not yet folded to 16 bits. Source retransmits cache this over the TSDU so
// a retransmit only has to fold in the mutated header prefix (data_trail,
// type) rather than re-summing the whole payload.
func unfoldedChecksum(data []byte, initial uint32) uint32 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}

// foldChecksum reduces a 32-bit accumulator to the final folded
// one's-complement 16-bit checksum.
func foldChecksum(sum uint32) uint16 {
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Checksum computes the RFC 1071 one's-complement checksum over data as a
// single pass (no cached accumulator available).
func Checksum(data []byte) uint16 {
	return foldChecksum(unfoldedChecksum(data, 0))
}

// UnfoldedChecksum exposes unfoldedChecksum for callers (the transmit
// window) that want to cache a partial sum across retransmits.
func UnfoldedChecksum(data []byte, initial uint32) uint32 {
	return unfoldedChecksum(data, initial)
}

// FoldChecksum exposes foldChecksum for callers combining a cached unfolded
// TSDU sum with a freshly computed header-prefix sum.
func FoldChecksum(sum uint32) uint16 {
	return foldChecksum(sum)
}

// verifyChecksum recomputes the checksum over pgmBuf (the PGM header plus
// TSDU plus options, i.e. everything the checksum field covers) with the
// 16-bit checksum slot at byte offset 6 treated as zero, and compares
// against the value already in that slot. A zero checksum field is
// tolerated by the caller depending on packet type (see parse.go).
func verifyChecksum(pgmBuf []byte) (ok bool, carried uint16) {
	if len(pgmBuf) < HeaderLen {
		return false, 0
	}
	carried = binary.BigEndian.Uint16(pgmBuf[6:8])
	if carried == 0 {
		return true, 0
	}
	scratch := make([]byte, len(pgmBuf))
	copy(scratch, pgmBuf)
	scratch[6] = 0
	scratch[7] = 0
	got := Checksum(scratch)
	return got == carried, carried
}
