package pgmwire

import "encoding/binary"

// BuildParams carries everything needed to serialize one PGM packet. Exactly
// one of the type-specific fields should be populated, matching Header.Type.
type BuildParams struct {
	SourcePort uint16
	DestPort   uint16
	Type       Type
	GSI        GSI

	Data *DataHeader
	Spm  *SPMHeader
	Nak  *NAKHeader
	Poll *PollHeader
	Polr *PolrHeader
	Ack  *ACKHeader

	Payload []byte
	Options Options

	// SkipChecksum serializes with a zero checksum field (permitted for
	// SPM and other non-ODATA/RDATA types).
	SkipChecksum bool

	// CachedTSDUChecksum, when non-nil, is the unfolded checksum already
	// computed over Payload; Build folds it together with the freshly
	// computed header-prefix sum instead of re-summing Payload. Used by
	// the source engine when reissuing an ODATA skb as RDATA.
	CachedTSDUChecksum *uint32
}

// typeHeaderLen returns the fixed (non-option) length of the type-specific
// header for t.
func typeHeaderLen(t Type) int {
	switch t {
	case TypeSPM:
		return 16 // sqn+trail+lead(12) + afi+reserved(4), NLA appended separately
	case TypeODATA, TypeRDATA:
		return 8
	case TypeNAK, TypeNNAK, TypeNCF:
		return 8 // sqn(4) + source afi+reserved(4), rest appended
	case TypeSPMR:
		return 0
	case TypePoll:
		return 12
	case TypePolr:
		return 8
	case TypeACK:
		return 8
	default:
		return 0
	}
}

// Build serializes p into a single buffer. Fields are conceptually filled
// in reverse (payload, then fragment/pgmcc options, then OPT_LENGTH, then
// the fixed header, checksum last) but because the destination is a plain
// byte slice the fields are written by offset rather than by literal
// reverse-appending.
func Build(p BuildParams) ([]byte, error) {
	optsLen := serializeOptionsLen(p.Options)
	optBit := uint8(0)
	if optsLen > 0 {
		optBit = OptBitPresent
	}

	var typeLen int
	var nlaExtra int
	switch p.Type {
	case TypeSPM:
		if p.Spm == nil {
			return nil, &ParseError{Kind: Malformed, Msg: "build: SPM missing header"}
		}
		typeLen = 12 + 4 + p.Spm.NLA.Len()
	case TypeODATA, TypeRDATA:
		if p.Data == nil {
			return nil, &ParseError{Kind: Malformed, Msg: "build: ODATA/RDATA missing header"}
		}
		typeLen = 8
	case TypeNAK, TypeNNAK, TypeNCF:
		if p.Nak == nil {
			return nil, &ParseError{Kind: Malformed, Msg: "build: NAK missing header"}
		}
		typeLen = 4 + 4 + p.Nak.SourceNLA.Len() + 4 + p.Nak.GroupNLA.Len()
	case TypeSPMR:
		typeLen = 0
	case TypePoll:
		if p.Poll == nil {
			return nil, &ParseError{Kind: Malformed, Msg: "build: POLL missing header"}
		}
		typeLen = 8 + 4 + p.Poll.NLA.Len() + 8
	case TypePolr:
		if p.Polr == nil {
			return nil, &ParseError{Kind: Malformed, Msg: "build: POLR missing header"}
		}
		typeLen = 8
	case TypeACK:
		if p.Ack == nil {
			return nil, &ParseError{Kind: Malformed, Msg: "build: ACK missing header"}
		}
		typeLen = 8
	default:
		return nil, &ParseError{Kind: Proto, Msg: "build: unknown type"}
	}
	_ = nlaExtra

	payloadLen := 0
	if p.Type == TypeODATA || p.Type == TypeRDATA {
		payloadLen = len(p.Payload)
	}

	total := HeaderLen + typeLen + optsLen + payloadLen
	buf := make([]byte, total)

	binary.BigEndian.PutUint16(buf[0:2], p.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], p.DestPort)
	buf[4] = byte(p.Type)
	buf[5] = optBit
	copy(buf[8:14], p.GSI[:])
	binary.BigEndian.PutUint16(buf[14:16], uint16(payloadLen))

	off := HeaderLen
	switch p.Type {
	case TypeSPM:
		binary.BigEndian.PutUint32(buf[off:off+4], p.Spm.Sqn)
		binary.BigEndian.PutUint32(buf[off+4:off+8], p.Spm.Trail)
		binary.BigEndian.PutUint32(buf[off+8:off+12], p.Spm.Lead)
		binary.BigEndian.PutUint16(buf[off+12:off+14], uint16(p.Spm.NLA.AFI))
		copy(buf[off+16:off+16+p.Spm.NLA.Len()], p.Spm.NLA.Bytes())
		off += typeLen
	case TypeODATA, TypeRDATA:
		binary.BigEndian.PutUint32(buf[off:off+4], p.Data.Sqn)
		binary.BigEndian.PutUint32(buf[off+4:off+8], p.Data.Trail)
		off += typeLen
	case TypeNAK, TypeNNAK, TypeNCF:
		binary.BigEndian.PutUint32(buf[off:off+4], p.Nak.Sqn)
		o := off + 4
		binary.BigEndian.PutUint16(buf[o:o+2], uint16(p.Nak.SourceNLA.AFI))
		o += 4
		copy(buf[o:o+p.Nak.SourceNLA.Len()], p.Nak.SourceNLA.Bytes())
		o += p.Nak.SourceNLA.Len()
		binary.BigEndian.PutUint16(buf[o:o+2], uint16(p.Nak.GroupNLA.AFI))
		o += 4
		copy(buf[o:o+p.Nak.GroupNLA.Len()], p.Nak.GroupNLA.Bytes())
		o += p.Nak.GroupNLA.Len()
		off = o
	case TypeSPMR:
		// no fixed body
	case TypePoll:
		binary.BigEndian.PutUint32(buf[off:off+4], p.Poll.Sqn)
		binary.BigEndian.PutUint16(buf[off+4:off+6], p.Poll.Round)
		binary.BigEndian.PutUint16(buf[off+6:off+8], p.Poll.SubType)
		binary.BigEndian.PutUint16(buf[off+8:off+10], uint16(p.Poll.NLA.AFI))
		o := off + 12
		copy(buf[o:o+p.Poll.NLA.Len()], p.Poll.NLA.Bytes())
		o += p.Poll.NLA.Len()
		binary.BigEndian.PutUint32(buf[o:o+4], p.Poll.BackOff)
		binary.BigEndian.PutUint32(buf[o+4:o+8], p.Poll.RandVals)
		off = o + 8
	case TypePolr:
		binary.BigEndian.PutUint32(buf[off:off+4], p.Polr.Sqn)
		binary.BigEndian.PutUint16(buf[off+4:off+6], p.Polr.Round)
		off += typeLen
	case TypeACK:
		binary.BigEndian.PutUint32(buf[off:off+4], p.Ack.RxMax)
		binary.BigEndian.PutUint32(buf[off+4:off+8], p.Ack.Bitmap)
		off += typeLen
	}

	if optsLen > 0 {
		writeOptions(buf[off:off+optsLen], p.Options)
		off += optsLen
	}
	if payloadLen > 0 {
		copy(buf[off:off+payloadLen], p.Payload)
	}

	if !p.SkipChecksum {
		var sum uint32
		if p.CachedTSDUChecksum != nil {
			sum = UnfoldedChecksum(buf[:HeaderLen+typeLen+optsLen], *p.CachedTSDUChecksum)
		} else {
			sum = UnfoldedChecksum(buf, 0)
		}
		binary.BigEndian.PutUint16(buf[6:8], FoldChecksum(sum))
	}

	return buf, nil
}
