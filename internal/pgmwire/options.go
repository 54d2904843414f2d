package pgmwire

import "encoding/binary"

// Option type octets (low 7 bits; bit 7 is OPT_END when set on the type byte
// of an individual OPT_HEADER).
const (
	optTypeLength      = 0x00
	optTypeFragment    = 0x01
	optTypeNakList     = 0x02
	optTypeParityPrm   = 0x08
	optTypeCurrIncrnn  = 0x09
	optTypeParityGrp   = 0x0a
	optTypeCurrSqn     = 0x0b
	optTypeFin         = 0x0d
	optTypeSyn         = 0x0e
	optTypeRst         = 0x0f
	optTypeCrqst       = 0x10
	optTypeCrQst       = optTypeCrqst
	optTypePgmccData   = 0x12
	optTypePgmccFback  = 0x13
	optTypeNakBoIvl    = 0x04
	optTypeNakBoRng    = 0x05
	optEndMask         = 0x80
	optTypeMask        = 0x7f
	maxOptions         = 16
	maxNakListEntries  = 62
	optLengthHeaderLen = 4
)

// OptFragment is OPT_FRAGMENT: identifies the APDU a fragment belongs to.
type OptFragment struct {
	FirstSqn uint32
	FragOff  uint32
	ApduLen  uint32
}

// OptParityPrm is OPT_PARITY_PRM: advertises FEC parameters on an SPM.
type OptParityPrm struct {
	Proactive bool
	OnDemand  bool
	TGSize    uint32
}

// OptPGMCCData is OPT_PGMCC_DATA, carried on ODATA/RDATA.
type OptPGMCCData struct {
	Timestamp uint32
	LossRate  uint16
	AckerNLA  NLA
}

// OptPGMCCFeedback is OPT_PGMCC_FEEDBACK, carried on ACK.
type OptPGMCCFeedback struct {
	Timestamp uint32
	LossRate  uint16
	AckerNLA  NLA
}

// OptCRQST is OPT_CRQST: a repair-on-connect request flag.
type OptCRQST struct {
	RXP bool
}

// Options is the set of options recognized on one packet.
type Options struct {
	Fragment     *OptFragment
	NakList      []uint32
	ParityPrm    *OptParityPrm
	PGMCCData    *OptPGMCCData
	PGMCCFback   *OptPGMCCFeedback
	CRQST        *OptCRQST
	Fin, Syn, Rst bool
}

// parseOptions walks the OPT_LENGTH -> OPT_HEADER chain starting at buf[0].
// buf must begin at the OPT_LENGTH option (immediately after the
// type-specific fixed header). It returns the options found and the number
// of bytes consumed by the chain.
func parseOptions(buf []byte) (Options, int, error) {
	var opts Options
	if len(buf) < optLengthHeaderLen {
		return opts, 0, &ParseError{Kind: Malformed, Msg: "option chain: short OPT_LENGTH"}
	}
	if buf[0]&optTypeMask != optTypeLength {
		return opts, 0, &ParseError{Kind: Malformed, Msg: "option chain: missing OPT_LENGTH"}
	}
	if buf[1] != 4 {
		return opts, 0, &ParseError{Kind: Malformed, Msg: "option chain: bad OPT_LENGTH length"}
	}
	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLen < optLengthHeaderLen || totalLen > len(buf) {
		return opts, 0, &ParseError{Kind: Malformed, Msg: "option chain: OPT_LENGTH overruns packet"}
	}

	off := optLengthHeaderLen
	count := 0
	for off < totalLen {
		if count >= maxOptions {
			return opts, 0, &ParseError{Kind: Malformed, Msg: "option chain: too many options"}
		}
		count++
		if off+2 > totalLen {
			return opts, 0, &ParseError{Kind: Malformed, Msg: "option chain: truncated OPT_HEADER"}
		}
		typeByte := buf[off]
		optType := typeByte & optTypeMask
		isEnd := typeByte&optEndMask != 0
		optLen := int(buf[off+1])
		if optLen < 2 || off+optLen > totalLen {
			return opts, 0, &ParseError{Kind: Malformed, Msg: "option chain: option length overruns chain"}
		}
		body := buf[off+2 : off+optLen]

		switch optType {
		case optTypeFragment:
			if len(body) < 12 {
				return opts, 0, &ParseError{Kind: Malformed, Msg: "OPT_FRAGMENT: short"}
			}
			opts.Fragment = &OptFragment{
				FirstSqn: binary.BigEndian.Uint32(body[0:4]),
				FragOff:  binary.BigEndian.Uint32(body[4:8]),
				ApduLen:  binary.BigEndian.Uint32(body[8:12]),
			}
		case optTypeNakList:
			n := len(body) / 4
			if n > maxNakListEntries+1 {
				n = maxNakListEntries + 1
			}
			list := make([]uint32, 0, n)
			for i := 0; i+4 <= len(body) && len(list) < maxNakListEntries; i += 4 {
				list = append(list, binary.BigEndian.Uint32(body[i:i+4]))
			}
			opts.NakList = list
		case optTypeParityPrm:
			if len(body) < 4 {
				return opts, 0, &ParseError{Kind: Malformed, Msg: "OPT_PARITY_PRM: short"}
			}
			flags := body[0]
			opts.ParityPrm = &OptParityPrm{
				Proactive: flags&0x02 != 0,
				OnDemand:  flags&0x01 != 0,
				TGSize:    binary.BigEndian.Uint32(body[0:4]) & 0x00ffffff,
			}
		case optTypePgmccData:
			if len(body) < 6 {
				return opts, 0, &ParseError{Kind: Malformed, Msg: "OPT_PGMCC_DATA: short"}
			}
			nla, _, err := parseNLAInline(body[6:])
			if err != nil {
				return opts, 0, err
			}
			opts.PGMCCData = &OptPGMCCData{
				Timestamp: binary.BigEndian.Uint32(body[0:4]),
				LossRate:  binary.BigEndian.Uint16(body[4:6]),
				AckerNLA:  nla,
			}
		case optTypePgmccFback:
			if len(body) < 6 {
				return opts, 0, &ParseError{Kind: Malformed, Msg: "OPT_PGMCC_FEEDBACK: short"}
			}
			nla, _, err := parseNLAInline(body[6:])
			if err != nil {
				return opts, 0, err
			}
			opts.PGMCCFback = &OptPGMCCFeedback{
				Timestamp: binary.BigEndian.Uint32(body[0:4]),
				LossRate:  binary.BigEndian.Uint16(body[4:6]),
				AckerNLA:  nla,
			}
		case optTypeCrqst:
			rxp := len(body) > 0 && body[0]&0x01 != 0
			opts.CRQST = &OptCRQST{RXP: rxp}
		case optTypeFin:
			opts.Fin = true
		case optTypeSyn:
			opts.Syn = true
		case optTypeRst:
			opts.Rst = true
		default:
			// Unknown option: length-bounded skip, per spec.
		}

		off += optLen
		if isEnd {
			break
		}
	}
	return opts, totalLen, nil
}

// parseNLAInline parses an NLA whose AFI is inferred from remaining length:
// 4 bytes => IPv4, 16 bytes => IPv6. This matches how OPT_PGMCC_DATA and
// OPT_PGMCC_FEEDBACK lay out their trailing ACKer NLA without an explicit
// AFI field of their own (the surrounding option's total length implies it).
func parseNLAInline(body []byte) (NLA, int, error) {
	var n NLA
	switch len(body) {
	case 4:
		n.AFI = AFIIPv4
		copy(n.Addr[:4], body)
		return n, 4, nil
	case 16:
		n.AFI = AFIIPv6
		copy(n.Addr[:16], body)
		return n, 16, nil
	default:
		if len(body) >= 16 {
			n.AFI = AFIIPv6
			copy(n.Addr[:16], body[:16])
			return n, 16, nil
		}
		if len(body) >= 4 {
			n.AFI = AFIIPv4
			copy(n.Addr[:4], body[:4])
			return n, 4, nil
		}
		return n, 0, &ParseError{Kind: Malformed, Msg: "NLA: short"}
	}
}

// serializeOptionsLen returns the total byte length the option chain for
// opts will occupy, including the OPT_LENGTH header.
func serializeOptionsLen(opts Options) int {
	if !hasAnyOption(opts) {
		return 0
	}
	total := optLengthHeaderLen
	if opts.Fragment != nil {
		total += 2 + 12
	}
	if len(opts.NakList) > 0 {
		total += 2 + len(opts.NakList)*4
	}
	if opts.ParityPrm != nil {
		total += 2 + 4
	}
	if opts.PGMCCData != nil {
		total += 2 + 6 + opts.PGMCCData.AckerNLA.Len()
	}
	if opts.PGMCCFback != nil {
		total += 2 + 6 + opts.PGMCCFback.AckerNLA.Len()
	}
	if opts.CRQST != nil {
		total += 2 + 1
	}
	if opts.Fin {
		total += 2
	}
	if opts.Syn {
		total += 2
	}
	if opts.Rst {
		total += 2
	}
	return total
}

func hasAnyOption(opts Options) bool {
	return opts.Fragment != nil || len(opts.NakList) > 0 || opts.ParityPrm != nil ||
		opts.PGMCCData != nil || opts.PGMCCFback != nil || opts.CRQST != nil ||
		opts.Fin || opts.Syn || opts.Rst
}

// writeOptions serializes the option chain into dst, which must be exactly
// serializeOptionsLen(opts) bytes.
func writeOptions(dst []byte, opts Options) {
	binary.BigEndian.PutUint16(dst[2:4], uint16(len(dst)))
	dst[0] = optTypeLength
	dst[1] = 4
	off := optLengthHeaderLen

	// Collect the option writers in wire order, marking the last one
	// written with OPT_END.
	type writer struct {
		typ  byte
		body []byte
	}
	var writers []writer

	if opts.Fragment != nil {
		b := make([]byte, 12)
		binary.BigEndian.PutUint32(b[0:4], opts.Fragment.FirstSqn)
		binary.BigEndian.PutUint32(b[4:8], opts.Fragment.FragOff)
		binary.BigEndian.PutUint32(b[8:12], opts.Fragment.ApduLen)
		writers = append(writers, writer{optTypeFragment, b})
	}
	if len(opts.NakList) > 0 {
		n := opts.NakList
		if len(n) > maxNakListEntries {
			n = n[:maxNakListEntries]
		}
		b := make([]byte, len(n)*4)
		for i, s := range n {
			binary.BigEndian.PutUint32(b[i*4:i*4+4], s)
		}
		writers = append(writers, writer{optTypeNakList, b})
	}
	if opts.ParityPrm != nil {
		b := make([]byte, 4)
		var flags byte
		if opts.ParityPrm.Proactive {
			flags |= 0x02
		}
		if opts.ParityPrm.OnDemand {
			flags |= 0x01
		}
		binary.BigEndian.PutUint32(b, opts.ParityPrm.TGSize&0x00ffffff)
		b[0] = flags
		writers = append(writers, writer{optTypeParityPrm, b})
	}
	if opts.PGMCCData != nil {
		nla := opts.PGMCCData.AckerNLA.Bytes()
		b := make([]byte, 6+len(nla))
		binary.BigEndian.PutUint32(b[0:4], opts.PGMCCData.Timestamp)
		binary.BigEndian.PutUint16(b[4:6], opts.PGMCCData.LossRate)
		copy(b[6:], nla)
		writers = append(writers, writer{optTypePgmccData, b})
	}
	if opts.PGMCCFback != nil {
		nla := opts.PGMCCFback.AckerNLA.Bytes()
		b := make([]byte, 6+len(nla))
		binary.BigEndian.PutUint32(b[0:4], opts.PGMCCFback.Timestamp)
		binary.BigEndian.PutUint16(b[4:6], opts.PGMCCFback.LossRate)
		copy(b[6:], nla)
		writers = append(writers, writer{optTypePgmccFback, b})
	}
	if opts.CRQST != nil {
		b := make([]byte, 1)
		if opts.CRQST.RXP {
			b[0] = 0x01
		}
		writers = append(writers, writer{optTypeCrqst, b})
	}
	if opts.Fin {
		writers = append(writers, writer{optTypeFin, nil})
	}
	if opts.Syn {
		writers = append(writers, writer{optTypeSyn, nil})
	}
	if opts.Rst {
		writers = append(writers, writer{optTypeRst, nil})
	}

	for i, w := range writers {
		l := 2 + len(w.body)
		typ := w.typ
		if i == len(writers)-1 {
			typ |= optEndMask
		}
		dst[off] = typ
		dst[off+1] = byte(l)
		copy(dst[off+2:off+l], w.body)
		off += l
	}
}
