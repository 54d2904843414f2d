package pgmwire

import (
	"encoding/binary"
	"net"
)

const (
	minIPv4HeaderLen = 20
	ipv4Version      = 4
)

// ParseRaw strips an IPv4 header from buf and parses the PGM packet that
// follows. It returns the parsed packet and the destination address carried
// in the IP header (used by the receiver to recognize which multicast group
// the datagram arrived on). IPv6 is rejected here; IPv6 raw sockets deliver
// the PGM payload directly and should use ParseUDPEncap-style framing
// (the IPv6 header is stripped by the kernel/ipv6.PacketConn already).
func ParseRaw(buf []byte) (Packet, net.IP, error) {
	if len(buf) < minIPv4HeaderLen {
		return Packet{}, nil, &ParseError{Kind: Bounds, Msg: "raw: short for IPv4 header"}
	}
	verIHL := buf[0]
	version := verIHL >> 4
	if version == 6 {
		return Packet{}, nil, &ParseError{Kind: AfNoSupport, Msg: "raw: IPv6 not accepted via ParseRaw"}
	}
	if version != ipv4Version {
		return Packet{}, nil, &ParseError{Kind: Proto, Msg: "raw: bad IP version"}
	}
	ihl := int(verIHL&0x0f) * 4
	if ihl < minIPv4HeaderLen || len(buf) < ihl {
		return Packet{}, nil, &ParseError{Kind: Bounds, Msg: "raw: bad IHL"}
	}
	totalLength := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLength < ihl+HeaderLen || totalLength > len(buf) {
		return Packet{}, nil, &ParseError{Kind: Bounds, Msg: "raw: total_length too small"}
	}
	flagsFrag := binary.BigEndian.Uint16(buf[6:8])
	moreFragments := flagsFrag&0x2000 != 0
	fragOffset := flagsFrag & 0x1fff
	if moreFragments || fragOffset != 0 {
		return Packet{}, nil, &ParseError{Kind: Proto, Msg: "raw: fragmented IP datagram rejected"}
	}
	dst := net.IPv4(buf[16], buf[17], buf[18], buf[19])

	pkt, err := parsePGM(buf[ihl:totalLength])
	if err != nil {
		return Packet{}, nil, err
	}
	return pkt, dst, nil
}

// ParseUDPEncap parses a PGM packet with no IP header present (the UDP
// payload itself).
func ParseUDPEncap(buf []byte) (Packet, error) {
	if len(buf) < HeaderLen {
		return Packet{}, &ParseError{Kind: Bounds, Msg: "udp-encap: short for PGM header"}
	}
	return parsePGM(buf)
}

// parsePGM parses the PGM common header, the type-specific fixed header,
// the option chain (if present), verifies the checksum, and performs
// type-specific structural validation.
func parsePGM(buf []byte) (Packet, error) {
	if len(buf) < HeaderLen {
		return Packet{}, &ParseError{Kind: Bounds, Msg: "pgm: short header"}
	}
	h := Header{
		SourcePort: binary.BigEndian.Uint16(buf[0:2]),
		DestPort:   binary.BigEndian.Uint16(buf[2:4]),
		Type:       Type(buf[4]),
		Options:    buf[5],
		Checksum:   binary.BigEndian.Uint16(buf[6:8]),
		TSDULength: binary.BigEndian.Uint16(buf[14:16]),
	}
	copy(h.GSI[:], buf[8:14])

	ok, carried := verifyChecksum(buf)
	if !ok {
		return Packet{}, &ParseError{Kind: Cksum, Msg: "pgm: checksum mismatch"}
	}
	checksumAbsent := carried == 0
	if checksumAbsent && (h.Type == TypeODATA || h.Type == TypeRDATA) {
		return Packet{}, &ParseError{Kind: Proto, Msg: "pgm: ODATA/RDATA requires checksum"}
	}

	body := buf[HeaderLen:]
	pkt := Packet{Header: h}

	var consumed int
	var err error
	switch h.Type {
	case TypeSPM:
		consumed, err = parseSPM(&pkt, body)
	case TypePoll:
		consumed, err = parsePoll(&pkt, body)
	case TypePolr:
		consumed, err = parsePolr(&pkt, body)
	case TypeODATA, TypeRDATA:
		consumed, err = parseData(&pkt, body, int(h.TSDULength))
	case TypeNAK, TypeNNAK, TypeNCF:
		consumed, err = parseNAK(&pkt, body)
	case TypeSPMR:
		consumed = 0
	case TypeACK:
		consumed, err = parseACK(&pkt, body)
	default:
		return Packet{}, &ParseError{Kind: Proto, Msg: "pgm: unknown type"}
	}
	if err != nil {
		return Packet{}, err
	}

	rest := body[consumed:]
	if h.HasOptions() {
		opts, n, err := parseOptions(rest)
		if err != nil {
			return Packet{}, err
		}
		pkt.Options = opts
		rest = rest[n:]
	}
	if h.Type == TypeODATA || h.Type == TypeRDATA {
		pkt.Payload = rest
		if len(pkt.Payload) != int(h.TSDULength) {
			return Packet{}, &ParseError{Kind: Malformed, Msg: "pgm: tsdu_length mismatch"}
		}
	}
	return pkt, nil
}

func parseSPM(pkt *Packet, body []byte) (int, error) {
	const spmFixedLen = 12
	const spmAFILen = 4 // AFI (2 bytes) + 2 bytes reserved, precedes the NLA
	if len(body) < spmFixedLen+spmAFILen {
		return 0, &ParseError{Kind: Bounds, Msg: "SPM: short"}
	}
	sqn := binary.BigEndian.Uint32(body[0:4])
	trail := binary.BigEndian.Uint32(body[4:8])
	lead := binary.BigEndian.Uint32(body[8:12])
	afi := AFI(binary.BigEndian.Uint16(body[12:14]))
	nlaBody := body[spmFixedLen+spmAFILen:]
	nla, nlaLen, err := parseNLAByAFI(afi, nlaBody)
	if err != nil {
		return 0, err
	}
	pkt.Spm = &SPMHeader{Sqn: sqn, Trail: trail, Lead: lead, NLA: nla}
	pkt.Sequence = sqn
	return spmFixedLen + 4 + nlaLen, nil
}

func parseNAK(pkt *Packet, body []byte) (int, error) {
	const fixedLen = 4
	if len(body) < fixedLen+4 {
		return 0, &ParseError{Kind: Bounds, Msg: "NAK: short"}
	}
	sqn := binary.BigEndian.Uint32(body[0:4])
	off := 4
	srcAFI := AFI(binary.BigEndian.Uint16(body[off : off+2]))
	off += 4
	src, n, err := parseNLAByAFI(srcAFI, body[off:])
	if err != nil {
		return 0, err
	}
	off += n
	if len(body) < off+4 {
		return 0, &ParseError{Kind: Bounds, Msg: "NAK: short group NLA header"}
	}
	grpAFI := AFI(binary.BigEndian.Uint16(body[off : off+2]))
	off += 4
	grp, n, err := parseNLAByAFI(grpAFI, body[off:])
	if err != nil {
		return 0, err
	}
	off += n
	pkt.Nak = &NAKHeader{Sqn: sqn, SourceNLA: src, GroupNLA: grp}
	pkt.Sequence = sqn
	return off, nil
}

func parsePoll(pkt *Packet, body []byte) (int, error) {
	const fixedLen = 8
	if len(body) < fixedLen+4 {
		return 0, &ParseError{Kind: Bounds, Msg: "POLL: short"}
	}
	sqn := binary.BigEndian.Uint32(body[0:4])
	round := binary.BigEndian.Uint16(body[4:6])
	subType := binary.BigEndian.Uint16(body[6:8])
	afi := AFI(binary.BigEndian.Uint16(body[8:10]))
	off := 12
	nla, n, err := parseNLAByAFI(afi, body[off:])
	if err != nil {
		return 0, err
	}
	off += n
	if len(body) < off+8 {
		return 0, &ParseError{Kind: Bounds, Msg: "POLL: short tail"}
	}
	backOff := binary.BigEndian.Uint32(body[off : off+4])
	rand := binary.BigEndian.Uint32(body[off+4 : off+8])
	off += 8
	pkt.Poll = &PollHeader{Sqn: sqn, Round: round, SubType: subType, NLA: nla, BackOff: backOff, RandVals: rand}
	pkt.Sequence = sqn
	return off, nil
}

func parsePolr(pkt *Packet, body []byte) (int, error) {
	const fixedLen = 8
	if len(body) < fixedLen {
		return 0, &ParseError{Kind: Bounds, Msg: "POLR: short"}
	}
	sqn := binary.BigEndian.Uint32(body[0:4])
	round := binary.BigEndian.Uint16(body[4:6])
	pkt.Polr = &PolrHeader{Sqn: sqn, Round: round}
	pkt.Sequence = sqn
	return fixedLen, nil
}

func parseACK(pkt *Packet, body []byte) (int, error) {
	const fixedLen = 8
	if len(body) < fixedLen {
		return 0, &ParseError{Kind: Bounds, Msg: "ACK: short"}
	}
	rxMax := binary.BigEndian.Uint32(body[0:4])
	bitmap := binary.BigEndian.Uint32(body[4:8])
	pkt.Ack = &ACKHeader{RxMax: rxMax, Bitmap: bitmap}
	pkt.Sequence = rxMax
	return fixedLen, nil
}

func parseData(pkt *Packet, body []byte, tsduLen int) (int, error) {
	const fixedLen = 8
	if len(body) < fixedLen {
		return 0, &ParseError{Kind: Bounds, Msg: "ODATA/RDATA: short"}
	}
	sqn := binary.BigEndian.Uint32(body[0:4])
	trail := binary.BigEndian.Uint32(body[4:8])
	pkt.Data = &DataHeader{Sqn: sqn, Trail: trail}
	pkt.Sequence = sqn
	return fixedLen, nil
}

func parseNLAByAFI(afi AFI, body []byte) (NLA, int, error) {
	var n NLA
	switch afi {
	case AFIIPv4:
		if len(body) < 4 {
			return n, 0, &ParseError{Kind: Bounds, Msg: "NLA: short IPv4"}
		}
		n.AFI = AFIIPv4
		copy(n.Addr[:4], body[:4])
		return n, 4, nil
	case AFIIPv6:
		if len(body) < 16 {
			return n, 0, &ParseError{Kind: Bounds, Msg: "NLA: short IPv6"}
		}
		n.AFI = AFIIPv6
		copy(n.Addr[:16], body[:16])
		return n, 16, nil
	default:
		return n, 0, &ParseError{Kind: AfNoSupport, Msg: "NLA: unsupported AFI"}
	}
}
