// Package pgmwire parses and serializes PGM packets (RFC 3208): the common
// header, the type-specific headers, and the OPT_LENGTH option chain.
package pgmwire

import "fmt"

// Type is the PGM packet type carried in the common header.
type Type uint8

const (
	TypeSPM   Type = 0x00
	TypePoll  Type = 0x01
	TypePolr  Type = 0x02
	TypeODATA Type = 0x04
	TypeRDATA Type = 0x05
	TypeNAK   Type = 0x08
	TypeNNAK  Type = 0x09
	TypeNCF   Type = 0x0a
	TypeSPMR  Type = 0x0c
	TypeACK   Type = 0x0d
)

func (t Type) String() string {
	switch t {
	case TypeSPM:
		return "SPM"
	case TypePoll:
		return "POLL"
	case TypePolr:
		return "POLR"
	case TypeODATA:
		return "ODATA"
	case TypeRDATA:
		return "RDATA"
	case TypeNAK:
		return "NAK"
	case TypeNNAK:
		return "NNAK"
	case TypeNCF:
		return "NCF"
	case TypeSPMR:
		return "SPMR"
	case TypeACK:
		return "ACK"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}

// Common header option-presence bits (the 8-bit "options" byte).
const (
	OptBitParity    = 1 << 7
	OptBitVarPktlen = 1 << 6
	OptBitNetwork   = 1 << 1
	OptBitPresent   = 1 << 0
)

// AFI identifies the address family of an NLA (Network Layer Address).
type AFI uint16

const (
	AFIIPv4 AFI = 1
	AFIIPv6 AFI = 2
)

// HeaderLen is the fixed length of the PGM common header.
const HeaderLen = 16

// GSI is the 6-byte Global Source Identifier.
type GSI [6]byte

// TSI is a Transport Session Identifier: a GSI plus a 16-bit source port.
// TSI is comparable by value and used as the peer-table key.
type TSI struct {
	GSI  GSI
	Port uint16
}

func (t TSI) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x%02x%02x.%d",
		t.GSI[0], t.GSI[1], t.GSI[2], t.GSI[3], t.GSI[4], t.GSI[5], t.Port)
}

// Header is the parsed PGM common header (16 bytes), common to every type.
type Header struct {
	SourcePort uint16
	DestPort   uint16
	Type       Type
	Options    uint8
	Checksum   uint16
	GSI        GSI
	TSDULength uint16
}

// HasOptions reports whether OPT_PRESENT is set.
func (h Header) HasOptions() bool { return h.Options&OptBitPresent != 0 }

// HasParity reports whether OPT_PARITY is set (the packet is a parity TPDU).
func (h Header) HasParity() bool { return h.Options&OptBitParity != 0 }

// HasVarPktlen reports whether OPT_VAR_PKTLEN is set.
func (h Header) HasVarPktlen() bool { return h.Options&OptBitVarPktlen != 0 }

// NLA is a Network Layer Address, either IPv4 (4 bytes) or IPv6 (16 bytes).
type NLA struct {
	AFI  AFI
	Addr [16]byte // low bytes used for IPv4
}

// IPv4 constructs an IPv4 NLA.
func IPv4NLA(a, b, c, d byte) NLA {
	var n NLA
	n.AFI = AFIIPv4
	n.Addr[0], n.Addr[1], n.Addr[2], n.Addr[3] = a, b, c, d
	return n
}

// Bytes returns the wire-length address bytes (4 for IPv4, 16 for IPv6).
func (n NLA) Bytes() []byte {
	if n.AFI == AFIIPv6 {
		return n.Addr[:16]
	}
	return n.Addr[:4]
}

// Len returns the wire length of the NLA in bytes.
func (n NLA) Len() int {
	if n.AFI == AFIIPv6 {
		return 16
	}
	return 4
}

// DataHeader is the ODATA/RDATA type-specific header.
type DataHeader struct {
	Sqn   uint32
	Trail uint32
}

// SPMHeader is the SPM type-specific header.
type SPMHeader struct {
	Sqn   uint32
	Trail uint32
	Lead  uint32
	NLA   NLA
}

// NAKHeader is the NAK/NNAK/NCF type-specific header.
type NAKHeader struct {
	Sqn       uint32
	SourceNLA NLA
	GroupNLA  NLA
}

// PollHeader is the POLL type-specific header.
type PollHeader struct {
	Sqn      uint32
	Round    uint16
	SubType  uint16
	NLA      NLA
	BackOff  uint32
	RandVals uint32
}

// PolrHeader is the POLR type-specific header.
type PolrHeader struct {
	Sqn   uint32
	Round uint16
}

// ACKHeader is the ACK type-specific header (PGMCC feedback ACK).
type ACKHeader struct {
	RxMax  uint32
	Bitmap uint32
}

// Packet is a fully parsed PGM datagram: the common header, the
// type-specific header (exactly one of the pointer fields is non-nil for
// the type named by Header.Type), payload bytes, and any recognized
// options.
type Packet struct {
	Header Header

	Data *DataHeader
	Spm  *SPMHeader
	Nak  *NAKHeader
	Poll *PollHeader
	Polr *PolrHeader
	Ack  *ACKHeader

	Payload []byte
	Options Options

	// Sequence is populated post-parse from whichever type-specific
	// header carries a primary sequence number; it is the value the
	// receive/transmit windows index by.
	Sequence uint32
}
