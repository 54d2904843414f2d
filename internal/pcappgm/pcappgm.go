// Package pcappgm adapts the generic libpcap writer in internal/pcap to
// PGM datagram capture: every packet the source and receiver engines send
// or accept for processing can be mirrored to a pcap stream for offline
// analysis. Captures use the raw-IP link type so a synthesized IPv4 header
// is the only framing required, the same way internal/netstack hands whole
// IP datagrams to internal/pcap rather than Ethernet frames.
package pcappgm

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/steve-o/openpgm-sub002/internal/pcap"
	"github.com/steve-o/openpgm-sub002/internal/pgmwire"
)

// Writer mirrors PGM datagrams (raw-IP or UDP-encapsulated) to a pcap
// stream. Safe for concurrent use from the source and receiver engines.
type Writer struct {
	log *slog.Logger

	mu      sync.Mutex
	w       *pcap.Writer
	snapLen uint32
}

// New wraps out in a pcap.Writer configured for raw-IP captures and writes
// the global header immediately.
func New(out io.Writer, snapLen uint32, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	if snapLen == 0 {
		snapLen = 65535
	}
	w := pcap.NewWriter(out)
	if err := w.WriteFileHeader(snapLen, pcap.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("pcappgm: write file header: %w", err)
	}
	return &Writer{log: log, w: w, snapLen: snapLen}, nil
}

// WriteRaw captures a datagram that already carries its IP header, as read
// directly off a raw-IP PGM socket.
func (w *Writer) WriteRaw(now time.Time, datagram []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	capLen := len(datagram)
	if uint32(capLen) > w.snapLen {
		capLen = int(w.snapLen)
	}
	if err := w.w.WritePacket(pcap.CaptureInfo{
		Timestamp:     now,
		CaptureLength: capLen,
		Length:        len(datagram),
	}, datagram); err != nil {
		w.log.Warn("pcappgm: write packet", "err", err)
	}
}

// WriteUDPEncap captures a UDP-encapsulated PGM datagram by synthesizing a
// minimal IPv4+UDP header around pgmPayload, since the socket layer strips
// that framing before the payload ever reaches the caller.
func (w *Writer) WriteUDPEncap(now time.Time, src, dst netip.AddrPort, pgmPayload []byte) {
	frame, err := synthesizeIPv4UDP(src, dst, pgmPayload)
	if err != nil {
		w.log.Warn("pcappgm: synthesize frame", "err", err)
		return
	}
	w.WriteRaw(now, frame)
}

func synthesizeIPv4UDP(src, dst netip.AddrPort, payload []byte) ([]byte, error) {
	if !src.Addr().Is4() || !dst.Addr().Is4() {
		return nil, fmt.Errorf("pcappgm: only IPv4 synthesis is implemented")
	}

	udpLen := 8 + len(payload)
	totalLen := 20 + udpLen
	if totalLen > 0xffff {
		return nil, fmt.Errorf("pcappgm: datagram too large to synthesize: %d bytes", totalLen)
	}

	buf := make([]byte, totalLen)

	buf[0] = 0x45 // version 4, IHL 5
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], 0) // identification
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags/fragment offset
	buf[8] = 64                             // TTL
	buf[9] = 17                             // UDP
	srcBytes := src.Addr().As4()
	dstBytes := dst.Addr().As4()
	copy(buf[12:16], srcBytes[:])
	copy(buf[16:20], dstBytes[:])
	binary.BigEndian.PutUint16(buf[10:12], pgmwire.Checksum(buf[0:20]))

	udp := buf[20:]
	binary.BigEndian.PutUint16(udp[0:2], src.Port())
	binary.BigEndian.PutUint16(udp[2:4], dst.Port())
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], payload)
	// UDP checksum is optional over IPv4; captures decode fine without it.
	binary.BigEndian.PutUint16(udp[6:8], 0)

	return buf, nil
}
