package pgm

import (
	"net"
	"net/netip"
	"os"
	"time"
)

func openPcapFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

// captureOut mirrors an outbound datagram to the pcap writer, if enabled.
func (s *Socket) captureOut(buf []byte, dst net.Addr) {
	if s.pcap == nil {
		return
	}
	s.captureUDP(buf, s.localCaptureAddr(), dst)
}

// captureIn mirrors an inbound datagram to the pcap writer, if enabled.
func (s *Socket) captureIn(buf []byte, src net.Addr) {
	if s.pcap == nil {
		return
	}
	s.captureUDP(buf, src, s.localCaptureAddr())
}

func (s *Socket) captureUDP(buf []byte, src, dst net.Addr) {
	sAddr, sOK := addrPort(src)
	dAddr, dOK := addrPort(dst)
	if !sOK || !dOK {
		return
	}
	s.pcap.WriteUDPEncap(time.Now(), sAddr, dAddr, buf)
}

func (s *Socket) localCaptureAddr() net.Addr {
	return s.sendConn.PacketConn.LocalAddr()
}

func addrPort(a net.Addr) (netip.AddrPort, bool) {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	addr, ok := netip.AddrFromSlice(ua.IP.To4())
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr, uint16(ua.Port)), true
}
