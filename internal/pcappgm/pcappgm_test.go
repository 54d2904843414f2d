package pcappgm

import (
	"bytes"
	"net/netip"
	"testing"
	"time"
)

func TestNewWritesFileHeader(t *testing.T) {
	var buf bytes.Buffer
	if _, err := New(&buf, 0, nil); err != nil {
		t.Fatalf("New: %v", err)
	}
	if buf.Len() != 24 {
		t.Fatalf("file header length = %d, want 24", buf.Len())
	}
	if buf.Bytes()[0] != 0xd4 || buf.Bytes()[1] != 0xc3 {
		t.Fatalf("unexpected magic bytes: %x", buf.Bytes()[:4])
	}
}

func TestWriteRawAppendsRecord(t *testing.T) {
	var buf bytes.Buffer
	w, err := New(&buf, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	datagram := []byte{0x45, 0x00, 0x00, 0x1c}
	w.WriteRaw(time.Now(), datagram)

	if buf.Len() != 24+16+len(datagram) {
		t.Fatalf("buffer length = %d, want %d", buf.Len(), 24+16+len(datagram))
	}
}

func TestWriteUDPEncapSynthesizesIPv4Header(t *testing.T) {
	var buf bytes.Buffer
	w, err := New(&buf, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := netip.MustParseAddrPort("10.0.0.1:3056")
	dst := netip.MustParseAddrPort("239.1.1.1:7500")
	payload := []byte("pgm-data")
	w.WriteUDPEncap(time.Now(), src, dst, payload)

	rec := buf.Bytes()[24:]
	capLen := rec[8:12]
	wantCapLen := 20 + 8 + len(payload)
	gotCapLen := int(capLen[0])<<0 | int(capLen[1])<<8 | int(capLen[2])<<16 | int(capLen[3])<<24
	if gotCapLen != wantCapLen {
		t.Fatalf("capture length = %d, want %d", gotCapLen, wantCapLen)
	}
	frame := rec[16:]
	if frame[0] != 0x45 {
		t.Fatalf("synthesized IPv4 header version/IHL byte = %#x, want 0x45", frame[0])
	}
	if frame[9] != 17 {
		t.Fatalf("synthesized IPv4 protocol = %d, want 17 (UDP)", frame[9])
	}
	gotPayload := frame[28:]
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestSynthesizeRejectsIPv6(t *testing.T) {
	src := netip.MustParseAddrPort("[::1]:1000")
	dst := netip.MustParseAddrPort("[::2]:2000")
	if _, err := synthesizeIPv4UDP(src, dst, []byte("x")); err == nil {
		t.Fatalf("expected error synthesizing IPv6 frame")
	}
}
