package pgmwire

import (
	"bytes"
	"testing"
)

func TestChecksumFoldsToZero(t *testing.T) {
	// Even length, so the appended checksum lands on a 16-bit word boundary.
	data := []byte("the quick brown fox jumps over the lazy dog!")
	sum := Checksum(data)
	buf := append(append([]byte(nil), data...), byte(sum>>8), byte(sum))
	if got := Checksum(buf); got != 0 {
		t.Fatalf("checksum did not fold to zero, got %#x", got)
	}
}

func TestBuildParseODATARoundTrip(t *testing.T) {
	payload := []byte("hello, multicast world")
	p := BuildParams{
		SourcePort: 1000,
		DestPort:   2000,
		Type:       TypeODATA,
		GSI:        GSI{1, 2, 3, 4, 5, 6},
		Data:       &DataHeader{Sqn: 42, Trail: 0},
		Payload:    payload,
	}
	buf, err := Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	got, err := ParseUDPEncap(buf)
	if err != nil {
		t.Fatalf("ParseUDPEncap: %v", err)
	}
	if got.Header.SourcePort != 1000 || got.Header.DestPort != 2000 {
		t.Fatalf("port mismatch: %+v", got.Header)
	}
	if got.Data == nil || got.Data.Sqn != 42 {
		t.Fatalf("data header mismatch: %+v", got.Data)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch: %q vs %q", got.Payload, payload)
	}
}

func TestBuildParseODATAWithFragment(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 100)
	p := BuildParams{
		Type: TypeODATA,
		Data: &DataHeader{Sqn: 7},
		Options: Options{
			Fragment: &OptFragment{FirstSqn: 7, FragOff: 0, ApduLen: 300},
		},
		Payload: payload,
	}
	buf, err := Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, err := ParseUDPEncap(buf)
	if err != nil {
		t.Fatalf("ParseUDPEncap: %v", err)
	}
	if got.Options.Fragment == nil {
		t.Fatalf("expected fragment option")
	}
	if got.Options.Fragment.ApduLen != 300 || got.Options.Fragment.FirstSqn != 7 {
		t.Fatalf("fragment mismatch: %+v", got.Options.Fragment)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestODATAWithoutChecksumRejected(t *testing.T) {
	p := BuildParams{Type: TypeODATA, Data: &DataHeader{Sqn: 1}, Payload: []byte("x"), SkipChecksum: true}
	buf, err := Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, err = ParseUDPEncap(buf)
	if err == nil {
		t.Fatalf("expected error for checksum-less ODATA")
	}
	pe, ok := err.(*ParseError)
	if !ok || pe.Kind != Proto {
		t.Fatalf("expected Proto ParseError, got %v", err)
	}
}

func TestSPMWithoutChecksumAccepted(t *testing.T) {
	p := BuildParams{
		Type:         TypeSPM,
		Spm:          &SPMHeader{Sqn: 1, Trail: 0, Lead: 10, NLA: IPv4NLA(10, 0, 0, 1)},
		SkipChecksum: true,
	}
	buf, err := Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, err := ParseUDPEncap(buf)
	if err != nil {
		t.Fatalf("unexpected error for checksum-less SPM: %v", err)
	}
	if got.Spm.Lead != 10 {
		t.Fatalf("spm mismatch: %+v", got.Spm)
	}
}

func TestCorruptedChecksumRejected(t *testing.T) {
	p := BuildParams{Type: TypeODATA, Data: &DataHeader{Sqn: 1}, Payload: []byte("x")}
	buf, err := Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	buf[len(buf)-1] ^= 0xff
	_, err = ParseUDPEncap(buf)
	if err == nil {
		t.Fatalf("expected checksum failure")
	}
	if pe, ok := err.(*ParseError); !ok || pe.Kind != Cksum {
		t.Fatalf("expected Cksum error, got %v", err)
	}
}

func TestNakListRoundTrip(t *testing.T) {
	p := BuildParams{
		Type: TypeNAK,
		Nak: &NAKHeader{
			Sqn:       5,
			SourceNLA: IPv4NLA(192, 168, 1, 1),
			GroupNLA:  IPv4NLA(239, 0, 0, 1),
		},
		Options: Options{NakList: []uint32{6, 7, 8, 9}},
	}
	buf, err := Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, err := ParseUDPEncap(buf)
	if err != nil {
		t.Fatalf("ParseUDPEncap: %v", err)
	}
	if len(got.Options.NakList) != 4 {
		t.Fatalf("nak list mismatch: %+v", got.Options.NakList)
	}
	if got.Nak.GroupNLA.AFI != AFIIPv4 {
		t.Fatalf("group nla afi mismatch")
	}
}

func TestOptionChainCapsAtSixteenOptions(t *testing.T) {
	// Synthesize a malformed OPT_LENGTH chain with more than 16 options
	// to confirm the hard cap trips before an infinite loop.
	buf := make([]byte, 4+17*2)
	buf[0] = optTypeLength
	buf[1] = 4
	total := len(buf)
	buf[2] = byte(total >> 8)
	buf[3] = byte(total)
	for i := 0; i < 17; i++ {
		o := 4 + i*2
		buf[o] = optTypeFin
		buf[o+1] = 2
	}
	buf[len(buf)-2] |= optEndMask
	_, _, err := parseOptions(buf)
	if err == nil {
		t.Fatalf("expected error for >16 options")
	}
}
