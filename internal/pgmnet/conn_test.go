package pgmnet

import (
	"net"
	"testing"
)

func TestRouterAlertOptionBytes(t *testing.T) {
	want := [4]byte{0x94, 0x04, 0x00, 0x00}
	if got := RouterAlertOption(); got != want {
		t.Fatalf("RouterAlertOption = %v, want %v", got, want)
	}
}

func TestOpenUDPLoopback(t *testing.T) {
	c, err := Open(Config{Mode: ModeUDPv4, LocalAddr: net.ParseIP("127.0.0.1"), UDPPort: 0})
	if err != nil {
		t.Skipf("pgmnet: UDP socket unavailable in this environment: %v", err)
	}
	defer c.Close()

	if c.v4 == nil {
		t.Fatalf("expected ipv4 control wrapper for ModeUDPv4")
	}
}

func TestOpenRawIPv4RequiresPrivilege(t *testing.T) {
	_, err := Open(Config{Mode: ModeRawIPv4, RouterAlert: true})
	if err != nil {
		// Raw IP sockets need CAP_NET_RAW; this is the expected outcome
		// in an unprivileged test environment.
		t.Skipf("pgmnet: raw IP socket unavailable in this environment: %v", err)
	}
}
