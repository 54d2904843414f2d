package pgm

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/steve-o/openpgm-sub002/internal/pgmfec"
	"github.com/steve-o/openpgm-sub002/internal/pgmnet"
	"github.com/steve-o/openpgm-sub002/internal/pgmpeer"
	"github.com/steve-o/openpgm-sub002/internal/pgmtxw"
	"github.com/steve-o/openpgm-sub002/internal/pgmwire"
	"github.com/steve-o/openpgm-sub002/pgmconfig"
)

// newBareSocket builds a Socket manually over loopback UDP sockets,
// bypassing Open's ASM JoinGroup (127.0.0.1 isn't a valid multicast
// address) so the wire-level and timer-driven paths can be exercised
// directly in-process.
func newBareSocket(t *testing.T, cfg pgmconfig.Config) *Socket {
	t.Helper()
	cfg.Normalize()

	recvConn, err := pgmnet.Open(pgmnet.Config{Mode: pgmnet.ModeUDPv4, LocalAddr: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("open recv conn: %v", err)
	}
	sendConn, err := pgmnet.Open(pgmnet.Config{Mode: pgmnet.ModeUDPv4, LocalAddr: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("open send conn: %v", err)
	}
	raConn, err := pgmnet.Open(pgmnet.Config{Mode: pgmnet.ModeUDPv4, LocalAddr: net.IPv4(127, 0, 0, 1), RouterAlert: true})
	if err != nil {
		t.Fatalf("open router-alert conn: %v", err)
	}

	gsi := mustGSI(t)
	tsi := pgmwire.TSI{GSI: gsi, Port: localPort(recvConn.PacketConn)}

	s := &Socket{
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:       cfg,
		tsi:       tsi,
		sourceNLA: nlaFromIP(net.IPv4(127, 0, 0, 1)),
		groupNLA:  nlaFromIP(net.IPv4(127, 0, 0, 1)),
		destAddr:  recvConn.PacketConn.LocalAddr(),
		destPort:  tsi.Port,
		mode:      pgmnet.ModeUDPv4,
		recvConn:  recvConn,
		sendConn:  sendConn,
		raConn:    raConn,
		txw:       pgmtxw.NewWindow(cfg.TXWSqns),
		rate:      newRateController(cfg),
		peers:     pgmpeer.NewTable(nil),
		rxwCfg:    rxwConfigFrom(cfg),

		recvReadyCh:    make(chan struct{}, 1),
		repairReadyCh:  make(chan struct{}, 1),
		pendingReadyCh: make(chan struct{}, 1),
		ackReadyCh:     make(chan struct{}, 1),

		doneCh: make(chan struct{}),

		canSendData: true,
		canSendNak:  true,
		canRecvData: true,
	}
	s.nextAmbientSPM = time.Now().Add(cfg.AmbientSPM.Duration())
	if cfg.PGMCC != nil {
		s.pgmcc = newPGMCCState(*cfg.PGMCC)
	}
	t.Cleanup(func() {
		recvConn.Close()
		sendConn.Close()
		raConn.Close()
	})
	return s
}

// newConnectedPair wires two bare sockets at each other over loopback UDP
// and starts their receive/timer loops, exercising the real wire codec end
// to end without requiring a multicast-capable sandbox.
func newConnectedPair(t *testing.T, cfg pgmconfig.Config) (a, b *Socket) {
	t.Helper()
	a = newBareSocket(t, cfg)
	b = newBareSocket(t, cfg)
	a.destAddr = b.recvConn.PacketConn.LocalAddr()
	a.destPort = b.tsi.Port
	b.destAddr = a.recvConn.PacketConn.LocalAddr()
	b.destPort = a.tsi.Port

	for _, s := range []*Socket{a, b} {
		s.wg.Add(2)
		go s.receiveLoop()
		go s.timerLoop()
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func recvMessage(t *testing.T, s *Socket, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		msg, err := s.Recv()
		if err == nil {
			return msg
		}
		if err != ErrWouldBlock {
			t.Fatalf("Recv: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("Recv: timed out waiting for message")
		}
		select {
		case <-s.RecvReady():
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func dataPacket(tsi pgmwire.TSI, sqn uint32, payload []byte, frag *pgmwire.OptFragment) pgmwire.Packet {
	return pgmwire.Packet{
		Header:   pgmwire.Header{SourcePort: tsi.Port, GSI: tsi.GSI, Type: pgmwire.TypeODATA},
		Data:     &pgmwire.DataHeader{Sqn: sqn},
		Payload:  payload,
		Options:  pgmwire.Options{Fragment: frag},
		Sequence: sqn,
	}
}

func mustGSI(t *testing.T) pgmwire.GSI {
	t.Helper()
	gsi, err := NewRandomGSI()
	if err != nil {
		t.Fatalf("NewRandomGSI: %v", err)
	}
	return gsi
}

func TestUnfragmentedHappyPath(t *testing.T) {
	cfg := *pgmconfig.Default()
	a, b := newConnectedPair(t, cfg)

	payload := []byte("hello, reliable multicast")
	if _, err := a.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := recvMessage(t, b, time.Second)
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestFragmentedAPDU(t *testing.T) {
	cfg := *pgmconfig.Default()
	cfg.MTU = 100
	a, b := newConnectedPair(t, cfg)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := a.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := recvMessage(t, b, time.Second)
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestSelectiveNAKRepair(t *testing.T) {
	cfg := *pgmconfig.Default()
	recv := newBareSocket(t, cfg)
	srcTSI := pgmwire.TSI{GSI: mustGSI(t), Port: 9000}

	now := time.Now()
	recv.onData(srcTSI, dataPacket(srcTSI, 0, []byte("one"), nil), now)
	recv.onData(srcTSI, dataPacket(srcTSI, 2, []byte("three"), nil), now)

	msg, err := recv.Recv()
	if err != nil || string(msg) != "one" {
		t.Fatalf("first Recv: msg=%q err=%v", msg, err)
	}
	if _, err := recv.Recv(); err != ErrWouldBlock {
		t.Fatalf("second Recv: expected WouldBlock, got %v", err)
	}

	later := now.Add(cfg.NakBackOffIvl.Duration() + time.Millisecond)
	recv.runPeerTimers(later)
	if got := recv.Stats().NAKsSent; got != 1 {
		t.Fatalf("NAKsSent = %d, want 1", got)
	}

	repaired := later.Add(time.Millisecond)
	recv.onData(srcTSI, dataPacket(srcTSI, 1, []byte("two"), nil), repaired)

	msg, err = recv.Recv()
	if err != nil || string(msg) != "two" {
		t.Fatalf("repaired Recv: msg=%q err=%v", msg, err)
	}
	msg, err = recv.Recv()
	if err != nil || string(msg) != "three" {
		t.Fatalf("trailing Recv: msg=%q err=%v", msg, err)
	}
}

func TestFECParityRecovery(t *testing.T) {
	const k, n = 4, 8
	cfg := *pgmconfig.Default()
	cfg.FEC = &pgmconfig.FECConfig{BlockSize: n, GroupSize: k}
	recv := newBareSocket(t, cfg)
	srcTSI := pgmwire.TSI{GSI: mustGSI(t), Port: 9001}

	const fragLen = 20
	apduLen := uint32(k * fragLen)
	originals := make([][]byte, k)
	for i := range originals {
		originals[i] = make([]byte, fragLen)
		for j := range originals[i] {
			originals[i][j] = byte(i*fragLen + j)
		}
	}
	enc, err := pgmfec.NewEncoder(n, k)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	parity, err := enc.Encode(originals)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	now := time.Now()
	for i, orig := range originals {
		if i == 1 {
			continue // dropped in transit, recovered below via parity
		}
		frag := &pgmwire.OptFragment{FirstSqn: 0, FragOff: uint32(i) * fragLen, ApduLen: apduLen}
		recv.onData(srcTSI, dataPacket(srcTSI, uint32(i), orig, frag), now)
	}
	recv.onData(srcTSI, dataPacket(srcTSI, uint32(k), parity[0], nil), now)

	got, err := recv.Recv()
	if err != nil {
		t.Fatalf("Recv after FEC recovery: %v", err)
	}
	var want []byte
	for _, orig := range originals {
		want = append(want, orig...)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("recovered APDU mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

func TestUnrecoverableLossResetsWindow(t *testing.T) {
	cfg := *pgmconfig.Default()
	recv := newBareSocket(t, cfg)
	srcTSI := pgmwire.TSI{GSI: mustGSI(t), Port: 9002}

	now := time.Now()
	recv.onData(srcTSI, dataPacket(srcTSI, 0, []byte("first"), nil), now)
	recv.onData(srcTSI, dataPacket(srcTSI, 2, []byte("third"), nil), now) // sqn 1 never arrives

	if _, err := recv.Recv(); err != nil {
		t.Fatalf("draining first message: %v", err)
	}

	step := cfg.NakRepeatIvl.Duration() + 20*time.Millisecond
	var gotReset bool
	for i := 0; i < 10 && !gotReset; i++ {
		now = now.Add(step)
		recv.runPeerTimers(now)
		_, err := recv.Recv()
		switch {
		case err == nil:
			t.Fatalf("unexpected successful Recv mid-loss")
		case err == ErrWouldBlock:
			continue
		default:
			var pe *Error
			if !errors.As(err, &pe) || pe.Kind != ErrorReset {
				t.Fatalf("unexpected error: %v", err)
			}
			gotReset = true
		}
	}
	if !gotReset {
		t.Fatalf("expected the gap to be declared unrecoverable within the timer budget")
	}
}

func TestPGMCCStallAndResume(t *testing.T) {
	cfg := *pgmconfig.Default()
	cfg.PGMCC = &pgmconfig.PGMCCConfig{AckCP: 0.1}
	send := newBareSocket(t, cfg)

	if _, err := send.Send([]byte("first")); err != nil {
		t.Fatalf("first Send: %v", err)
	}

	_, err := send.Send([]byte("second"))
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != ErrorCongestion {
		t.Fatalf("expected ErrorCongestion once tokens are spent, got %v", err)
	}

	ack := pgmwire.Packet{
		Header: pgmwire.Header{GSI: send.tsi.GSI, DestPort: send.tsi.Port},
		Ack:    &pgmwire.ACKHeader{RxMax: 1, Bitmap: 0xffffffff},
	}
	send.onACK(ack)

	select {
	case <-send.AckReady():
	default:
		t.Fatalf("expected AckReady to fire after a fully-acked ACK")
	}

	if _, err := send.Send([]byte("second")); err != nil {
		t.Fatalf("Send after ACK replenished tokens: %v", err)
	}
}
