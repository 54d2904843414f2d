// Package pgm implements the PGM (RFC 3208) reliable multicast transport:
// a source/receiver socket façade over raw IP or UDP encapsulation, with
// optional Reed-Solomon FEC and PGMCC congestion control. The socket
// combines both roles (as a real PGM session usually does — a source also
// answers SPMR/NAK/NCF control traffic, and a receiver also emits NAKs and
// SPMRs) into one engine, in the single-goroutine-per-connection style of
// internal/netstack/netstack.go, generalized from a TCP connection table to
// a multicast session.
package pgm

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steve-o/openpgm-sub002/internal/pcappgm"
	"github.com/steve-o/openpgm-sub002/internal/pgmnet"
	"github.com/steve-o/openpgm-sub002/internal/pgmpeer"
	"github.com/steve-o/openpgm-sub002/internal/pgmrate"
	"github.com/steve-o/openpgm-sub002/internal/pgmrxw"
	"github.com/steve-o/openpgm-sub002/internal/pgmtxw"
	"github.com/steve-o/openpgm-sub002/internal/pgmwire"
	"github.com/steve-o/openpgm-sub002/pgmconfig"
)

// Params configures a new Socket. The zero value of TSI requests a
// randomly generated GSI; SourcePort is then filled in from the bound port
// of the receive socket.
type Params struct {
	Mode      pgmnet.Mode
	LocalAddr net.IP
	Interface *net.Interface

	Group     net.IP
	GroupPort int // destination/UDP-encap port shared by send and receive sockets

	TSI pgmwire.TSI

	Config pgmconfig.Config
	Log    *slog.Logger
}

// fragState holds the fields describing progress through a partially sent
// APDU. sendApdu neither records nor resumes from it: a Send that fails
// part-way returns the bytes sent so far, and the next Send starts a new
// APDU.
type fragState struct {
	active   bool
	firstSqn uint32
	apduLen  uint32
	payload  []byte
	offset   uint32
}

// Socket is one PGM session: source engine, receiver engine, and the
// shared windows/peer table/timers both drive. Field groupings mirror the
// six-level lock hierarchy: mu (1), recvMu (2), sendMu (3), txw/rxw
// internal mutexes (4, inside pgmtxw/pgmrxw), timerMu (5), the peer
// table's own rwlock (6, inside pgmpeer).
type Socket struct {
	log *slog.Logger

	mu sync.RWMutex // level 1

	cfg pgmconfig.Config
	tsi pgmwire.TSI

	sourceNLA pgmwire.NLA
	groupNLA  pgmwire.NLA

	destAddr net.Addr
	destPort uint16

	mode     pgmnet.Mode
	recvConn *pgmnet.Conn
	sendConn *pgmnet.Conn
	raConn   *pgmnet.Conn

	recvMu sync.Mutex // level 2
	sendMu sync.Mutex // level 3

	txw  *pgmtxw.Window
	rate *pgmrate.Controller

	peers  *pgmpeer.Table
	rxwCfg pgmrxw.Config

	timerMu        sync.Mutex // level 5
	nextAmbientSPM time.Time
	heartbeatStep  int
	heartbeatDue   time.Time
	spmSqn         uint32
	lastSPMRReply  time.Time

	pgmcc *pgmccState

	stats Stats

	recvReadyCh    chan struct{}
	repairReadyCh  chan struct{}
	pendingReadyCh chan struct{}
	ackReadyCh     chan struct{}

	pcap *pcappgm.Writer

	destroyed atomic.Bool
	doneCh    chan struct{}
	wg        sync.WaitGroup

	canSendData bool
	canSendNak  bool
	canRecvData bool

	frag fragState
}

// Open creates and binds a Socket: it opens the receive/send/router-alert
// OS sockets, joins the multicast group for receive-capable sockets, and
// starts the background receive and timer loops.
func Open(p Params) (*Socket, error) {
	if p.Log == nil {
		p.Log = slog.Default()
	}
	p.Config.Normalize()

	tsi := p.TSI
	if tsi.GSI == (pgmwire.GSI{}) {
		gsi, err := NewRandomGSI()
		if err != nil {
			return nil, fmt.Errorf("pgm: open: generating GSI: %w", err)
		}
		tsi.GSI = gsi
	}

	recvConn, err := pgmnet.Open(pgmnet.Config{
		Mode:          p.Mode,
		LocalAddr:     p.LocalAddr,
		UDPPort:       p.GroupPort,
		Interface:     p.Interface,
		Loopback:      p.Config.MulticastLoop,
		MulticastHops: p.Config.MulticastHops,
		TOS:           p.Config.TOS,
		SndBufBytes:   p.Config.SndBuf,
		RcvBufBytes:   p.Config.RcvBuf,
	})
	if err != nil {
		return nil, fmt.Errorf("pgm: open: receive socket: %w", err)
	}
	if !p.Config.SendOnly {
		if err := recvConn.JoinGroup(p.Group); err != nil {
			recvConn.Close()
			return nil, fmt.Errorf("pgm: open: join group: %w", err)
		}
	}

	sendConn, err := pgmnet.Open(pgmnet.Config{
		Mode:          p.Mode,
		LocalAddr:     p.LocalAddr,
		Interface:     p.Interface,
		Loopback:      p.Config.MulticastLoop,
		MulticastHops: p.Config.MulticastHops,
		TOS:           p.Config.TOS,
		SndBufBytes:   p.Config.SndBuf,
	})
	if err != nil {
		recvConn.Close()
		return nil, fmt.Errorf("pgm: open: send socket: %w", err)
	}

	raConn, err := pgmnet.Open(pgmnet.Config{
		Mode:          p.Mode,
		LocalAddr:     p.LocalAddr,
		Interface:     p.Interface,
		MulticastHops: p.Config.MulticastHops,
		RouterAlert:   true,
	})
	if err != nil {
		recvConn.Close()
		sendConn.Close()
		return nil, fmt.Errorf("pgm: open: router-alert send socket: %w", err)
	}

	if p := localPort(recvConn.PacketConn); p != 0 {
		tsi.Port = p
	}

	txwSqns := p.Config.TXWSqns
	if txwSqns == 0 {
		txwSqns = 1 << 13
	}

	var pcapWriter *pcappgm.Writer
	if p.Config.PcapPath != "" {
		f, ferr := openPcapFile(p.Config.PcapPath)
		if ferr != nil {
			p.Log.Warn("pgm: opening pcap path failed, capture disabled", "err", ferr)
		} else if w, werr := pcappgm.New(f, 0, p.Log); werr != nil {
			p.Log.Warn("pgm: creating pcap writer failed, capture disabled", "err", werr)
		} else {
			pcapWriter = w
		}
	}

	s := &Socket{
		log:      p.Log,
		cfg:      p.Config,
		tsi:      tsi,
		sourceNLA: nlaFromIP(localIPOf(sendConn.PacketConn, p.LocalAddr)),
		groupNLA:  nlaFromIP(p.Group),
		destAddr:  destAddrFor(p.Mode, p.Group, p.GroupPort),
		destPort:  uint16(p.GroupPort),
		mode:      p.Mode,
		recvConn: recvConn,
		sendConn: sendConn,
		raConn:   raConn,
		txw:      pgmtxw.NewWindow(txwSqns),
		rate:     newRateController(p.Config),
		peers:    pgmpeer.NewTable(p.Log),
		rxwCfg:   rxwConfigFrom(p.Config),

		recvReadyCh:    make(chan struct{}, 1),
		repairReadyCh:  make(chan struct{}, 1),
		pendingReadyCh: make(chan struct{}, 1),
		ackReadyCh:     make(chan struct{}, 1),

		pcap: pcapWriter,

		doneCh: make(chan struct{}),

		canSendData: !p.Config.RecvOnly,
		canSendNak:  !p.Config.SendOnly,
		canRecvData: !p.Config.SendOnly,
	}
	s.nextAmbientSPM = time.Now().Add(p.Config.AmbientSPM.Duration())
	if p.Config.PGMCC != nil {
		s.pgmcc = newPGMCCState(*p.Config.PGMCC)
	}

	s.wg.Add(2)
	go s.receiveLoop()
	go s.timerLoop()

	// Three heartbeat SPMs advertise session start.
	for i := 0; i < 3; i++ {
		s.sendSPM(spmFlags{Syn: true})
	}
	return s, nil
}

func newRateController(cfg pgmconfig.Config) *pgmrate.Controller {
	c := pgmrate.New(cfg.TXWMaxRte, maxInt(cfg.MTU, 1500))
	if cfg.RXWMaxRte > 0 {
		c.SetOriginalsRate(cfg.RXWMaxRte, maxInt(cfg.MTU, 1500))
	}
	return c
}

func rxwConfigFrom(cfg pgmconfig.Config) pgmrxw.Config {
	rc := pgmrxw.Config{MaxLength: cfg.RXWSqns}
	if cfg.FEC != nil {
		rc.FECEnabled = true
		rc.N = cfg.FEC.BlockSize
		rc.K = cfg.FEC.GroupSize
		rc.VarPktLen = cfg.FEC.VarPktLen
	}
	if cfg.PGMCC != nil {
		rc.LossAlphaQ16 = uint32(cfg.PGMCC.AckCP * 65536)
	}
	return rc
}

func destAddrFor(mode pgmnet.Mode, group net.IP, port int) net.Addr {
	switch mode {
	case pgmnet.ModeUDPv4, pgmnet.ModeUDPv6:
		return &net.UDPAddr{IP: group, Port: port}
	default:
		return &net.IPAddr{IP: group}
	}
}

func nlaFromIP(ip net.IP) pgmwire.NLA {
	if v4 := ip.To4(); v4 != nil {
		return pgmwire.IPv4NLA(v4[0], v4[1], v4[2], v4[3])
	}
	var n pgmwire.NLA
	n.AFI = pgmwire.AFIIPv6
	copy(n.Addr[:], ip.To16())
	return n
}

func localIPOf(pc net.PacketConn, fallback net.IP) net.IP {
	if ua, ok := pc.LocalAddr().(*net.UDPAddr); ok && ua.IP != nil && !ua.IP.IsUnspecified() {
		return ua.IP
	}
	if fallback != nil {
		return fallback
	}
	return net.IPv4zero
}

func localPort(pc net.PacketConn) uint16 {
	if ua, ok := pc.LocalAddr().(*net.UDPAddr); ok {
		return uint16(ua.Port)
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// TSI returns this socket's transport session identifier.
func (s *Socket) TSI() pgmwire.TSI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tsi
}

// Stats returns a point-in-time snapshot of the socket's counters.
func (s *Socket) Stats() Snapshot {
	return s.stats.Snapshot()
}

// RecvReady returns the readiness channel signaled when recvmsg has data
// to deliver without blocking.
func (s *Socket) RecvReady() <-chan struct{} { return s.recvReadyCh }

// RepairReady is signaled when the retransmit queue has a pending RDATA
// to emit.
func (s *Socket) RepairReady() <-chan struct{} { return s.repairReadyCh }

// PendingReady is signaled when a new peer or window event needs the
// receiver engine's attention.
func (s *Socket) PendingReady() <-chan struct{} { return s.pendingReadyCh }

// AckReady is signaled when PGMCC admits more tokens after an ACK.
func (s *Socket) AckReady() <-chan struct{} { return s.ackReadyCh }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Close tears the socket down: it broadcasts OPT_FIN, stops the
// background loops, and releases the OS sockets. Further Send/Recv calls
// return ErrReset.
func (s *Socket) Close() error {
	if !s.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	// Three heartbeat SPMs advertise session end.
	for i := 0; i < 3; i++ {
		s.sendSPM(spmFlags{Fin: true})
	}
	close(s.doneCh)
	s.wg.Wait()

	s.recvConn.Close()
	s.sendConn.Close()
	s.raConn.Close()
	return nil
}
