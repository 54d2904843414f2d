package pgm

import (
	"fmt"
	"net"
	"time"

	"github.com/steve-o/openpgm-sub002/internal/pgmpeer"
	"github.com/steve-o/openpgm-sub002/internal/pgmrxw"
	"github.com/steve-o/openpgm-sub002/internal/pgmwire"
)

const spmrReplyFloor = 10 * time.Millisecond

// receiveLoop reads datagrams off the receive socket until the socket is
// closed, dispatching each parsed packet by type. In the style of
// internal/netstack/netstack.go's packet dispatch, generalized from a
// single TCP stream to a shared multicast socket fed by many peers.
func (s *Socket) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, 65536)
	for {
		select {
		case <-s.doneCh:
			return
		default:
		}

		s.recvConn.PacketConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.recvConn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.doneCh:
				return
			default:
				s.log.Debug("pgm: receive error", "err", err)
				continue
			}
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		var pkt pgmwire.Packet
		if s.mode.IsUDP() {
			pkt, err = pgmwire.ParseUDPEncap(raw)
		} else {
			pkt, _, err = pgmwire.ParseRaw(raw)
		}
		if err != nil {
			s.stats.PacketsDropped.Add(1)
			continue
		}
		s.captureIn(raw, addr)
		s.dispatch(pkt)
	}
}

// dispatch routes one parsed packet to its type-specific handler, ignoring
// packets that loop back from this socket's own transmissions (the socket
// answers control traffic for its own TSI directly, not via the receive
// path).
func (s *Socket) dispatch(pkt pgmwire.Packet) {
	now := time.Now()

	if pkt.Header.Type == pgmwire.TypeSPMR {
		s.onSPMR(pkt, now)
		return
	}
	if pkt.Header.Type == pgmwire.TypeNAK || pkt.Header.Type == pgmwire.TypeNNAK {
		s.onNAK(pkt)
		return
	}
	if pkt.Header.Type == pgmwire.TypeACK {
		s.onACK(pkt)
		return
	}

	tsi := pgmwire.TSI{GSI: pkt.Header.GSI, Port: pkt.Header.SourcePort}
	if tsi == s.tsi {
		return
	}

	switch pkt.Header.Type {
	case pgmwire.TypeSPM:
		s.onSPM(tsi, pkt, now)
	case pgmwire.TypeODATA, pgmwire.TypeRDATA:
		s.onData(tsi, pkt, now)
	case pgmwire.TypeNCF:
		s.onNCF(tsi, pkt, now)
	case pgmwire.TypePoll, pgmwire.TypePolr:
		// The poll-response cycle is outside the core transport.
	}
}

func (s *Socket) onSPM(tsi pgmwire.TSI, pkt pgmwire.Packet, now time.Time) {
	if pkt.Spm == nil {
		s.stats.MalformedSPMs.Add(1)
		return
	}
	if !s.canRecvData {
		return
	}

	peer, created := s.peers.LookupOrCreate(tsi, now, s.rxwCfg)
	peer.Touch(now)
	peer.SetNLA(pkt.Spm.NLA, s.groupNLA)
	peer.SuppressSPMR()
	if created {
		signal(s.pendingReadyCh)
	}
	if !peer.UpdateSPMSqn(pkt.Spm.Sqn) {
		return
	}

	if pkt.Options.ParityPrm != nil {
		n, _, _ := peer.FEC()
		if n == 0 {
			n = s.rxwCfg.N
		}
		peer.UpdateFEC(n, int(pkt.Options.ParityPrm.TGSize), pkt.Options.ParityPrm.Proactive || pkt.Options.ParityPrm.OnDemand)
	}
	if pkt.Options.Fin {
		peer.SetFinPending()
	}

	if newPlaceholders := peer.RXW.Update(pkt.Spm.Trail, pkt.Spm.Lead, now, s.cfg.NakBackOffIvl.Duration()); newPlaceholders > 0 {
		signal(s.pendingReadyCh)
	}
}

// onSPMR answers an SPM request addressed to this socket's own TSI, and
// otherwise suppresses the matching peer's own pending SPMR.
func (s *Socket) onSPMR(pkt pgmwire.Packet, now time.Time) {
	if pkt.Header.GSI == s.tsi.GSI && pkt.Header.DestPort == s.tsi.Port {
		if !s.canSendData {
			return
		}
		s.timerMu.Lock()
		due := now.Sub(s.lastSPMRReply) >= spmrReplyFloor
		if due {
			s.lastSPMRReply = now
		}
		s.timerMu.Unlock()
		if due {
			s.sendSPM(spmFlags{})
		}
		return
	}

	tsi := pgmwire.TSI{GSI: pkt.Header.GSI, Port: pkt.Header.DestPort}
	if peer, ok := s.peers.Lookup(tsi); ok {
		peer.SuppressSPMR()
	}
}

func (s *Socket) onData(tsi pgmwire.TSI, pkt pgmwire.Packet, now time.Time) {
	if !s.canRecvData || pkt.Data == nil {
		return
	}

	peer, created := s.peers.LookupOrCreate(tsi, now, s.rxwCfg)
	peer.Touch(now)
	if created {
		signal(s.pendingReadyCh)
		// Data arrived before any SPM established this peer's window
		// bounds; hasten one with an SPMR rather than waiting out the
		// ambient interval.
		peer.ArmSPMR(now, s.cfg.SPMRExpiry.Duration())
	}

	var frag *pgmrxw.Fragment
	if pkt.Options.Fragment != nil {
		frag = &pgmrxw.Fragment{
			FirstSqn: pkt.Options.Fragment.FirstSqn,
			FragOff:  pkt.Options.Fragment.FragOff,
			ApduLen:  pkt.Options.Fragment.ApduLen,
		}
	}
	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)
	skb := &pgmrxw.Skb{Sqn: pkt.Sequence, Payload: payload, Fragment: frag}

	switch peer.RXW.Add(skb, now, s.cfg.NakBackOffIvl.Duration()) {
	case pgmrxw.Appended, pgmrxw.Inserted:
		s.stats.DataBytesReceived.Add(uint64(len(payload)))
		signal(s.recvReadyCh)
	case pgmrxw.Missing:
		s.stats.DataBytesReceived.Add(uint64(len(payload)))
		signal(s.recvReadyCh)
		signal(s.pendingReadyCh)
	case pgmrxw.Bounds, pgmrxw.Malformed:
		s.stats.PacketsDropped.Add(1)
	case pgmrxw.Duplicate:
	}

	if s.pgmcc != nil && pkt.Options.PGMCCData != nil {
		s.maybeAck(peer, pkt, now)
	}
}

// maybeAck replies with a PGMCC ACK if this socket was named as the ACKer
// for the transmission carrying pkt.
func (s *Socket) maybeAck(peer *pgmpeer.Peer, pkt pgmwire.Packet, now time.Time) {
	if pkt.Options.PGMCCData.AckerNLA != s.sourceNLA {
		return
	}
	_, _, lead := peer.RXW.Bounds()
	bitmap := peer.RXW.LossBitmap()
	s.sendACK(pkt.Header.GSI, pkt.Header.SourcePort, lead, bitmap)
}

func (s *Socket) sendACK(gsi pgmwire.GSI, destPort uint16, rxMax, bitmap uint32) {
	buf, err := pgmwire.Build(pgmwire.BuildParams{
		SourcePort:   s.tsi.Port,
		DestPort:     destPort,
		Type:         pgmwire.TypeACK,
		GSI:          gsi,
		Ack:          &pgmwire.ACKHeader{RxMax: rxMax, Bitmap: bitmap},
		SkipChecksum: true,
	})
	if err != nil {
		s.log.Warn("pgm: build ACK", "err", err)
		return
	}
	if err := s.writeSend(buf); err != nil {
		s.log.Warn("pgm: send ACK", "err", err)
	}
}

func (s *Socket) onNCF(tsi pgmwire.TSI, pkt pgmwire.Packet, now time.Time) {
	if pkt.Nak == nil {
		s.stats.MalformedNCFs.Add(1)
		return
	}
	peer, ok := s.peers.Lookup(tsi)
	if !ok {
		return
	}
	peer.Touch(now)

	sqns := append([]uint32{pkt.Sequence}, pkt.Options.NakList...)
	for _, sqn := range sqns {
		peer.RXW.Confirm(sqn, now, s.cfg.NakRdataIvl.Duration(), s.cfg.NakBackOffIvl.Duration())
	}
}

// onACK feeds a PGMCC feedback ACK into the source-side congestion state.
func (s *Socket) onACK(pkt pgmwire.Packet) {
	if pkt.Ack == nil || s.pgmcc == nil {
		return
	}
	if pkt.Header.GSI != s.tsi.GSI || pkt.Header.DestPort != s.tsi.Port {
		return
	}
	newAcks, ready := s.pgmcc.OnAck(pkt.Ack.RxMax, pkt.Ack.Bitmap)
	s.txw.SetLastAcked(pkt.Ack.RxMax)
	if ready && newAcks > 0 {
		signal(s.ackReadyCh)
	}
}

// sendNAK requests retransmission of sqns from peer's source, coalescing up
// to the wire NAK-list limit into one NAK packet's primary sqn plus
// OPT_NAK_LIST.
func (s *Socket) sendNAK(peer *pgmpeer.Peer, sqns []uint32) {
	if len(sqns) == 0 {
		return
	}
	sourceNLA, groupNLA := peer.NLA()
	opts := pgmwire.Options{}
	if len(sqns) > 1 {
		opts.NakList = sqns[1:]
	}
	buf, err := pgmwire.Build(pgmwire.BuildParams{
		SourcePort:   s.tsi.Port,
		DestPort:     peer.TSI.Port,
		Type:         pgmwire.TypeNAK,
		GSI:          peer.TSI.GSI,
		Nak:          &pgmwire.NAKHeader{Sqn: sqns[0], SourceNLA: sourceNLA, GroupNLA: groupNLA},
		Options:      opts,
		SkipChecksum: true,
	})
	if err != nil {
		s.log.Warn("pgm: build NAK", "err", err)
		return
	}
	if err := s.writeRouterAlert(buf); err != nil {
		s.log.Warn("pgm: send NAK", "err", err)
		return
	}
	s.stats.NAKsSent.Add(1)
}

// Recv delivers one complete, in-order APDU across all tracked peers,
// reassembling fragments transparently. It returns ErrWouldBlock if
// nothing is ready, a Reset error wrapping an unrecoverable sequence-number
// gap once a peer's window reports loss, or an Eof error once a peer's
// OPT_FIN has been processed and its window is fully drained.
func (s *Socket) Recv() ([]byte, error) {
	if s.destroyed.Load() {
		return nil, ErrReset
	}

	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	var out []byte
	var lostAny, finDrained bool
	var drainedTSI pgmwire.TSI
	s.peers.ForEach(func(p *pgmpeer.Peer) {
		if out != nil {
			return
		}
		msgs, lost := p.RXW.ReadV(1)
		if lost {
			lostAny = true
		}
		if len(msgs) > 0 {
			out = joinMessage(msgs[0])
			return
		}
		if !finDrained && p.FinPending() {
			_, commitLead, lead := p.RXW.Bounds()
			if !p.RXW.Defined() || commitLead == lead+1 {
				finDrained = true
				drainedTSI = p.TSI
			}
		}
	})
	if out != nil {
		return out, nil
	}
	if lostAny {
		if s.cfg.AbortOnReset {
			go s.Close()
		}
		return nil, newError(ErrorReset, fmt.Errorf("pgm: unrecoverable sequence gap"))
	}
	if finDrained {
		s.peers.Remove(drainedTSI)
		return nil, ErrEOF
	}
	return nil, ErrWouldBlock
}

func joinMessage(m pgmrxw.Message) []byte {
	if len(m.Buffers) == 1 {
		return m.Buffers[0]
	}
	total := 0
	for _, b := range m.Buffers {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range m.Buffers {
		out = append(out, b...)
	}
	return out
}
