package pgm

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/steve-o/openpgm-sub002/internal/pgmfec"
	"github.com/steve-o/openpgm-sub002/internal/pgmtxw"
	"github.com/steve-o/openpgm-sub002/internal/pgmwire"
)

const optionOverheadFragment = 2 + 12 // OPT_HEADER + OPT_FRAGMENT body
const ipHeaderLen = 20
const udpHeaderLen = 8

// maxTSDU returns the largest TSDU payload one TPDU can carry, accounting
// for the IP/UDP-encap overhead of the configured mode and, if fragmented
// is true, the OPT_FRAGMENT option's wire cost.
func (s *Socket) maxTSDU(fragmented bool) int {
	overhead := pgmwire.HeaderLen + 8 + ipHeaderLen // 8: ODATA data_sqn + data_trail
	if s.mode.IsUDP() {
		overhead += udpHeaderLen
	}
	if fragmented {
		overhead += 4 + optionOverheadFragment // OPT_LENGTH + OPT_FRAGMENT
	}
	n := s.cfg.MTU - overhead
	if n < 0 {
		return 0
	}
	return n
}

// Send transmits buf as a single APDU, fragmenting across multiple ODATA
// TPDUs when it exceeds one TPDU's TSDU capacity.
func (s *Socket) Send(buf []byte) (int, error) {
	return s.sendApdu(buf)
}

// Sendv transmits each element of bufs as an independent APDU.
func (s *Socket) Sendv(bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := s.sendApdu(b)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Socket) sendApdu(buf []byte) (int, error) {
	if s.destroyed.Load() {
		return 0, ErrReset
	}
	if !s.canSendData {
		return 0, newError(ErrorGeneric, fmt.Errorf("pgm: socket is not send-capable"))
	}
	if s.pgmcc != nil && !s.pgmcc.HasTokens() {
		return 0, newError(ErrorCongestion, nil)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	single := s.maxTSDU(false)
	if len(buf) <= single {
		if err := s.sendOneFragment(buf, nil); err != nil {
			return 0, err
		}
		return len(buf), nil
	}

	firstSqn := s.txw.NextSqn()
	apduLen := uint32(len(buf))
	chunk := s.maxTSDU(true)
	if chunk <= 0 {
		return 0, newError(ErrorGeneric, fmt.Errorf("pgm: MTU too small for fragmentation"))
	}

	sent := 0
	for off := 0; off < len(buf); off += chunk {
		end := off + chunk
		if end > len(buf) {
			end = len(buf)
		}
		frag := &pgmwire.OptFragment{FirstSqn: firstSqn, FragOff: uint32(off), ApduLen: apduLen}
		if err := s.sendOneFragment(buf[off:end], frag); err != nil {
			return sent, err
		}
		sent += end - off
	}
	return sent, nil
}

func (s *Socket) sendOneFragment(payload []byte, frag *pgmwire.OptFragment) error {
	if s.rate != nil {
		dec := s.rate.CheckNonBlocking(len(payload)+pgmwire.HeaderLen, true)
		if !dec.Allowed {
			if s.cfg.NoBlock {
				return newError(ErrorRateLimited, nil)
			}
			if err := s.rate.Wait(context.Background(), len(payload)+pgmwire.HeaderLen, true); err != nil {
				return newError(ErrorGeneric, err)
			}
		}
	}
	return s.sendODATACopy(payload, frag)
}

func (s *Socket) sendODATACopy(payload []byte, frag *pgmwire.OptFragment) error {
	opts := pgmwire.Options{}
	if frag != nil {
		opts.Fragment = frag
	}
	if s.pgmcc != nil {
		opts.PGMCCData = &pgmwire.OptPGMCCData{AckerNLA: s.sourceNLA}
	}

	trail, _, _ := s.txw.TrailLead()
	buf, err := pgmwire.Build(pgmwire.BuildParams{
		SourcePort: s.tsi.Port,
		DestPort:   s.destPort,
		Type:       pgmwire.TypeODATA,
		GSI:        s.tsi.GSI,
		Data:       &pgmwire.DataHeader{Sqn: s.txw.NextSqn(), Trail: trail},
		Payload:    payload,
		Options:    opts,
	})
	if err != nil {
		return newError(ErrorGeneric, err)
	}

	sqn := s.txw.Add(&pgmtxw.Skb{
		Payload:              buf,
		UnfoldedChecksumTSDU: pgmwire.UnfoldedChecksum(payload, 0),
	})

	if err := s.writeSend(buf); err != nil {
		return newError(ErrorGeneric, err)
	}
	s.stats.DataBytesSent.Add(uint64(len(payload)))
	if s.pgmcc != nil {
		s.pgmcc.Spend()
	}
	s.resetHeartbeat()

	if s.cfg.FEC != nil && s.cfg.FEC.GroupSize > 1 {
		s.maybeEncodeParity(sqn)
	}
	return nil
}

// maybeEncodeParity runs the FEC encoder once sqn completes a transmission
// group: the last original of each group of k triggers encoding over that
// group's k payloads.
func (s *Socket) maybeEncodeParity(sqn uint32) {
	k := s.cfg.FEC.GroupSize
	n := s.cfg.FEC.BlockSize
	tg := sqn &^ uint32(k-1)
	if sqn != tg+uint32(k-1) {
		return
	}

	originals := make([][]byte, k)
	for i := 0; i < k; i++ {
		skb, ok := s.txw.Get(tg + uint32(i))
		if !ok {
			return // group already partially evicted, nothing to encode
		}
		tsduLen := int(binary.BigEndian.Uint16(skb.Payload[14:16]))
		originals[i] = skb.Payload[len(skb.Payload)-tsduLen:]
	}
	if err := s.proactiveParity(originals, n, k); err != nil {
		s.log.Warn("pgm: proactive parity encode", "tg", tg, "err", err)
	}
}

func (s *Socket) writeSend(buf []byte) error {
	_, err := s.sendConn.WriteTo(buf, s.destAddr)
	if err == nil {
		s.captureOut(buf, s.destAddr)
	}
	return err
}

func (s *Socket) writeRouterAlert(buf []byte) error {
	_, err := s.raConn.WriteTo(buf, s.destAddr)
	if err == nil {
		s.captureOut(buf, s.destAddr)
	}
	return err
}

// spmFlags selects the optional session-lifecycle options an SPM carries.
type spmFlags struct {
	Syn bool
	Fin bool
}

// sendSPM emits a Source Path Message advertising the current transmit
// window bounds.
func (s *Socket) sendSPM(flags spmFlags) error {
	s.timerMu.Lock()
	sqn := s.spmSqn
	s.timerMu.Unlock()

	trail, lead, _ := s.txw.TrailLead()

	opts := pgmwire.Options{Fin: flags.Fin, Syn: flags.Syn}
	if s.cfg.FEC != nil {
		opts.ParityPrm = &pgmwire.OptParityPrm{
			Proactive: s.cfg.FEC.ProactivePackets > 0,
			OnDemand:  s.cfg.FEC.OnDemandParity,
			TGSize:    uint32(s.cfg.FEC.GroupSize),
		}
	}

	buf, err := pgmwire.Build(pgmwire.BuildParams{
		SourcePort:   s.tsi.Port,
		DestPort:     s.destPort,
		Type:         pgmwire.TypeSPM,
		GSI:          s.tsi.GSI,
		Spm:          &pgmwire.SPMHeader{Sqn: sqn, Trail: trail, Lead: lead, NLA: s.sourceNLA},
		Options:      opts,
		SkipChecksum: true,
	})
	if err != nil {
		return err
	}
	if err := s.writeRouterAlert(buf); err != nil {
		return err
	}

	s.timerMu.Lock()
	s.spmSqn++
	s.timerMu.Unlock()
	return nil
}

// onNAK handles an inbound NAK: it queues the requested sequences for
// retransmission and answers with an immediate NCF.
func (s *Socket) onNAK(pkt pgmwire.Packet) {
	if !s.canSendNak {
		return
	}
	if pkt.Header.GSI != s.tsi.GSI || pkt.Header.DestPort != s.tsi.Port {
		return
	}
	if pkt.Nak.SourceNLA != s.sourceNLA || pkt.Nak.GroupNLA != s.groupNLA {
		s.stats.MalformedNAKs.Add(1)
		return
	}

	sqns := append([]uint32{pkt.Sequence}, pkt.Options.NakList...)
	for _, sqn := range sqns {
		isParity := false
		if skb, ok := s.txw.Get(sqn); ok {
			isParity = skb.IsParity
		}
		s.txw.RetransmitPush(sqn, isParity)
	}
	if len(pkt.Options.NakList) > 0 {
		s.stats.SelectiveNAKsReceived.Add(1)
	}

	s.sendNCF(sqns)
	signal(s.repairReadyCh)
}

func (s *Socket) sendNCF(sqns []uint32) {
	if len(sqns) == 0 {
		return
	}
	opts := pgmwire.Options{}
	if len(sqns) > 1 {
		opts.NakList = sqns[1:]
	}
	buf, err := pgmwire.Build(pgmwire.BuildParams{
		SourcePort:   s.tsi.Port,
		DestPort:     s.destPort,
		Type:         pgmwire.TypeNCF,
		GSI:          s.tsi.GSI,
		Nak:          &pgmwire.NAKHeader{Sqn: sqns[0], SourceNLA: s.sourceNLA, GroupNLA: s.groupNLA},
		Options:      opts,
		SkipChecksum: true,
	})
	if err != nil {
		s.log.Warn("pgm: build NCF", "err", err)
		return
	}
	if err := s.writeRouterAlert(buf); err != nil {
		s.log.Warn("pgm: send NCF", "err", err)
		return
	}
	s.stats.NCFsSent.Add(1)
}

// onDeferredNAK pops the next pending retransmit request (if any) and
// emits it as RDATA, reusing the cached unfolded TSDU checksum so only the
// header prefix is re-summed.
func (s *Socket) onDeferredNAK() bool {
	sqn, _, ok := s.txw.RetransmitPop()
	if !ok {
		return false
	}
	skb, ok := s.txw.Get(sqn)
	if !ok {
		s.stats.NAKFailures.Add(1)
		return true
	}

	if err := s.retransmit(skb); err != nil {
		s.stats.NAKFailures.Add(1)
		s.log.Warn("pgm: retransmit", "sqn", sqn, "err", err)
		return true
	}
	skb.RetransmitCount++
	s.resetHeartbeat()
	return true
}

// retransmit rewrites a stored ODATA skb into RDATA: only the type byte
// and data_trail field mutate, so the checksum is recomputed by re-summing
// just the header-through-options prefix and folding that together with
// the TSDU's unfolded checksum cached at Add time, rather than re-summing
// the whole buffer.
func (s *Socket) retransmit(skb *pgmtxw.Skb) error {
	buf := make([]byte, len(skb.Payload))
	copy(buf, skb.Payload)
	buf[4] = byte(pgmwire.TypeRDATA)
	trail, _, _ := s.txw.TrailLead()
	binary.BigEndian.PutUint32(buf[pgmwire.HeaderLen+4:pgmwire.HeaderLen+8], trail)
	binary.BigEndian.PutUint16(buf[6:8], 0)

	tsduLen := int(binary.BigEndian.Uint16(buf[14:16]))
	prefixLen := len(buf) - tsduLen
	sum := pgmwire.UnfoldedChecksum(buf[:prefixLen], skb.UnfoldedChecksumTSDU)
	binary.BigEndian.PutUint16(buf[6:8], pgmwire.FoldChecksum(sum))

	if err := s.writeSend(buf); err != nil {
		return err
	}
	s.stats.RDATABytesSent.Add(uint64(len(buf) - pgmwire.HeaderLen - 8))
	return nil
}

// proactiveParity runs the Reed-Solomon encoder over a freshly completed
// transmission group, scheduling its parity TPDUs onto the transmit
// window's retransmit queue.
func (s *Socket) proactiveParity(originals [][]byte, n, k int) error {
	enc, err := pgmfec.NewEncoder(n, k)
	if err != nil {
		return err
	}
	hPrime := s.cfg.FEC.ProactivePackets
	if hPrime <= 0 || hPrime > n-k {
		hPrime = n - k
	}
	parity, err := enc.EncodeProactive(originals, hPrime)
	if err != nil {
		return err
	}
	for _, p := range parity {
		sqn := s.txw.Add(&pgmtxw.Skb{Payload: p, IsParity: true})
		s.txw.RetransmitPush(sqn, true)
	}
	return nil
}

func (s *Socket) resetHeartbeat() {
	s.timerMu.Lock()
	s.heartbeatStep = 0
	if len(s.cfg.HeartbeatSPM) > 0 {
		s.heartbeatDue = time.Now().Add(s.cfg.HeartbeatSPM[0].Duration())
	}
	s.timerMu.Unlock()
}
