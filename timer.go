package pgm

import (
	"time"

	"github.com/steve-o/openpgm-sub002/internal/pgmpeer"
	"github.com/steve-o/openpgm-sub002/internal/pgmrxw"
	"github.com/steve-o/openpgm-sub002/internal/pgmwire"
)

// sendSPMR multicasts an SPM-Request addressed to peer's source, hastening
// its next SPM.
func (s *Socket) sendSPMR(peer *pgmpeer.Peer) {
	buf, err := pgmwire.Build(pgmwire.BuildParams{
		SourcePort:   s.tsi.Port,
		DestPort:     peer.TSI.Port,
		Type:         pgmwire.TypeSPMR,
		GSI:          peer.TSI.GSI,
		SkipChecksum: true,
	})
	if err != nil {
		s.log.Warn("pgm: build SPMR", "err", err)
		return
	}
	if err := s.writeRouterAlert(buf); err != nil {
		s.log.Warn("pgm: send SPMR", "err", err)
	}
}

const timerTick = 20 * time.Millisecond

// timerLoop drives every deadline-based state transition: ambient and
// heartbeat SPM emission, deferred RDATA retransmission, each peer's NAK
// state machine, and peer expiry. In the style of internal/netstack/tcp.go's
// periodic RTO scan, generalized from one per-connection RTO timer to the
// several component deadlines a PGM socket tracks at once. A real
// implementation would compute the single next_poll deadline and sleep
// exactly that long; a fixed tick is used here because every component
// (ambient SPM, heartbeat, per-peer NAK queues, peer expiry) already
// tolerates being polled early.
func (s *Socket) timerLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(timerTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			s.runTimers(time.Now())
		}
	}
}

func (s *Socket) runTimers(now time.Time) {
	s.fireAmbientAndHeartbeat(now)
	s.drainDeferredNAKs()
	s.runPeerTimers(now)
	s.expirePeers(now)
}

func (s *Socket) fireAmbientAndHeartbeat(now time.Time) {
	s.timerMu.Lock()
	ambientDue := !s.nextAmbientSPM.IsZero() && !now.Before(s.nextAmbientSPM)
	if ambientDue {
		s.nextAmbientSPM = now.Add(s.cfg.AmbientSPM.Duration())
	}

	heartbeatDue := false
	var nextStep int
	if len(s.cfg.HeartbeatSPM) > 0 && !s.heartbeatDue.IsZero() && !now.Before(s.heartbeatDue) {
		heartbeatDue = true
		nextStep = s.heartbeatStep + 1
		if nextStep >= len(s.cfg.HeartbeatSPM) {
			nextStep = len(s.cfg.HeartbeatSPM) - 1
		}
		s.heartbeatStep = nextStep
		s.heartbeatDue = now.Add(s.cfg.HeartbeatSPM[nextStep].Duration())
	}
	s.timerMu.Unlock()

	if !s.canSendData {
		return
	}
	if ambientDue || heartbeatDue {
		s.sendSPM(spmFlags{})
	}
}

func (s *Socket) drainDeferredNAKs() {
	if !s.canSendNak {
		return
	}
	for s.onDeferredNAK() {
	}
}

func (s *Socket) runPeerTimers(now time.Time) {
	if !s.canRecvData {
		return
	}
	s.peers.ForEach(func(p *pgmpeer.Peer) {
		cfg := pgmrxw.TimerConfig{
			NakRepeatIvl:   s.cfg.NakRepeatIvl.Duration(),
			NakRdataIvl:    s.cfg.NakRdataIvl.Duration(),
			NakDataRetries: s.cfg.NakDataRetries,
			NakNcfRetries:  s.cfg.NakNcfRetries,
		}
		toNak, lost := p.RXW.ProcessTimers(now, cfg)
		if len(lost) > 0 {
			s.stats.CumulativeLosses.Add(uint64(len(lost)))
			signal(s.pendingReadyCh)
		}
		s.emitNAKBatches(p, toNak)

		if p.DueSPMR(now) {
			p.FirePending()
			s.sendSPMR(p)
		}
	})
}

const maxNakListEntries = 62

// emitNAKBatches chunks toNak into OPT_NAK_LIST-sized groups (one primary
// SQN plus up to 62 secondaries) before handing each batch to sendNAK.
func (s *Socket) emitNAKBatches(peer *pgmpeer.Peer, toNak []uint32) {
	if len(toNak) == 0 {
		return
	}
	for len(toNak) > 0 {
		n := len(toNak)
		if n > maxNakListEntries+1 {
			n = maxNakListEntries + 1
		}
		s.sendNAK(peer, toNak[:n])
		toNak = toNak[n:]
	}
}

func (s *Socket) expirePeers(now time.Time) {
	expired := s.peers.Expire(now, s.cfg.PeerExpiry.Duration())
	for _, p := range expired {
		_ = p // nothing besides table removal to release; RXW holds no OS resources
	}
}
