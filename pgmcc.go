package pgm

import (
	"github.com/steve-o/openpgm-sub002/internal/pgmwire"
	"github.com/steve-o/openpgm-sub002/pgmconfig"
)

// pgmccState is the source-side PGMCC congestion controller. cwnd/tokens/
// ssthresh are modeled as plain float64 rather than an fp8 fixed point —
// Go has no native fixed-point type, so the float64 arithmetic this
// package already uses elsewhere (pgmfec's GF tables aside) is the
// natural fit.
type pgmccState struct {
	cfg pgmconfig.PGMCCConfig

	tokens   float64
	cwnd     float64
	ssthresh float64

	ackBitmap  uint32
	ackRxMax   uint32
	haveAcker  bool
	ackerNLA   pgmwire.NLA
	ackerLoss  float64
	suspended  uint32
	congested  bool
	lossEvents int
}

func newPGMCCState(cfg pgmconfig.PGMCCConfig) *pgmccState {
	return &pgmccState{
		cfg:      cfg,
		tokens:   1,
		cwnd:     1,
		ssthresh: 64,
	}
}

// HasTokens reports whether the source may transmit another TPDU.
func (p *pgmccState) HasTokens() bool {
	return p.tokens >= 1
}

// Spend decrements tokens by one TPDU, called after each successful
// ODATA/RDATA transmission.
func (p *pgmccState) Spend() {
	p.tokens--
	if p.tokens < 0 {
		p.tokens = 0
	}
}

// considerAcker replaces the current ACKer if candidate reports a higher
// rtt²×loss_rate score.
func (p *pgmccState) considerAcker(nla pgmwire.NLA, lossScore float64) {
	if !p.haveAcker || lossScore > p.ackerLoss {
		p.haveAcker = true
		p.ackerNLA = nla
		p.ackerLoss = lossScore
	}
}

// OnAck folds a received ACK's bitmap into the congestion state and
// returns the number of newly acknowledged sequences and whether that
// number is non-zero.
func (p *pgmccState) OnAck(ackRxMax, ackBitmap uint32) (newAcks int, ackReady bool) {
	delta := ackRxMax - p.ackRxMax
	if delta > 0 && delta < 32 {
		p.ackBitmap <<= delta
	} else if delta >= 32 {
		p.ackBitmap = 0
	}
	p.ackRxMax = ackRxMax

	merged := p.ackBitmap | ackBitmap
	newlySet := merged &^ p.ackBitmap
	p.ackBitmap = merged
	newAcks = popcount32(newlySet)

	allAckedRecently := ackBitmap == 0xffffffff

	if p.congested {
		if ackRxMax > p.suspended {
			p.congested = false
		} else {
			inc := float64(newAcks) * (1 + 1/p.cwnd)
			if inc > p.cwnd {
				inc = p.cwnd
			}
			p.tokens += inc
			if p.tokens > p.cwnd {
				p.tokens = p.cwnd
			}
			return newAcks, newAcks > 0
		}
	}

	if !allAckedRecently {
		p.lossEvents++
		if p.lossEvents >= 3 {
			p.cwnd /= 2
			if p.cwnd < 1 {
				p.cwnd = 1
			}
			p.tokens -= p.cwnd
			if p.tokens < 0 {
				p.tokens = 0
			}
			p.suspended = ackRxMax
			p.congested = true
			p.ackBitmap = 0xffffffff
			p.lossEvents = 0
			return newAcks, newAcks > 0
		}
	} else {
		p.lossEvents = 0
	}

	if p.cwnd < p.ssthresh {
		p.cwnd *= 2
	} else {
		p.cwnd += float64(newAcks) / p.cwnd
	}
	p.tokens += float64(newAcks)
	if p.tokens > p.cwnd {
		p.tokens = p.cwnd
	}
	return newAcks, newAcks > 0
}

func popcount32(v uint32) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}
