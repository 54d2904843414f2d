// Package pgmpeer maps a transport session identifier to the receive-side
// state PGM keeps per remote source: its receive window, last-known network
// location, SPM sequence bookkeeping, and SPM-request back-off. Modeled on
// internal/netstack/netstack.go's tcpConns table, generalized from a
// four-tuple-keyed TCP connection map to a TSI-keyed peer map with an
// expiry sweep instead of FIN/RST teardown.
package pgmpeer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/steve-o/openpgm-sub002/internal/pgmrxw"
	"github.com/steve-o/openpgm-sub002/internal/pgmwire"
)

// Peer is one remote source's state as observed by a receiving socket.
type Peer struct {
	TSI pgmwire.TSI

	mu sync.Mutex

	sourceNLA pgmwire.NLA
	groupNLA  pgmwire.NLA

	spmSqn      uint32
	haveSpmSqn  bool
	lastHeard   time.Time
	spmrExpiry  time.Time
	spmrPending bool

	RXW *pgmrxw.Window

	fecK, fecN int
	fecEnabled bool

	finPending bool
}

// NewPeer creates a peer table entry for tsi, seen for the first time at
// now, owning an RXW configured per cfg.
func NewPeer(tsi pgmwire.TSI, now time.Time, cfg pgmrxw.Config) *Peer {
	return &Peer{
		TSI:       tsi,
		lastHeard: now,
		RXW:       pgmrxw.NewWindow(cfg),
		fecK:      cfg.K,
		fecN:      cfg.N,
	}
}

// Touch records that a packet was heard from this peer at now, resetting
// its peer-expiry clock.
func (p *Peer) Touch(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHeard = now
}

// LastHeard returns the time of the most recently processed packet.
func (p *Peer) LastHeard() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHeard
}

// Expired reports whether now is past lastHeard+peerExpiry.
func (p *Peer) Expired(now time.Time, peerExpiry time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastHeard) >= peerExpiry
}

// SetNLA records the source and optional group NLA most recently observed
// for this peer.
func (p *Peer) SetNLA(source, group pgmwire.NLA) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceNLA = source
	p.groupNLA = group
}

// NLA returns the last-known source and group network addresses.
func (p *Peer) NLA() (source, group pgmwire.NLA) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sourceNLA, p.groupNLA
}

// UpdateSPMSqn records sqn as the peer's latest observed SPM sequence if it
// is newer than what's already recorded. Returns true if it was newer.
func (p *Peer) UpdateSPMSqn(sqn uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveSpmSqn {
		p.spmSqn = sqn
		p.haveSpmSqn = true
		return true
	}
	if int32(sqn-p.spmSqn) <= 0 {
		return false
	}
	p.spmSqn = sqn
	return true
}

// UpdateFEC records the transmission-group parameters of an OPT_PARITY_PRM
// observed on an SPM, for FEC to report. It does not touch the peer's RXW,
// which keeps the parameters it was created with for parity recovery.
func (p *Peer) UpdateFEC(n, k int, enabled bool) {
	p.mu.Lock()
	p.fecN, p.fecK, p.fecEnabled = n, k, enabled
	p.mu.Unlock()
}

// FEC returns the peer's current transmission-group parameters.
func (p *Peer) FEC() (n, k int, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fecN, p.fecK, p.fecEnabled
}

// ArmSPMR schedules (or, if already pending, leaves alone) a one-shot
// SPM-Request back-off for this peer, expiring at now+ivl.
func (p *Peer) ArmSPMR(now time.Time, ivl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spmrPending {
		return
	}
	p.spmrPending = true
	p.spmrExpiry = now.Add(ivl)
}

// SuppressSPMR cancels a pending SPM-Request, called when any SPM for this
// peer's source is observed before the back-off fires.
func (p *Peer) SuppressSPMR() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spmrPending = false
}

// DueSPMR reports whether the peer's SPMR back-off has fired.
func (p *Peer) DueSPMR(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spmrPending && !now.Before(p.spmrExpiry)
}

// FirePending clears the pending SPMR flag once the request has been sent.
func (p *Peer) FirePending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spmrPending = false
}

// SetFinPending marks that this source sent OPT_FIN; the peer is removed
// once its RXW fully drains.
func (p *Peer) SetFinPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finPending = true
}

// FinPending reports whether OPT_FIN has been observed for this peer.
func (p *Peer) FinPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finPending
}

// Table is the TSI-keyed peer map owned by a receiving socket.
type Table struct {
	log *slog.Logger

	mu    sync.RWMutex
	peers map[pgmwire.TSI]*Peer
}

// NewTable creates an empty peer table.
func NewTable(log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		log:   log,
		peers: make(map[pgmwire.TSI]*Peer),
	}
}

// Lookup returns the existing peer for tsi, if any.
func (t *Table) Lookup(tsi pgmwire.TSI) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[tsi]
	return p, ok
}

// LookupOrCreate returns the existing peer for tsi, creating one configured
// per cfg if this is the first packet seen from it.
func (t *Table) LookupOrCreate(tsi pgmwire.TSI, now time.Time, cfg pgmrxw.Config) (peer *Peer, created bool) {
	t.mu.RLock()
	p, ok := t.peers[tsi]
	t.mu.RUnlock()
	if ok {
		return p, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[tsi]; ok {
		return p, false
	}
	p = NewPeer(tsi, now, cfg)
	t.peers[tsi] = p
	t.log.Debug("pgm: new peer", "tsi", tsi.String())
	return p, true
}

// Remove deletes tsi from the table, e.g. once its RXW drains after FIN or
// its peer-expiry timer fires.
func (t *Table) Remove(tsi pgmwire.TSI) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, tsi)
}

// Len returns the number of tracked peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// ForEach calls fn for every tracked peer. fn must not call back into the
// table (Remove/LookupOrCreate) while iterating.
func (t *Table) ForEach(fn func(*Peer)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		fn(p)
	}
}

// Expire removes and returns every peer whose peer-expiry timer has fired.
func (t *Table) Expire(now time.Time, peerExpiry time.Duration) []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*Peer
	for tsi, p := range t.peers {
		if p.Expired(now, peerExpiry) {
			expired = append(expired, p)
			delete(t.peers, tsi)
		}
	}
	return expired
}
