// Package pgmtxw implements the PGM transmit window: a fixed-capacity ring
// of outgoing skbs indexed by sequence number, the retransmit queue fed by
// incoming NAKs, and the unfolded-checksum cache that lets a retransmit
// avoid re-summing the TSDU. The retransmission-queue idiom follows
// internal/netstack/tcp.go's tcpSendBuffer, generalized from TCP's
// append-only segment list to PGM's sequence-indexed ring (PGM
// retransmits are replays of a specific SQN, not a cumulative-ACK stream).
package pgmtxw

import (
	"math"
	"sync"
)

// Skb is one outgoing PGM data packet held by the window.
type Skb struct {
	Sqn       uint32
	IsParity  bool
	TGSqn     uint32
	Payload   []byte // full serialized ODATA/RDATA wire bytes, header included
	UnfoldedChecksumTSDU uint32
	RetransmitCount int
}

// Window is the sequence-numbered retransmit ring.
type Window struct {
	mu sync.Mutex

	capacity uint32
	slots    []*Skb
	defined  bool

	trail uint32
	lead  uint32 // last assigned sequence number; valid once defined
	next  uint32 // next sequence number to assign

	lastAcked uint32 // PGMCC: highest sequence number ack'd by the current ACKer

	retransmitQueue []retransmitReq
	inQueue         map[uint32]bool

	// pending proactive-parity schedule, filled by ScheduleProactiveParity
	// and drained by PopProactiveParity.
	parityQueue []parityReq
}

type retransmitReq struct {
	Sqn      uint32
	IsParity bool
}

type parityReq struct {
	TGSqn    uint32
	NumParity int
}

// NewWindow creates a transmit window with room for capacity sequence
// numbers.
func NewWindow(capacity uint32) *Window {
	return &Window{
		capacity: capacity,
		slots:    make([]*Skb, capacity),
		inQueue:  make(map[uint32]bool),
	}
}

// SizeFromRate computes a window size in sequence numbers from a duration
// and rate: ceil(secs * max_rate / max_tpdu).
func SizeFromRate(secs float64, maxRateBytesPerSec, maxTPDU int) uint32 {
	if maxTPDU <= 0 {
		return 0
	}
	total := secs * float64(maxRateBytesPerSec)
	n := total / float64(maxTPDU)
	if n < 0 {
		return 0
	}
	return uint32(math.Ceil(n))
}

// Add stamps the next sequence number, stores the skb, and advances lead.
// If the window is already at capacity the oldest entry is evicted: the
// transmit window is the retransmit buffer, not a backlog, so the source is
// never blocked by its own window.
func (w *Window) Add(skb *Skb) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	sqn := w.next
	skb.Sqn = sqn
	w.next++

	idx := sqn % w.capacity
	if w.slots[idx] != nil {
		w.dropLocked()
	}
	w.slots[idx] = skb

	if !w.defined {
		w.defined = true
		w.trail = sqn
	}
	w.lead = sqn
	return sqn
}

func (w *Window) dropLocked() {
	w.trail++
}

// Get returns the skb for sqn, if still held.
func (w *Window) Get(sqn uint32) (*Skb, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.inBoundsLocked(sqn) {
		return nil, false
	}
	s := w.slots[sqn%w.capacity]
	if s == nil || s.Sqn != sqn {
		return nil, false
	}
	return s, true
}

func (w *Window) inBoundsLocked(sqn uint32) bool {
	if !w.defined {
		return false
	}
	return int32(sqn-w.trail) >= 0 && int32(w.lead-sqn) >= 0
}

// TrailLead returns the current advertised trail and lead, for SPM framing.
func (w *Window) TrailLead() (trail, lead uint32, defined bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trail, w.lead, w.defined
}

// NextSqn returns the next sequence number that Add will assign, without
// consuming it.
func (w *Window) NextSqn() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

// SetLastAcked records the PGMCC ACK high-water mark.
func (w *Window) SetLastAcked(sqn uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastAcked = sqn
}

// LastAcked returns the PGMCC ACK high-water mark.
func (w *Window) LastAcked() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastAcked
}

// RetransmitPush enqueues a request to retransmit sqn, coalescing
// duplicates already pending.
func (w *Window) RetransmitPush(sqn uint32, isParity bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inQueue[sqn] {
		return
	}
	w.inQueue[sqn] = true
	w.retransmitQueue = append(w.retransmitQueue, retransmitReq{Sqn: sqn, IsParity: isParity})
}

// RetransmitPeek returns the next pending retransmit request without
// removing it.
func (w *Window) RetransmitPeek() (sqn uint32, isParity bool, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.retransmitQueue) == 0 {
		return 0, false, false
	}
	r := w.retransmitQueue[0]
	return r.Sqn, r.IsParity, true
}

// RetransmitPop removes and returns the next pending retransmit request.
func (w *Window) RetransmitPop() (sqn uint32, isParity bool, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.retransmitQueue) == 0 {
		return 0, false, false
	}
	r := w.retransmitQueue[0]
	w.retransmitQueue = w.retransmitQueue[1:]
	delete(w.inQueue, r.Sqn)
	return r.Sqn, r.IsParity, true
}

// RetransmitLen reports the number of pending retransmit requests.
func (w *Window) RetransmitLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.retransmitQueue)
}

// ScheduleProactiveParity records that hPrime parity packets should be
// generated and queued for the transmission group starting at tgSqn. The
// caller (source engine) is responsible for invoking the FEC encoder and
// pushing the resulting parity skbs via Add + RetransmitPush.
func (w *Window) ScheduleProactiveParity(tgSqn uint32, hPrime int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.parityQueue = append(w.parityQueue, parityReq{TGSqn: tgSqn, NumParity: hPrime})
}

// PopProactiveParity dequeues the next scheduled proactive-parity request.
func (w *Window) PopProactiveParity() (tgSqn uint32, hPrime int, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.parityQueue) == 0 {
		return 0, 0, false
	}
	r := w.parityQueue[0]
	w.parityQueue = w.parityQueue[1:]
	return r.TGSqn, r.NumParity, true
}

// Len returns the number of sequence numbers currently held.
func (w *Window) Len() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.defined {
		return 0
	}
	return w.lead - w.trail + 1
}
