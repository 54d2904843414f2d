package pgmrxw

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/steve-o/openpgm-sub002/internal/pgmfec"
	"github.com/steve-o/openpgm-sub002/internal/pgmseq"
)

const defaultMaxFragments = 4096

var errMalformedLength = errors.New("pgmrxw: recovered shard length trailer exceeds group capacity")

// Add inserts skb into the window. now and nakRbExpiry are used to arm the
// back-off timer on any placeholders a gap creates.
func (w *Window) Add(skb *Skb, now time.Time, nakRbExpiry time.Duration) AddResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	sqn := skb.Sqn

	if skb.Fragment != nil && !skb.IsParity {
		if skb.Fragment.ApduLen < uint32(len(skb.Payload)) {
			return Malformed
		}
		if pgmseq.GT(skb.Fragment.FirstSqn, sqn) {
			return Malformed
		}
		if skb.Fragment.ApduLen > w.cfg.MaxAPDU {
			return Malformed
		}
		if skb.Fragment.ApduLen == uint32(len(skb.Payload)) {
			skb.Fragment = nil
		}
	}

	if !w.defined {
		w.defined = true
		w.lead = sqn - 1
		w.trail = sqn
		w.commitLead = sqn
		w.rxwTrail = sqn
		w.rxwTrailInit = sqn
		w.constrained = true
	} else {
		boundSqn := sqn
		if skb.IsParity && w.cfg.K > 0 {
			boundSqn = tgSqn(sqn, w.cfg.K)
		}
		if pgmseq.Diff(w.trail, boundSqn) >= pgmseq.MaxWindowLength {
			return Bounds
		}
	}

	switch {
	case sqn == w.lead+1:
		return w.appendLocked(skb, now, nakRbExpiry)
	case pgmseq.GTE(sqn, w.commitLead) && pgmseq.LTE(sqn, w.lead):
		return w.insertLocked(skb)
	case pgmseq.LT(sqn, w.commitLead):
		return Bounds
	default:
		return w.gapLocked(skb, now, nakRbExpiry)
	}
}

func tgSqn(sqn uint32, k int) uint32 {
	mask := uint32(k - 1)
	return sqn &^ mask
}

func (w *Window) appendLocked(skb *Skb, now time.Time, nakRbExpiry time.Duration) AddResult {
	if w.lengthLocked() >= w.cfg.MaxLength && w.cfg.MaxLength > 0 {
		if !w.commitEmptyLocked() {
			return Bounds
		}
		w.evictTrailLocked()
	}

	e := &Entry{Sqn: skb.Sqn, Skb: skb}
	if skb.IsParity {
		e.State = StateHaveParity
	} else {
		e.State = StateHaveData
	}
	w.ring[skb.Sqn] = e
	w.lead = skb.Sqn
	w.shiftLossBitmap(false)
	w.updateLossStats(false, 1)
	return Appended
}

func (w *Window) insertLocked(skb *Skb) AddResult {
	if skb.IsParity && w.cfg.K > 0 {
		tg := tgSqn(skb.Sqn, w.cfg.K)
		for s := tg; pgmseq.LT(s, tg+uint32(w.cfg.K)); s++ {
			existing, ok := w.ring[s]
			if !ok || existing.State == StateBackOff || existing.State == StateWaitNcf || existing.State == StateWaitData {
				ne := &Entry{Sqn: s, Skb: skb, State: StateHaveParity}
				if ok {
					removeFromQueue(existing, w.queueFor(existing.State))
				}
				w.ring[s] = ne
				return Inserted
			}
		}
		return Duplicate
	}

	existing, ok := w.ring[skb.Sqn]
	if ok && (existing.State == StateHaveData || existing.State == StateCommitData) {
		return Duplicate
	}
	if ok {
		removeFromQueue(existing, w.queueFor(existing.State))
	}
	e := &Entry{Sqn: skb.Sqn, Skb: skb, State: StateHaveData}
	w.ring[skb.Sqn] = e
	return Inserted
}

func (w *Window) gapLocked(skb *Skb, now time.Time, nakRbExpiry time.Duration) AddResult {
	for s := w.lead + 1; pgmseq.LT(s, skb.Sqn); s++ {
		e := &Entry{Sqn: s, State: StateBackOff, TimerExpiry: now.Add(nakRbExpiry)}
		w.ring[s] = e
		e.elem = w.backOff.PushBack(e)
		w.shiftLossBitmap(true)
		w.updateLossStats(true, 1)
	}
	w.lead = skb.Sqn - 1
	res := w.appendLocked(skb, now, nakRbExpiry)
	if res == Appended {
		return Missing
	}
	return res
}

func (w *Window) evictTrailLocked() {
	e, ok := w.ring[w.trail]
	if ok && e.State != StateCommitData && e.State != StateLostData {
		w.cumulativeLosses++
	}
	if ok {
		removeFromQueue(e, w.queueFor(e.State))
	}
	delete(w.ring, w.trail)
	w.trail++
	if pgmseq.LT(w.commitLead, w.trail) {
		w.commitLead = w.trail
	}
}

// Update advances the advertised trail from an SPM and extends placeholders
// up to the transmit window's current lead.
func (w *Window) Update(txwTrail, txwLead uint32, now time.Time, nakRbExpiry time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.defined {
		return 0
	}

	if pgmseq.GT(txwTrail, w.rxwTrail) {
		old := w.rxwTrail
		w.rxwTrail = txwTrail
		if pgmseq.GT(w.rxwTrail, w.rxwTrailInit) {
			w.constrained = false
		}
		for s := old; pgmseq.LT(s, txwTrail); s++ {
			if e, ok := w.ring[s]; ok {
				if e.State == StateBackOff || e.State == StateWaitNcf || e.State == StateWaitData {
					w.setState(e, StateLostData)
					w.cumulativeLosses++
				}
			}
		}
	}

	created := 0
	for s := w.lead + 1; pgmseq.LTE(s, txwLead); s++ {
		if w.cfg.MaxLength > 0 && w.lengthLocked() >= w.cfg.MaxLength {
			if w.commitEmptyLocked() {
				w.evictTrailLocked()
			} else {
				w.cumulativeLosses++
				break
			}
		}
		e := &Entry{Sqn: s, State: StateBackOff, TimerExpiry: now.Add(nakRbExpiry)}
		w.ring[s] = e
		e.elem = w.backOff.PushBack(e)
		w.lead = s
		created++
		w.shiftLossBitmap(true)
		w.updateLossStats(true, 1)
	}
	return created
}

// Confirm processes an NCF for sqn.
func (w *Window) Confirm(sqn uint32, now time.Time, nakRdataExpiry, nakRbExpiry time.Duration) ConfirmResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.defined {
		return ConfirmBounds
	}
	if pgmseq.LT(sqn, w.commitLead) {
		return ConfirmBounds
	}

	if pgmseq.LTE(sqn, w.lead) {
		e, ok := w.ring[sqn]
		if !ok {
			e = &Entry{Sqn: sqn}
			w.ring[sqn] = e
		}
		switch e.State {
		case StateBackOff, StateWaitNcf:
			w.setState(e, StateWaitData)
			e.TimerExpiry = now.Add(nakRdataExpiry)
			return Updated
		case StateHaveData, StateHaveParity, StateCommitData:
			return ConfirmDuplicate
		default:
			return Updated
		}
	}

	for s := w.lead + 1; pgmseq.LT(s, sqn); s++ {
		e := &Entry{Sqn: s, State: StateBackOff, TimerExpiry: now.Add(nakRbExpiry)}
		w.ring[s] = e
		e.elem = w.backOff.PushBack(e)
	}
	e := &Entry{Sqn: sqn, State: StateWaitData, TimerExpiry: now.Add(nakRdataExpiry)}
	w.ring[sqn] = e
	e.elem = w.waitData.PushBack(e)
	w.lead = sqn
	return ConfirmAppended
}

// Lost force-transitions sqn to LOST_DATA.
func (w *Window) Lost(sqn uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.ring[sqn]; ok && e.State != StateCommitData {
		w.setState(e, StateLostData)
		w.cumulativeLosses++
	}
}

// Message is one reassembled APDU, delivered as the ordered fragment
// payloads that compose it.
type Message struct {
	Buffers [][]byte
}

// ReadV delivers contiguous, complete APDUs starting at commitLead. It
// returns up to max messages. lost reports that the trail APDU was
// unrecoverable. A LOST_DATA entry at commitLead is purged, and the trail
// moved past it, only when the commit region is empty; otherwise it stays
// and every later ReadV call reports lost again. The window has no call
// that releases committed entries.
func (w *Window) ReadV(max int) (msgs []Message, lost bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(msgs) < max {
		if w.commitLead == w.lead+1 {
			break
		}
		e, ok := w.ring[w.commitLead]
		if !ok {
			break
		}
		if e.State == StateLostData {
			if w.commitEmptyLocked() {
				delete(w.ring, w.commitLead)
				w.commitLead++
				w.trail = w.commitLead
			}
			return msgs, true
		}
		if e.State != StateHaveData {
			break
		}

		entries, complete, unrecoverable := w.apduEntriesLocked(w.commitLead)
		if unrecoverable {
			w.setState(e, StateLostData)
			w.cumulativeLosses++
			continue
		}
		if !complete {
			break
		}

		msg := Message{}
		for _, ee := range entries {
			w.setState(ee, StateCommitData)
			ee.Skb.RefCount++
			msg.Buffers = append(msg.Buffers, ee.Skb.Payload)
		}
		msgs = append(msgs, msg)
		w.commitLead = entries[len(entries)-1].Sqn + 1
	}
	return msgs, false
}

// apduEntriesLocked walks forward from s0 collecting the entries of the
// APDU s0 begins, attempting FEC recovery on any missing member when FEC is
// configured. It returns (entries, complete, unrecoverable).
func (w *Window) apduEntriesLocked(s0 uint32) ([]*Entry, bool, bool) {
	first, ok := w.ring[s0]
	if !ok || first.State != StateHaveData {
		return nil, false, false
	}

	if first.Skb.Fragment == nil {
		return []*Entry{first}, true, false
	}

	apduLen := first.Skb.Fragment.ApduLen
	var entries []*Entry
	var total uint32
	s := s0
	for total < apduLen {
		if len(entries) >= defaultMaxFragments {
			return nil, false, true
		}
		e, ok := w.ring[s]
		if !ok || (e.State != StateHaveData && e.State != StateHaveParity) {
			if w.cfg.FECEnabled {
				recovered, unrecoverable := w.tryRecoverTGLocked(s)
				if unrecoverable {
					return nil, false, true
				}
				if !recovered {
					return nil, false, false
				}
				e, ok = w.ring[s]
				if !ok {
					return nil, false, false
				}
				if e.Skb.Fragment == nil {
					e.Skb.Fragment = &Fragment{FirstSqn: s0, FragOff: total, ApduLen: apduLen}
				}
			} else {
				return nil, false, false
			}
		}
		if e.State != StateHaveData {
			return nil, false, false
		}
		if e.Skb.Fragment == nil || e.Skb.Fragment.FirstSqn != s0 || e.Skb.Fragment.ApduLen != apduLen {
			return nil, false, true
		}
		entries = append(entries, e)
		total += uint32(len(e.Skb.Payload))
		s++
	}
	return entries, true, false
}

// tryRecoverTGLocked attempts RS decode of the transmission group
// containing sqn. It returns (recovered, unrecoverable).
func (w *Window) tryRecoverTGLocked(sqn uint32) (bool, bool) {
	k := w.cfg.K
	n := w.cfg.N
	if k == 0 || n == 0 {
		return false, false
	}
	tg := tgSqn(sqn, k)

	shards := make([][]byte, n)
	present := make([]bool, n)
	haveCount := 0
	maxLen := 0
	for i := 0; i < n; i++ {
		s := tg + uint32(i)
		e, ok := w.ring[s]
		if !ok {
			continue
		}
		if e.State == StateLostData {
			return false, true
		}
		if e.State == StateHaveData || e.State == StateHaveParity {
			shards[i] = e.Skb.Payload
			present[i] = true
			haveCount++
			if len(e.Skb.Payload) > maxLen {
				maxLen = len(e.Skb.Payload)
			}
		}
	}
	if haveCount < k {
		return false, false
	}

	if w.cfg.VarPktLen {
		for i := 0; i < n; i++ {
			if present[i] {
				shards[i] = padWithLengthTrailer(shards[i], maxLen)
			}
		}
	}

	if err := pgmfec.Decode(shards, present, k, n); err != nil {
		return false, false
	}

	// Trim and validate recovered originals before touching the ring, so a
	// malformed length abandons the whole group rather than leaving it
	// half-written.
	payloads := make([][]byte, k)
	for i := 0; i < k; i++ {
		payloads[i] = shards[i]
		if present[i] || !w.cfg.VarPktLen {
			continue
		}
		trimmed, err := trimLengthTrailer(shards[i], maxLen)
		if err != nil {
			return false, true
		}
		payloads[i] = trimmed
	}

	for i := 0; i < k; i++ {
		s := tg + uint32(i)
		if e, ok := w.ring[s]; ok {
			if e.State == StateHaveData || e.State == StateHaveParity {
				continue
			}
			removeFromQueue(e, w.queueFor(e.State))
		}
		w.ring[s] = &Entry{
			Sqn:   s,
			State: StateHaveData,
			Skb:   &Skb{Sqn: s, Payload: payloads[i]},
		}
	}
	return true, false
}

// padWithLengthTrailer zero-pads shard to maxLen and appends a 2-byte
// big-endian trailer recording its true length, the layout an
// OPT_VAR_PKTLEN transmission group uses so every shard the RS matrix
// operates on is the same length regardless of its true TSDU size.
func padWithLengthTrailer(shard []byte, maxLen int) []byte {
	out := make([]byte, maxLen+2)
	copy(out, shard)
	binary.BigEndian.PutUint16(out[maxLen:], uint16(len(shard)))
	return out
}

// trimLengthTrailer reverses padWithLengthTrailer on a freshly RS-decoded
// shard, returning a MALFORMED error if the recovered length trailer
// claims more data than the group's padded capacity allows.
func trimLengthTrailer(shard []byte, maxLen int) ([]byte, error) {
	if len(shard) != maxLen+2 {
		return nil, errMalformedLength
	}
	trueLen := int(binary.BigEndian.Uint16(shard[maxLen:]))
	if trueLen > maxLen {
		return nil, errMalformedLength
	}
	return shard[:trueLen], nil
}
