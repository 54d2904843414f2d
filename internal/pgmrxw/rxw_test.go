package pgmrxw

import (
	"testing"
	"time"

	"github.com/steve-o/openpgm-sub002/internal/pgmfec"
)

func TestAddFirstPacketDefinesWindow(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	res := w.Add(&Skb{Sqn: 10, Payload: []byte("hello")}, time.Now(), time.Second)
	if res != Appended {
		t.Fatalf("Add: got %v, want Appended", res)
	}
	trail, commitLead, lead := w.Bounds()
	if trail != 10 || commitLead != 10 || lead != 10 {
		t.Fatalf("Bounds = (%d,%d,%d), want (10,10,10)", trail, commitLead, lead)
	}
}

func TestAddSequentialThenReadV(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	for i := uint32(0); i < 4; i++ {
		if res := w.Add(&Skb{Sqn: i, Payload: []byte{byte(i)}}, now, time.Second); res != Appended {
			t.Fatalf("Add(%d): got %v", i, res)
		}
	}
	msgs, lost := w.ReadV(10)
	if lost {
		t.Fatalf("unexpected loss")
	}
	if len(msgs) != 4 {
		t.Fatalf("ReadV: got %d messages, want 4", len(msgs))
	}
	for i, m := range msgs {
		if len(m.Buffers) != 1 || m.Buffers[0][0] != byte(i) {
			t.Fatalf("message %d payload mismatch: %v", i, m.Buffers)
		}
	}
}

func TestAddGapReturnsMissingAndCreatesBackOff(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	if res := w.Add(&Skb{Sqn: 0, Payload: []byte{0}}, now, time.Second); res != Appended {
		t.Fatalf("Add(0): got %v", res)
	}
	if res := w.Add(&Skb{Sqn: 3, Payload: []byte{3}}, now, time.Second); res != Missing {
		t.Fatalf("Add(3): got %v, want Missing", res)
	}
	e1, ok := w.ring[1]
	if !ok || e1.State != StateBackOff {
		t.Fatalf("sqn 1 = %+v, want present BACK_OFF", e1)
	}
	e2, ok := w.ring[2]
	if !ok || e2.State != StateBackOff {
		t.Fatalf("sqn 2 = %+v, want present BACK_OFF", e2)
	}
	msgs, _ := w.ReadV(10)
	if len(msgs) != 1 {
		t.Fatalf("ReadV before gap filled: got %d messages, want 1", len(msgs))
	}
}

func TestAddFillsGapAndDelivers(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	w.Add(&Skb{Sqn: 0, Payload: []byte{0}}, now, time.Second)
	w.Add(&Skb{Sqn: 2, Payload: []byte{2}}, now, time.Second)
	w.ReadV(10)

	res := w.Add(&Skb{Sqn: 1, Payload: []byte{1}}, now, time.Second)
	if res != Inserted {
		t.Fatalf("Add(1) into gap: got %v, want Inserted", res)
	}
	msgs, lost := w.ReadV(10)
	if lost {
		t.Fatalf("unexpected loss")
	}
	if len(msgs) != 2 {
		t.Fatalf("ReadV after gap fill: got %d messages, want 2", len(msgs))
	}
}

func TestDuplicateAddRejected(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	w.Add(&Skb{Sqn: 5, Payload: []byte{5}}, now, time.Second)
	w.Add(&Skb{Sqn: 7, Payload: []byte{7}}, now, time.Second)
	if res := w.Add(&Skb{Sqn: 5, Payload: []byte{5}}, now, time.Second); res != Duplicate {
		t.Fatalf("re-Add(5): got %v, want Duplicate", res)
	}
}

func TestConfirmAdvancesBackOffToWaitData(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	w.Add(&Skb{Sqn: 0, Payload: []byte{0}}, now, time.Second)
	w.Add(&Skb{Sqn: 2, Payload: []byte{2}}, now, time.Second)

	res := w.Confirm(1, now, 2*time.Second, time.Second)
	if res != Updated {
		t.Fatalf("Confirm(1): got %v, want Updated", res)
	}
	e := w.ring[1]
	if e.State != StateWaitData {
		t.Fatalf("sqn 1 state = %v, want WAIT_DATA", e.State)
	}
}

func TestConfirmBeyondLeadAppendsPlaceholders(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	w.Add(&Skb{Sqn: 0, Payload: []byte{0}}, now, time.Second)

	res := w.Confirm(3, now, 2*time.Second, time.Second)
	if res != ConfirmAppended {
		t.Fatalf("Confirm(3): got %v, want ConfirmAppended", res)
	}
	if _, _, lead := w.Bounds(); lead != 3 {
		t.Fatalf("lead = %d, want 3", lead)
	}
	if w.ring[1].State != StateBackOff || w.ring[2].State != StateBackOff {
		t.Fatalf("intermediate placeholders not BACK_OFF: %v %v", w.ring[1].State, w.ring[2].State)
	}
	if w.ring[3].State != StateWaitData {
		t.Fatalf("sqn 3 state = %v, want WAIT_DATA", w.ring[3].State)
	}
}

func TestUpdateAdvancesTrailAndDeclaresLost(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	w.Add(&Skb{Sqn: 0, Payload: []byte{0}}, now, time.Second)
	w.Add(&Skb{Sqn: 2, Payload: []byte{2}}, now, time.Second) // sqn 1 becomes BACK_OFF

	w.Update(2, 5, now, time.Second)
	if w.ring[1].State != StateLostData {
		t.Fatalf("sqn 1 state after Update = %v, want LOST_DATA", w.ring[1].State)
	}
	if got := w.CumulativeLosses(); got != 1 {
		t.Fatalf("CumulativeLosses = %d, want 1", got)
	}
	_, _, lead := w.Bounds()
	if lead != 5 {
		t.Fatalf("lead after Update = %d, want 5", lead)
	}
}

func TestLostMarksEntryAndReadVReportsLoss(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	w.Add(&Skb{Sqn: 0, Payload: []byte{0}}, now, time.Second)
	w.Add(&Skb{Sqn: 2, Payload: []byte{2}}, now, time.Second)

	// Force-lose the trail entry itself, before any ReadV has advanced
	// past it: the window's commit point and trail still coincide, so the
	// lost placeholder is dropped and the trail skips over it.
	w.Lost(0)
	msgs, lost := w.ReadV(10)
	if !lost {
		t.Fatalf("ReadV: want lost=true")
	}
	if len(msgs) != 0 {
		t.Fatalf("ReadV: got %d messages for a lost trail entry, want 0", len(msgs))
	}
}

func TestFragmentedAPDUReassembly(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	frag := &Fragment{FirstSqn: 0, ApduLen: 9}
	w.Add(&Skb{Sqn: 0, Payload: []byte("abc"), Fragment: frag}, now, time.Second)
	w.Add(&Skb{Sqn: 1, Payload: []byte("def"), Fragment: frag}, now, time.Second)
	w.Add(&Skb{Sqn: 2, Payload: []byte("ghi"), Fragment: frag}, now, time.Second)

	msgs, _ := w.ReadV(10)
	if len(msgs) != 1 {
		t.Fatalf("ReadV: got %d messages, want 1", len(msgs))
	}
	if len(msgs[0].Buffers) != 3 {
		t.Fatalf("message buffers = %d, want 3", len(msgs[0].Buffers))
	}
	got := string(msgs[0].Buffers[0]) + string(msgs[0].Buffers[1]) + string(msgs[0].Buffers[2])
	if got != "abcdefghi" {
		t.Fatalf("reassembled APDU = %q, want %q", got, "abcdefghi")
	}
}

func TestFragmentSpanningSingleSkbIsUnfragmented(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	res := w.Add(&Skb{Sqn: 0, Payload: []byte("whole"), Fragment: &Fragment{FirstSqn: 0, ApduLen: 5}}, now, time.Second)
	if res != Appended {
		t.Fatalf("Add: got %v", res)
	}
	if w.ring[0].Skb.Fragment != nil {
		t.Fatalf("single-fragment APDU should have Fragment cleared")
	}
}

func TestMalformedFragmentRejected(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	res := w.Add(&Skb{Sqn: 0, Payload: []byte("toolong"), Fragment: &Fragment{FirstSqn: 0, ApduLen: 3}}, now, time.Second)
	if res != Malformed {
		t.Fatalf("Add: got %v, want Malformed", res)
	}
}

func TestParityRecoversMissingOriginal(t *testing.T) {
	k, n := 2, 3
	enc, err := pgmfec.NewEncoder(n, k)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	originals := [][]byte{{0xAA}, {0xBB}}
	parity, err := enc.Encode(originals)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	cfg := Config{MaxLength: 64, FECEnabled: true, K: k, N: n}
	w := NewWindow(cfg)
	now := time.Now()

	w.Add(&Skb{Sqn: 0, Payload: originals[0]}, now, time.Second)
	// sqn 1 (original[1]) lost: skip it and deliver the group's parity
	// shard at sqn 2 instead.
	w.Add(&Skb{Sqn: 2, IsParity: true, Payload: parity[0]}, now, time.Second)

	if _, ok := w.ring[1]; !ok {
		t.Fatalf("expected placeholder at sqn 1 from the gap")
	}

	msgs, lost := w.ReadV(10)
	if lost {
		t.Fatalf("unexpected unrecoverable loss")
	}
	if len(msgs) != 2 {
		t.Fatalf("ReadV: got %d messages, want 2 (original + recovered)", len(msgs))
	}
	if msgs[1].Buffers[0][0] != originals[1][0] {
		t.Fatalf("recovered payload = %v, want %v", msgs[1].Buffers[0], originals[1])
	}
}

func TestBoundsRejectsSqnBehindCommitLead(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	w.Add(&Skb{Sqn: 5, Payload: []byte{5}}, now, time.Second)
	w.Add(&Skb{Sqn: 6, Payload: []byte{6}}, now, time.Second)
	w.ReadV(10)

	if res := w.Add(&Skb{Sqn: 5, Payload: []byte{5}}, now, time.Second); res != Bounds {
		t.Fatalf("Add behind commitLead: got %v, want Bounds", res)
	}
}

func TestDataLossEMAIncreasesOnLoss(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	w.Add(&Skb{Sqn: 0, Payload: []byte{0}}, now, time.Second)
	before := w.DataLossEMA()
	w.Add(&Skb{Sqn: 5, Payload: []byte{5}}, now, time.Second)
	after := w.DataLossEMA()
	if after <= before {
		t.Fatalf("DataLossEMA after gap = %d, want > %d", after, before)
	}
}

func TestProcessTimersEmitsNakThenExpiresToLost(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	w.Add(&Skb{Sqn: 0, Payload: []byte{0}}, now, 10*time.Millisecond)
	w.Add(&Skb{Sqn: 2, Payload: []byte{2}}, now, 10*time.Millisecond) // placeholder at 1

	cfg := TimerConfig{NakRepeatIvl: 10 * time.Millisecond, NakRdataIvl: 10 * time.Millisecond, NakDataRetries: 1, NakNcfRetries: 1}

	toNak, lost := w.ProcessTimers(now.Add(11*time.Millisecond), cfg)
	if len(toNak) != 1 || toNak[0] != 1 {
		t.Fatalf("ProcessTimers toNak = %v, want [1]", toNak)
	}
	if len(lost) != 0 {
		t.Fatalf("ProcessTimers lost = %v, want none yet", lost)
	}
	if w.ring[1].State != StateWaitNcf {
		t.Fatalf("sqn 1 state = %v, want WAIT_NCF", w.ring[1].State)
	}

	// WAIT_NCF expires with no NCF before a retry is exhausted: one retry
	// cycles back to BACK_OFF, the next declares it lost.
	w.ProcessTimers(now.Add(22*time.Millisecond), cfg)
	if w.ring[1].State != StateBackOff {
		t.Fatalf("sqn 1 state after first NCF timeout = %v, want BACK_OFF", w.ring[1].State)
	}
	w.ProcessTimers(now.Add(33*time.Millisecond), cfg)
	_, lost = w.ProcessTimers(now.Add(44*time.Millisecond), cfg)
	if len(lost) != 1 || lost[0] != 1 {
		t.Fatalf("ProcessTimers lost after exhausting NCF retries = %v, want [1]", lost)
	}
	if w.ring[1].State != StateLostData {
		t.Fatalf("sqn 1 state after exhausting NCF retries = %v, want LOST_DATA", w.ring[1].State)
	}
}

func TestNextExpiryReportsEarliest(t *testing.T) {
	w := NewWindow(Config{MaxLength: 64})
	now := time.Now()
	if _, ok := w.NextExpiry(); ok {
		t.Fatalf("NextExpiry on empty window: ok = true, want false")
	}
	w.Add(&Skb{Sqn: 0, Payload: []byte{0}}, now, 10*time.Millisecond)
	w.Add(&Skb{Sqn: 2, Payload: []byte{2}}, now, 10*time.Millisecond)
	exp, ok := w.NextExpiry()
	if !ok {
		t.Fatalf("NextExpiry: ok = false, want true")
	}
	if !exp.Equal(now.Add(10 * time.Millisecond)) {
		t.Fatalf("NextExpiry = %v, want %v", exp, now.Add(10*time.Millisecond))
	}
}
