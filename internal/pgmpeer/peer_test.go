package pgmpeer

import (
	"testing"
	"time"

	"github.com/steve-o/openpgm-sub002/internal/pgmrxw"
	"github.com/steve-o/openpgm-sub002/internal/pgmwire"
)

func testTSI(b byte) pgmwire.TSI {
	var g pgmwire.GSI
	g[0] = b
	return pgmwire.TSI{GSI: g, Port: 7500}
}

func TestLookupOrCreateCreatesOnce(t *testing.T) {
	table := NewTable(nil)
	now := time.Now()
	tsi := testTSI(1)

	p1, created1 := table.LookupOrCreate(tsi, now, pgmrxw.Config{MaxLength: 64})
	if !created1 {
		t.Fatalf("first LookupOrCreate: created = false, want true")
	}
	p2, created2 := table.LookupOrCreate(tsi, now, pgmrxw.Config{MaxLength: 64})
	if created2 {
		t.Fatalf("second LookupOrCreate: created = true, want false")
	}
	if p1 != p2 {
		t.Fatalf("LookupOrCreate returned different peers for the same TSI")
	}
	if table.Len() != 1 {
		t.Fatalf("Len = %d, want 1", table.Len())
	}
}

func TestUpdateSPMSqnOnlyAdvances(t *testing.T) {
	p := NewPeer(testTSI(2), time.Now(), pgmrxw.Config{MaxLength: 64})
	if !p.UpdateSPMSqn(10) {
		t.Fatalf("first UpdateSPMSqn: want advanced")
	}
	if p.UpdateSPMSqn(5) {
		t.Fatalf("UpdateSPMSqn with older sqn: want not advanced")
	}
	if !p.UpdateSPMSqn(11) {
		t.Fatalf("UpdateSPMSqn with newer sqn: want advanced")
	}
}

func TestSPMRArmAndFire(t *testing.T) {
	p := NewPeer(testTSI(3), time.Now(), pgmrxw.Config{MaxLength: 64})
	now := time.Now()
	p.ArmSPMR(now, 50*time.Millisecond)
	if p.DueSPMR(now) {
		t.Fatalf("SPMR due immediately after arming")
	}
	if !p.DueSPMR(now.Add(51 * time.Millisecond)) {
		t.Fatalf("SPMR not due after back-off elapsed")
	}
	p.SuppressSPMR()
	if p.DueSPMR(now.Add(time.Second)) {
		t.Fatalf("SPMR still due after suppression")
	}
}

func TestExpireRemovesStalePeers(t *testing.T) {
	table := NewTable(nil)
	base := time.Now()
	table.LookupOrCreate(testTSI(4), base, pgmrxw.Config{MaxLength: 64})
	table.LookupOrCreate(testTSI(5), base.Add(time.Minute), pgmrxw.Config{MaxLength: 64})

	expired := table.Expire(base.Add(31*time.Second), 30*time.Second)
	if len(expired) != 1 {
		t.Fatalf("Expire: got %d stale peers, want 1", len(expired))
	}
	if table.Len() != 1 {
		t.Fatalf("Len after Expire = %d, want 1", table.Len())
	}
}

func TestUpdateFECRoundTrips(t *testing.T) {
	p := NewPeer(testTSI(6), time.Now(), pgmrxw.Config{})
	p.UpdateFEC(12, 8, true)
	n, k, enabled := p.FEC()
	if n != 12 || k != 8 || !enabled {
		t.Fatalf("FEC = (%d,%d,%v), want (12,8,true)", n, k, enabled)
	}
}
