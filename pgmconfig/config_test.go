package pgmconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultAppliesSuggestedDefaults(t *testing.T) {
	cfg := Default()
	if cfg.MTU != 1500 {
		t.Fatalf("MTU = %d, want 1500", cfg.MTU)
	}
	if cfg.PeerExpiry.Duration() != 30*time.Second {
		t.Fatalf("PeerExpiry = %v, want 30s", cfg.PeerExpiry.Duration())
	}
	if cfg.NakDataRetries != 5 {
		t.Fatalf("NakDataRetries = %d, want 5", cfg.NakDataRetries)
	}
}

func TestLoadParsesYAMLAndFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgm.yaml")
	doc := `
mtu: 9000
ambient_spm: 5s
use_fec:
  block_size: 64
  group_size: 32
  ondemand_parity: true
use_pgmcc:
  ack_bo_ivl: 10ms
  ack_c: 1.0
  ack_c_p: 0.1
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MTU != 9000 {
		t.Fatalf("MTU = %d, want 9000", cfg.MTU)
	}
	if cfg.AmbientSPM.Duration() != 5*time.Second {
		t.Fatalf("AmbientSPM = %v, want 5s", cfg.AmbientSPM.Duration())
	}
	if cfg.FEC == nil || cfg.FEC.BlockSize != 64 || cfg.FEC.GroupSize != 32 {
		t.Fatalf("FEC = %+v, want block_size=64 group_size=32", cfg.FEC)
	}
	if cfg.PGMCC == nil || cfg.PGMCC.AckBackOffIvl.Duration() != 10*time.Millisecond {
		t.Fatalf("PGMCC = %+v, want ack_bo_ivl=10ms", cfg.PGMCC)
	}
	// Untouched fields still pick up defaults.
	if cfg.PeerExpiry.Duration() != 30*time.Second {
		t.Fatalf("PeerExpiry = %v, want default 30s", cfg.PeerExpiry.Duration())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/pgm.yaml"); err == nil {
		t.Fatalf("expected error loading a missing config file")
	}
}
