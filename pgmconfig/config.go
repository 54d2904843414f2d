// Package pgmconfig loads PGM socket options from a YAML document, for
// command-line tools and tests that prefer a config file to a sequence of
// call-by-call SetOption calls. Follows the same LoadX(path)-plus-defaults
// shape as examples/shared/testrunner's config loader, with the same
// Duration-wrapping-time.Duration idiom for human-readable interval fields
// in YAML.
package pgmconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can write "200ms" rather
// than a raw nanosecond integer.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("pgmconfig: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// FECConfig mirrors the USE_FEC socket-option struct.
type FECConfig struct {
	ProactivePackets int  `yaml:"proactive_packets"`
	BlockSize        int  `yaml:"block_size"` // n
	GroupSize        int  `yaml:"group_size"` // k
	OnDemandParity   bool `yaml:"ondemand_parity"`
	VarPktLen        bool `yaml:"var_pktlen"`
}

// PGMCCConfig mirrors the USE_PGMCC socket-option struct.
type PGMCCConfig struct {
	AckBackOffIvl Duration `yaml:"ack_bo_ivl"`
	AckC          float64  `yaml:"ack_c"`
	AckCP         float64  `yaml:"ack_c_p"`
}

// Config is the full settable-before-bind socket-option surface, loadable
// from a YAML document.
type Config struct {
	MTU           int  `yaml:"mtu"`
	MulticastLoop bool `yaml:"multicast_loop"`
	MulticastHops int  `yaml:"multicast_hops"`
	TOS           int  `yaml:"tos"`
	SndBuf        int  `yaml:"sndbuf"`
	RcvBuf        int  `yaml:"rcvbuf"`

	AmbientSPM   Duration   `yaml:"ambient_spm"`
	HeartbeatSPM []Duration `yaml:"heartbeat_spm"`

	TXWSqns   uint32   `yaml:"txw_sqns"`
	TXWSecs   Duration `yaml:"txw_secs"`
	TXWMaxRte int      `yaml:"txw_max_rte"`

	PeerExpiry Duration `yaml:"peer_expiry"`
	SPMRExpiry Duration `yaml:"spmr_expiry"`

	RXWSqns   uint32   `yaml:"rxw_sqns"`
	RXWSecs   Duration `yaml:"rxw_secs"`
	RXWMaxRte int      `yaml:"rxw_max_rte"`

	NakBackOffIvl  Duration `yaml:"nak_bo_ivl"`
	NakRepeatIvl   Duration `yaml:"nak_rpt_ivl"`
	NakRdataIvl    Duration `yaml:"nak_rdata_ivl"`
	NakDataRetries int      `yaml:"nak_data_retries"`
	NakNcfRetries  int      `yaml:"nak_ncf_retries"`

	FEC   *FECConfig   `yaml:"use_fec,omitempty"`
	CR    *Duration    `yaml:"use_cr,omitempty"` // crqst_ivl
	PGMCC *PGMCCConfig `yaml:"use_pgmcc,omitempty"`

	SendOnly     bool `yaml:"send_only"`
	RecvOnly     bool `yaml:"recv_only"`
	Passive      bool `yaml:"passive"`
	AbortOnReset bool `yaml:"abort_on_reset"`
	NoBlock      bool `yaml:"noblock"`

	Network string `yaml:"network"` // e.g. "239.192.0.1;10.0.0.1" (group;source)

	UDPEncapUnicastPort   int `yaml:"udp_encap_ucast_port"`
	UDPEncapMulticastPort int `yaml:"udp_encap_mcast_port"`

	IPRouterAlert bool `yaml:"ip_router_alert"`

	// PcapPath, when set, mirrors every sent/received datagram to this
	// libpcap file via internal/pcappgm (OPT_PCAP_PATH, an internal debug
	// hook outside the RFC option set).
	PcapPath string `yaml:"pcap_path,omitempty"`
}

// Normalize fills any zero-valued field with its suggested default, for
// callers (such as pgm.Open) that build a Config by hand rather than
// loading one from YAML.
func (c *Config) Normalize() {
	c.applyDefaults()
}

// defaults are suggested-but-not-normative constants (30s peer expiry,
// 5 data retries, 2 NCF retries).
func (c *Config) applyDefaults() {
	if c.MTU == 0 {
		c.MTU = 1500
	}
	if c.AmbientSPM == 0 {
		c.AmbientSPM = Duration(30 * time.Second)
	}
	if c.TXWSqns == 0 {
		c.TXWSqns = 1 << 13
	}
	if c.RXWSqns == 0 {
		c.RXWSqns = 1 << 13
	}
	if c.PeerExpiry == 0 {
		c.PeerExpiry = Duration(30 * time.Second)
	}
	if c.SPMRExpiry == 0 {
		c.SPMRExpiry = Duration(250 * time.Millisecond)
	}
	if c.NakBackOffIvl == 0 {
		c.NakBackOffIvl = Duration(50 * time.Millisecond)
	}
	if c.NakRepeatIvl == 0 {
		c.NakRepeatIvl = Duration(200 * time.Millisecond)
	}
	if c.NakRdataIvl == 0 {
		c.NakRdataIvl = Duration(200 * time.Millisecond)
	}
	if c.NakDataRetries == 0 {
		c.NakDataRetries = 5
	}
	if c.NakNcfRetries == 0 {
		c.NakNcfRetries = 2
	}
}

// Load reads and parses a YAML config file, applying the package defaults
// to any zero-valued field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pgmconfig: reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("pgmconfig: parsing config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a Config populated entirely with defaults, for callers
// that don't supply a file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
