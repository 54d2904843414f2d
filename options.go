package pgm

import (
	"fmt"
	"net"

	"github.com/steve-o/openpgm-sub002/pgmconfig"
)

// SetOption applies one pre-bind socket option by name. SetOption must be
// called on Params.Config
// before Open; Open copies the config into the socket and most options
// become immutable thereafter. It exists alongside direct field
// assignment on pgmconfig.Config so callers that enumerate options by
// name (a CLI flag table, a compatibility shim) have a single dispatch
// point rather than a giant switch of their own.
func SetOption(cfg *pgmconfig.Config, name string, value any) error {
	switch name {
	case "MTU":
		return setInt(&cfg.MTU, value)
	case "MULTICAST_LOOP":
		return setBool(&cfg.MulticastLoop, value)
	case "MULTICAST_HOPS":
		return setInt(&cfg.MulticastHops, value)
	case "TOS":
		return setInt(&cfg.TOS, value)
	case "SNDBUF":
		return setInt(&cfg.SndBuf, value)
	case "RCVBUF":
		return setInt(&cfg.RcvBuf, value)
	case "AMBIENT_SPM":
		return setDuration(&cfg.AmbientSPM, value)
	case "HEARTBEAT_SPM":
		steps, ok := value.([]pgmconfig.Duration)
		if !ok {
			return fmt.Errorf("pgm: HEARTBEAT_SPM wants []pgmconfig.Duration, got %T", value)
		}
		cfg.HeartbeatSPM = steps
		return nil
	case "TXW_SQNS":
		return setUint32(&cfg.TXWSqns, value)
	case "TXW_SECS":
		return setDuration(&cfg.TXWSecs, value)
	case "TXW_MAX_RTE":
		return setInt(&cfg.TXWMaxRte, value)
	case "PEER_EXPIRY":
		return setDuration(&cfg.PeerExpiry, value)
	case "SPMR_EXPIRY":
		return setDuration(&cfg.SPMRExpiry, value)
	case "RXW_SQNS":
		return setUint32(&cfg.RXWSqns, value)
	case "RXW_SECS":
		return setDuration(&cfg.RXWSecs, value)
	case "RXW_MAX_RTE":
		return setInt(&cfg.RXWMaxRte, value)
	case "NAK_BO_IVL":
		return setDuration(&cfg.NakBackOffIvl, value)
	case "NAK_RPT_IVL":
		return setDuration(&cfg.NakRepeatIvl, value)
	case "NAK_RDATA_IVL":
		return setDuration(&cfg.NakRdataIvl, value)
	case "NAK_DATA_RETRIES":
		return setInt(&cfg.NakDataRetries, value)
	case "NAK_NCF_RETRIES":
		return setInt(&cfg.NakNcfRetries, value)
	case "SEND_ONLY":
		return setBool(&cfg.SendOnly, value)
	case "RECV_ONLY":
		return setBool(&cfg.RecvOnly, value)
	case "PASSIVE":
		return setBool(&cfg.Passive, value)
	case "ABORT_ON_RESET":
		return setBool(&cfg.AbortOnReset, value)
	case "NOBLOCK":
		return setBool(&cfg.NoBlock, value)
	case "UDP_ENCAP_UCAST_PORT":
		return setInt(&cfg.UDPEncapUnicastPort, value)
	case "UDP_ENCAP_MCAST_PORT":
		return setInt(&cfg.UDPEncapMulticastPort, value)
	case "IP_ROUTER_ALERT":
		return setBool(&cfg.IPRouterAlert, value)
	case "USE_FEC":
		fec, ok := value.(pgmconfig.FECConfig)
		if !ok {
			return fmt.Errorf("pgm: USE_FEC wants pgmconfig.FECConfig, got %T", value)
		}
		cfg.FEC = &fec
		return nil
	case "USE_PGMCC":
		pc, ok := value.(pgmconfig.PGMCCConfig)
		if !ok {
			return fmt.Errorf("pgm: USE_PGMCC wants pgmconfig.PGMCCConfig, got %T", value)
		}
		cfg.PGMCC = &pc
		return nil
	case "USE_CR":
		d, ok := value.(pgmconfig.Duration)
		if !ok {
			return fmt.Errorf("pgm: USE_CR wants pgmconfig.Duration, got %T", value)
		}
		cfg.CR = &d
		return nil
	default:
		return fmt.Errorf("pgm: unknown or post-bind-only option %q", name)
	}
}

func setInt(dst *int, value any) error {
	v, ok := value.(int)
	if !ok {
		return fmt.Errorf("pgm: expected int, got %T", value)
	}
	*dst = v
	return nil
}

func setUint32(dst *uint32, value any) error {
	switch v := value.(type) {
	case uint32:
		*dst = v
	case int:
		*dst = uint32(v)
	default:
		return fmt.Errorf("pgm: expected uint32, got %T", value)
	}
	return nil
}

func setBool(dst *bool, value any) error {
	v, ok := value.(bool)
	if !ok {
		return fmt.Errorf("pgm: expected bool, got %T", value)
	}
	*dst = v
	return nil
}

func setDuration(dst *pgmconfig.Duration, value any) error {
	switch v := value.(type) {
	case pgmconfig.Duration:
		*dst = v
	default:
		return fmt.Errorf("pgm: expected pgmconfig.Duration, got %T", value)
	}
	return nil
}

// JoinGroup joins an additional ASM multicast group on the receive socket
// post-bind.
func (s *Socket) JoinGroup(group net.IP) error { return s.recvConn.JoinGroup(group) }

// LeaveGroup leaves a group previously joined with JoinGroup.
func (s *Socket) LeaveGroup(group net.IP) error { return s.recvConn.LeaveGroup(group) }

// JoinSourceGroup joins an SSM (group, source) pair post-bind.
func (s *Socket) JoinSourceGroup(group, source net.IP) error {
	return s.recvConn.JoinSourceGroup(group, source)
}

// LeaveSourceGroup leaves an SSM pair previously joined with
// JoinSourceGroup.
func (s *Socket) LeaveSourceGroup(group, source net.IP) error {
	return s.recvConn.LeaveSourceGroup(group, source)
}

// BlockSource excludes a source from an already-joined ASM group.
func (s *Socket) BlockSource(group, source net.IP) error {
	return s.recvConn.BlockSource(group, source)
}

// UnblockSource re-includes a source previously excluded with BlockSource.
func (s *Socket) UnblockSource(group, source net.IP) error {
	return s.recvConn.UnblockSource(group, source)
}

// MTU returns the configured maximum transmission unit.
func (s *Socket) MTU() int { return s.cfg.MTU }

// RateRemain reports the bytes the two-bucket rate controller would still
// admit before blocking, for TIME_REMAIN/RATE_REMAIN-style polling.
func (s *Socket) RateRemain() (total, originals int) {
	if s.rate == nil {
		return 0, 0
	}
	return s.rate.Remaining()
}
