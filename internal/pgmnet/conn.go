// Package pgmnet opens and configures the OS sockets a PGM socket needs:
// a receive socket (raw IP protocol 113, or UDP encapsulation), a regular
// send socket, and a router-alert send socket (RFC 2113). Grounded in the
// teacher's direct-syscall idiom for reaching into a raw connection
// (internal/hv's golang.org/x/sys/unix setsockopt calls) and in the
// doublezero uping sender's raw-socket setup
// (other_examples/408ed90b_malbeclabs-doublezero__tools-uping-pkg-uping-sender.go),
// generalized from ICMP echo to PGM's raw-IP/UDP-encap duality.
package pgmnet

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// PGMProtocol is IPPROTO_PGM (RFC 3208 §5.1), used for native raw-IP mode.
const PGMProtocol = 113

// routerAlertOption is the RFC 2113 IP option: type 0x94 (copied, class 0,
// option 20), length 4, value 0 — inserted ahead of the PGM payload on
// SPM/NAK/NCF/SPMR/RDATA sends that must be examined by routers.
var routerAlertOption = [4]byte{0x94, 0x04, 0x00, 0x00}

// RouterAlertOption returns a copy of the RFC 2113 router-alert IP option
// bytes for callers building raw-IP packets by hand.
func RouterAlertOption() [4]byte { return routerAlertOption }

// Mode selects raw-IP (native PGM header) or UDP encapsulation.
type Mode int

const (
	ModeRawIPv4 Mode = iota
	ModeRawIPv6
	ModeUDPv4
	ModeUDPv6
)

// IsUDP reports whether m is one of the UDP-encapsulation modes.
func (m Mode) IsUDP() bool { return m == ModeUDPv4 || m == ModeUDPv6 }

// Config describes one socket to open.
type Config struct {
	Mode Mode

	// LocalAddr is the address to bind; zero value binds to the wildcard.
	LocalAddr net.IP
	// UDPPort is the encapsulation port, used only for Mode == ModeUDPv4/v6.
	UDPPort int

	Interface *net.Interface // egress/membership interface; nil uses the default

	MulticastHops int // TTL (IPv4) / hop limit (IPv6); 0 leaves the OS default
	Loopback      bool
	TOS           int

	SndBufBytes int
	RcvBufBytes int

	// RouterAlert requests the RFC 2113 IP_ROUTER_ALERT socket option on
	// platforms that support it as a setsockopt rather than a per-packet
	// IP option.
	RouterAlert bool
}

// Conn bundles the OS packet connection with its IPv4/IPv6 control wrapper.
// A socket façade holds three of these: receive, send, and router-alert
// send.
type Conn struct {
	PacketConn net.PacketConn
	v4         *ipv4.PacketConn
	v6         *ipv6.PacketConn

	mode Mode
}

// Open creates and configures one OS socket per cfg.
func Open(cfg Config) (*Conn, error) {
	pc, err := listen(cfg)
	if err != nil {
		return nil, fmt.Errorf("pgmnet: open: %w", err)
	}

	c := &Conn{PacketConn: pc, mode: cfg.Mode}
	switch cfg.Mode {
	case ModeRawIPv4, ModeUDPv4:
		c.v4 = ipv4.NewPacketConn(pc)
	case ModeRawIPv6, ModeUDPv6:
		c.v6 = ipv6.NewPacketConn(pc)
	}

	if err := c.configure(cfg); err != nil {
		pc.Close()
		return nil, err
	}
	return c, nil
}

// udpListenConfig sets SO_REUSEADDR (and SO_REUSEPORT where available)
// before bind, the way a multicast receiver must: PGM routinely has
// several sockets on the same host joining the same group on the same
// encapsulation port, and the plain bind a bare net.ListenPacket performs
// would only ever let the first of them claim it.
var udpListenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				serr = err
				return
			}
			// Best effort: older kernels may not expose SO_REUSEPORT.
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
		if err != nil {
			return err
		}
		return serr
	},
}

func listen(cfg Config) (net.PacketConn, error) {
	addr := "0.0.0.0"
	if cfg.LocalAddr != nil {
		addr = cfg.LocalAddr.String()
	}
	switch cfg.Mode {
	case ModeRawIPv4:
		return net.ListenPacket("ip4:113", addr)
	case ModeRawIPv6:
		return net.ListenPacket("ip6:113", addr)
	case ModeUDPv4:
		return udpListenConfig.ListenPacket(context.Background(), "udp4", fmt.Sprintf("%s:%d", addr, cfg.UDPPort))
	case ModeUDPv6:
		return udpListenConfig.ListenPacket(context.Background(), "udp6", fmt.Sprintf("[%s]:%d", addr, cfg.UDPPort))
	default:
		return nil, fmt.Errorf("pgmnet: unknown mode %d", cfg.Mode)
	}
}

func (c *Conn) configure(cfg Config) error {
	if c.v4 != nil {
		if cfg.MulticastHops > 0 {
			if err := c.v4.SetMulticastTTL(cfg.MulticastHops); err != nil {
				return fmt.Errorf("pgmnet: SetMulticastTTL: %w", err)
			}
		}
		if err := c.v4.SetMulticastLoopback(cfg.Loopback); err != nil {
			return fmt.Errorf("pgmnet: SetMulticastLoopback: %w", err)
		}
		if cfg.TOS > 0 {
			if err := c.v4.SetTOS(cfg.TOS); err != nil {
				return fmt.Errorf("pgmnet: SetTOS: %w", err)
			}
		}
		if err := c.v4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
			return fmt.Errorf("pgmnet: SetControlMessage: %w", err)
		}
	}
	if c.v6 != nil {
		if cfg.MulticastHops > 0 {
			if err := c.v6.SetMulticastHopLimit(cfg.MulticastHops); err != nil {
				return fmt.Errorf("pgmnet: SetMulticastHopLimit: %w", err)
			}
		}
		if err := c.v6.SetMulticastLoopback(cfg.Loopback); err != nil {
			return fmt.Errorf("pgmnet: SetMulticastLoopback: %w", err)
		}
		if err := c.v6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
			return fmt.Errorf("pgmnet: SetControlMessage: %w", err)
		}
	}

	if err := c.withRawConn(func(fd uintptr) error {
		if cfg.SndBufBytes > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SndBufBytes); err != nil {
				return fmt.Errorf("SO_SNDBUF: %w", err)
			}
		}
		if cfg.RcvBufBytes > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RcvBufBytes); err != nil {
				return fmt.Errorf("SO_RCVBUF: %w", err)
			}
		}
		if cfg.Mode == ModeRawIPv4 {
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
				return fmt.Errorf("IP_HDRINCL: %w", err)
			}
		}
		if cfg.RouterAlert {
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_ROUTER_ALERT, 1); err != nil {
				// Not every kernel build exposes IP_ROUTER_ALERT as a
				// setsockopt; the error is ignored and the socket is
				// used without the option.
				return nil
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("pgmnet: setsockopt: %w", err)
	}
	return nil
}

// withRawConn reaches through net.PacketConn into the underlying file
// descriptor, for direct syscall access via golang.org/x/sys/unix in the
// style of internal/hv/kvm and siblings.
func (c *Conn) withRawConn(fn func(fd uintptr) error) error {
	sc, ok := c.PacketConn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return fmt.Errorf("pgmnet: %T does not support SyscallConn", c.PacketConn)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var fnErr error
	if err := rc.Control(func(fd uintptr) {
		fnErr = fn(fd)
	}); err != nil {
		return err
	}
	return fnErr
}

// JoinGroup joins an ASM multicast group on the configured interface.
func (c *Conn) JoinGroup(group net.IP) error {
	if c.v4 != nil {
		return c.v4.JoinGroup(nil, &net.UDPAddr{IP: group})
	}
	if c.v6 != nil {
		return c.v6.JoinGroup(nil, &net.UDPAddr{IP: group})
	}
	return fmt.Errorf("pgmnet: JoinGroup: no control wrapper")
}

// LeaveGroup leaves a previously joined ASM multicast group.
func (c *Conn) LeaveGroup(group net.IP) error {
	if c.v4 != nil {
		return c.v4.LeaveGroup(nil, &net.UDPAddr{IP: group})
	}
	if c.v6 != nil {
		return c.v6.LeaveGroup(nil, &net.UDPAddr{IP: group})
	}
	return fmt.Errorf("pgmnet: LeaveGroup: no control wrapper")
}

// JoinSourceGroup joins an SSM (group, source) pair.
func (c *Conn) JoinSourceGroup(group, source net.IP) error {
	if c.v4 != nil {
		return c.v4.JoinSourceSpecificGroup(nil, &net.UDPAddr{IP: group}, &net.UDPAddr{IP: source})
	}
	if c.v6 != nil {
		return c.v6.JoinSourceSpecificGroup(nil, &net.UDPAddr{IP: group}, &net.UDPAddr{IP: source})
	}
	return fmt.Errorf("pgmnet: JoinSourceGroup: no control wrapper")
}

// LeaveSourceGroup leaves a previously joined SSM (group, source) pair.
func (c *Conn) LeaveSourceGroup(group, source net.IP) error {
	if c.v4 != nil {
		return c.v4.LeaveSourceSpecificGroup(nil, &net.UDPAddr{IP: group}, &net.UDPAddr{IP: source})
	}
	if c.v6 != nil {
		return c.v6.LeaveSourceSpecificGroup(nil, &net.UDPAddr{IP: group}, &net.UDPAddr{IP: source})
	}
	return fmt.Errorf("pgmnet: LeaveSourceGroup: no control wrapper")
}

// BlockSource excludes a source from an already-joined ASM group.
func (c *Conn) BlockSource(group, source net.IP) error {
	if c.v4 != nil {
		return c.v4.ExcludeSourceSpecificGroup(nil, &net.UDPAddr{IP: group}, &net.UDPAddr{IP: source})
	}
	if c.v6 != nil {
		return c.v6.ExcludeSourceSpecificGroup(nil, &net.UDPAddr{IP: group}, &net.UDPAddr{IP: source})
	}
	return fmt.Errorf("pgmnet: BlockSource: no control wrapper")
}

// UnblockSource re-includes a previously blocked source.
func (c *Conn) UnblockSource(group, source net.IP) error {
	if c.v4 != nil {
		return c.v4.IncludeSourceSpecificGroup(nil, &net.UDPAddr{IP: group}, &net.UDPAddr{IP: source})
	}
	if c.v6 != nil {
		return c.v6.IncludeSourceSpecificGroup(nil, &net.UDPAddr{IP: group}, &net.UDPAddr{IP: source})
	}
	return fmt.Errorf("pgmnet: UnblockSource: no control wrapper")
}

// WriteTo sends b to dst.
func (c *Conn) WriteTo(b []byte, dst net.Addr) (int, error) {
	return c.PacketConn.WriteTo(b, dst)
}

// ReadFrom reads one datagram into b.
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	return c.PacketConn.ReadFrom(b)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.PacketConn.Close()
}
