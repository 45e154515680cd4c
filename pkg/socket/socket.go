// Package socket owns the agent's listening endpoints: one dual-stack UDP
// socket for probe traffic and one dual-stack TCP socket for the control
// channel, both on the same port, plus the timestamping socket options.
package socket

import (
	"fmt"
	"net"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

const listenBacklog = 10

// BindPair creates and binds the UDP probe socket and the TCP control
// socket on the given port, both accepting native IPv6 and IPv4-mapped
// traffic. Any returned error means the agent cannot serve and the caller
// is expected to exit. Disabling IPV6_V6ONLY is best-effort: a v6-only
// socket still works at degraded reach, so that failure is only logged.
//
// Run once per process; a second call on the same port fails at bind.
func BindPair(port int) (udpFD, tcpFD int, err error) {
	sa := &unix.SockaddrInet6{Port: port}

	udpFD, err = unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, -1, fmt.Errorf("udp socket: %w", err)
	}
	if err = unix.SetsockoptInt(udpFD, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		log.Warnf("udp setsockopt IPV6_V6ONLY: %v", err)
	}
	if err = unix.Bind(udpFD, sa); err != nil {
		unix.Close(udpFD)
		return -1, -1, fmt.Errorf("udp bind port %d: %w", port, err)
	}

	tcpFD, err = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		unix.Close(udpFD)
		return -1, -1, fmt.Errorf("tcp socket: %w", err)
	}
	if err = unix.SetsockoptInt(tcpFD, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		log.Warnf("tcp setsockopt IPV6_V6ONLY: %v", err)
	}
	if err = unix.SetsockoptInt(tcpFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		log.Warnf("tcp setsockopt SO_REUSEADDR: %v", err)
	}
	if err = unix.Bind(tcpFD, sa); err != nil {
		unix.Close(udpFD)
		unix.Close(tcpFD)
		return -1, -1, fmt.Errorf("tcp bind port %d: %w", port, err)
	}
	if err = unix.Listen(tcpFD, listenBacklog); err != nil {
		unix.Close(udpFD)
		unix.Close(tcpFD)
		return -1, -1, fmt.Errorf("tcp listen: %w", err)
	}
	return udpFD, tcpFD, nil
}

// EnableTimestamping turns on kernel receive timestamping, and when kernelTx
// is set also transmit timestamping with completion records on the error
// queue. OPT_ID tags each completion with the kernel's send counter so it
// can be matched to a sequence number; OPT_TSONLY keeps the original packet
// out of the completion, which only has to carry the clock reading.
func EnableTimestamping(fd int, kernelTx bool) error {
	flags := unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE
	if kernelTx {
		flags |= unix.SOF_TIMESTAMPING_TX_SOFTWARE |
			unix.SOF_TIMESTAMPING_TX_HARDWARE |
			unix.SOF_TIMESTAMPING_OPT_ID |
			unix.SOF_TIMESTAMPING_OPT_TSONLY
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, flags); err != nil {
		return fmt.Errorf("setsockopt SO_TIMESTAMPING: %w", err)
	}
	return nil
}

// ApplyTrafficClass marks outgoing probe packets with the configured DSCP
// value and pins the hop limit, so probes ride the same queues as the
// traffic class being measured.
func ApplyTrafficClass(fd, tclass int) error {
	// Work on a dup: os.File owns the descriptor it wraps, and the probe
	// socket must outlive this call.
	dup, err := unix.Dup(fd)
	if err != nil {
		return fmt.Errorf("dup probe socket: %w", err)
	}
	f := os.NewFile(uintptr(dup), "probe")
	defer f.Close()
	pc, err := net.FilePacketConn(f)
	if err != nil {
		return fmt.Errorf("adopt probe socket: %w", err)
	}
	defer pc.Close()
	p := ipv6.NewPacketConn(pc)
	if err := p.SetTrafficClass(tclass); err != nil {
		return fmt.Errorf("set traffic class: %w", err)
	}
	if err := p.SetHopLimit(255); err != nil {
		return fmt.Errorf("set hop limit: %w", err)
	}
	return nil
}

// Listener adopts the bound-and-listening TCP fd into a net.Listener for
// the control channel. The fd is consumed: the listener works on its own
// duplicate and the original is closed.
func Listener(fd int) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), "control")
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("adopt control socket: %w", err)
	}
	return ln, nil
}

// LocalPort reports the port a socket ended up bound to, for callers that
// bound port 0.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet6:
		return v.Port, nil
	case *unix.SockaddrInet4:
		return v.Port, nil
	default:
		return 0, fmt.Errorf("unexpected sockaddr type %T", sa)
	}
}

// Addr converts a resolved UDP address into a sockaddr for the dual-stack
// probe socket. IPv4 peers become v4-mapped v6 addresses.
func Addr(a *net.UDPAddr) unix.Sockaddr {
	res := &unix.SockaddrInet6{Port: a.Port}
	copy(res.Addr[:], a.IP.To16())
	return res
}

// ResolveAddr parses a host:port peer endpoint into a sockaddr.
func ResolveAddr(ep string) (unix.Sockaddr, error) {
	a, err := net.ResolveUDPAddr("udp", ep)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", ep, err)
	}
	return Addr(a), nil
}

// AddrToString renders a sockaddr as host:port, unmapping v4-mapped
// addresses so the text form matches how the peer was configured.
func AddrToString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), fmt.Sprint(v.Port))
	case *unix.SockaddrInet6:
		ip := net.IP(v.Addr[:])
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		return net.JoinHostPort(ip.String(), fmt.Sprint(v.Port))
	default:
		return fmt.Sprintf("<%T>", sa)
	}
}

// AddrHost returns just the IP part of a sockaddr's text form.
func AddrHost(sa unix.Sockaddr) string {
	host, _, err := net.SplitHostPort(AddrToString(sa))
	if err != nil {
		return ""
	}
	return host
}
