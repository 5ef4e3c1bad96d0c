//go:build linux
// +build linux

// Package rawsocket implements pkg/transport directly on
// golang.org/x/sys/unix rather than Go's net package, mirroring the
// original implementation's raw BSD socket calls.
//
// RoundSender implements pkg/transport.RoundTransport for the server:
// each round opens a fresh socket, configures outbound multicast options,
// sends, then blocks in a recvfrom loop bound by SO_RCVTIMEO until the
// reply window lapses, then closes. Go's net package cannot reproduce
// this faithfully, since its runtime poller manages fds in non-blocking
// mode and never honors SO_RCVTIMEO.
//
// Client implements pkg/transport.Transport for the persistent,
// join-once socket the client binds to the multicast port.
package rawsocket

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Config configures both the round sender and the client.
type Config struct {
	GroupIP   net.IP // multicast group address
	Port      int
	Interface string // outbound interface for IP_MULTICAST_IF, optional
	TTL       int    // IP_MULTICAST_TTL on send, 0 or less selects 4
	Loopback  bool   // IP_MULTICAST_LOOP
}

func ipv4To4(ip net.IP) ([4]byte, error) {
	v4 := ip.To4()
	if v4 == nil {
		return [4]byte{}, fmt.Errorf("rawsocket: %s is not an IPv4 address", ip)
	}
	var out [4]byte
	copy(out[:], v4)
	return out, nil
}

func inet4Sockaddr(ip net.IP, port int) (*unix.SockaddrInet4, error) {
	addr, err := ipv4To4(ip)
	if err != nil {
		return nil, err
	}
	return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	a, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil
	}
	return &net.UDPAddr{IP: net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]), Port: a.Port}
}

// outboundInterfaceAddr resolves name to the first IPv4 address bound to
// it, for use as the IP_MULTICAST_IF value. An empty name resolves to
// INADDR_ANY, letting the kernel pick the outbound interface itself.
func outboundInterfaceAddr(name string) ([4]byte, error) {
	if name == "" {
		return [4]byte{}, nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return [4]byte{}, fmt.Errorf("rawsocket: interface %s: %w", name, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return [4]byte{}, fmt.Errorf("rawsocket: addrs for %s: %w", name, err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4, err := ipv4To4(ipNet.IP); err == nil {
			return v4, nil
		}
	}
	return [4]byte{}, fmt.Errorf("rawsocket: interface %s has no IPv4 address", name)
}

// RoundSender sends one broadcast round per call, on a freshly opened
// socket, polling for replies until recvTimeout of inactivity elapses.
type RoundSender struct {
	cfg    Config
	closed bool
}

// NewRoundSender returns a RoundSender targeting cfg.GroupIP:cfg.Port.
func NewRoundSender(cfg Config) *RoundSender {
	return &RoundSender{cfg: cfg}
}

// BroadcastRound implements transport.RoundTransport.
func (s *RoundSender) BroadcastRound(record []byte, recvTimeout time.Duration, handle func(data []byte, src *net.UDPAddr)) error {
	if s.closed {
		return fmt.Errorf("rawsocket: sender closed")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return fmt.Errorf("rawsocket: socket: %w", err)
	}
	defer unix.Close(fd)

	ifAddr, err := outboundInterfaceAddr(s.cfg.Interface)
	if err != nil {
		return err
	}
	if err := unix.SetsockoptInet4Addr(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, ifAddr); err != nil {
		return fmt.Errorf("rawsocket: set outbound interface: %w", err)
	}

	loop := byte(0)
	if s.cfg.Loopback {
		loop = 1
	}
	if err := unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, loop); err != nil {
		return fmt.Errorf("rawsocket: set multicast loop: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		return fmt.Errorf("rawsocket: set broadcast: %w", err)
	}

	ttl := s.cfg.TTL
	if ttl <= 0 {
		ttl = 4
	}
	if err := unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, byte(ttl)); err != nil {
		return fmt.Errorf("rawsocket: set ttl: %w", err)
	}

	dst, err := inet4Sockaddr(s.cfg.GroupIP, s.cfg.Port)
	if err != nil {
		return err
	}
	if err := unix.Sendto(fd, record, 0, dst); err != nil {
		return fmt.Errorf("rawsocket: sendto: %w", err)
	}

	tv := unix.NsecToTimeval(recvTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("rawsocket: set recv timeout: %w", err)
	}

	buf := make([]byte, len(record))
	for {
		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return fmt.Errorf("rawsocket: recvfrom: %w", err)
		}
		if n != len(record) {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		handle(data, sockaddrToUDPAddr(from))
	}
}

// Close marks the sender shut down. There is no persistent fd to release;
// each round opens and closes its own.
func (s *RoundSender) Close() error {
	s.closed = true
	return nil
}

// pollInterval bounds how long Client.Listen's recvfrom can block before
// it rechecks ctx, since SO_RCVTIMEO (unlike a Go read deadline) cannot be
// refreshed without re-entering the syscall.
const pollInterval = 250 * time.Millisecond

// Client is a persistent raw socket bound to the multicast port and
// joined to the group, used by the client engine to receive broadcasts
// and unicast replies back to whichever source sent them.
type Client struct {
	fd int
}

// DialClient opens, binds and joins a Client socket per cfg.
func DialClient(cfg Config) (*Client, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("rawsocket: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: set reuseaddr: %w", err)
	}

	bindAddr := &unix.SockaddrInet4{Port: cfg.Port}
	if err := unix.Bind(fd, bindAddr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: bind: %w", err)
	}

	groupAddr, err := ipv4To4(cfg.GroupIP)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	mreq := &unix.IPMreq{Multiaddr: groupAddr}
	if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: join group: %w", err)
	}

	ifAddr, err := outboundInterfaceAddr(cfg.Interface)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.SetsockoptInet4Addr(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, ifAddr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: set outbound interface: %w", err)
	}

	loop := byte(0)
	if cfg.Loopback {
		loop = 1
	}
	if err := unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, loop); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: set multicast loop: %w", err)
	}

	tv := unix.NsecToTimeval(pollInterval.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: set recv timeout: %w", err)
	}

	return &Client{fd: fd}, nil
}

// Send implements transport.Transport.
func (c *Client) Send(b []byte, dst *net.UDPAddr) error {
	sa, err := inet4Sockaddr(dst.IP, dst.Port)
	if err != nil {
		return err
	}
	if err := unix.Sendto(c.fd, b, 0, sa); err != nil {
		return fmt.Errorf("rawsocket: sendto: %w", err)
	}
	return nil
}

// Listen implements transport.Transport, polling with the socket's
// SO_RCVTIMEO so ctx cancellation is noticed within pollInterval even
// with no traffic.
func (c *Client) Listen(ctx context.Context, handle func(data []byte, src *net.UDPAddr)) error {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, from, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			if err == unix.EBADF {
				return nil
			}
			return fmt.Errorf("rawsocket: recvfrom: %w", err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		handle(data, sockaddrToUDPAddr(from))
	}
}

// Close implements transport.Transport.
func (c *Client) Close() error {
	return unix.Close(c.fd)
}
