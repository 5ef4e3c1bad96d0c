// Package packetconn implements pkg/transport.Transport on top of a
// persistent golang.org/x/net/ipv4 packet connection shared between send
// and receive, grounded on the multicast listener/heartbeat pattern used
// elsewhere in this codebase's reference corpus.
package packetconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
)

const readPollInterval = 250 * time.Millisecond

// Config configures a Conn.
type Config struct {
	// LocalPort is the port this endpoint binds to.
	LocalPort int

	// GroupAddr is the multicast group to join (client) or send to
	// (server). Required for clients; optional for server-only Conns that
	// never call Listen with a joined group.
	GroupAddr *net.UDPAddr

	// JoinGroup, when true, joins GroupAddr for reception (client mode).
	JoinGroup bool

	// Interface pins the multicast group membership and outbound traffic
	// to a specific interface. Empty selects the system default.
	Interface string

	// TTL sets the outbound multicast hop limit. Zero leaves the OS
	// default in place.
	TTL int

	// Loopback enables receiving multicast datagrams this process itself
	// sent, useful for single-host testing.
	Loopback bool

	// BufferSize is the per-packet read buffer. Zero selects 2048, large
	// enough for the fixed-size sync record.
	BufferSize int
}

// Conn is a transport.Transport backed by one persistent UDP socket.
type Conn struct {
	udp        *net.UDPConn
	pconn      *ipv4.PacketConn
	bufferSize int
}

// Dial opens a Conn per cfg. When cfg.JoinGroup is set the socket binds to
// cfg.GroupAddr's port on the wildcard IP with SO_REUSEADDR set and joins the multicast group, matching how every
// participant on this port shares it. When unset, the socket binds to
// cfg.LocalPort (0 for an OS-assigned ephemeral port) and is used only to
// send and to receive unicast replies to whatever source port it sends
// from.
func Dial(cfg Config) (*Conn, error) {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 2048
	}

	port := cfg.LocalPort
	if cfg.JoinGroup {
		if cfg.GroupAddr == nil {
			return nil, errors.New("packetconn: JoinGroup requires GroupAddr")
		}
		port = cfg.GroupAddr.Port
	}

	lc := net.ListenConfig{Control: func(network, address string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		}); err != nil {
			return err
		}
		return serr
	}}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("packetconn: listen: %w", err)
	}
	udp := pc.(*net.UDPConn)

	pconn := ipv4.NewPacketConn(udp)

	var ifi *net.Interface
	if cfg.Interface != "" {
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			udp.Close()
			return nil, fmt.Errorf("packetconn: interface %s: %w", cfg.Interface, err)
		}
	}

	if cfg.JoinGroup {
		if err := pconn.JoinGroup(ifi, &net.UDPAddr{IP: cfg.GroupAddr.IP}); err != nil {
			udp.Close()
			return nil, fmt.Errorf("packetconn: join group: %w", err)
		}
	}

	if cfg.TTL > 0 {
		if err := pconn.SetMulticastTTL(cfg.TTL); err != nil {
			udp.Close()
			return nil, fmt.Errorf("packetconn: set ttl: %w", err)
		}
	}

	if err := pconn.SetMulticastLoopback(cfg.Loopback); err != nil {
		udp.Close()
		return nil, fmt.Errorf("packetconn: set loopback: %w", err)
	}

	if ifi != nil {
		if err := pconn.SetMulticastInterface(ifi); err != nil {
			udp.Close()
			return nil, fmt.Errorf("packetconn: set outbound interface: %w", err)
		}
	}

	return &Conn{udp: udp, pconn: pconn, bufferSize: bufferSize}, nil
}

// Send implements transport.Transport.
func (c *Conn) Send(b []byte, dst *net.UDPAddr) error {
	_, err := c.udp.WriteToUDP(b, dst)
	if err != nil {
		return fmt.Errorf("packetconn: send: %w", err)
	}
	return nil
}

// Listen implements transport.Transport. It polls with a short read
// deadline so ctx cancellation is noticed promptly even with no traffic.
func (c *Conn) Listen(ctx context.Context, handle func(data []byte, src *net.UDPAddr)) error {
	buf := make([]byte, c.bufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.udp.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return fmt.Errorf("packetconn: set read deadline: %w", err)
		}

		n, src, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("packetconn: read: %w", err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		handle(data, src)
	}
}

// Close implements transport.Transport.
func (c *Conn) Close() error {
	return c.udp.Close()
}

// NetConn returns the underlying net.Conn, so callers that need
// socket-level introspection (an SO_RCVBUF gauge, for instance) that
// transport.Transport itself doesn't expose can get at the fd.
func (c *Conn) NetConn() net.Conn {
	return c.udp
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
