// Package transport defines the UDP transport contract the client and
// server engines are built against. Two implementations exist:
// pkg/transport/packetconn (golang.org/x/net/ipv4, a persistent socket
// shared between send and receive) and pkg/transport/rawsocket
// (golang.org/x/sys/unix syscalls on a raw file descriptor, mirroring the
// original's one-socket-per-round glibc style). Either is a valid
// realization of the contract; both interoperate on the wire.
package transport

import (
	"context"
	"net"
	"time"
)

// Transport is the symmetric send/receive contract shared by the client
// engine (Send replies, Listen for broadcasts) and the packetconn-style
// server engine (Send broadcasts, Listen for replies).
type Transport interface {
	// Send transmits b to dst, unicast or multicast depending on dst.
	Send(b []byte, dst *net.UDPAddr) error

	// Listen runs a continuous reception loop, invoking handle for every
	// datagram received, until ctx is cancelled or an unrecoverable
	// socket error occurs.
	Listen(ctx context.Context, handle func(data []byte, src *net.UDPAddr)) error

	// Close releases the transport's OS resources. Safe to call after
	// Listen has returned.
	Close() error
}

// RoundTransport is the contract for the raw-socket-style server
// transport, where one broadcast round bundles the send with a bounded
// window of reply polling on the same freshly opened socket, mirroring
// the original glibc server's per-round socket lifecycle. It has no
// independent Listen: replies only ever arrive from within BroadcastRound.
type RoundTransport interface {
	// BroadcastRound sends record to the multicast group, then polls for
	// replies on the same socket for up to recvTimeout of inactivity,
	// invoking handle for each one, before closing the round's socket.
	BroadcastRound(record []byte, recvTimeout time.Duration, handle func(data []byte, src *net.UDPAddr)) error

	// Close marks the transport as shut down; subsequent BroadcastRound
	// calls return an error.
	Close() error
}
