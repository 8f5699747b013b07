// Package network provides the socket-polymorphism layer the transport
// sends and receives envelopes through: a Go interface with two
// implementations — UDPConn for production and FakeConn for tests — so
// network-condition scenarios can run entirely in-process.
package network

import (
	"net"
	"time"
)

// Conn is the minimal socket surface the transport needs. Implementations
// must tolerate concurrent ReadFrom/WriteTo from separate goroutines, since
// the transport runs its sender and receiver on different goroutines over
// one shared Conn.
type Conn interface {
	// WriteTo sends one datagram. It must not fragment or coalesce it.
	WriteTo(b []byte) (int, error)
	// ReadFrom blocks for at most the last deadline set via
	// SetReadDeadline, returning one datagram per call.
	ReadFrom(b []byte) (int, error)
	// SetReadDeadline bounds the next (and all subsequent, until changed)
	// ReadFrom calls, so update loops stay responsive to shutdown signals.
	SetReadDeadline(t time.Time) error
	// LocalAddr reports the local bound address.
	LocalAddr() net.Addr
	// Close releases the underlying resource. Safe to call once; further
	// use of the Conn is undefined.
	Close() error

	// ReadFromAny reads one datagram from any sender, reporting its
	// address. Used only during the handshake, before BindPeer is called.
	ReadFromAny(b []byte) (int, net.Addr, error)
	// BindPeer locks all future WriteTo/ReadFrom traffic to addr. Called
	// once, by the server side, after it observes the peer's
	// CONNECTION_ATTEMPT.
	BindPeer(addr net.Addr)
}
