package network

import (
	"errors"
	"net"
	"sync"
	"time"
)

// UDPConn is the production Conn, a thin wrapper over *net.UDPConn.
//
// A server starts unconnected (bound with ListenUDP, peer unknown) and
// learns its peer from the first datagram that decrypts successfully during
// the handshake; BindPeer then locks ReadFrom/WriteTo to that single remote
// address, emulating "connected UDP" without requiring the socket be
// recreated (net.UDPConn offers no in-place connect). A client already
// knows its peer and is created pre-bound via DialUDPConn.
type UDPConn struct {
	pc net.PacketConn

	mu   sync.RWMutex
	peer net.Addr
}

// ListenUDPConn opens a socket bound to addr (e.g. ":5000") with no fixed
// peer yet. Used by the server side of the handshake.
func ListenUDPConn(addr string) (*UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDPConn{pc: pc}, nil
}

// DialUDPConn opens a socket connected to a known peer. Used by the client
// side of the handshake.
func DialUDPConn(peerAddr string) (*UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDPConn{pc: conn, peer: udpAddr}, nil
}

// BindPeer locks all future WriteTo calls to addr and causes ReadFrom to
// discard datagrams from any other address. Called once, by the server,
// after it observes the peer's CONNECTION_ATTEMPT.
func (c *UDPConn) BindPeer(addr net.Addr) {
	c.mu.Lock()
	c.peer = addr
	c.mu.Unlock()
}

func (c *UDPConn) Peer() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

func (c *UDPConn) WriteTo(b []byte) (int, error) {
	peer := c.Peer()
	if peer == nil {
		return 0, errors.New("network: no peer bound yet")
	}
	// A socket from DialUDPConn is connected, and net.UDPConn rejects
	// WriteTo on a connected socket, so send with Write instead.
	if uc, ok := c.pc.(*net.UDPConn); ok && uc.RemoteAddr() != nil {
		return uc.Write(b)
	}
	return c.pc.WriteTo(b, peer)
}

// ReadFrom reads one datagram, discarding (and not counting as an error)
// any datagram that doesn't come from the bound peer once one is set — the
// handshake path calls ReadFromAny instead, before a peer is bound.
func (c *UDPConn) ReadFrom(b []byte) (int, error) {
	for {
		n, from, err := c.pc.ReadFrom(b)
		if err != nil {
			return n, err
		}
		peer := c.Peer()
		if peer == nil || sameAddr(peer, from) {
			return n, nil
		}
		// Stray datagram from an unbound address once a peer is fixed;
		// loop and read the next one rather than surfacing it.
	}
}

// ReadFromAny reads one datagram from any sender, reporting its address.
// Used only during the handshake, before a peer is bound.
func (c *UDPConn) ReadFromAny(b []byte) (int, net.Addr, error) {
	return c.pc.ReadFrom(b)
}

func (c *UDPConn) SetReadDeadline(t time.Time) error { return c.pc.SetDeadline(t) }
func (c *UDPConn) LocalAddr() net.Addr               { return c.pc.LocalAddr() }
func (c *UDPConn) Close() error                      { return c.pc.Close() }

func sameAddr(a, b net.Addr) bool { return a.String() == b.String() }

var _ Conn = (*UDPConn)(nil)
