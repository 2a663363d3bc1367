// Package transport implements the two listeners a session's wire
// traffic arrives on: a reliable (TCP) stream and an unreliable (UDP)
// datagram channel, each carrying the framing defined in internal/wire.
package transport

import (
	"errors"
	"net"
	"sync"
)

// ErrNoUDPPeer is returned by Peer.SendDatagram before the client's first
// inbound datagram has taught the server its UDP source address.
var ErrNoUDPPeer = errors.New("transport: no udp peer bound yet")

// Peer implements session.Sender: a session's reliable TCP connection
// paired with the shared UDP socket and the session's lazily-learned UDP
// peer address.
type Peer struct {
	tcp     net.Conn
	udpConn *net.UDPConn

	mu      sync.RWMutex
	udpAddr *net.UDPAddr
}

// NewPeer builds a Peer. udpConn is the one shared listener socket for
// every session; udpAddr is learned from the first inbound datagram via
// BindUDPPeer.
func NewPeer(tcp net.Conn, udpConn *net.UDPConn) *Peer {
	return &Peer{tcp: tcp, udpConn: udpConn}
}

// SendReliable writes an already-framed payload to the TCP stream.
func (p *Peer) SendReliable(frame []byte) error {
	_, err := p.tcp.Write(frame)
	return err
}

// SendDatagram writes an already-framed payload to the session's bound
// UDP peer address.
func (p *Peer) SendDatagram(frame []byte) error {
	p.mu.RLock()
	addr := p.udpAddr
	p.mu.RUnlock()
	if addr == nil {
		return ErrNoUDPPeer
	}
	_, err := p.udpConn.WriteToUDP(frame, addr)
	return err
}

// BindUDPPeer records the UDP address the datagram listener most recently
// saw for this session.
func (p *Peer) BindUDPPeer(addr *net.UDPAddr) {
	p.mu.Lock()
	p.udpAddr = addr
	p.mu.Unlock()
}

// Close closes the underlying TCP connection.
func (p *Peer) Close() error {
	return p.tcp.Close()
}

// RemoteIP returns the peer's TCP remote address host, for rate-limiter
// and identity-fallback use.
func (p *Peer) RemoteIP() string {
	host, _, err := net.SplitHostPort(p.tcp.RemoteAddr().String())
	if err != nil {
		return p.tcp.RemoteAddr().String()
	}
	return host
}
