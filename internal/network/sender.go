package network

import (
	"fmt"
	"net"
	"sync"
)

// Endpoint couples a datagram socket with the single peer it talks to.
// Baseband clients use one Endpoint per service.
type Endpoint struct {
	conn   net.PacketConn
	remote net.Addr
	mu     sync.Mutex
}

// NewEndpoint wraps an already open socket.
func NewEndpoint(conn net.PacketConn, remote net.Addr) *Endpoint {
	return &Endpoint{
		conn:   conn,
		remote: remote,
	}
}

// NewUDPEndpoint binds localAddr and targets remoteAddr. Both are host:port strings.
func NewUDPEndpoint(localAddr, remoteAddr string) (*Endpoint, error) {
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve baseband address %s: %w", remoteAddr, err)
	}

	conn, err := ListenUDP(localAddr)
	if err != nil {
		return nil, err
	}

	return NewEndpoint(conn, remote), nil
}

// ListenUDP binds a UDP socket on addr.
func ListenUDP(addr string) (*net.UDPConn, error) {
	local, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP to %s: %w", addr, err)
	}
	return conn, nil
}

// Send transmits data to the remote peer.
func (e *Endpoint) Send(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.conn.WriteTo(data, e.remote); err != nil {
		return fmt.Errorf("failed to send to %s: %w", e.remote, err)
	}
	return nil
}

// Conn returns the underlying socket (for the receiver to read from).
func (e *Endpoint) Conn() net.PacketConn {
	return e.conn
}

// Remote returns the peer address.
func (e *Endpoint) Remote() net.Addr {
	return e.remote
}

// Close closes the socket.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// LocalAddr returns the local address the endpoint is bound to.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}
