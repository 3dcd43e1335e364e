//go:build !linux

package network

import (
	"context"
	"errors"
	"net"
	"time"
)

var errQRTRUnsupported = errors.New("qrtr sockets are only available on linux")

// QRTRConn is unavailable outside linux.
type QRTRConn struct{}

// OpenQRTR always fails outside linux.
func OpenQRTR() (*QRTRConn, error) {
	return nil, errQRTRUnsupported
}

func (c *QRTRConn) ReadFrom(p []byte) (int, net.Addr, error)   { return 0, nil, errQRTRUnsupported }
func (c *QRTRConn) WriteTo(p []byte, a net.Addr) (int, error)  { return 0, errQRTRUnsupported }
func (c *QRTRConn) Close() error                               { return nil }
func (c *QRTRConn) LocalAddr() net.Addr                        { return &QRTRAddr{} }
func (c *QRTRConn) SetDeadline(t time.Time) error              { return errQRTRUnsupported }
func (c *QRTRConn) SetReadDeadline(t time.Time) error          { return errQRTRUnsupported }
func (c *QRTRConn) SetWriteDeadline(t time.Time) error         { return errQRTRUnsupported }
func (c *QRTRConn) Publish(service uint32, version uint8, instance uint32) error {
	return errQRTRUnsupported
}
func (c *QRTRConn) Lookup(ctx context.Context, service uint32) ([]ServiceRecord, error) {
	return nil, errQRTRUnsupported
}
