//go:build linux

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// rawSockaddrQRTR mirrors struct sockaddr_qrtr.
type rawSockaddrQRTR struct {
	Family uint16
	_      uint16
	Node   uint32
	Port   uint32
}

const defaultLookupTimeout = 5 * time.Second

// QRTRConn is a datagram socket on the Qualcomm IPC router. It implements
// net.PacketConn. Name service traffic from the control port is consumed
// internally and never returned by ReadFrom.
type QRTRConn struct {
	file  *os.File
	raw   syscall.RawConn
	local QRTRAddr
}

// OpenQRTR creates an unbound router socket. The kernel assigns a port on
// the first send.
func OpenQRTR() (*QRTRConn, error) {
	fd, err := unix.Socket(unix.AF_QIPCRTR, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open qrtr socket: %w", err)
	}

	file := os.NewFile(uintptr(fd), "qrtr")
	raw, err := file.SyscallConn()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to access qrtr socket: %w", err)
	}

	c := &QRTRConn{file: file, raw: raw}
	if err := c.refreshLocal(); err != nil {
		file.Close()
		return nil, err
	}
	return c, nil
}

func (c *QRTRConn) refreshLocal() error {
	var sa rawSockaddrQRTR
	var opErr error
	err := c.raw.Control(func(fd uintptr) {
		size := uint32(unsafe.Sizeof(sa))
		_, _, errno := unix.Syscall(unix.SYS_GETSOCKNAME, fd,
			uintptr(unsafe.Pointer(&sa)), uintptr(unsafe.Pointer(&size)))
		if errno != 0 {
			opErr = errno
		}
	})
	if err == nil {
		err = opErr
	}
	if err != nil {
		return fmt.Errorf("failed to read qrtr socket name: %w", err)
	}
	c.local = QRTRAddr{Node: sa.Node, Port: sa.Port}
	return nil
}

func recvfrom(fd uintptr, p []byte) (int, rawSockaddrQRTR, error) {
	var sa rawSockaddrQRTR
	size := uint32(unsafe.Sizeof(sa))
	var buf unsafe.Pointer
	if len(p) > 0 {
		buf = unsafe.Pointer(&p[0])
	}
	n, _, errno := unix.Syscall6(unix.SYS_RECVFROM, fd, uintptr(buf), uintptr(len(p)), 0,
		uintptr(unsafe.Pointer(&sa)), uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, sa, errno
	}
	return int(n), sa, nil
}

func sendto(fd uintptr, p []byte, to *QRTRAddr) error {
	sa := rawSockaddrQRTR{Family: unix.AF_QIPCRTR, Node: to.Node, Port: to.Port}
	var buf unsafe.Pointer
	if len(p) > 0 {
		buf = unsafe.Pointer(&p[0])
	}
	_, _, errno := unix.Syscall6(unix.SYS_SENDTO, fd, uintptr(buf), uintptr(len(p)), 0,
		uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if errno != 0 {
		return errno
	}
	return nil
}

func (c *QRTRConn) readRaw(p []byte) (int, *QRTRAddr, error) {
	var (
		n     int
		sa    rawSockaddrQRTR
		opErr error
	)
	err := c.raw.Read(func(fd uintptr) bool {
		n, sa, opErr = recvfrom(fd, p)
		return opErr != unix.EAGAIN
	})
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return 0, nil, net.ErrClosed
		}
		return 0, nil, err
	}
	if opErr != nil {
		return 0, nil, opErr
	}
	return n, &QRTRAddr{Node: sa.Node, Port: sa.Port}, nil
}

// ReadFrom implements net.PacketConn.
func (c *QRTRConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, from, err := c.readRaw(p)
		if err != nil {
			return 0, nil, err
		}
		if from.Port == QRTRPortControl {
			c.logControl(p[:n])
			continue
		}
		return n, from, nil
	}
}

func (c *QRTRConn) logControl(b []byte) {
	cmd, rec, err := decodeControl(b)
	if err != nil {
		log.WithError(err).Debug("Ignoring qrtr control packet")
		return
	}
	log.WithFields(log.Fields{
		"cmd":     cmd,
		"service": rec.Service,
		"node":    rec.Node,
		"port":    rec.Port,
	}).Debug("qrtr control packet")
}

// WriteTo implements net.PacketConn. addr must be a *QRTRAddr.
func (c *QRTRConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	to, ok := addr.(*QRTRAddr)
	if !ok {
		return 0, fmt.Errorf("qrtr: cannot send to %T address", addr)
	}

	var opErr error
	err := c.raw.Write(func(fd uintptr) bool {
		opErr = sendto(fd, p, to)
		return opErr != unix.EAGAIN
	})
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return 0, net.ErrClosed
		}
		return 0, err
	}
	if opErr != nil {
		return 0, fmt.Errorf("qrtr sendto %s: %w", to, opErr)
	}
	if c.local.Port == 0 {
		if err := c.refreshLocal(); err != nil {
			log.WithError(err).Debug("Could not refresh qrtr socket name")
		}
	}
	return len(p), nil
}

// Publish announces a service hosted on this socket to the name service.
func (c *QRTRConn) Publish(service uint32, version uint8, instance uint32) error {
	pkt := encodeControl(qrtrTypeNewServer, service, version, instance, 0, 0)
	if _, err := c.WriteTo(pkt, &QRTRAddr{Node: c.local.Node, Port: QRTRPortControl}); err != nil {
		return fmt.Errorf("failed to publish service 0x%x: %w", service, err)
	}
	log.WithFields(log.Fields{
		"service":  fmt.Sprintf("0x%04x", service),
		"version":  version,
		"instance": instance,
		"local":    c.local.String(),
	}).Info("Published qrtr service")
	return nil
}

// Lookup asks the name service for every server of the given service and
// collects the replies until the end-of-list marker arrives.
func (c *QRTRConn) Lookup(ctx context.Context, service uint32) ([]ServiceRecord, error) {
	pkt := encodeControl(qrtrTypeNewLookup, service, 0, 0, 0, 0)
	if _, err := c.WriteTo(pkt, &QRTRAddr{Node: c.local.Node, Port: QRTRPortControl}); err != nil {
		return nil, fmt.Errorf("failed to send lookup for service 0x%x: %w", service, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultLookupTimeout)
	}
	if err := c.file.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer c.file.SetReadDeadline(time.Time{})

	var records []ServiceRecord
	buf := make([]byte, 256)
	for {
		n, from, err := c.readRaw(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return records, fmt.Errorf("lookup for service 0x%x: %w", service, ErrTimeout)
			}
			return records, err
		}
		if from.Port != QRTRPortControl {
			log.WithField("from", from.String()).Debug("Dropping datagram received during lookup")
			continue
		}
		cmd, rec, err := decodeControl(buf[:n])
		if err != nil || cmd != qrtrTypeNewServer {
			continue
		}
		if rec.Service == 0 && rec.Node == 0 && rec.Port == 0 {
			return records, nil
		}
		if rec.Service == service {
			records = append(records, rec)
		}
	}
}

// Close implements net.PacketConn.
func (c *QRTRConn) Close() error {
	return c.file.Close()
}

// LocalAddr implements net.PacketConn.
func (c *QRTRConn) LocalAddr() net.Addr {
	local := c.local
	return &local
}

// SetDeadline implements net.PacketConn.
func (c *QRTRConn) SetDeadline(t time.Time) error {
	return c.file.SetDeadline(t)
}

// SetReadDeadline implements net.PacketConn.
func (c *QRTRConn) SetReadDeadline(t time.Time) error {
	return c.file.SetReadDeadline(t)
}

// SetWriteDeadline implements net.PacketConn.
func (c *QRTRConn) SetWriteDeadline(t time.Time) error {
	return c.file.SetWriteDeadline(t)
}
