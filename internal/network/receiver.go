package network

import (
	"context"
	"errors"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"imsd/pkg/types"
)

// maxDatagram bounds a single read. Packets on both transports are far smaller.
const maxDatagram = 65535

// Receiver reads datagrams from a socket and hands them over on a channel.
type Receiver struct {
	conn    net.PacketConn
	msgChan chan types.Datagram
	name    string
}

// NewReceiver creates a receiver for conn. name only shows up in logs.
func NewReceiver(conn net.PacketConn, name string) *Receiver {
	return &Receiver{
		conn:    conn,
		msgChan: make(chan types.Datagram, 256),
		name:    name,
	}
}

// Start begins reading in a goroutine. The channel is closed when the
// context is cancelled or the socket is closed.
func (r *Receiver) Start(ctx context.Context) {
	go r.listen(ctx)
}

// Messages returns the channel of received datagrams.
func (r *Receiver) Messages() <-chan types.Datagram {
	return r.msgChan
}

func (r *Receiver) listen(ctx context.Context) {
	defer close(r.msgChan)

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).WithField("socket", r.name).Warn("Error reading datagram")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case r.msgChan <- types.Datagram{
			Data:       data,
			From:       addr,
			ReceivedAt: time.Now(),
		}:
		case <-ctx.Done():
			return
		}
	}
}
