package dcm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"imsd/internal/network"
	"imsd/internal/qmi"
	"imsd/internal/stats"
	"imsd/pkg/types"
)

// ErrServerStopped is returned by calls made after the event loop exited.
var ErrServerStopped = errors.New("dcm server stopped")

// SessionStarter begins WDS bring-up for a slot. It must not block.
type SessionStarter interface {
	StartSession(slot uint32)
}

// Recorder receives a copy of every datagram in and out.
type Recorder interface {
	RecordInbound(peer net.Addr, data []byte)
	RecordOutbound(peer net.Addr, data []byte)
}

// Options configures a Server.
type Options struct {
	Slots   int
	Hexdump bool
	Stats   *stats.Collector
	Capture Recorder
}

// Server emulates the DCM service toward the baseband. All session and
// peer state is owned by the goroutine running Run; other goroutines reach
// it through NotifyAddress, UpdatePacketHandle, Session and Peers.
type Server struct {
	conn     net.PacketConn
	starter  SessionStarter
	sessions *SessionTable
	peers    *PeerSet
	indTxn   *IndicationCounter
	hexdump  bool
	stats    *stats.Collector
	capture  Recorder

	requests chan func()
	done     chan struct{}
}

// NewServer creates a server on an already bound and advertised socket.
func NewServer(conn net.PacketConn, opts Options) *Server {
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewCollector()
	}
	return &Server{
		conn:     conn,
		sessions: NewSessionTable(opts.Slots),
		peers:    NewPeerSet(),
		indTxn:   NewIndicationCounter(),
		hexdump:  opts.Hexdump,
		stats:    opts.Stats,
		capture:  opts.Capture,
		requests: make(chan func()),
		done:     make(chan struct{}),
	}
}

// SetStarter wires the bring-up entry point. Call before Run.
func (s *Server) SetStarter(starter SessionStarter) {
	s.starter = starter
}

// Run serves datagrams until ctx is cancelled or the socket is closed.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.done)

	rx := network.NewReceiver(s.conn, "dcm")
	rx.Start(ctx)

	log.WithFields(log.Fields{
		"local": s.conn.LocalAddr().String(),
		"slots": s.sessions.Len(),
	}).Info("DCM server running")

	for {
		select {
		case <-ctx.Done():
			log.Info("DCM server stopping")
			return nil
		case dg, ok := <-rx.Messages():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("dcm socket closed")
			}
			s.handleDatagram(dg)
		case fn := <-s.requests:
			fn()
		}
	}
}

// do runs fn on the event loop and waits for it.
func (s *Server) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.requests <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrServerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// NotifyAddress broadcasts the acquired address of slot to every known peer.
func (s *Server) NotifyAddress(ctx context.Context, slot uint32, address string) error {
	var err error
	if doErr := s.do(ctx, func() { err = s.broadcastIndication(slot, address) }); doErr != nil {
		return doErr
	}
	return err
}

// UpdatePacketHandle records the network handle WDS obtained for slot.
func (s *Server) UpdatePacketHandle(ctx context.Context, slot, handle uint32) error {
	var err error
	if doErr := s.do(ctx, func() { err = s.sessions.SetPacketHandle(slot, handle) }); doErr != nil {
		return doErr
	}
	return err
}

// Session returns a copy of the PDP session for slot.
func (s *Server) Session(ctx context.Context, slot uint32) (PDPSession, error) {
	var (
		sess PDPSession
		ok   bool
	)
	if err := s.do(ctx, func() { sess, ok = s.sessions.Get(slot) }); err != nil {
		return PDPSession{}, err
	}
	if !ok {
		return PDPSession{}, fmt.Errorf("slot %d out of range", slot)
	}
	return sess, nil
}

// Peers returns the known peer addresses.
func (s *Server) Peers(ctx context.Context) ([]net.Addr, error) {
	var peers []net.Addr
	if err := s.do(ctx, func() { peers = s.peers.All() }); err != nil {
		return nil, err
	}
	return peers, nil
}

func (s *Server) handleDatagram(dg types.Datagram) {
	if s.capture != nil {
		s.capture.RecordInbound(dg.From, dg.Data)
	}

	hdr, err := qmi.DecodeHeader(dg.Data)
	if err != nil {
		log.WithError(err).WithField("peer", addrString(dg.From)).Debug("Dropping short DCM datagram")
		s.stats.RecordIgnored("Truncated")
		return
	}

	if s.peers.Add(dg.From) {
		s.stats.RecordPeer()
		log.WithField("peer", addrString(dg.From)).Info("New DCM peer")
	}

	fields := log.Fields{
		"msg_id": fmt.Sprintf("0x%04x", hdr.MessageID),
		"msg":    MessageName(hdr.MessageID),
		"txn_id": hdr.TransactionID,
		"peer":   addrString(dg.From),
	}
	if s.hexdump {
		log.WithFields(fields).Debugf("DCM request:\n%s", hex.Dump(dg.Data))
	}

	var reply []byte
	switch hdr.MessageID {
	case MsgActivate:
		s.stats.RecordReceived(MessageName(hdr.MessageID) + "Request")
		reply, err = s.handleActivate(hdr, dg.Data, fields)
	case MsgLinkAdd, MsgRegister, MsgEnableStatus, MsgClear:
		s.stats.RecordReceived(MessageName(hdr.MessageID) + "Request")
		log.WithFields(fields).Info("Acknowledging DCM request")
		reply, err = encodeAck(hdr.TransactionID, hdr.MessageID)
	default:
		s.stats.RecordIgnored(MessageName(hdr.MessageID))
		log.WithFields(fields).Debug("Ignoring unknown DCM message")
		return
	}
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("Failed to build DCM response")
		return
	}

	if err := s.send(dg.From, reply); err != nil {
		log.WithError(err).WithFields(fields).Warn("Failed to send DCM response")
		return
	}
	s.stats.RecordSent(MessageName(hdr.MessageID) + "Response")
}

func (s *Server) handleActivate(hdr qmi.Header, data []byte, fields log.Fields) ([]byte, error) {
	slot := uint32(0)
	if v, ok := qmi.U32Value(data, TagReqSlot); ok {
		slot = v
	}

	sess, err := s.sessions.Activate(slot, func(p *PDPSession) {
		if v, ok := qmi.U32Value(data, TagReqSequence); ok {
			p.SequenceID = v
		}
		if v, ok := qmi.U32Value(data, TagReqSubscription); ok {
			p.SubscriptionID = v
		}
		if v, ok := qmi.U32Value(data, TagReqInstance); ok {
			p.InstanceID = v
		}
	})
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("Rejecting activation")
		return encodeResult(hdr.TransactionID, hdr.MessageID, qmi.ResultFailure, qmi.ProtocolErrorInvalidArgument)
	}

	log.WithFields(fields).WithFields(log.Fields{
		"slot":         slot,
		"pdp_id":       sess.InternalPDPID,
		"sequence":     sess.SequenceID,
		"subscription": sess.SubscriptionID,
		"instance":     sess.InstanceID,
	}).Info("PDP activation requested")

	if s.starter != nil {
		s.starter.StartSession(slot)
	} else {
		log.WithField("slot", slot).Warn("No bring-up handler wired, activation not acted on")
	}

	return encodeActivateResponse(hdr.TransactionID, sess)
}

func (s *Server) broadcastIndication(slot uint32, address string) error {
	sess, ok := s.sessions.Get(slot)
	if !ok {
		return fmt.Errorf("cannot notify slot %d: out of range", slot)
	}

	txn := s.indTxn.Next()
	pkt, err := encodeIndication(txn, sess, address)
	if err != nil {
		return err
	}

	fields := log.Fields{
		"slot":    slot,
		"address": address,
		"txn_id":  txn,
	}
	if s.hexdump {
		log.WithFields(fields).Debugf("DCM indication:\n%s", hex.Dump(pkt))
	}

	peers := s.peers.All()
	if len(peers) == 0 {
		log.WithFields(fields).Warn("No DCM peers to notify")
		return nil
	}

	delivered := 0
	for _, peer := range peers {
		if err := s.send(peer, pkt); err != nil {
			s.stats.RecordIndication(false)
			log.WithError(err).WithFields(fields).WithField("peer", addrString(peer)).Warn("Failed to send indication")
			continue
		}
		s.stats.RecordIndication(true)
		delivered++
	}

	log.WithFields(fields).WithFields(log.Fields{
		"delivered": delivered,
		"peers":     len(peers),
	}).Info("Sent address indication")
	return nil
}

func (s *Server) send(to net.Addr, data []byte) error {
	if s.capture != nil {
		s.capture.RecordOutbound(to, data)
	}
	_, err := s.conn.WriteTo(data, to)
	return err
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}
