package dcm

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"imsd/internal/baseband"
	"imsd/internal/network"
	"imsd/internal/qmi"
	"imsd/internal/stats"
)

// Activation is a decoded Activate response or indication.
type Activation struct {
	TransactionID uint16
	PDPID         uint8
	Sequence      uint32
	Instance      uint32
	Address       string
	Family        uint32
}

// ActivateRequest carries the Activate request fields.
type ActivateRequest struct {
	Sequence     uint32
	Subscription uint32
	Slot         uint32
	Instance     uint32
}

// DecodeActivateResponse parses an Activate response.
func DecodeActivateResponse(pkt []byte) (Activation, error) {
	hdr, err := qmi.DecodeHeader(pkt)
	if err != nil {
		return Activation{}, err
	}
	a := Activation{TransactionID: hdr.TransactionID}
	var ok bool
	if a.PDPID, ok = qmi.U8Value(pkt, TagRespPDPID); !ok {
		return a, fmt.Errorf("pdp id: %w", qmi.ErrTagNotFound)
	}
	a.Sequence, _ = qmi.U32Value(pkt, TagRespSequence)
	a.Instance, _ = qmi.U32Value(pkt, TagRespInstance)
	return a, nil
}

// DecodeIndication parses an Activate indication.
func DecodeIndication(pkt []byte) (Activation, error) {
	hdr, err := qmi.DecodeHeader(pkt)
	if err != nil {
		return Activation{}, err
	}
	if hdr.Kind != qmi.KindIndication || hdr.MessageID != MsgActivate {
		return Activation{}, fmt.Errorf("not an activate indication: %s 0x%04x", hdr.Kind, hdr.MessageID)
	}
	a := Activation{TransactionID: hdr.TransactionID}
	var ok bool
	if a.PDPID, ok = qmi.U8Value(pkt, TagIndPDPID); !ok {
		return a, fmt.Errorf("pdp id: %w", qmi.ErrTagNotFound)
	}
	if a.Address, a.Family, ok = IndicationAddress(pkt); !ok {
		return a, fmt.Errorf("address block: %w", qmi.ErrTagNotFound)
	}
	a.Sequence, _ = qmi.U32Value(pkt, TagIndSequence)
	a.Instance, _ = qmi.U32Value(pkt, TagIndInstance)
	return a, nil
}

// Peer talks to a Server from the baseband side.
type Peer struct {
	client      *baseband.Client
	indications chan Activation
}

// DialPeer connects to a server listening on serverAddr over UDP.
func DialPeer(localAddr, serverAddr string, timeout time.Duration, collector *stats.Collector) (*Peer, error) {
	ep, err := network.NewUDPEndpoint(localAddr, serverAddr)
	if err != nil {
		return nil, err
	}
	return NewPeer(baseband.NewClient(qmi.ServiceDCM, ep, timeout, collector)), nil
}

// NewPeer wraps a client addressed at the DCM service.
func NewPeer(client *baseband.Client) *Peer {
	p := &Peer{
		client:      client,
		indications: make(chan Activation, 8),
	}
	client.OnIndication(p.handleIndication)
	return p
}

func (p *Peer) handleIndication(hdr qmi.Header, data []byte) {
	a, err := DecodeIndication(data)
	if err != nil {
		log.WithError(err).Debug("Ignoring DCM indication")
		return
	}
	select {
	case p.indications <- a:
	default:
		log.WithField("txn_id", hdr.TransactionID).Warn("Indication queue full, dropping")
	}
}

// Start launches the response dispatcher.
func (p *Peer) Start(ctx context.Context) {
	p.client.Start(ctx)
}

// Ack sends a request answered by a bare result, such as Register or LinkAdd.
func (p *Peer) Ack(ctx context.Context, msgID uint16) error {
	_, err := p.client.Request(ctx, msgID, nil, 0)
	return err
}

// Activate requests a bearer for req.Slot.
func (p *Peer) Activate(ctx context.Context, req ActivateRequest) (Activation, error) {
	resp, err := p.client.Request(ctx, MsgActivate, func(b *qmi.Builder) {
		b.U32(TagReqSequence, req.Sequence)
		b.U32(TagReqSubscription, req.Subscription)
		b.U32(TagReqSlot, req.Slot)
		b.U32(TagReqInstance, req.Instance)
	}, 0)
	if err != nil {
		return Activation{}, err
	}
	return DecodeActivateResponse(resp)
}

// Indications delivers decoded Activate indications.
func (p *Peer) Indications() <-chan Activation {
	return p.indications
}

// WaitIndication returns the next indication or fails when ctx ends.
func (p *Peer) WaitIndication(ctx context.Context) (Activation, error) {
	select {
	case a := <-p.indications:
		return a, nil
	case <-ctx.Done():
		return Activation{}, ctx.Err()
	}
}

// Close closes the socket.
func (p *Peer) Close() error {
	return p.client.Close()
}
