// Package modemsim emulates the baseband services imsd talks to, so the
// daemon can be exercised over loopback UDP without a modem.
package modemsim

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"imsd/internal/baseband"
	"imsd/internal/network"
	"imsd/internal/qmi"
	"imsd/pkg/types"
)

// DefaultMTU is reported in current settings when Options.MTU is zero.
const DefaultMTU = 1500

// Options configures a Modem.
type Options struct {
	// Pool supplies bearer addresses. Required.
	Pool *AddressPool
	// Profiles seeds the profile table. Indexes are assigned from 1 when
	// a profile has none.
	Profiles []baseband.Profile
	// FailStarts answers this many StartNetwork requests with CallFailed
	// before succeeding.
	FailStarts int
	MTU        uint32
}

type bearer struct {
	handle  uint32
	peer    string
	address net.IP
	muxID   uint8
}

// Stats counts the datagrams a Modem handled.
type Stats struct {
	Received int
	Sent     int
	Errors   int
	Bearers  int
}

// Modem answers WDS requests statefully and every other service with a
// bare success.
type Modem struct {
	pool    *AddressPool
	gateway net.IP
	mtu     uint32

	mu          sync.Mutex
	profiles    map[uint8]baseband.Profile
	nextProfile uint8
	bearers     map[uint32]*bearer
	byPeer      map[string]uint32
	muxByPeer   map[string]uint8
	nextHandle  uint32
	failStarts  int
	stats       Stats
}

// New creates a modem. The first free pool address is reserved as the
// gateway reported in current settings.
func New(opts Options) (*Modem, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("modemsim: address pool is required")
	}
	if opts.MTU == 0 {
		opts.MTU = DefaultMTU
	}
	gateway, err := opts.Pool.Allocate()
	if err != nil {
		return nil, fmt.Errorf("modemsim: reserve gateway: %w", err)
	}
	m := &Modem{
		pool:        opts.Pool,
		gateway:     gateway,
		mtu:         opts.MTU,
		profiles:    make(map[uint8]baseband.Profile),
		nextProfile: 1,
		bearers:     make(map[uint32]*bearer),
		byPeer:      make(map[string]uint32),
		muxByPeer:   make(map[string]uint8),
		nextHandle:  0x1000,
		failStarts:  opts.FailStarts,
	}
	for _, p := range opts.Profiles {
		if p.Index == 0 {
			p.Index = m.nextProfile
		}
		m.profiles[p.Index] = p
		if p.Index >= m.nextProfile {
			m.nextProfile = p.Index + 1
		}
	}
	return m, nil
}

// ListenAndServe binds one loopback socket per service at
// baseband.ServiceAddress(base, service) and serves them until ctx is
// cancelled.
func (m *Modem) ListenAndServe(ctx context.Context, base string, services []qmi.Service) error {
	conns := make([]net.PacketConn, 0, len(services))
	for _, svc := range services {
		addr, err := baseband.ServiceAddress(base, svc)
		if err != nil {
			closeAll(conns)
			return err
		}
		conn, err := network.ListenUDP(addr)
		if err != nil {
			closeAll(conns)
			return fmt.Errorf("listen %s on %s: %w", svc, addr, err)
		}
		conns = append(conns, conn)
	}

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(conn net.PacketConn, svc qmi.Service) {
			defer wg.Done()
			if err := m.Serve(ctx, conn, svc); err != nil {
				log.WithError(err).WithField("service", svc.String()).Warn("Emulated service stopped")
			}
		}(conn, services[i])
	}
	wg.Wait()
	return nil
}

func closeAll(conns []net.PacketConn) {
	for _, c := range conns {
		c.Close()
	}
}

// Serve answers requests for service on conn until ctx is cancelled. conn
// is closed on return.
func (m *Modem) Serve(ctx context.Context, conn net.PacketConn, service qmi.Service) error {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	rx := network.NewReceiver(conn, "modem-"+service.String())
	rx.Start(ctx)

	log.WithFields(log.Fields{
		"service": service.String(),
		"local":   conn.LocalAddr().String(),
	}).Info("Emulated baseband service listening")

	for dg := range rx.Messages() {
		m.count(func(s *Stats) { s.Received++ })
		resp, err := m.Handle(service, dg)
		if err != nil {
			m.count(func(s *Stats) { s.Errors++ })
			log.WithError(err).WithField("service", service.String()).Debug("Dropping request")
			continue
		}
		if _, err := conn.WriteTo(resp, dg.From); err != nil {
			m.count(func(s *Stats) { s.Errors++ })
			log.WithError(err).WithField("peer", dg.From.String()).Warn("Failed to send response")
			continue
		}
		m.count(func(s *Stats) { s.Sent++ })
	}
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("socket closed")
}

// Handle builds the response to one request datagram.
func (m *Modem) Handle(service qmi.Service, dg types.Datagram) ([]byte, error) {
	hdr, err := qmi.DecodeHeader(dg.Data)
	if err != nil {
		return nil, err
	}
	if hdr.Kind != qmi.KindRequest {
		return nil, fmt.Errorf("unexpected %s", hdr.Kind)
	}
	if service != qmi.ServiceWDS {
		return success(hdr).Bytes(), nil
	}

	peer := dg.From.String()
	log.WithFields(log.Fields{
		"msg":    baseband.MessageName(service, hdr.MessageID),
		"txn_id": hdr.TransactionID,
		"peer":   peer,
	}).Debug("WDS request")

	switch hdr.MessageID {
	case baseband.MsgWDSGetProfileList:
		return m.profileList(hdr), nil
	case baseband.MsgWDSGetProfileSettings:
		return m.profileSettings(hdr, dg.Data), nil
	case baseband.MsgWDSCreateProfile:
		return m.createProfile(hdr, dg.Data), nil
	case baseband.MsgWDSModifyProfile:
		return m.modifyProfile(hdr, dg.Data), nil
	case baseband.MsgWDSBindMuxDataPort:
		return m.bindMux(hdr, dg.Data, peer), nil
	case baseband.MsgWDSStartNetwork:
		return m.startNetwork(hdr, peer), nil
	case baseband.MsgWDSStopNetwork:
		return m.stopNetwork(hdr, dg.Data), nil
	case baseband.MsgWDSGetCurrentSettings:
		return m.currentSettings(hdr, peer), nil
	}
	return failure(hdr, qmi.ProtocolErrorInvalidQMICommand).Bytes(), nil
}

func success(hdr qmi.Header) *qmi.Builder {
	return qmi.NewBuilder(qmi.KindResponse, hdr.TransactionID, hdr.MessageID).
		Result(qmi.ResultSuccess, qmi.ProtocolErrorNone)
}

func failure(hdr qmi.Header, code qmi.ProtocolError) *qmi.Builder {
	return qmi.NewBuilder(qmi.KindResponse, hdr.TransactionID, hdr.MessageID).
		Result(qmi.ResultFailure, code)
}

func (m *Modem) count(fn func(*Stats)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}

func (m *Modem) profileList(hdr qmi.Header) []byte {
	m.mu.Lock()
	refs := make([]baseband.ProfileRef, 0, len(m.profiles))
	for i := uint8(1); i < m.nextProfile; i++ {
		if p, ok := m.profiles[i]; ok {
			refs = append(refs, baseband.ProfileRef{Type: baseband.ProfileType3GPP, Index: i, Name: p.Name})
		}
	}
	m.mu.Unlock()
	return success(hdr).Raw(baseband.TagWDSProfileList, baseband.EncodeProfileList(refs)).Bytes()
}

func profileIndex(pkt []byte) (uint8, bool) {
	v, ok := qmi.Value(pkt, baseband.TagWDSProfileID)
	if !ok || len(v) < 2 {
		return 0, false
	}
	return v[1], true
}

func (m *Modem) profileSettings(hdr qmi.Header, req []byte) []byte {
	idx, ok := profileIndex(req)
	if !ok {
		return failure(hdr, qmi.ProtocolErrorMissingArgument).Bytes()
	}
	m.mu.Lock()
	p, ok := m.profiles[idx]
	m.mu.Unlock()
	if !ok {
		return failure(hdr, qmi.ProtocolErrorInvalidProfile).Bytes()
	}

	b := success(hdr)
	if p.Name != "" {
		b.String(baseband.TagWDSProfileName, p.Name)
	}
	b.U8(baseband.TagWDSPDPType, uint8(p.PDPType))
	if p.APN != "" {
		b.String(baseband.TagWDSAPNName, p.APN)
	}
	b.U64(baseband.TagWDSAPNTypeMask, p.APNTypeMask)
	return b.Bytes()
}

func (m *Modem) createProfile(hdr qmi.Header, req []byte) []byte {
	m.mu.Lock()
	idx := m.nextProfile
	m.nextProfile++
	m.profiles[idx] = baseband.DecodeProfile(idx, req)
	m.mu.Unlock()

	log.WithField("index", idx).Info("Created emulated profile")
	return success(hdr).Raw(baseband.TagWDSProfileID, []byte{baseband.ProfileType3GPP, idx}).Bytes()
}

func (m *Modem) modifyProfile(hdr qmi.Header, req []byte) []byte {
	idx, ok := profileIndex(req)
	if !ok {
		return failure(hdr, qmi.ProtocolErrorMissingArgument).Bytes()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[idx]; !ok {
		return failure(hdr, qmi.ProtocolErrorInvalidProfile).Bytes()
	}
	m.profiles[idx] = baseband.DecodeProfile(idx, req)
	return success(hdr).Bytes()
}

func (m *Modem) bindMux(hdr qmi.Header, req []byte, peer string) []byte {
	ep, ok := qmi.Value(req, baseband.TagWDSEndpointInfo)
	if !ok || len(ep) != 8 {
		return failure(hdr, qmi.ProtocolErrorMissingArgument).Bytes()
	}
	mux, ok := qmi.U8Value(req, baseband.TagWDSMuxID)
	if !ok {
		return failure(hdr, qmi.ProtocolErrorMissingArgument).Bytes()
	}
	m.mu.Lock()
	m.muxByPeer[peer] = mux
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"peer":     peer,
		"mux_id":   mux,
		"ep_type":  binary.LittleEndian.Uint32(ep[0:4]),
		"ep_ifnum": binary.LittleEndian.Uint32(ep[4:8]),
	}).Info("Bound mux data port")
	return success(hdr).Bytes()
}

func (m *Modem) startNetwork(hdr qmi.Header, peer string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failStarts > 0 {
		m.failStarts--
		return failure(hdr, qmi.ProtocolErrorCallFailed).
			U16(baseband.TagWDSCallEndReason, 3).
			Raw(baseband.TagWDSVerboseEndReason, []byte{6, 0, 33, 0}).
			Bytes()
	}
	if _, ok := m.byPeer[peer]; ok {
		return failure(hdr, qmi.ProtocolErrorNoEffect).Bytes()
	}

	addr, err := m.pool.Allocate()
	if err != nil {
		log.WithError(err).Warn("Cannot start emulated bearer")
		return failure(hdr, qmi.ProtocolErrorCallFailed).Bytes()
	}
	handle := m.nextHandle
	m.nextHandle++
	m.bearers[handle] = &bearer{handle: handle, peer: peer, address: addr, muxID: m.muxByPeer[peer]}
	m.byPeer[peer] = handle

	log.WithFields(log.Fields{
		"peer":    peer,
		"handle":  fmt.Sprintf("0x%08x", handle),
		"address": addr.String(),
	}).Info("Started emulated bearer")
	return success(hdr).U32(baseband.TagWDSPacketHandle, handle).Bytes()
}

func (m *Modem) stopNetwork(hdr qmi.Header, req []byte) []byte {
	handle, ok := qmi.U32Value(req, baseband.TagWDSPacketHandle)
	if !ok {
		return failure(hdr, qmi.ProtocolErrorMissingArgument).Bytes()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bearers[handle]
	if !ok {
		return failure(hdr, qmi.ProtocolErrorInvalidHandle).Bytes()
	}
	delete(m.bearers, handle)
	delete(m.byPeer, b.peer)
	m.pool.Release(b.address)

	log.WithField("handle", fmt.Sprintf("0x%08x", handle)).Info("Stopped emulated bearer")
	return success(hdr).Bytes()
}

func (m *Modem) currentSettings(hdr qmi.Header, peer string) []byte {
	m.mu.Lock()
	handle, ok := m.byPeer[peer]
	var addr net.IP
	if ok {
		addr = m.bearers[handle].address
	}
	m.mu.Unlock()
	if !ok {
		return failure(hdr, qmi.ProtocolErrorOutOfCall).Bytes()
	}
	return success(hdr).
		U32(baseband.TagWDSIPv4Address, baseband.IPv4ToUint32(addr)).
		U32(baseband.TagWDSIPv4Gateway, baseband.IPv4ToUint32(m.gateway)).
		U32(baseband.TagWDSIPv4Netmask, baseband.IPv4ToUint32(m.pool.Netmask())).
		U32(baseband.TagWDSMTU, m.mtu).
		Bytes()
}

// Stats returns a copy of the counters.
func (m *Modem) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Bearers = len(m.bearers)
	return s
}

// Profiles returns the profile table ordered by index.
func (m *Modem) Profiles() []baseband.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]baseband.Profile, 0, len(m.profiles))
	for i := uint8(1); i < m.nextProfile; i++ {
		if p, ok := m.profiles[i]; ok {
			out = append(out, p)
		}
	}
	return out
}
