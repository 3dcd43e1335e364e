package baseband

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"imsd/internal/qmi"
)

// WDS message ids.
const (
	MsgWDSStartNetwork       uint16 = 0x0020
	MsgWDSStopNetwork        uint16 = 0x0021
	MsgWDSCreateProfile      uint16 = 0x0027
	MsgWDSModifyProfile      uint16 = 0x0028
	MsgWDSGetProfileList     uint16 = 0x002A
	MsgWDSGetProfileSettings uint16 = 0x002B
	MsgWDSGetCurrentSettings uint16 = 0x002D
	MsgWDSBindMuxDataPort    uint16 = 0x00A2
)

// WDS TLV tags.
const (
	TagWDSProfileList       uint8 = 0x01
	TagWDSProfileID         uint8 = 0x01
	TagWDSProfileType       uint8 = 0x10
	TagWDSProfileName       uint8 = 0x10
	TagWDSPDPType           uint8 = 0x11
	TagWDSAPNName           uint8 = 0x14
	TagWDSAPNTypeMask       uint8 = 0xDD
	TagWDSPacketHandle      uint8 = 0x01
	TagWDSCallEndReason     uint8 = 0x10
	TagWDSVerboseEndReason  uint8 = 0x11
	TagWDSStartAPN          uint8 = 0x14
	TagWDSIPFamily          uint8 = 0x19
	TagWDSProfileIndex3GPP  uint8 = 0x31
	TagWDSRequestedSettings uint8 = 0x10
	TagWDSIPv4Address       uint8 = 0x1E
	TagWDSIPv4Gateway       uint8 = 0x20
	TagWDSIPv4Netmask       uint8 = 0x21
	TagWDSMTU               uint8 = 0x29
	TagWDSEndpointInfo      uint8 = 0x10
	TagWDSMuxID             uint8 = 0x11
	TagWDSClientType        uint8 = 0x13
)

// ProfileType3GPP selects 3GPP profiles.
const ProfileType3GPP uint8 = 0

// APN type mask bits.
const (
	APNTypeDefault uint64 = 1 << 0
	APNTypeIMS     uint64 = 1 << 1
	APNTypeMMS     uint64 = 1 << 2
)

// PDPType is the bearer IP type stored in a profile.
type PDPType uint8

const (
	PDPTypeIPv4   PDPType = 0
	PDPTypePPP    PDPType = 1
	PDPTypeIPv6   PDPType = 2
	PDPTypeIPv4v6 PDPType = 3
)

// IP family preference for StartNetwork.
const (
	IPFamilyIPv4        uint8 = 4
	IPFamilyIPv6        uint8 = 6
	IPFamilyUnspecified uint8 = 8
)

// Requested settings mask bits for GetCurrentSettings.
const (
	settingsIPAddress uint32 = 1 << 8
	settingsGateway   uint32 = 1 << 9
	settingsMTU       uint32 = 1 << 13
)

// Client type for BindMuxDataPort.
const clientTypeTethered uint32 = 1

// ProfileRef is one entry of the profile list.
type ProfileRef struct {
	Type  uint8
	Index uint8
	Name  string
}

// Profile is the subset of profile settings the bring-up cares about.
type Profile struct {
	Index       uint8
	Name        string
	PDPType     PDPType
	APN         string
	APNTypeMask uint64
}

// Empty reports whether the profile has no APN configured.
func (p Profile) Empty() bool {
	return p.APN == ""
}

// DataEndpoint identifies the physical data port a mux channel binds to.
type DataEndpoint struct {
	Type  uint32
	Ifnum uint32
}

// StartRequest carries the StartNetwork parameters.
type StartRequest struct {
	ProfileIndex uint8
	APN          string
	IPFamily     uint8
}

// IPv4Settings is the negotiated configuration of an active bearer.
type IPv4Settings struct {
	Address net.IP
	Gateway net.IP
	Netmask net.IP
	MTU     uint32
}

// CallEndError wraps a StartNetwork failure with the reported end reasons.
type CallEndError struct {
	Reason        uint16
	VerboseType   uint16
	VerboseReason uint16
	Err           error
}

func (e *CallEndError) Error() string {
	return fmt.Sprintf("%v (call end reason %d, verbose %d/%d)", e.Err, e.Reason, e.VerboseType, e.VerboseReason)
}

func (e *CallEndError) Unwrap() error {
	return e.Err
}

// WDS issues wireless data service requests for one SIM slot.
type WDS struct {
	client       *Client
	startTimeout time.Duration
}

// NewWDS wraps a client for the WDS service. startTimeout bounds StartNetwork,
// which waits for the network far longer than other requests.
func NewWDS(client *Client, startTimeout time.Duration) *WDS {
	return &WDS{client: client, startTimeout: startTimeout}
}

// ListProfiles returns the configured 3GPP profiles.
func (w *WDS) ListProfiles(ctx context.Context) ([]ProfileRef, error) {
	resp, err := w.client.Request(ctx, MsgWDSGetProfileList, func(b *qmi.Builder) {
		b.U8(TagWDSProfileType, ProfileType3GPP)
	}, 0)
	if err != nil {
		return nil, err
	}
	v, ok := qmi.Value(resp, TagWDSProfileList)
	if !ok {
		return nil, nil
	}
	return DecodeProfileList(v)
}

// DecodeProfileList parses count u8 followed by {type u8, index u8, name_len u8, name}.
func DecodeProfileList(v []byte) ([]ProfileRef, error) {
	if len(v) < 1 {
		return nil, qmi.ErrTruncated
	}
	count := int(v[0])
	off := 1
	refs := make([]ProfileRef, 0, count)
	for i := 0; i < count; i++ {
		if off+3 > len(v) {
			return refs, fmt.Errorf("profile entry %d: %w", i, qmi.ErrTruncated)
		}
		n := int(v[off+2])
		if off+3+n > len(v) {
			return refs, fmt.Errorf("profile entry %d name: %w", i, qmi.ErrTruncated)
		}
		refs = append(refs, ProfileRef{
			Type:  v[off],
			Index: v[off+1],
			Name:  string(v[off+3 : off+3+n]),
		})
		off += 3 + n
	}
	return refs, nil
}

// EncodeProfileList is the inverse of DecodeProfileList.
func EncodeProfileList(refs []ProfileRef) []byte {
	out := []byte{uint8(len(refs))}
	for _, r := range refs {
		out = append(out, r.Type, r.Index, uint8(len(r.Name)))
		out = append(out, r.Name...)
	}
	return out
}

// ProfileSettings fetches the settings of one profile.
func (w *WDS) ProfileSettings(ctx context.Context, index uint8) (Profile, error) {
	resp, err := w.client.Request(ctx, MsgWDSGetProfileSettings, func(b *qmi.Builder) {
		b.Raw(TagWDSProfileID, []byte{ProfileType3GPP, index})
	}, 0)
	if err != nil {
		return Profile{}, err
	}
	return DecodeProfile(index, resp), nil
}

// DecodeProfile reads the profile TLVs present in a settings response.
func DecodeProfile(index uint8, pkt []byte) Profile {
	p := Profile{Index: index}
	if v, ok := qmi.Value(pkt, TagWDSProfileName); ok {
		p.Name = string(v)
	}
	if v, ok := qmi.U8Value(pkt, TagWDSPDPType); ok {
		p.PDPType = PDPType(v)
	}
	if v, ok := qmi.Value(pkt, TagWDSAPNName); ok {
		p.APN = string(v)
	}
	if v, ok := qmi.U64Value(pkt, TagWDSAPNTypeMask); ok {
		p.APNTypeMask = v
	}
	return p
}

func appendProfileTLVs(b *qmi.Builder, p Profile) {
	b.String(TagWDSProfileName, p.Name)
	b.U8(TagWDSPDPType, uint8(p.PDPType))
	b.String(TagWDSAPNName, p.APN)
	b.U64(TagWDSAPNTypeMask, p.APNTypeMask)
}

// CreateProfile stores a new 3GPP profile and returns its index.
func (w *WDS) CreateProfile(ctx context.Context, p Profile) (uint8, error) {
	resp, err := w.client.Request(ctx, MsgWDSCreateProfile, func(b *qmi.Builder) {
		b.U8(0x01, ProfileType3GPP)
		appendProfileTLVs(b, p)
	}, 0)
	if err != nil {
		return 0, err
	}
	v, ok := qmi.Value(resp, TagWDSProfileID)
	if !ok || len(v) < 2 {
		return 0, fmt.Errorf("create profile: %w", qmi.ErrTagNotFound)
	}
	return v[1], nil
}

// ModifyProfile overwrites the profile at index.
func (w *WDS) ModifyProfile(ctx context.Context, index uint8, p Profile) error {
	_, err := w.client.Request(ctx, MsgWDSModifyProfile, func(b *qmi.Builder) {
		b.Raw(TagWDSProfileID, []byte{ProfileType3GPP, index})
		appendProfileTLVs(b, p)
	}, 0)
	return err
}

// BindMuxDataPort binds mux channel muxID to the data endpoint.
func (w *WDS) BindMuxDataPort(ctx context.Context, ep DataEndpoint, muxID uint8) error {
	endpoint := make([]byte, 8)
	binary.LittleEndian.PutUint32(endpoint[0:4], ep.Type)
	binary.LittleEndian.PutUint32(endpoint[4:8], ep.Ifnum)
	_, err := w.client.Request(ctx, MsgWDSBindMuxDataPort, func(b *qmi.Builder) {
		b.Raw(TagWDSEndpointInfo, endpoint)
		b.U8(TagWDSMuxID, muxID)
		b.U32(TagWDSClientType, clientTypeTethered)
	}, 0)
	return err
}

// StartNetwork activates the bearer and returns its packet handle.
func (w *WDS) StartNetwork(ctx context.Context, req StartRequest) (uint32, error) {
	resp, err := w.client.Request(ctx, MsgWDSStartNetwork, func(b *qmi.Builder) {
		if req.APN != "" {
			b.String(TagWDSStartAPN, req.APN)
		}
		if req.IPFamily != 0 {
			b.U8(TagWDSIPFamily, req.IPFamily)
		}
		if req.ProfileIndex != 0 {
			b.U8(TagWDSProfileIndex3GPP, req.ProfileIndex)
		}
	}, w.startTimeout)
	if err != nil {
		var pe qmi.ProtocolError
		if resp != nil && errors.As(err, &pe) {
			ce := &CallEndError{Err: err}
			if v, ok := qmi.U16Value(resp, TagWDSCallEndReason); ok {
				ce.Reason = v
			}
			if v, ok := qmi.Value(resp, TagWDSVerboseEndReason); ok && len(v) >= 4 {
				ce.VerboseType = binary.LittleEndian.Uint16(v[0:2])
				ce.VerboseReason = binary.LittleEndian.Uint16(v[2:4])
			}
			return 0, ce
		}
		return 0, err
	}
	handle, ok := qmi.U32Value(resp, TagWDSPacketHandle)
	if !ok {
		return 0, fmt.Errorf("start network: packet handle %w", qmi.ErrTagNotFound)
	}
	return handle, nil
}

// StopNetwork releases a bearer started with StartNetwork.
func (w *WDS) StopNetwork(ctx context.Context, handle uint32) error {
	_, err := w.client.Request(ctx, MsgWDSStopNetwork, func(b *qmi.Builder) {
		b.U32(TagWDSPacketHandle, handle)
	}, 0)
	return err
}

// CurrentSettings fetches the negotiated IPv4 configuration.
func (w *WDS) CurrentSettings(ctx context.Context) (IPv4Settings, error) {
	resp, err := w.client.Request(ctx, MsgWDSGetCurrentSettings, func(b *qmi.Builder) {
		b.U32(TagWDSRequestedSettings, settingsIPAddress|settingsGateway|settingsMTU)
	}, 0)
	if err != nil {
		return IPv4Settings{}, err
	}

	var s IPv4Settings
	v, ok := qmi.U32Value(resp, TagWDSIPv4Address)
	if !ok {
		return s, fmt.Errorf("current settings: ipv4 address %w", qmi.ErrTagNotFound)
	}
	s.Address = ipv4FromUint32(v)
	if v, ok := qmi.U32Value(resp, TagWDSIPv4Gateway); ok {
		s.Gateway = ipv4FromUint32(v)
	}
	if v, ok := qmi.U32Value(resp, TagWDSIPv4Netmask); ok {
		s.Netmask = ipv4FromUint32(v)
	}
	if v, ok := qmi.U32Value(resp, TagWDSMTU); ok {
		s.MTU = v
	}
	return s, nil
}

// IPv4 addresses travel as a little-endian u32 of the host order value,
// so 10.0.0.5 is 0x0a000005.
func ipv4FromUint32(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// IPv4ToUint32 is the inverse of the settings address encoding.
func IPv4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// MessageName returns a readable name for a message of service.
func MessageName(service qmi.Service, msgID uint16) string {
	if service == qmi.ServiceWDS {
		switch msgID {
		case MsgWDSStartNetwork:
			return "WdsStartNetwork"
		case MsgWDSStopNetwork:
			return "WdsStopNetwork"
		case MsgWDSCreateProfile:
			return "WdsCreateProfile"
		case MsgWDSModifyProfile:
			return "WdsModifyProfile"
		case MsgWDSGetProfileList:
			return "WdsGetProfileList"
		case MsgWDSGetProfileSettings:
			return "WdsGetProfileSettings"
		case MsgWDSGetCurrentSettings:
			return "WdsGetCurrentSettings"
		case MsgWDSBindMuxDataPort:
			return "WdsBindMuxDataPort"
		}
	}
	return fmt.Sprintf("%s0x%04x", service.String(), msgID)
}
