package dcm

import (
	"encoding/binary"
	"fmt"
	"net"

	"imsd/internal/qmi"
)

// Service triple advertised on the router so the baseband can find us.
const (
	ServiceID       uint32 = uint32(qmi.ServiceDCM)
	ServiceVersion  uint8  = 1
	ServiceInstance uint32 = 1
)

// Message ids handled by the server.
const (
	MsgActivate     uint16 = 0x0020
	MsgLinkAdd      uint16 = 0x0023
	MsgRegister     uint16 = 0x002e
	MsgClear        uint16 = 0x0033
	MsgEnableStatus uint16 = 0x0034
)

// Activate request TLVs.
const (
	TagReqSequence     uint8 = 0x10
	TagReqSubscription uint8 = 0x11
	TagReqSlot         uint8 = 0x12
	TagReqInstance     uint8 = 0x13
)

// Activate response TLVs.
const (
	TagRespPDPID    uint8 = 0x10
	TagRespSequence uint8 = 0x11
	TagRespInstance uint8 = 0x12
)

// Activate indication TLVs. The pdp id tag differs from the response.
const (
	TagIndPDPID    uint8 = 0x01
	TagIndSequence uint8 = 0x10
	TagIndAddress  uint8 = 0x11
	TagIndInstance uint8 = 0x12
)

// Address families carried in the indication address block.
const (
	AddressFamilyIPv4 uint32 = 0
	AddressFamilyIPv6 uint32 = 1
)

const (
	ackLen              = qmi.HeaderLen + qmi.TLVHeaderLen + qmi.ResultLen
	activateResponseLen = ackLen + (qmi.TLVHeaderLen + 1) + 2*(qmi.TLVHeaderLen+4)
)

// MessageName returns a readable name for a DCM message id.
func MessageName(msgID uint16) string {
	switch msgID {
	case MsgActivate:
		return "Activate"
	case MsgLinkAdd:
		return "LinkAdd"
	case MsgRegister:
		return "Register"
	case MsgClear:
		return "Clear"
	case MsgEnableStatus:
		return "EnableStatus"
	default:
		return fmt.Sprintf("Unknown(0x%04x)", msgID)
	}
}

// EncodeActivateRequest builds an Activate request. Used by the probe tool
// and tests; the server only decodes these.
func EncodeActivateRequest(txn uint16, sequence, subscription, slot, instance uint32) []byte {
	return qmi.NewBuilder(qmi.KindRequest, txn, MsgActivate).
		U32(TagReqSequence, sequence).
		U32(TagReqSubscription, subscription).
		U32(TagReqSlot, slot).
		U32(TagReqInstance, instance).
		Bytes()
}

// encodeAck builds a response holding only the success result.
func encodeAck(txn, msgID uint16) ([]byte, error) {
	return encodeResult(txn, msgID, qmi.ResultSuccess, qmi.ProtocolErrorNone)
}

func encodeResult(txn, msgID uint16, result uint16, code qmi.ProtocolError) ([]byte, error) {
	buf := make([]byte, ackLen)
	if err := qmi.WriteHeader(buf, qmi.KindResponse, txn, msgID); err != nil {
		return nil, err
	}
	if _, err := qmi.WriteGenericResult(buf, qmi.HeaderLen, result, code); err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeActivateResponse(txn uint16, sess PDPSession) ([]byte, error) {
	buf := make([]byte, activateResponseLen)
	if err := qmi.WriteHeader(buf, qmi.KindResponse, txn, MsgActivate); err != nil {
		return nil, err
	}
	off, err := qmi.WriteGenericResult(buf, qmi.HeaderLen, qmi.ResultSuccess, qmi.ProtocolErrorNone)
	if err != nil {
		return nil, err
	}
	if off, err = qmi.WriteU8TLV(buf, off, TagRespPDPID, sess.InternalPDPID); err != nil {
		return nil, err
	}
	if off, err = qmi.WriteU32TLV(buf, off, TagRespSequence, sess.SequenceID); err != nil {
		return nil, err
	}
	if _, err = qmi.WriteU32TLV(buf, off, TagRespInstance, sess.InstanceID); err != nil {
		return nil, err
	}
	return buf, nil
}

// addressBlock encodes family u32 | length u8 | address text.
func addressBlock(address string) ([]byte, error) {
	if len(address) > 0xff {
		return nil, fmt.Errorf("address %q too long for address block", address)
	}
	family := AddressFamilyIPv4
	if ip := net.ParseIP(address); ip != nil && ip.To4() == nil {
		family = AddressFamilyIPv6
	}
	block := make([]byte, 5+len(address))
	binary.LittleEndian.PutUint32(block[0:4], family)
	block[4] = uint8(len(address))
	copy(block[5:], address)
	return block, nil
}

func encodeIndication(txn uint16, sess PDPSession, address string) ([]byte, error) {
	block, err := addressBlock(address)
	if err != nil {
		return nil, err
	}
	return qmi.NewBuilder(qmi.KindIndication, txn, MsgActivate).
		Result(qmi.ResultSuccess, qmi.ProtocolErrorNone).
		U8(TagIndPDPID, sess.InternalPDPID).
		U32(TagIndSequence, sess.SequenceID).
		Raw(TagIndAddress, block).
		U32(TagIndInstance, sess.InstanceID).
		Bytes(), nil
}

// IndicationAddress extracts the address text from an indication.
func IndicationAddress(pkt []byte) (string, uint32, bool) {
	v, ok := qmi.Value(pkt, TagIndAddress)
	if !ok || len(v) < 5 {
		return "", 0, false
	}
	family := binary.LittleEndian.Uint32(v[0:4])
	n := int(v[4])
	if 5+n > len(v) {
		return "", 0, false
	}
	return string(v[5 : 5+n]), family, true
}
