package qmi

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the size of the packet header on the wire.
const HeaderLen = 7

// MessageKind is the first byte of the packet header.
type MessageKind uint8

const (
	KindRequest    MessageKind = 0x00
	KindResponse   MessageKind = 0x02
	KindIndication MessageKind = 0x04
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindIndication:
		return "indication"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// Header is the decoded packet header.
//
// Wire layout, little-endian:
//
//	kind u8 | txn u16 | msgid u16 | payload_len u16
type Header struct {
	Kind          MessageKind
	TransactionID uint16
	MessageID     uint16
	PayloadLen    uint16
}

// DecodeHeader reads the packet header from b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(b), HeaderLen)
	}
	return Header{
		Kind:          MessageKind(b[0]),
		TransactionID: binary.LittleEndian.Uint16(b[1:3]),
		MessageID:     binary.LittleEndian.Uint16(b[3:5]),
		PayloadLen:    binary.LittleEndian.Uint16(b[5:7]),
	}, nil
}

// WriteHeader stamps a header at the start of buf. The payload length is
// taken from the buffer size, so buf must already hold the whole packet.
func WriteHeader(buf []byte, kind MessageKind, txn, msgID uint16) error {
	if len(buf) < HeaderLen {
		return fmt.Errorf("%w: %d bytes, header needs %d", ErrBufferTooSmall, len(buf), HeaderLen)
	}
	payload := len(buf) - HeaderLen
	if payload > 0xffff {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payload)
	}
	buf[0] = uint8(kind)
	binary.LittleEndian.PutUint16(buf[1:3], txn)
	binary.LittleEndian.PutUint16(buf[3:5], msgID)
	binary.LittleEndian.PutUint16(buf[5:7], uint16(payload))
	return nil
}
