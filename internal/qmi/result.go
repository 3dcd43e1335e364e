package qmi

import (
	"encoding/binary"
	"fmt"
)

const (
	// ResultTag is the tag of the generic result TLV present in every response.
	ResultTag uint8 = 0x02
	// ResultLen is the value size of the generic result TLV.
	ResultLen = 4

	ResultSuccess uint16 = 0
	ResultFailure uint16 = 1
)

// GenericResult is the decoded generic result TLV.
type GenericResult struct {
	Result   uint16
	Response ProtocolError
}

// Success reports whether the result code is zero.
func (r GenericResult) Success() bool {
	return r.Result == ResultSuccess
}

// Err returns nil on success or the response code as a ProtocolError.
func (r GenericResult) Err() error {
	if r.Success() {
		return nil
	}
	return r.Response
}

// ParseGenericResult locates the result TLV and decodes both fields.
// Entries tagged 0x02 whose length is not 4 are skipped.
func ParseGenericResult(b []byte) (GenericResult, error) {
	off := HeaderLen
	for off+TLVHeaderLen <= len(b) {
		size := int(binary.LittleEndian.Uint16(b[off+1 : off+3]))
		if off+TLVHeaderLen+size > len(b) {
			break
		}
		if b[off] == ResultTag && size == ResultLen {
			v := b[off+TLVHeaderLen:]
			return GenericResult{
				Result:   binary.LittleEndian.Uint16(v[0:2]),
				Response: ProtocolError(binary.LittleEndian.Uint16(v[2:4])),
			}, nil
		}
		off += TLVHeaderLen + size
	}
	return GenericResult{}, ErrUnknownResult
}

// ReadGenericResult reports whether the packet carries a successful result.
func ReadGenericResult(b []byte) (bool, error) {
	r, err := ParseGenericResult(b)
	if err != nil {
		return false, err
	}
	return r.Success(), nil
}

// WriteGenericResult writes the result TLV at off.
func WriteGenericResult(buf []byte, off int, result uint16, response ProtocolError) (int, error) {
	if off < 0 || off+TLVHeaderLen+ResultLen > len(buf) {
		return off, fmt.Errorf("%w: result tlv at %d", ErrBufferTooSmall, off)
	}
	buf[off] = ResultTag
	binary.LittleEndian.PutUint16(buf[off+1:off+3], ResultLen)
	binary.LittleEndian.PutUint16(buf[off+3:off+5], result)
	binary.LittleEndian.PutUint16(buf[off+5:off+7], uint16(response))
	return off + TLVHeaderLen + ResultLen, nil
}
