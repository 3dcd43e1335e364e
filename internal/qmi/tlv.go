package qmi

import (
	"encoding/binary"
	"fmt"
)

// TLVHeaderLen is the size of the tag and length fields of a TLV entry.
const TLVHeaderLen = 3

// FindTLV returns the offset of the first TLV entry with the given tag.
// Scanning starts right after the header. Entries that do not fit in the
// buffer end the scan, so a truncated packet reports "not found".
func FindTLV(b []byte, tag uint8) (int, bool) {
	off, err := LookupTLV(b, tag)
	if err != nil {
		return 0, false
	}
	return off, true
}

// LookupTLV is FindTLV with the failure reason kept: ErrTagNotFound when
// the payload was walked completely, ErrMalformedTLV when an entry overruns
// the buffer before the tag was seen.
func LookupTLV(b []byte, tag uint8) (int, error) {
	if len(b) < HeaderLen+TLVHeaderLen+1 {
		return 0, fmt.Errorf("%w: tag 0x%02x", ErrTagNotFound, tag)
	}
	off := HeaderLen
	for off+TLVHeaderLen <= len(b) {
		size := int(binary.LittleEndian.Uint16(b[off+1 : off+3]))
		if off+TLVHeaderLen+size > len(b) {
			return 0, fmt.Errorf("%w: tag 0x%02x at offset %d claims %d bytes", ErrMalformedTLV, b[off], off, size)
		}
		if b[off] == tag {
			return off, nil
		}
		off += TLVHeaderLen + size
	}
	return 0, fmt.Errorf("%w: tag 0x%02x", ErrTagNotFound, tag)
}

// CountTLVs returns the number of complete TLV entries after the header.
func CountTLVs(b []byte) int {
	count := 0
	off := HeaderLen
	for off+TLVHeaderLen <= len(b) {
		size := int(binary.LittleEndian.Uint16(b[off+1 : off+3]))
		if off+TLVHeaderLen+size > len(b) {
			break
		}
		count++
		off += TLVHeaderLen + size
	}
	return count
}

// TLVValue returns the value bytes of the entry at off.
func TLVValue(b []byte, off int) ([]byte, error) {
	if off < 0 || off+TLVHeaderLen > len(b) {
		return nil, ErrTruncated
	}
	size := int(binary.LittleEndian.Uint16(b[off+1 : off+3]))
	if off+TLVHeaderLen+size > len(b) {
		return nil, ErrMalformedTLV
	}
	return b[off+TLVHeaderLen : off+TLVHeaderLen+size], nil
}

// Value returns the value of the first entry tagged tag.
func Value(b []byte, tag uint8) ([]byte, bool) {
	off, ok := FindTLV(b, tag)
	if !ok {
		return nil, false
	}
	v, err := TLVValue(b, off)
	if err != nil {
		return nil, false
	}
	return v, true
}

// U8Value reads a one byte TLV.
func U8Value(b []byte, tag uint8) (uint8, bool) {
	v, ok := Value(b, tag)
	if !ok || len(v) < 1 {
		return 0, false
	}
	return v[0], true
}

// U16Value reads a little-endian u16 TLV.
func U16Value(b []byte, tag uint8) (uint16, bool) {
	v, ok := Value(b, tag)
	if !ok || len(v) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(v), true
}

// U32Value reads a little-endian u32 TLV.
func U32Value(b []byte, tag uint8) (uint32, bool) {
	v, ok := Value(b, tag)
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v), true
}

// U64Value reads a little-endian u64 TLV.
func U64Value(b []byte, tag uint8) (uint64, bool) {
	v, ok := Value(b, tag)
	if !ok || len(v) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(v), true
}

// WriteU8TLV writes a one byte TLV at off and returns the offset after it.
func WriteU8TLV(buf []byte, off int, tag uint8, v uint8) (int, error) {
	if off < 0 || off+TLVHeaderLen+1 > len(buf) {
		return off, fmt.Errorf("%w: u8 tlv 0x%02x at %d", ErrBufferTooSmall, tag, off)
	}
	buf[off] = tag
	binary.LittleEndian.PutUint16(buf[off+1:off+3], 1)
	buf[off+3] = v
	return off + TLVHeaderLen + 1, nil
}

// WriteU16TLV writes a little-endian u16 TLV at off.
func WriteU16TLV(buf []byte, off int, tag uint8, v uint16) (int, error) {
	if off < 0 || off+TLVHeaderLen+2 > len(buf) {
		return off, fmt.Errorf("%w: u16 tlv 0x%02x at %d", ErrBufferTooSmall, tag, off)
	}
	buf[off] = tag
	binary.LittleEndian.PutUint16(buf[off+1:off+3], 2)
	binary.LittleEndian.PutUint16(buf[off+3:off+5], v)
	return off + TLVHeaderLen + 2, nil
}

// WriteU32TLV writes a little-endian u32 TLV at off.
func WriteU32TLV(buf []byte, off int, tag uint8, v uint32) (int, error) {
	if off < 0 || off+TLVHeaderLen+4 > len(buf) {
		return off, fmt.Errorf("%w: u32 tlv 0x%02x at %d", ErrBufferTooSmall, tag, off)
	}
	buf[off] = tag
	binary.LittleEndian.PutUint16(buf[off+1:off+3], 4)
	binary.LittleEndian.PutUint32(buf[off+3:off+7], v)
	return off + TLVHeaderLen + 4, nil
}

// WriteBytesTLV writes an opaque TLV at off.
func WriteBytesTLV(buf []byte, off int, tag uint8, v []byte) (int, error) {
	if len(v) > 0xffff {
		return off, fmt.Errorf("%w: tlv 0x%02x value is %d bytes", ErrPayloadTooLarge, tag, len(v))
	}
	if off < 0 || off+TLVHeaderLen+len(v) > len(buf) {
		return off, fmt.Errorf("%w: tlv 0x%02x at %d", ErrBufferTooSmall, tag, off)
	}
	buf[off] = tag
	binary.LittleEndian.PutUint16(buf[off+1:off+3], uint16(len(v)))
	copy(buf[off+3:], v)
	return off + TLVHeaderLen + len(v), nil
}
