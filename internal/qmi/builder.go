package qmi

import "encoding/binary"

// Builder assembles a variable length packet. The header is written first
// with a zero payload length and patched by Bytes.
type Builder struct {
	buf []byte
}

// NewBuilder starts a packet with the given header fields.
func NewBuilder(kind MessageKind, txn, msgID uint16) *Builder {
	buf := make([]byte, HeaderLen, 64)
	buf[0] = uint8(kind)
	binary.LittleEndian.PutUint16(buf[1:3], txn)
	binary.LittleEndian.PutUint16(buf[3:5], msgID)
	return &Builder{buf: buf}
}

// Result appends the generic result TLV.
func (b *Builder) Result(result uint16, response ProtocolError) *Builder {
	var v [ResultLen]byte
	binary.LittleEndian.PutUint16(v[0:2], result)
	binary.LittleEndian.PutUint16(v[2:4], uint16(response))
	return b.Raw(ResultTag, v[:])
}

// U8 appends a one byte TLV.
func (b *Builder) U8(tag, v uint8) *Builder {
	return b.Raw(tag, []byte{v})
}

// U16 appends a little-endian u16 TLV.
func (b *Builder) U16(tag uint8, v uint16) *Builder {
	return b.Raw(tag, binary.LittleEndian.AppendUint16(nil, v))
}

// U32 appends a little-endian u32 TLV.
func (b *Builder) U32(tag uint8, v uint32) *Builder {
	return b.Raw(tag, binary.LittleEndian.AppendUint32(nil, v))
}

// U64 appends a little-endian u64 TLV.
func (b *Builder) U64(tag uint8, v uint64) *Builder {
	return b.Raw(tag, binary.LittleEndian.AppendUint64(nil, v))
}

// String appends a TLV holding the raw string bytes without terminator.
func (b *Builder) String(tag uint8, s string) *Builder {
	return b.Raw(tag, []byte(s))
}

// Raw appends an opaque TLV. Values over 64KiB are truncated by the length
// field, callers keep values well below that.
func (b *Builder) Raw(tag uint8, v []byte) *Builder {
	b.buf = append(b.buf, tag)
	b.buf = binary.LittleEndian.AppendUint16(b.buf, uint16(len(v)))
	b.buf = append(b.buf, v...)
	return b
}

// Len returns the current packet size including the header.
func (b *Builder) Len() int {
	return len(b.buf)
}

// Bytes patches the payload length and returns the packet.
func (b *Builder) Bytes() []byte {
	binary.LittleEndian.PutUint16(b.buf[5:7], uint16(len(b.buf)-HeaderLen))
	return b.buf
}
