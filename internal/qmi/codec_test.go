package qmi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_RoundTrip(t *testing.T) {
	buf := make([]byte, HeaderLen+11)
	require.NoError(t, WriteHeader(buf, KindResponse, 0x1234, 0x0020))

	h, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, h.Kind)
	assert.Equal(t, uint16(0x1234), h.TransactionID)
	assert.Equal(t, uint16(0x0020), h.MessageID)
	assert.Equal(t, uint16(11), h.PayloadLen)
}

func TestHeader_LittleEndianLayout(t *testing.T) {
	buf := make([]byte, HeaderLen)
	require.NoError(t, WriteHeader(buf, KindIndication, 0x0102, 0x0304))
	assert.Equal(t, []byte{0x04, 0x02, 0x01, 0x04, 0x03, 0x00, 0x00}, buf)
}

func TestDecodeHeader_Truncated(t *testing.T) {
	_, err := DecodeHeader([]byte{0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestWriteHeader_BufferTooSmall(t *testing.T) {
	err := WriteHeader(make([]byte, 4), KindRequest, 1, 1)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestFindTLV_LocatesEachTag(t *testing.T) {
	pkt := NewBuilder(KindRequest, 1, 0x20).
		U32(0x10, 7).
		U32(0x11, 1).
		U32(0x12, 0).
		Bytes()

	off, ok := FindTLV(pkt, 0x10)
	require.True(t, ok)
	assert.Equal(t, HeaderLen, off)

	off, ok = FindTLV(pkt, 0x11)
	require.True(t, ok)
	assert.Equal(t, HeaderLen+7, off)

	off, ok = FindTLV(pkt, 0x12)
	require.True(t, ok)
	assert.Equal(t, HeaderLen+14, off)

	_, ok = FindTLV(pkt, 0x13)
	assert.False(t, ok)
}

func TestFindTLV_ShortPacket(t *testing.T) {
	pkt := make([]byte, 10)
	_, ok := FindTLV(pkt, 0x00)
	assert.False(t, ok)
}

func TestFindTLV_OverrunningEntry(t *testing.T) {
	// Second entry claims 200 bytes but only 2 follow.
	pkt := NewBuilder(KindRequest, 1, 0x20).U8(0x10, 1).Bytes()
	pkt = append(pkt, 0x11, 200, 0, 0xaa, 0xbb)

	_, ok := FindTLV(pkt, 0x11)
	assert.False(t, ok)

	_, err := LookupTLV(pkt, 0x11)
	assert.ErrorIs(t, err, ErrMalformedTLV)

	_, err = LookupTLV(pkt, 0x55)
	assert.ErrorIs(t, err, ErrMalformedTLV)

	off, err := LookupTLV(pkt, 0x10)
	require.NoError(t, err)
	assert.Equal(t, HeaderLen, off)
}

func TestLookupTLV_NotFound(t *testing.T) {
	pkt := NewBuilder(KindRequest, 1, 0x20).U8(0x10, 1).Bytes()
	_, err := LookupTLV(pkt, 0x99)
	assert.ErrorIs(t, err, ErrTagNotFound)
}

func TestCountTLVs(t *testing.T) {
	pkt := NewBuilder(KindResponse, 1, 0x20).
		Result(ResultSuccess, ProtocolErrorNone).
		U8(0x10, 3).
		U32(0x11, 9).
		Bytes()
	assert.Equal(t, 3, CountTLVs(pkt))

	// A trailing partial entry is not counted.
	truncated := append(append([]byte{}, pkt...), 0x12, 4, 0, 1)
	assert.Equal(t, 3, CountTLVs(truncated))

	assert.Equal(t, 0, CountTLVs(pkt[:HeaderLen]))
}

func TestReadGenericResult(t *testing.T) {
	ok := NewBuilder(KindResponse, 1, 0x20).Result(ResultSuccess, ProtocolErrorNone).Bytes()
	success, err := ReadGenericResult(ok)
	require.NoError(t, err)
	assert.True(t, success)

	failed := NewBuilder(KindResponse, 1, 0x20).Result(ResultFailure, ProtocolErrorCallFailed).Bytes()
	success, err = ReadGenericResult(failed)
	require.NoError(t, err)
	assert.False(t, success)

	r, err := ParseGenericResult(failed)
	require.NoError(t, err)
	assert.True(t, IsProtocolError(r.Err(), ProtocolErrorCallFailed))
}

func TestReadGenericResult_Missing(t *testing.T) {
	pkt := NewBuilder(KindResponse, 1, 0x20).U8(0x10, 1).Bytes()
	_, err := ReadGenericResult(pkt)
	assert.ErrorIs(t, err, ErrUnknownResult)
}

func TestReadGenericResult_SkipsWrongLength(t *testing.T) {
	pkt := NewBuilder(KindResponse, 1, 0x20).
		Raw(ResultTag, []byte{1, 0}).
		Result(ResultSuccess, ProtocolErrorNone).
		Bytes()
	success, err := ReadGenericResult(pkt)
	require.NoError(t, err)
	assert.True(t, success)
}

func TestWriteTLVs_FixedBuffer(t *testing.T) {
	buf := make([]byte, HeaderLen+7+4+7)
	require.NoError(t, WriteHeader(buf, KindResponse, 5, 0x20))

	off, err := WriteGenericResult(buf, HeaderLen, ResultSuccess, ProtocolErrorNone)
	require.NoError(t, err)
	off, err = WriteU8TLV(buf, off, 0x10, 0xab)
	require.NoError(t, err)
	off, err = WriteU32TLV(buf, off, 0x11, 0xdeadbeef)
	require.NoError(t, err)
	assert.Equal(t, len(buf), off)

	v, ok := U8Value(buf, 0x10)
	require.True(t, ok)
	assert.Equal(t, uint8(0xab), v)

	u, ok := U32Value(buf, 0x11)
	require.True(t, ok)
	assert.Equal(t, uint32(0xdeadbeef), u)

	_, err = WriteU32TLV(buf, off, 0x12, 1)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
	_, err = WriteU8TLV(buf, len(buf)-3, 0x12, 1)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestBuilder_PatchesPayloadLength(t *testing.T) {
	pkt := NewBuilder(KindIndication, 3, 0x20).String(0x11, "10.0.0.5").Bytes()
	h, err := DecodeHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, int(h.PayloadLen), len(pkt)-HeaderLen)

	v, ok := Value(pkt, 0x11)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", string(v))
}

func TestProtocolError_Message(t *testing.T) {
	err := error(ProtocolErrorCallFailed)
	assert.Contains(t, err.Error(), "CallFailed")
	assert.Contains(t, ProtocolError(9999).Error(), "9999")

	wrapped := errors.Join(errors.New("start network"), err)
	assert.True(t, IsProtocolError(wrapped, ProtocolErrorCallFailed))
	assert.False(t, IsProtocolError(wrapped, ProtocolErrorNoEffect))
}
