package capture

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imsd/internal/dcm"
	"imsd/internal/network"
	"imsd/internal/qmi"
)

func TestWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dcm.pcap")
	local := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9302}
	w, err := Create(path, local)
	require.NoError(t, err)
	ts := time.Unix(1700000000, 0)
	w.now = func() time.Time { return ts }

	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 40000}
	req := dcm.EncodeActivateRequest(7, 0x65, 1, 0, 1)
	ack := qmi.NewBuilder(qmi.KindResponse, 7, dcm.MsgLinkAdd).
		Result(qmi.ResultSuccess, qmi.ProtocolErrorNone).Bytes()

	w.RecordInbound(peer, req)
	w.RecordOutbound(peer, ack)
	w.RecordInbound(&network.QRTRAddr{Node: 0x0102, Port: 0x4003}, []byte{0x00, 0x01})
	assert.Equal(t, 3, w.Packets())
	require.NoError(t, w.Close())

	dgs, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, dgs, 3)

	assert.Equal(t, req, dgs[0].Data)
	assert.Equal(t, "127.0.0.2", dgs[0].SrcIP.String())
	assert.Equal(t, uint16(40000), dgs[0].SrcPort)
	assert.Equal(t, uint16(9302), dgs[0].DstPort)
	assert.True(t, dgs[0].Timestamp.Equal(ts))

	assert.Equal(t, ack, dgs[1].Data)
	assert.Equal(t, "127.0.0.1", dgs[1].SrcIP.String())
	assert.Equal(t, uint16(9302), dgs[1].SrcPort)

	assert.Equal(t, "127.1.1.2", dgs[2].SrcIP.String())
	assert.Equal(t, uint16(0x4003), dgs[2].SrcPort)

	counts := CountMessages(dgs)
	assert.Equal(t, map[string]int{
		"request Activate": 1,
		"response LinkAdd": 1,
		"truncated":        1,
	}, counts)
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "none.pcap"))
	assert.Error(t, err)
}
