package dcm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imsd/internal/network"
)

func TestIndicationCounter_Wraps(t *testing.T) {
	c := NewIndicationCounter()
	assert.Equal(t, uint16(1), c.Next())

	for i := 2; i <= 99; i++ {
		assert.Equal(t, uint16(i), c.Next())
	}
	assert.Equal(t, uint16(1), c.Next())
}

func TestPDPIDAllocator_NeverZero(t *testing.T) {
	a := NewPDPIDAllocator()
	seen := make(map[uint8]bool)
	for i := 0; i < 255; i++ {
		id, err := a.Allocate()
		require.NoError(t, err)
		assert.NotZero(t, id)
		assert.False(t, seen[id])
		seen[id] = true
	}

	_, err := a.Allocate()
	assert.Error(t, err)

	a.Release(17)
	id, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint8(17), id)
	assert.Equal(t, 255, a.AllocatedCount())
}

func TestSessionTable_InitialState(t *testing.T) {
	table := NewSessionTable(2)
	assert.Equal(t, 2, table.Len())

	sess, ok := table.Get(1)
	require.True(t, ok)
	assert.False(t, sess.Enabled)
	assert.Equal(t, uint32(1), sess.SlotID)
	assert.Equal(t, PacketHandleNone, sess.PacketHandle)
	assert.Zero(t, sess.InternalPDPID)

	_, ok = table.Get(2)
	assert.False(t, ok)
}

func TestSessionTable_StablePDPID(t *testing.T) {
	table := NewSessionTable(2)
	a, err := table.Activate(0, func(p *PDPSession) {})
	require.NoError(t, err)
	b, err := table.Activate(1, func(p *PDPSession) {})
	require.NoError(t, err)
	again, err := table.Activate(0, func(p *PDPSession) { p.SequenceID = 5 })
	require.NoError(t, err)

	assert.NotEqual(t, a.InternalPDPID, b.InternalPDPID)
	assert.Equal(t, a.InternalPDPID, again.InternalPDPID)
	assert.Equal(t, uint32(5), again.SequenceID)

	assert.Error(t, table.SetPacketHandle(3, 1))
	_, err = table.Activate(3, func(p *PDPSession) {})
	assert.Error(t, err)
}

func TestPeerSet_Dedup(t *testing.T) {
	p := NewPeerSet()
	assert.True(t, p.Add(&network.QRTRAddr{Node: 0, Port: 1}))
	assert.False(t, p.Add(&network.QRTRAddr{Node: 0, Port: 1}))
	assert.True(t, p.Add(&network.QRTRAddr{Node: 0, Port: 2}))
	assert.False(t, p.Add(nil))
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, "0:1", p.All()[0].String())
}

func TestAddressBlock_IPv6Family(t *testing.T) {
	block, err := addressBlock("2001:db8::1")
	require.NoError(t, err)
	assert.Equal(t, byte(AddressFamilyIPv6), block[0])
	assert.Equal(t, byte(len("2001:db8::1")), block[4])
}
