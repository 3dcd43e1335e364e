package network

import (
	"encoding/binary"
	"fmt"
)

const (
	// QRTRPortControl is the router port that receives name service commands.
	QRTRPortControl uint32 = 0xfffffffe

	qrtrTypeNewServer uint32 = 4
	qrtrTypeDelServer uint32 = 5
	qrtrTypeNewLookup uint32 = 10

	qrtrCtrlPacketLen = 20
)

// QRTRAddr is a router endpoint: a node and a port on it.
type QRTRAddr struct {
	Node uint32
	Port uint32
}

func (a *QRTRAddr) Network() string { return "qrtr" }

func (a *QRTRAddr) String() string {
	return fmt.Sprintf("%d:%d", a.Node, a.Port)
}

// ServiceRecord is a server announcement from the router name service.
type ServiceRecord struct {
	Service  uint32
	Version  uint8
	Instance uint32
	Node     uint32
	Port     uint32
}

// Addr returns the endpoint that hosts the service.
func (r ServiceRecord) Addr() *QRTRAddr {
	return &QRTRAddr{Node: r.Node, Port: r.Port}
}

// encodeControl builds a name service packet:
// cmd u32 | service u32 | instance<<8|version u32 | node u32 | port u32.
func encodeControl(cmd, service uint32, version uint8, instance, node, port uint32) []byte {
	b := make([]byte, qrtrCtrlPacketLen)
	binary.LittleEndian.PutUint32(b[0:4], cmd)
	binary.LittleEndian.PutUint32(b[4:8], service)
	binary.LittleEndian.PutUint32(b[8:12], instance<<8|uint32(version))
	binary.LittleEndian.PutUint32(b[12:16], node)
	binary.LittleEndian.PutUint32(b[16:20], port)
	return b
}

// decodeControl parses a name service packet.
func decodeControl(b []byte) (uint32, ServiceRecord, error) {
	if len(b) < qrtrCtrlPacketLen {
		return 0, ServiceRecord{}, fmt.Errorf("short qrtr control packet: %d bytes", len(b))
	}
	ver := binary.LittleEndian.Uint32(b[8:12])
	return binary.LittleEndian.Uint32(b[0:4]), ServiceRecord{
		Service:  binary.LittleEndian.Uint32(b[4:8]),
		Version:  uint8(ver & 0xff),
		Instance: ver >> 8,
		Node:     binary.LittleEndian.Uint32(b[12:16]),
		Port:     binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}
