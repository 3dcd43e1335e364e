package capture

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"

	"imsd/internal/network"
)

const snapLen = 65535

// Writer records DCM datagrams to a pcap file. Each datagram is wrapped in
// an IPv4/UDP frame; QRTR node/port pairs are mapped into 127.1.0.0/16.
type Writer struct {
	file  *os.File
	w     *pcapgo.Writer
	local net.Addr
	now   func() time.Time

	mu      sync.Mutex
	packets int
}

// Create opens path for writing. local is the server's own address.
func Create(path string, local net.Addr) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	log.WithField("file", path).Info("Capturing DCM traffic")
	return &Writer{file: f, w: w, local: local, now: time.Now}, nil
}

// RecordInbound writes a datagram received from peer.
func (c *Writer) RecordInbound(peer net.Addr, data []byte) {
	c.write(peer, c.local, data)
}

// RecordOutbound writes a datagram sent to peer.
func (c *Writer) RecordOutbound(peer net.Addr, data []byte) {
	c.write(c.local, peer, data)
}

func (c *Writer) write(src, dst net.Addr, data []byte) {
	srcIP, srcPort := endpoint(src)
	dstIP, dstPort := endpoint(dst)

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(data)); err != nil {
		log.WithError(err).Warn("Failed to serialize captured datagram")
		return
	}

	frame := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     c.now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.WritePacket(ci, frame); err != nil {
		log.WithError(err).Warn("Failed to write captured datagram")
		return
	}
	c.packets++
}

// Packets returns the number of frames written.
func (c *Writer) Packets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets
}

// Close flushes and closes the file.
func (c *Writer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.WithField("packets", c.packets).Info("Capture closed")
	return c.file.Close()
}

// endpoint maps a transport address to an IPv4 address and port.
func endpoint(a net.Addr) (net.IP, uint16) {
	switch v := a.(type) {
	case *net.UDPAddr:
		if ip4 := v.IP.To4(); ip4 != nil {
			return ip4, uint16(v.Port)
		}
		return net.IPv4(127, 0, 0, 1).To4(), uint16(v.Port)
	case *network.QRTRAddr:
		ip := net.IPv4(127, 1, 0, 0).To4()
		binary.BigEndian.PutUint16(ip[2:], uint16(v.Node))
		return ip, uint16(v.Port)
	default:
		return net.IPv4(127, 0, 0, 1).To4(), 0
	}
}
