package capture

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"

	"imsd/internal/dcm"
	"imsd/internal/qmi"
	"imsd/pkg/types"
)

// ReadFile returns every UDP payload in a capture file, in order.
func ReadFile(path string) ([]types.CapturedDatagram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a pcap stream.
func Read(r io.Reader) ([]types.CapturedDatagram, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	linkType := pr.LinkType()
	log.WithField("link_type", linkType.String()).Debug("Capture link type detected")

	var out []types.CapturedDatagram
	total := 0
	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to read packet %d: %w", total+1, err)
		}
		total++

		packet := gopacket.NewPacket(data, linkType, gopacket.Default)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}

		dg := types.CapturedDatagram{
			Data:      append([]byte(nil), udp.Payload...),
			Timestamp: ci.Timestamp,
			SrcPort:   uint16(udp.SrcPort),
			DstPort:   uint16(udp.DstPort),
		}
		if ipv4Layer := packet.Layer(layers.LayerTypeIPv4); ipv4Layer != nil {
			ipv4, _ := ipv4Layer.(*layers.IPv4)
			dg.SrcIP = ipv4.SrcIP
			dg.DstIP = ipv4.DstIP
		}
		out = append(out, dg)
	}

	log.WithFields(log.Fields{
		"total_packets": total,
		"datagrams":     len(out),
	}).Info("Capture parsing complete")
	return out, nil
}

// CountMessages tallies captured datagrams by kind and DCM message name.
func CountMessages(datagrams []types.CapturedDatagram) map[string]int {
	counts := make(map[string]int)
	for _, dg := range datagrams {
		hdr, err := qmi.DecodeHeader(dg.Data)
		if err != nil {
			counts["truncated"]++
			continue
		}
		counts[hdr.Kind.String()+" "+dcm.MessageName(hdr.MessageID)]++
	}
	return counts
}
