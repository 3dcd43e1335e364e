//go:build ignore

// This program generates a sample DCM capture for the capture-summary
// command and for manual inspection in Wireshark.
package main

import (
	"fmt"
	"net"
	"os"

	"imsd/internal/capture"
	"imsd/internal/dcm"
	"imsd/internal/qmi"
)

func main() {
	filename := "test/testdata/sample_dcm.pcap"
	if len(os.Args) > 1 {
		filename = os.Args[1]
	}

	server := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9302}
	baseband := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40100}

	w, err := capture.Create(filename, server)
	if err != nil {
		panic(err)
	}
	defer w.Close()

	ack := func(txn, msgID uint16) []byte {
		return qmi.NewBuilder(qmi.KindResponse, txn, msgID).
			Result(qmi.ResultSuccess, qmi.ProtocolErrorNone).Bytes()
	}
	request := func(txn, msgID uint16) []byte {
		return qmi.NewBuilder(qmi.KindRequest, txn, msgID).Bytes()
	}

	// Register and EnableStatus handshake
	w.RecordInbound(baseband, request(1, dcm.MsgRegister))
	w.RecordOutbound(baseband, ack(1, dcm.MsgRegister))
	w.RecordInbound(baseband, request(2, dcm.MsgEnableStatus))
	w.RecordOutbound(baseband, ack(2, dcm.MsgEnableStatus))

	// Activation for slot 0
	w.RecordInbound(baseband, dcm.EncodeActivateRequest(3, 0x65, 1, 0, 1))
	w.RecordOutbound(baseband, qmi.NewBuilder(qmi.KindResponse, 3, dcm.MsgActivate).
		Result(qmi.ResultSuccess, qmi.ProtocolErrorNone).
		U8(dcm.TagRespPDPID, 1).
		U32(dcm.TagRespSequence, 0x65).
		U32(dcm.TagRespInstance, 1).
		Bytes())

	// Address indication once the bearer is up
	addr := "10.60.0.2"
	block := make([]byte, 0, 5+len(addr))
	block = append(block, 0, 0, 0, 0, uint8(len(addr)))
	block = append(block, addr...)
	w.RecordOutbound(baseband, qmi.NewBuilder(qmi.KindIndication, 1, dcm.MsgActivate).
		Result(qmi.ResultSuccess, qmi.ProtocolErrorNone).
		U8(dcm.TagIndPDPID, 1).
		U32(dcm.TagIndSequence, 0x65).
		Raw(dcm.TagIndAddress, block).
		U32(dcm.TagIndInstance, 1).
		Bytes())

	fmt.Printf("Wrote %d packets to %s\n", w.Packets(), filename)
}
