package types

import (
	"net"
	"time"
)

// Datagram is a single datagram read from a transport endpoint.
type Datagram struct {
	Data       []byte
	From       net.Addr
	ReceivedAt time.Time
}

// CapturedDatagram is a DCM datagram read back from a capture file.
type CapturedDatagram struct {
	Data      []byte
	Timestamp time.Time
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
}

// TransactionResult holds the outcome of a request sent to the baseband.
type TransactionResult struct {
	TransactionID uint16
	Response      []byte
	ResponseTime  time.Duration
	Error         error
}

// BringupEvent records one state machine step outcome for a SIM slot.
type BringupEvent struct {
	Slot    uint32
	Step    string
	Outcome string // "advanced", "retry", "retreat", "finished", "gave_up"
	Detail  string
	At      time.Time
}

// MessageStats holds per-message statistics.
type MessageStats struct {
	Sent     uint64
	Received uint64
	Success  uint64
	Failed   uint64
	Timeout  uint64
	Ignored  uint64
}
