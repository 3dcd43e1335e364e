package wds

import "imsd/internal/baseband"

// PacketSession is the bring-up state of one SIM slot.
type PacketSession struct {
	Slot          uint32
	Step          Step
	ProfileID     uint8
	MuxID         uint8
	LinkName      string
	SetupLinkDone bool
	Settings      baseband.IPv4Settings
	Address       string
	PacketHandle  uint32

	// consecutive failures on Step
	failures int
	// failed StartNetwork attempts since the last successful start
	startFailures int
}

// Started reports whether the bearer holds a packet handle.
func (s PacketSession) Started() bool {
	return s.PacketHandle != 0
}

// MuxIDForSlot returns the mux channel used by slot. Mux id 0 is reserved
// for the default data call.
func MuxIDForSlot(slot uint32) uint8 {
	return uint8(slot + 1)
}
