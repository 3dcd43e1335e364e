package dcm

import (
	"fmt"
)

// PacketHandleNone marks a session whose network has not been started.
const PacketHandleNone uint32 = 0xFFFFFFFF

// PDPSession is the baseband-visible state of one SIM slot's bearer.
type PDPSession struct {
	Enabled        bool
	InternalPDPID  uint8
	SequenceID     uint32
	SubscriptionID uint32
	InstanceID     uint32
	SlotID         uint32
	PacketHandle   uint32
}

// SessionTable holds one PDPSession per slot. It is owned by the server
// loop and is not safe for concurrent use.
type SessionTable struct {
	sessions []PDPSession
	ids      *PDPIDAllocator
}

// NewSessionTable creates an empty session for each slot.
func NewSessionTable(slots int) *SessionTable {
	t := &SessionTable{
		sessions: make([]PDPSession, slots),
		ids:      NewPDPIDAllocator(),
	}
	for i := range t.sessions {
		t.sessions[i].SlotID = uint32(i)
		t.sessions[i].PacketHandle = PacketHandleNone
	}
	return t
}

// Len returns the number of slots.
func (t *SessionTable) Len() int {
	return len(t.sessions)
}

// Get returns a copy of the session for slot.
func (t *SessionTable) Get(slot uint32) (PDPSession, bool) {
	if int(slot) >= len(t.sessions) {
		return PDPSession{}, false
	}
	return t.sessions[slot], true
}

// Activate enables the slot's session, assigning an internal pdp id on first
// use, and lets update overwrite the fields the request carried.
func (t *SessionTable) Activate(slot uint32, update func(*PDPSession)) (PDPSession, error) {
	if int(slot) >= len(t.sessions) {
		return PDPSession{}, fmt.Errorf("slot %d out of range (%d slots)", slot, len(t.sessions))
	}
	s := &t.sessions[slot]
	if s.InternalPDPID == 0 {
		id, err := t.ids.Allocate()
		if err != nil {
			return PDPSession{}, err
		}
		s.InternalPDPID = id
	}
	update(s)
	s.Enabled = true
	s.SlotID = slot
	return *s, nil
}

// SetPacketHandle records the handle of the started network.
func (t *SessionTable) SetPacketHandle(slot, handle uint32) error {
	if int(slot) >= len(t.sessions) {
		return fmt.Errorf("slot %d out of range (%d slots)", slot, len(t.sessions))
	}
	t.sessions[slot].PacketHandle = handle
	return nil
}

// PDPIDAllocator hands out 8-bit session handles. Zero is never issued.
type PDPIDAllocator struct {
	next uint8
	used map[uint8]bool
}

// NewPDPIDAllocator creates an allocator starting at 1.
func NewPDPIDAllocator() *PDPIDAllocator {
	return &PDPIDAllocator{
		next: 1,
		used: make(map[uint8]bool),
	}
}

// Allocate returns an unused id.
func (a *PDPIDAllocator) Allocate() (uint8, error) {
	for i := 0; i < 255; i++ {
		if a.next == 0 {
			a.next = 1
		}
		id := a.next
		a.next++
		if !a.used[id] {
			a.used[id] = true
			return id, nil
		}
	}
	return 0, fmt.Errorf("no free pdp id")
}

// Release frees an id for reuse.
func (a *PDPIDAllocator) Release(id uint8) {
	delete(a.used, id)
}

// AllocatedCount returns the number of ids in use.
func (a *PDPIDAllocator) AllocatedCount() int {
	return len(a.used)
}

// IndicationCounter issues indication transaction ids 1..99, wrapping back to 1.
type IndicationCounter struct {
	current uint16
}

// NewIndicationCounter starts at 99 so the first id issued is 1.
func NewIndicationCounter() *IndicationCounter {
	return &IndicationCounter{current: 99}
}

// Next returns the next transaction id.
func (c *IndicationCounter) Next() uint16 {
	if c.current >= 99 {
		c.current = 1
	} else {
		c.current++
	}
	return c.current
}
