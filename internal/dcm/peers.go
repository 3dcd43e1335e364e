package dcm

import "net"

// PeerSet remembers every transport address that sent a request, in
// order of first appearance. Entries are never removed.
type PeerSet struct {
	order []net.Addr
	seen  map[string]struct{}
}

// NewPeerSet creates an empty set.
func NewPeerSet() *PeerSet {
	return &PeerSet{seen: make(map[string]struct{})}
}

// Add inserts addr and reports whether it was new.
func (p *PeerSet) Add(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	key := addr.Network() + "/" + addr.String()
	if _, ok := p.seen[key]; ok {
		return false
	}
	p.seen[key] = struct{}{}
	p.order = append(p.order, addr)
	return true
}

// All returns the peers in insertion order.
func (p *PeerSet) All() []net.Addr {
	out := make([]net.Addr, len(p.order))
	copy(out, p.order)
	return out
}

// Len returns the number of peers.
func (p *PeerSet) Len() int {
	return len(p.order)
}
