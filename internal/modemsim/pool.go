package modemsim

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
)

// AddressPool hands out IPv4 bearer addresses from a CIDR range. The
// network and broadcast addresses are never allocated.
type AddressPool struct {
	network *net.IPNet
	first   uint32
	last    uint32
	next    uint32

	mu        sync.Mutex
	allocated map[uint32]bool
}

// NewAddressPool creates a pool from a CIDR string such as "10.0.0.0/24".
func NewAddressPool(cidr string) (*AddressPool, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	base := ipnet.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("CIDR %q is not IPv4", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones < 2 {
		return nil, fmt.Errorf("CIDR %q has no host addresses", cidr)
	}

	start := binary.BigEndian.Uint32(base)
	size := uint32(1) << uint(bits-ones)
	return &AddressPool{
		network:   ipnet,
		first:     start + 1,
		last:      start + size - 2,
		next:      start + 1,
		allocated: make(map[uint32]bool),
	}, nil
}

// Allocate returns the next free address, wrapping at the end of the range.
func (p *AddressPool) Allocate() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.last - p.first + 1
	for i := uint32(0); i < total; i++ {
		candidate := p.next
		p.next++
		if p.next > p.last {
			p.next = p.first
		}
		if !p.allocated[candidate] {
			p.allocated[candidate] = true
			return toIP(candidate), nil
		}
	}
	return nil, fmt.Errorf("address pool %s exhausted (all %d addresses allocated)", p.network, total)
}

// Release returns ip to the pool. Unknown addresses are ignored.
func (p *AddressPool) Release(ip net.IP) {
	v4 := ip.To4()
	if v4 == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, binary.BigEndian.Uint32(v4))
}

// AllocatedCount returns the number of addresses in use.
func (p *AddressPool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Available returns the number of free addresses.
func (p *AddressPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.last-p.first+1) - len(p.allocated)
}

// Netmask returns the mask of the range.
func (p *AddressPool) Netmask() net.IP {
	return net.IP(p.network.Mask).To4()
}

func toIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
