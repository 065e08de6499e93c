package vpn

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// ErrPoolExhausted is returned by Allocate when every address in the subnet
// is assigned. The caller rejects the connecting peer; the server keeps
// running.
var ErrPoolExhausted = errors.New("address pool exhausted")

// maxPoolCapacity caps what the pool will account for on huge (v6) subnets.
const maxPoolCapacity = 1 << 24

// AddressPool hands out virtual addresses from the VPN subnet. The network
// address, the IPv4 broadcast address and the first `reserved` usable
// addresses (gateway, server device) are never allocated.
//
// Allocate and Release are linearizable; an address is never held by two
// peers at once.
type AddressPool struct {
	prefix   netip.Prefix
	first    netip.Addr // lowest allocatable address
	last     netip.Addr // highest allocatable address
	capacity int

	mu        sync.Mutex
	allocated map[netip.Addr]bool
}

// NewAddressPool builds a pool over the subnet, holding back the first
// `reserved` usable addresses.
func NewAddressPool(prefix netip.Prefix, reserved int) (*AddressPool, error) {
	if reserved < 1 {
		return nil, fmt.Errorf("at least the gateway address must be reserved")
	}
	prefix = prefix.Masked()
	hostBits := prefix.Addr().BitLen() - prefix.Bits()

	var usable int
	switch {
	case prefix.Addr().Is4():
		if hostBits < 2 {
			return nil, fmt.Errorf("subnet %s has no usable host addresses", prefix)
		}
		usable = (1 << hostBits) - 2 // network + broadcast
	default:
		if hostBits < 1 {
			return nil, fmt.Errorf("subnet %s has no usable host addresses", prefix)
		}
		if hostBits >= 25 {
			usable = maxPoolCapacity
		} else {
			usable = (1 << hostBits) - 1 // network
		}
	}
	if usable <= reserved {
		return nil, fmt.Errorf("subnet %s too small for %d reserved addresses", prefix, reserved)
	}

	first := prefix.Addr()
	for i := 0; i < 1+reserved; i++ {
		first = first.Next()
	}
	last := lastAddr(prefix)
	if prefix.Addr().Is4() {
		last = last.Prev() // broadcast
	}

	return &AddressPool{
		prefix:    prefix,
		first:     first,
		last:      last,
		capacity:  usable - reserved,
		allocated: make(map[netip.Addr]bool),
	}, nil
}

// Gateway is the first usable address of the subnet; the server's own
// device address.
func (p *AddressPool) Gateway() netip.Addr { return p.prefix.Addr().Next() }

// Prefix is the masked subnet the pool draws from.
func (p *AddressPool) Prefix() netip.Prefix { return p.prefix }

// Capacity is the number of allocatable addresses.
func (p *AddressPool) Capacity() int { return p.capacity }

// Free is the number of addresses currently unassigned.
func (p *AddressPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.allocated)
}

// Allocate assigns the lowest free address, or ErrPoolExhausted.
func (p *AddressPool) Allocate() (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.allocated) >= p.capacity {
		return netip.Addr{}, ErrPoolExhausted
	}
	addr := p.first
	for p.allocated[addr] {
		addr = addr.Next()
	}
	if addr.Compare(p.last) > 0 {
		return netip.Addr{}, ErrPoolExhausted
	}
	p.allocated[addr] = true
	return addr, nil
}

// Release returns an address to the pool. Releasing an address that is not
// currently allocated is a bug in the caller's lifecycle handling and
// panics rather than silently corrupting the pool.
func (p *AddressPool) Release(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.allocated[addr] {
		panic(fmt.Sprintf("release of unallocated address %s", addr))
	}
	delete(p.allocated, addr)
}

// lastAddr is the highest address inside the prefix.
func lastAddr(p netip.Prefix) netip.Addr {
	if p.Addr().Is4() {
		a := p.Addr().As4()
		for i := p.Bits(); i < 32; i++ {
			a[i/8] |= 1 << (7 - i%8)
		}
		return netip.AddrFrom4(a)
	}
	a := p.Addr().As16()
	for i := p.Bits(); i < 128; i++ {
		a[i/8] |= 1 << (7 - i%8)
	}
	return netip.AddrFrom16(a)
}
