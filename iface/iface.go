// Package iface implements the interface list of §4.3: an append-only
// singly-linked registry of layer-2 interfaces with per-interface counters,
// looked up by name.
package iface

import (
	"strings"
	"sync"

	"github.com/smallsat/snp/buffer"
)

// TxFunc transmits a fully-framed packet on behalf of an Interface. via is
// the next-hop SNP address the driver resolves to its own link addressing —
// the route's via-address when one is set, the packet's destination
// otherwise; fromMe indicates the packet originated locally rather than
// being forwarded.
type TxFunc func(pkt *buffer.Packet, via uint16, fromMe bool) error

// Interface is a named layer-2 link registration (§3).
type Interface struct {
	Name    string
	MTU     int
	Addr    uint16
	Netmask uint16

	// IsDefault marks this interface as the default route's egress.
	IsDefault bool

	// SplitHorizonOff disables the router's split-horizon drop for packets
	// whose egress would equal their ingress on this interface (supplemented
	// feature 3, grounded on csp_route.c's split_horizon_off).
	SplitHorizonOff bool

	Transmit TxFunc

	// Counters, updated by the router and by driver code (§4.3/§4.7).
	Tx, Rx           uint32
	TxError, RxError uint32
	Drop             uint32
	AuthErr          uint32
	Frame            uint32
	TxBytes, RxBytes uint32

	next *Interface
}

// List is the process-wide, append-only interface registry.
type List struct {
	mu   sync.RWMutex
	head *Interface
}

// NewList returns an empty interface list.
func NewList() *List {
	return &List{}
}

// Add appends ifc to the list if it is not already present (§4.3).
func (l *List) Add(ifc *Interface) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		l.head = ifc
		ifc.next = nil
		return
	}
	i := l.head
	for i != ifc && i.next != nil {
		i = i.next
	}
	if i != ifc && i.next == nil {
		i.next = ifc
		ifc.next = nil
	}
}

// ByName looks up an interface by case-insensitive name.
func (l *List) ByName(name string) *Interface {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := l.head; i != nil; i = i.next {
		if strings.EqualFold(i.Name, name) {
			return i
		}
	}
	return nil
}

// Each calls visitor for every registered interface, in registration order.
func (l *List) Each(visitor func(*Interface)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := l.head; i != nil; i = i.next {
		visitor(i)
	}
}
