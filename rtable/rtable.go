// Package rtable implements the longest-prefix-match CIDR routing table of
// §4.4, grounded directly on original_source/src/rtable/csp_rtable_cidr.c.
// Per §9 open question (a), only the CIDR variant is implemented — the
// source's parallel legacy fixed-slot table is not reproduced.
package rtable

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/smallsat/snp/iface"
	"github.com/smallsat/snp/snperr"
)

// Route is a single routing table entry (§3): a CIDR prefix, the egress
// interface, and an optional next-hop link address.
type Route struct {
	Prefix  uint16
	Mask    uint16
	Iface   *iface.Interface
	Via     uint16
	HasVia  bool
	netbits int // popcount(Mask), cached for longest-prefix comparison
}

func popcount16(m uint16) int {
	n := 0
	for m != 0 {
		n += int(m & 1)
		m >>= 1
	}
	return n
}

// Table is the process-wide routing table: a slice of routes kept in
// insertion order (§4.4).
type Table struct {
	mu     sync.RWMutex
	routes []*Route
}

// NewTable returns an empty routing table.
func NewTable() *Table {
	return &Table{}
}

// Set installs or replaces a route. Set replaces on (prefix, mask) conflict
// (§3 invariant: at most one entry per (prefix, netmask) pair).
func (t *Table) Set(prefix, mask uint16, ifc *iface.Interface, via uint16, hasVia bool) error {
	if ifc == nil {
		return snperr.ErrInvalid
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	masked := prefix & mask
	for _, r := range t.routes {
		if r.Mask == mask && r.Prefix&mask == masked {
			r.Prefix = masked
			r.Iface = ifc
			r.Via = via
			r.HasVia = hasVia
			return nil
		}
	}
	t.routes = append(t.routes, &Route{
		Prefix:  masked,
		Mask:    mask,
		Iface:   ifc,
		Via:     via,
		HasVia:  hasVia,
		netbits: popcount16(mask),
	})
	return nil
}

// Lookup returns the route with the longest matching prefix for dst, or nil
// if no route (not even a default route) matches (§4.4).
func (t *Table) Lookup(dst uint16) *Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best *Route
	for _, r := range t.routes {
		if dst&r.Mask != r.Prefix {
			continue
		}
		if best == nil || r.netbits > best.netbits {
			best = r
		}
	}
	return best
}

// Each calls visitor for every installed route (for save/print, §4.4).
func (t *Table) Each(visitor func(*Route)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes {
		visitor(r)
	}
}

// Clear removes all routes.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = nil
}

// Save emits the compact textual form `addr/mask ifname [via]`,
// comma-separated, omitting the loopback route (§4.4/§6). The mask is the
// raw netmask value, exactly as Set stores it, so a saved table reloads bit
// for bit through Parse. isLoopback must return true for the local/loopback
// interface name so it can be skipped.
func (t *Table) Save(isLoopback func(name string) bool) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parts := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		if isLoopback(r.Iface.Name) {
			continue
		}
		entry := strconv.Itoa(int(r.Prefix)) + "/" + strconv.Itoa(int(r.Mask))
		entry += " " + r.Iface.Name
		if r.HasVia {
			entry += fmt.Sprintf(" %d", r.Via)
		}
		parts = append(parts, entry)
	}
	return strings.Join(parts, ", ")
}

// Parse parses a single `addr[/mask] ifname [via]` entry, as produced by
// Save and accepted by the loader (§4.4/§6). The mask is the raw netmask
// value, matching what Set stores and Save emits — not a prefix length.
// When the "/mask" suffix is absent the mask defaults to the full address
// width (an exact host route).
func Parse(entry string, addrBits int) (prefix, mask uint16, ifname string, via uint16, hasVia bool, err error) {
	fields := strings.Fields(strings.TrimSpace(entry))
	if len(fields) < 2 {
		return 0, 0, "", 0, false, snperr.ErrInvalid
	}
	addrPart := fields[0]
	mask = uint16(1<<uint(addrBits) - 1)
	if idx := strings.IndexByte(addrPart, '/'); idx >= 0 {
		m, merr := strconv.Atoi(addrPart[idx+1:])
		if merr != nil {
			return 0, 0, "", 0, false, fmt.Errorf("%w: bad mask", snperr.ErrInvalid)
		}
		mask = uint16(m)
		addrPart = addrPart[:idx]
	}
	addr, err := strconv.Atoi(addrPart)
	if err != nil {
		return 0, 0, "", 0, false, fmt.Errorf("%w: bad address", snperr.ErrInvalid)
	}
	ifname = fields[1]
	if len(fields) >= 3 {
		v, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0, 0, "", 0, false, fmt.Errorf("%w: bad via", snperr.ErrInvalid)
		}
		via = uint16(v)
		hasVia = true
	}
	return uint16(addr), mask, ifname, via, hasVia, nil
}
