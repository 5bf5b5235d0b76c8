// Package buffer implements the fixed-capacity, zero-copy packet pool
// described in §4.1: a finite array of packet slots with a free list. All
// SNP packets are allocated from here; there is no dynamic allocation on the
// hot path (§1 Non-goals).
package buffer

import (
	"sync"

	"github.com/smallsat/snp/metrics"
	"github.com/smallsat/snp/snperr"
)

// HeaderScratch is the number of bytes reserved at the front of every
// packet's frame for the widest configured wire header (§3), sized to leave
// room for v2's 48-bit header plus its RDP sub-header and alignment.
const HeaderScratch = 20

// Packet is a fixed-size pooled object (§3). FrameBegin is an offset into
// Frame marking where the header-stripped payload starts; FrameLength is the
// number of valid bytes from FrameBegin onward. The scratch area
// [0:FrameBegin) holds the packed wire header once Prepend has run.
//
// Priority, Flags, Src, Dst, Dport, Sport are the unpacked header fields,
// valid once the header codec has run Strip (on receive) or before Prepend
// is called (on send).
type Packet struct {
	Priority uint8
	Flags    uint8
	Src      uint16
	Dst      uint16
	Dport    uint8
	Sport    uint8

	Frame       [HeaderScratch + MaxPayload]byte
	FrameBegin  int
	FrameLength int

	// used marks the slot as checked out; double-free is detected via this.
	used bool

	// Transport-private transient fields (§3, §9): valid only while the
	// packet is held by the reliable transport. Modeled as a connection-table
	// index (weak reference) per §9's guidance, not a pointer.
	TxTimestamp int64
	RxTimestamp int64
	ConnIndex   int

	// Link-layer-private transient fields (§4.9/§4.10), valid only while a
	// reassembly entry owns the packet. These overlap the transport fields
	// above in the C original's union; Go keeps them as distinct fields since
	// a packet is never concurrently owned by both layers.
	RxCount      int
	Remain       int
	CfpID        uint32
	LastUsed     int64
	FrameBeginL2 int
}

// MaxPayload is the maximum payload size, fixed at build time so packet
// slots can be flat arrays with no per-packet allocation (§1 Non-goals).
const MaxPayload = 256

// Payload returns the packet's current payload slice.
func (p *Packet) Payload() []byte {
	return p.Frame[p.FrameBegin : p.FrameBegin+p.FrameLength]
}

// SetPayload overwrites the payload area starting at FrameBegin and updates
// FrameLength.
func (p *Packet) SetPayload(b []byte) {
	p.FrameLength = copy(p.Frame[p.FrameBegin:], b)
}

// Pool is a finite array of packet slots with a free list (§4.1/§3).
type Pool struct {
	mu    sync.Mutex
	slots []Packet
	free  []*Packet
}

// NewPool allocates a pool of the given capacity. Capacity is fixed for the
// lifetime of the pool.
func NewPool(capacity int) *Pool {
	p := &Pool{
		slots: make([]Packet, capacity),
		free:  make([]*Packet, 0, capacity),
	}
	for i := range p.slots {
		p.free = append(p.free, &p.slots[i])
	}
	return p
}

// Get hands out a packet with FrameBegin positioned for the configured
// header width (see SetupRx). It returns snperr.ErrNoMem when exhausted;
// callers must treat this as recoverable, never fatal (§4.1/§7).
func (p *Pool) Get() (*Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		metrics.PoolExhaustedCount.Inc()
		return nil, snperr.ErrNoMem
	}
	pkt := p.free[n-1]
	p.free = p.free[:n-1]
	*pkt = Packet{used: true, FrameBegin: HeaderScratch}
	metrics.PoolInUseGauge.Inc()
	return pkt, nil
}

// Free returns a packet to the pool. Double-free is detected, counted, and
// otherwise ignored — it must never corrupt the free list (§4.1).
func (p *Pool) Free(pkt *Packet) {
	if pkt == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !pkt.used {
		metrics.PoolDoubleFreeCount.Inc()
		return
	}
	pkt.used = false
	p.free = append(p.free, pkt)
	metrics.PoolInUseGauge.Dec()
}

// FreeISR is the ISR-safe variant of Free for driver contexts (§4.1/§5). In
// this Go implementation the underlying mutex is already safe from any
// goroutine, so FreeISR is a direct alias; the distinct name documents the
// call site's intent the way the teacher's driver code distinguishes
// *_isr variants.
func (p *Pool) FreeISR(pkt *Packet) {
	p.Free(pkt)
}

// Clone performs an atomic copy of a packet, including header scratch and
// length, returning a new pooled packet. Used by the reliable transport's
// retry queue, which holds clones of in-flight packets (§9).
func (p *Pool) Clone(src *Packet) (*Packet, error) {
	dst, err := p.Get()
	if err != nil {
		return nil, err
	}
	frame := dst.Frame
	used := dst.used
	*dst = *src
	dst.Frame = frame
	copy(dst.Frame[:], src.Frame[:])
	dst.used = used
	return dst, nil
}

// Remaining returns the number of free slots.
func (p *Pool) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity returns the pool's fixed slot count.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// DataSize returns the configured maximum payload size.
func (p *Pool) DataSize() int {
	return MaxPayload
}

// SetupRx positions pkt's FrameBegin to leave room for the widest configured
// header (§4.2 setup-rx), so link-layer receive code can write incoming
// frame bytes directly without a subsequent copy.
func SetupRx(pkt *Packet) {
	pkt.FrameBegin = HeaderScratch
	pkt.FrameLength = 0
}
