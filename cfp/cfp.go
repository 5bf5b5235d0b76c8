// Package cfp implements segmentation over 8-byte-frame (CAN-like) links,
// §4.9, grounded directly on original_source/src/csp_if_can.c's CFP
// (CAN Fragmentation Protocol) reassembly and fragmentation logic.
//
// The reference implementation packs the reassembly key directly into a
// 29-bit CAN arbitration identifier, since real CAN silicon only exposes
// that field to the receive filter. This stack has no physical CAN
// controller underneath it — the "8-byte frame" transport is itself a
// software abstraction (see the iface.TxFunc it rides on) — so the
// reassembly key is kept as a plain Go struct instead of being recovered by
// masking an integer. The identifier is still packed and
// unpacked bit-for-bit into a wire-shaped integer for anything that crosses
// the TxFunc boundary, preserving the field layout of §4.9.
package cfp

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/config"
	"github.com/smallsat/snp/header"
	"github.com/smallsat/snp/snperr"
)

// FrameSize is the link MTU this package fragments to and reassembles from.
const FrameSize = 8

var (
	frameErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snp_cfp_frame_error_total",
		Help: "CFP frames dropped for an out-of-order counter or unknown reassembly entry.",
	})
	txErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snp_cfp_tx_error_total",
		Help: "CFP fragments that failed to transmit.",
	})
)

// packID packs the §4.9 identifier fields into a wire-shaped integer:
// priority(2), destination(HostBits), source(HostBits), packet-counter(2),
// frame-counter(3), begin(1), end(1), MSB to LSB. HostBits is used for both
// address fields — the reference 29-bit layout's asymmetric width is a
// silicon-arbitration artifact with no equivalent here.
func packID(v config.HeaderVersion, pri uint8, dst, src uint16, counter, frame uint8, begin, end bool) uint64 {
	db := uint(v.HostBits())
	var id uint64
	if end {
		id |= 1
	}
	if begin {
		id |= 1 << 1
	}
	id |= uint64(frame&0x7) << 2
	id |= uint64(counter&0x3) << 5
	id |= uint64(src&(1<<db-1)) << 7
	id |= uint64(dst&(1<<db-1)) << (7 + db)
	id |= uint64(pri&0x3) << (7 + 2*db)
	return id
}

func unpackID(v config.HeaderVersion, id uint64) (pri uint8, dst, src uint16, counter, frame uint8, begin, end bool) {
	db := uint(v.HostBits())
	end = id&1 != 0
	begin = id&(1<<1) != 0
	frame = uint8(id>>2) & 0x7
	counter = uint8(id>>5) & 0x3
	src = uint16(id>>7) & uint16(1<<db-1)
	dst = uint16(id>>(7+db)) & uint16(1<<db-1)
	pri = uint8(id>>(7+2*db)) & 0x3
	return
}

type key struct {
	Dst, Src uint16
	Pri      uint8
}

// frameCounterMask is the wire width of the frame-counter field packed by
// packID/unpackID (3 bits, §4.9) — every update to nextFrame must be
// reduced through it, the same way csp_if_can.c's reassembly check never
// compares the wire id's CFP_REMAIN field against a raw running total but
// against a locally held counter (buf->remain) that is itself bound to the
// field's own width. A local counter that isn't masked the same way the
// wire field is diverges from it silently once a packet needs more
// fragments than the field can address, and every frame after that point
// is rejected as out of order even though the link lost nothing (§9d).
const frameCounterMask = 0x7

type entry struct {
	pkt       *buffer.Packet
	received  int
	nextFrame uint8
	lastUsed  time.Time
}

// Table is the CFP reassembly table: one entry per (destination, sender,
// priority), as described in §4.9.
type Table struct {
	mu      sync.Mutex
	entries map[key]*entry
	pool    *buffer.Pool
	timeout time.Duration
}

// NewTable returns an empty reassembly table backed by pool. timeout bounds
// how long a partially-filled entry may sit idle before Sweep reclaims it.
func NewTable(pool *buffer.Pool, timeout time.Duration) *Table {
	return &Table{entries: make(map[key]*entry), pool: pool, timeout: timeout}
}

// RxFrame processes one received 8-byte (or shorter, for the final) frame.
// On completion of a packet it strips the SNP header and invokes deliver
// with the reassembled packet, ready for the router's input fifo (§4.9/§4.7).
func (t *Table) RxFrame(v config.HeaderVersion, id uint64, data []byte, deliver func(*buffer.Packet)) {
	pri, dst, src, _, frame, begin, end := unpackID(v, id)
	k := key{Dst: dst, Src: src, Pri: pri}

	t.mu.Lock()
	e, ok := t.entries[k]

	if begin {
		if ok {
			// A new begin-frame preempts a stale partial entry (§4.9).
			t.pool.Free(e.pkt)
			delete(t.entries, k)
		}
		pkt, err := t.pool.Get()
		if err != nil {
			t.mu.Unlock()
			return
		}
		header.SetupRx(pkt)
		pkt.Priority = pri
		pkt.Dst = dst
		pkt.Src = src
		e = &entry{pkt: pkt}
		e.received = copy(pkt.Frame[pkt.FrameBegin:], data)
		e.nextFrame = (frame + 1) & frameCounterMask
		e.lastUsed = time.Now()
		t.entries[k] = e
		t.mu.Unlock()
		if end {
			t.finish(v, k, e, deliver)
		}
		return
	}

	if !ok || frame != e.nextFrame {
		if ok {
			t.pool.Free(e.pkt)
			delete(t.entries, k)
		}
		t.mu.Unlock()
		frameErrors.Inc()
		return
	}

	if e.received+len(data) > len(e.pkt.Frame)-e.pkt.FrameBegin {
		t.pool.Free(e.pkt)
		delete(t.entries, k)
		t.mu.Unlock()
		frameErrors.Inc()
		return
	}
	e.received += copy(e.pkt.Frame[e.pkt.FrameBegin+e.received:], data)
	e.nextFrame = (e.nextFrame + 1) & frameCounterMask
	e.lastUsed = time.Now()
	t.mu.Unlock()

	if end {
		t.finish(v, k, e, deliver)
	}
}

func (t *Table) finish(v config.HeaderVersion, k key, e *entry, deliver func(*buffer.Packet)) {
	t.mu.Lock()
	delete(t.entries, k)
	t.mu.Unlock()

	e.pkt.FrameLength = e.received
	if err := header.Strip(v, e.pkt); err != nil {
		t.pool.Free(e.pkt)
		frameErrors.Inc()
		return
	}
	deliver(e.pkt)
}

// Sweep frees reassembly entries whose last activity is older than the
// table's timeout (§4.9 "periodic sweep").
func (t *Table) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for k, e := range t.entries {
		if now.Sub(e.lastUsed) > t.timeout {
			t.pool.Free(e.pkt)
			delete(t.entries, k)
		}
	}
}

// Send is the transmit path (§4.9): it prepends the SNP header into pkt's
// scratch area, then walks the resulting frame in FrameSize-byte chunks,
// invoking send once per fragment with that fragment's identifier and data.
// counter is the caller-assigned packet counter distinguishing concurrent
// fragmented transmissions to the same (dst, src, priority) key.
func Send(v config.HeaderVersion, pkt *buffer.Packet, counter uint8, send func(id uint64, data []byte) error) error {
	if pkt.FrameLength == 0 {
		return snperr.ErrInvalid
	}
	if err := header.Prepend(v, pkt); err != nil {
		return err
	}
	data := pkt.Frame[pkt.FrameBegin : pkt.FrameBegin+pkt.FrameLength]
	total := len(data)
	var frame uint8
	for offset := 0; offset < total; offset += FrameSize {
		end := offset + FrameSize
		if end > total {
			end = total
		}
		id := packID(v, pkt.Priority, pkt.Dst, pkt.Src, counter, frame, offset == 0, end == total)
		if err := send(id, data[offset:end]); err != nil {
			txErrors.Inc()
			return snperr.ErrTxFailure
		}
		frame++
	}
	return nil
}
