// Package promisc implements the process-wide promiscuous mode of
// supplemented feature 4, grounded on original_source/src/csp_promisc.c: a
// process-wide enable/disable switch and a bounded queue of packet clones
// handed to any reader, independent of normal per-connection delivery.
package promisc

import (
	"sync"
	"sync/atomic"

	"github.com/smallsat/snp/buffer"
)

// Monitor is the process-wide promiscuous tap.
type Monitor struct {
	enabled int32

	mu    sync.Mutex
	queue chan *buffer.Packet
	pool  *buffer.Pool
}

// NewMonitor returns a disabled Monitor with the given clone-queue depth.
func NewMonitor(pool *buffer.Pool, depth int) *Monitor {
	return &Monitor{pool: pool, queue: make(chan *buffer.Packet, depth)}
}

// Enable turns promiscuous mode on.
func (m *Monitor) Enable() { atomic.StoreInt32(&m.enabled, 1) }

// Disable turns promiscuous mode off and drains any queued clones.
func (m *Monitor) Disable() {
	atomic.StoreInt32(&m.enabled, 0)
	for {
		select {
		case pkt := <-m.queue:
			m.pool.Free(pkt)
		default:
			return
		}
	}
}

// Enabled reports whether promiscuous mode is currently on.
func (m *Monitor) Enabled() bool { return atomic.LoadInt32(&m.enabled) != 0 }

// Tap clones pkt onto the promiscuous queue if the mode is enabled and the
// queue has room, silently dropping the clone if the queue is full — the
// router's own delivery of the original packet is never affected by this
// call (§4.7 step c).
func (m *Monitor) Tap(pkt *buffer.Packet) {
	if !m.Enabled() {
		return
	}
	clone, err := m.pool.Clone(pkt)
	if err != nil {
		return
	}
	select {
	case m.queue <- clone:
	default:
		m.pool.Free(clone)
	}
}

// Read returns the channel a promiscuous-mode reader consumes cloned
// packets from. The reader is responsible for freeing each packet back to
// the pool once done with it.
func (m *Monitor) Read() <-chan *buffer.Packet { return m.queue }
