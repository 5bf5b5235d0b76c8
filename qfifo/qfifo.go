// Package qfifo implements the per-priority input fan-in queues that feed
// the router from every interface (the "Input fan-in (qfifo)" component of
// §2, named but not separately numbered in §4). Grounded on
// original_source/src/csp_route.c's router_input_fifo array and
// csp_new_packet/csp_route_next_packet, with the Go channel-plus-select
// shape borrowed from saver/saver.go's channel-drain goroutine idiom.
package qfifo

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/iface"
)

// NumPriorities is the number of priority levels (2-bit priority field,
// §4.2).
const NumPriorities = 4

var dropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "snp_qfifo_dropped_total",
	Help: "Packets dropped because their priority's input fifo was full.",
}, []string{"iface"})

// Element pairs a packet with the interface it arrived on, mirroring
// csp_route_queue_t.
type Element struct {
	Iface  *iface.Interface
	Packet *buffer.Packet
}

// FanIn holds one bounded channel per priority level.
type FanIn struct {
	queues [NumPriorities]chan Element
}

// NewFanIn allocates a FanIn with the given per-priority queue depth.
func NewFanIn(depth int) *FanIn {
	f := &FanIn{}
	for i := range f.queues {
		f.queues[i] = make(chan Element, depth)
	}
	return f
}

// Write enqueues a packet on the fifo for its priority (0 = highest). If
// that fifo is full the packet is dropped and ifc's Drop counter (and the
// snp_qfifo_dropped_total metric) is incremented — it is the caller's
// responsibility to also free the packet back to the pool on a dropped
// write, since FanIn holds no reference to the buffer pool.
func (f *FanIn) Write(pri uint8, el Element) bool {
	idx := int(pri) % NumPriorities
	select {
	case f.queues[idx] <- el:
		return true
	default:
		name := "unknown"
		if el.Iface != nil {
			el.Iface.Drop++
			name = el.Iface.Name
		}
		dropped.WithLabelValues(name).Inc()
		return false
	}
}

// Next blocks (respecting ctx) until a packet is available in the
// highest-priority non-empty queue, checking queues in strict priority
// order (§4.7 step b / §5 ordering guarantees: across priorities the router
// dequeues highest-priority first).
func (f *FanIn) Next(ctx context.Context) (Element, bool) {
	for {
		for i := range f.queues {
			select {
			case el := <-f.queues[i]:
				return el, true
			default:
			}
		}
		select {
		case <-ctx.Done():
			return Element{}, false
		case el := <-f.queues[0]:
			return el, true
		case el := <-f.queues[1]:
			return el, true
		case el := <-f.queues[2]:
			return el, true
		case el := <-f.queues[3]:
			return el, true
		}
	}
}

// NextTimeout is Next with a bounded wait, so the router's periodic timeout
// scan runs even when every input fifo stays empty (§4.7 step b: "wait with a
// bounded timeout so (a) happens regularly"). It returns ok=false on either
// ctx cancellation or timeout expiry; callers distinguish via ctx.Err().
func (f *FanIn) NextTimeout(ctx context.Context, d time.Duration) (Element, bool) {
	for i := range f.queues {
		select {
		case el := <-f.queues[i]:
			return el, true
		default:
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Element{}, false
	case <-timer.C:
		return Element{}, false
	case el := <-f.queues[0]:
		return el, true
	case el := <-f.queues[1]:
		return el, true
	case el := <-f.queues[2]:
		return el, true
	case el := <-f.queues[3]:
		return el, true
	}
}
