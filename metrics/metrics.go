// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the stack.
//
// When defining new operations or metrics, these are helpful values to track:
//   - things coming into or go out of the system: packets, frames, connections.
//   - the success or error status of any of the above.
//   - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolExhaustedCount counts buffer-pool Get() calls that found no free
	// packet slot.
	PoolExhaustedCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snp_pool_exhausted_total",
			Help: "Number of buffer pool allocations that failed because the pool was empty.",
		},
	)

	// PoolDoubleFreeCount counts Free() calls made on a packet that was
	// already free.
	PoolDoubleFreeCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snp_pool_double_free_total",
			Help: "Number of Free() calls observed on an already-free packet.",
		},
	)

	// PoolInUseGauge tracks the number of packets currently checked out of the pool.
	PoolInUseGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snp_pool_in_use",
			Help: "Number of packets currently checked out of the buffer pool.",
		},
	)

	// IfaceCounter tracks per-interface rx/tx/drop/error dispositions.
	//
	// Example usage:
	//   metrics.IfaceCounter.WithLabelValues("can0", "rx").Inc()
	IfaceCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snp_iface_packets_total",
			Help: "Packets handled per interface, broken down by disposition (rx, tx, rx_error, tx_error, drop, autherr, frame).",
		}, []string{"iface", "disposition"})

	// RouterFanInDepth tracks the depth of the router's priority input fifos
	// at dequeue time, per priority.
	RouterFanInDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snp_router_fanin_depth",
			Help:    "Observed depth of a priority input fifo when the router dequeues from it.",
			Buckets: prometheus.LinearBuckets(0, 4, 16),
		}, []string{"priority"})

	// RouterDropCount counts packets the router loop discarded (unroutable,
	// split-horizon, security failure, no listener).
	RouterDropCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snp_router_drop_total",
			Help: "Packets dropped by the router loop, by reason.",
		}, []string{"reason"})

	// RDPRetransmitCount counts packets re-sent by the reliable transport's
	// timeout scan.
	RDPRetransmitCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snp_rdp_retransmit_total",
			Help: "Number of packets retransmitted by the reliable transport timeout scan.",
		},
	)

	// RDPEackCount counts extended-acknowledgement packets sent in response
	// to out-of-order receipt.
	RDPEackCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snp_rdp_eack_total",
			Help: "Number of EACK packets sent for out-of-order receipt.",
		},
	)

	// RDPWindowWaitHistogram tracks how long a sender blocked waiting for
	// the reliable-transport window to advance.
	RDPWindowWaitHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snp_rdp_window_wait_seconds",
			Help:    "Time a sender spent blocked on a full reliable-transport window.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)

	// ReassemblyTimeoutCount counts fragment/segment reassembly entries
	// freed by the periodic timeout sweep rather than completion.
	ReassemblyTimeoutCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snp_reassembly_timeout_total",
			Help: "Reassembly entries freed by timeout rather than completion, by link protocol.",
		}, []string{"protocol"})

	// ReassemblyErrorCount counts out-of-order or inconsistent fragments
	// rejected during reassembly.
	ReassemblyErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snp_reassembly_error_total",
			Help: "Fragments or segments rejected during reassembly, by link protocol.",
		}, []string{"protocol"})

	// ConnEventCount counts connection-lifecycle notifications published on
	// the eventsocket, by kind (opened, closed).
	ConnEventCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snp_conn_event_total",
			Help: "Connection-lifecycle notifications published on the eventsocket, by kind.",
		}, []string{"kind"})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in snp/metrics are registered.")
}
