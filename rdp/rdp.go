// Package rdp implements the reliable transport state machine of §4.8,
// grounded function-by-function on
// original_source/src/transport/csp_rdp.c. State naming follows tcp/state.go's
// enum+String() idiom; the sequence-space field names (SndISS/SndNXT/SndUNA/
// RcvIRS/RcvCUR) echo other_examples' lneto-tcp ControlBlock naming.
package rdp

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/conn"
	"github.com/smallsat/snp/header"
	"github.com/smallsat/snp/metrics"
	"github.com/smallsat/snp/snperr"
)

// Control header flag bits (§6): RST(1), EAK(2), ACK(4), SYN(8); upper
// nibble is a rolling nonce used to defeat deduplication of empty ACKs.
const (
	CtrlRST uint8 = 1 << 0
	CtrlEAK uint8 = 1 << 1
	CtrlACK uint8 = 1 << 2
	CtrlSYN uint8 = 1 << 3
)

// CtrlHeaderSize is the packed size of the RDP control header in bytes.
const CtrlHeaderSize = 5

// SynWords is the number of 32-bit big-endian negotiation words carried by
// a SYN packet (§4.8 Connection establishment / §6).
const SynWords = 6

// Retransmit and EACK accounting lives in the shared metrics package; only
// the reset counter is local to this file.
var resets = promauto.NewCounter(prometheus.CounterOpts{
	Name: "snp_rdp_reset_total",
	Help: "Number of RDP connections that observed an RST.",
})

// before reports whether a precedes b in the 16-bit sequence space, using
// signed-cast modular comparison — not unsigned (§9 "Endianness": this must
// be reproduced exactly).
func before(a, b uint16) bool {
	return int16(a-b) < 0
}

// between reports whether x lies in the closed-modular range [lo, hi].
func between(x, lo, hi uint16) bool {
	return uint16(hi-lo) >= uint16(x-lo)
}

// Negotiation carries the six SYN negotiation words (§4.8/§6).
type Negotiation struct {
	Window        uint32
	ConnTimeoutMs uint32
	PktTimeoutMs  uint32
	DelayedAcksOn uint32
	AckTimeoutMs  uint32
	AckDelayCount uint32
}

func packNegotiation(n Negotiation) []byte {
	b := make([]byte, SynWords*4)
	binary.BigEndian.PutUint32(b[0:4], n.Window)
	binary.BigEndian.PutUint32(b[4:8], n.ConnTimeoutMs)
	binary.BigEndian.PutUint32(b[8:12], n.PktTimeoutMs)
	binary.BigEndian.PutUint32(b[12:16], n.DelayedAcksOn)
	binary.BigEndian.PutUint32(b[16:20], n.AckTimeoutMs)
	binary.BigEndian.PutUint32(b[20:24], n.AckDelayCount)
	return b
}

func unpackNegotiation(b []byte) Negotiation {
	return Negotiation{
		Window:        binary.BigEndian.Uint32(b[0:4]),
		ConnTimeoutMs: binary.BigEndian.Uint32(b[4:8]),
		PktTimeoutMs:  binary.BigEndian.Uint32(b[8:12]),
		DelayedAcksOn: binary.BigEndian.Uint32(b[12:16]),
		AckTimeoutMs:  binary.BigEndian.Uint32(b[16:20]),
		AckDelayCount: binary.BigEndian.Uint32(b[20:24]),
	}
}

func packCtrl(b []byte, flags uint8, nonce uint8, seq, ack uint16) {
	b[0] = (flags & 0x0f) | (nonce << 4)
	binary.BigEndian.PutUint16(b[1:3], seq)
	binary.BigEndian.PutUint16(b[3:5], ack)
}

func unpackCtrl(b []byte) (flags, nonce uint8, seq, ack uint16) {
	flags = b[0] & 0x0f
	nonce = b[0] >> 4
	seq = binary.BigEndian.Uint16(b[1:3])
	ack = binary.BigEndian.Uint16(b[3:5])
	return
}

// Transmitter hands a fully-addressed packet to the egress path (header
// prepend + interface transmit). Supplied by the composing stack/router so
// rdp has no direct dependency on the router or driver layer.
type Transmitter func(idout conn.ID, pri uint8, pkt *buffer.Packet) error

// Handler ties the RDP state machine to a buffer pool and an egress path.
type Handler struct {
	Pool     *buffer.Pool
	Transmit Transmitter
	nonce    uint8
}

// NewHandler returns a Handler bound to pool and tx.
func NewHandler(pool *buffer.Pool, tx Transmitter) *Handler {
	return &Handler{Pool: pool, Transmit: tx}
}

func (h *Handler) nextNonce() uint8 {
	h.nonce = (h.nonce + 1) & 0x0f
	return h.nonce
}

func (h *Handler) sendCtrl(c *conn.Connection, flags uint8, seq, ack uint16, extra []byte) error {
	pkt, err := h.Pool.Get()
	if err != nil {
		return err
	}
	header.SetupRx(pkt)
	body := make([]byte, CtrlHeaderSize+len(extra))
	packCtrl(body, flags, h.nextNonce(), seq, ack)
	copy(body[CtrlHeaderSize:], extra)
	pkt.SetPayload(body)
	c.RDP.LastAckTime = time.Now()
	c.RDP.UnackedCount = 0
	return h.Transmit(c.IDOut, 0, pkt)
}

// Connect initiates the handshake (§4.8 Connection establishment). It
// blocks until the connection reaches Open, a half-open retry has been
// exhausted, or timeout elapses.
func (h *Handler) Connect(c *conn.Connection, n Negotiation, timeout time.Duration) error {
	r := c.RDP
	r.Window = n.Window
	r.ConnTimeout = time.Duration(n.ConnTimeoutMs) * time.Millisecond
	r.PktTimeout = time.Duration(n.PktTimeoutMs) * time.Millisecond
	r.AckTimeout = time.Duration(n.AckTimeoutMs) * time.Millisecond
	r.DelayedAcks = n.DelayedAcksOn != 0
	r.AckDelayCount = n.AckDelayCount

	deadline := time.Now().Add(timeout)
	for {
		if err := h.sendCtrl(c, CtrlSYN, r.SndISS, 0, packNegotiation(n)); err != nil {
			return err
		}
		select {
		case <-r.WaitCh:
		case <-time.After(time.Until(deadline)):
			return snperr.ErrTimeout
		}
		if c.State == conn.Open {
			return nil
		}
		if c.State == conn.SynSent && r.HalfOpenTried {
			// A second half-open failure: give up (§4.8).
			return snperr.ErrTimeout
		}
		if c.State == conn.SynSent {
			// Half-open condition observed; retry once.
			r.HalfOpenTried = true
			continue
		}
		return snperr.ErrReset
	}
}

// NewPacket dispatches an incoming packet to the state-specific handler,
// mirroring csp_rdp_new_packet's switch on connection state.
func (h *Handler) NewPacket(c *conn.Connection, pkt *buffer.Packet) {
	payload := pkt.Payload()
	if c.RDP == nil || len(payload) < CtrlHeaderSize {
		h.Pool.Free(pkt)
		return
	}
	flags, _, seq, ack := unpackCtrl(payload)
	r := c.RDP

	if flags&CtrlRST != 0 {
		h.handleReset(c, flags&CtrlACK != 0)
		h.Pool.Free(pkt)
		return
	}

	switch c.State {
	case conn.Closed:
		if flags == CtrlSYN && len(payload) >= CtrlHeaderSize+SynWords*4 {
			n := unpackNegotiation(payload[CtrlHeaderSize:])
			r.Window = n.Window
			r.ConnTimeout = time.Duration(n.ConnTimeoutMs) * time.Millisecond
			r.PktTimeout = time.Duration(n.PktTimeoutMs) * time.Millisecond
			r.AckTimeout = time.Duration(n.AckTimeoutMs) * time.Millisecond
			r.DelayedAcks = n.DelayedAcksOn != 0
			r.AckDelayCount = n.AckDelayCount
			r.RcvIRS = seq
			r.RcvCUR = seq
			r.SndISS = uint16(rand.Intn(1 << 16))
			r.SndNXT = r.SndISS + 1
			r.SndUNA = r.SndNXT
			c.State = conn.SynRcvd
			h.sendCtrl(c, CtrlSYN|CtrlACK, r.SndISS, r.RcvCUR, nil)
		}
		h.Pool.Free(pkt)

	case conn.SynSent:
		if flags&CtrlSYN != 0 && flags&CtrlACK != 0 {
			r.RcvIRS = seq
			r.RcvCUR = seq
			c.State = conn.Open
			h.sendCtrl(c, CtrlACK, r.SndNXT, r.RcvCUR, nil)
			r.Post()
			c.NotifyOpen()
		} else if flags&CtrlACK != 0 {
			// Half-open: stale peer acking a connection it doesn't have.
			h.sendCtrl(c, CtrlRST, r.SndNXT, 0, nil)
			r.Post()
		}
		h.Pool.Free(pkt)

	case conn.SynRcvd:
		if flags&CtrlACK != 0 {
			c.State = conn.Open
			c.NotifyOpen()
		}
		h.Pool.Free(pkt)

	case conn.Open:
		h.deliverOpen(c, pkt, flags, seq, ack)

	case conn.CloseWait:
		h.Pool.Free(pkt)

	default:
		h.Pool.Free(pkt)
	}
}

func (h *Handler) handleReset(c *conn.Connection, ackSet bool) {
	resets.Inc()
	r := c.RDP
	if c.State == conn.CloseWait {
		r.ClosedBy |= conn.ClosedByPeer
		if ackSet {
			h.flush(c)
			c.Release()
		}
		return
	}
	r.ClosedBy |= conn.ClosedByPeer
	c.State = conn.CloseWait
	r.CloseTime = time.Now()
	if c.Socket == nil {
		// Userspace has already accepted this connection: a null-packet
		// sentinel (represented as a nil send on the rx queue) lets it
		// discover the close on its next read (§4.8 Reset).
		select {
		case c.RxQueues[0] <- nil:
		default:
		}
	} else {
		h.flush(c)
		c.Release()
	}
	r.Post()
}

// flush releases every packet the transport still owns for c: the tx-retry
// clones, the reorder buffer, and anything queued but unread on the
// connection's rx queues (§4.8 Reset "flushes pending I/O").
func (h *Handler) flush(c *conn.Connection) {
	r := c.RDP
	if r == nil {
		return
	}
	for _, p := range r.TxQueue {
		h.Pool.Free(p)
	}
	r.TxQueue = nil
	for _, p := range r.RxQueue {
		h.Pool.Free(p)
	}
	r.RxQueue = nil
	c.FlushRx(h.Pool.Free)
}

// stripCtrl advances a packet past its transport control header so userspace
// reads only the payload (§4.8 "stripping the transport header").
func stripCtrl(p *buffer.Packet) {
	p.FrameBegin += CtrlHeaderSize
	p.FrameLength -= CtrlHeaderSize
}

// deliverOpen implements data transfer receive-side processing (§4.8 Data
// transfer / Acknowledgement policy).
func (h *Handler) deliverOpen(c *conn.Connection, pkt *buffer.Packet, flags uint8, seq, ack uint16) {
	r := c.RDP
	payload := pkt.Payload()[CtrlHeaderSize:]

	// Validate and apply the cumulative ack, freeing retired tx-queue
	// entries (§4.8 Data transfer).
	if between(ack, r.SndUNA-1-uint16(2*r.Window), r.SndNXT-1) {
		r.SndUNA = ack + 1
		kept := r.TxQueue[:0]
		for _, p := range r.TxQueue {
			pp := p.Payload()
			_, _, pseq, _ := unpackCtrl(pp)
			if before(pseq, r.SndUNA) {
				h.Pool.Free(p)
				continue
			}
			kept = append(kept, p)
		}
		r.TxQueue = kept
		r.Post()
	}

	if flags&CtrlEAK != 0 {
		// The peer reports out-of-order receipt: its payload is a list of
		// 16-bit sequence numbers it already holds, which need no retransmit.
		for i := 0; i+1 < len(payload); i += 2 {
			eseq := binary.BigEndian.Uint16(payload[i : i+2])
			kept := r.TxQueue[:0]
			for _, p := range r.TxQueue {
				_, _, pseq, _ := unpackCtrl(p.Payload())
				if pseq == eseq {
					h.Pool.Free(p)
					continue
				}
				kept = append(kept, p)
			}
			r.TxQueue = kept
		}
		h.Pool.Free(pkt)
		return
	}

	hasData := len(payload) > 0
	sendAckNow := false

	if hasData {
		if !between(seq, r.RcvCUR+1, r.RcvCUR+uint16(2*r.Window)) {
			// Outside the acceptable receive window: drop (duplicate or
			// too-far-future).
			h.Pool.Free(pkt)
		} else if seq == r.RcvCUR+1 {
			r.RcvCUR = seq
			stripCtrl(pkt)
			c.RxQueues[pkt.Priority%4] <- pkt
			r.UnackedCount++
			// Drain the reorder buffer for newly-consecutive packets.
			for {
				progressed := false
				remaining := r.RxQueue[:0]
				for _, qp := range r.RxQueue {
					_, _, qseq, _ := unpackCtrl(qp.Payload())
					if qseq == r.RcvCUR+1 {
						r.RcvCUR = qseq
						stripCtrl(qp)
						c.RxQueues[qp.Priority%4] <- qp
						r.UnackedCount++
						progressed = true
					} else {
						remaining = append(remaining, qp)
					}
				}
				r.RxQueue = remaining
				if !progressed {
					break
				}
			}
			if !r.DelayedAcks {
				sendAckNow = true
			}
		} else {
			// Out-of-order but in-window: queue deduplicated, report EACK.
			dup := false
			for _, qp := range r.RxQueue {
				_, _, qseq, _ := unpackCtrl(qp.Payload())
				if qseq == seq {
					dup = true
					break
				}
			}
			if dup {
				h.Pool.Free(pkt)
			} else {
				r.RxQueue = append(r.RxQueue, pkt)
				metrics.RDPEackCount.Inc()
				held := make([]byte, 0, 2*len(r.RxQueue))
				for _, qp := range r.RxQueue {
					_, _, qseq, _ := unpackCtrl(qp.Payload())
					var sb [2]byte
					binary.BigEndian.PutUint16(sb[:], qseq)
					held = append(held, sb[:]...)
				}
				h.sendCtrl(c, CtrlACK|CtrlEAK, r.SndNXT, r.RcvCUR, held)
			}
			return
		}
	} else {
		h.Pool.Free(pkt)
	}

	if sendAckNow {
		h.sendCtrl(c, CtrlACK, r.SndNXT, r.RcvCUR, nil)
		return
	}
	h.checkAck(c)
}

// checkAck applies the delayed-ACK policy (§4.8 Acknowledgement policy)
// outside the immediate-ACK path: with received data still unacknowledged,
// an ACK is due once the ack timeout has elapsed, the ack-delay count is
// exceeded, or any priority rx queue is running low on headroom. It runs on
// every received packet and again from the periodic timeout scan, so a due
// ACK still goes out when the peer has fallen silent.
func (h *Handler) checkAck(c *conn.Connection) {
	r := c.RDP
	if r.UnackedCount == 0 {
		return
	}
	due := r.AckTimeout > 0 && time.Since(r.LastAckTime) > r.AckTimeout
	if !due && r.AckDelayCount > 0 && r.UnackedCount >= r.AckDelayCount {
		due = true
	}
	if !due {
		for i := range c.RxQueues {
			q := c.RxQueues[i]
			if q != nil && len(q) > cap(q)-2*int(r.Window) {
				due = true
				break
			}
		}
	}
	if due {
		h.sendCtrl(c, CtrlACK, r.SndNXT, r.RcvCUR, nil)
	}
}

// Send is the data-transfer sender path (§4.8 Data transfer). It blocks
// while the window is full, then clones the outgoing packet onto the
// retry queue and transmits it.
func (h *Handler) Send(c *conn.Connection, payload []byte, pri uint8, timeout time.Duration) error {
	r := c.RDP
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		inFlight := r.SndNXT - r.SndUNA
		if uint32(inFlight) < r.Window {
			break
		}
		select {
		case <-r.WaitCh:
		case <-time.After(time.Until(deadline)):
			return snperr.ErrTimeout
		}
		if c.State != conn.Open {
			return snperr.ErrReset
		}
	}
	metrics.RDPWindowWaitHistogram.Observe(time.Since(start).Seconds())

	pkt, err := h.Pool.Get()
	if err != nil {
		return err
	}
	header.SetupRx(pkt)
	body := make([]byte, CtrlHeaderSize+len(payload))
	packCtrl(body, CtrlACK, h.nextNonce(), r.SndNXT, r.RcvCUR)
	copy(body[CtrlHeaderSize:], payload)
	pkt.SetPayload(body)
	pkt.Priority = pri
	pkt.TxTimestamp = time.Now().UnixNano()

	clone, err := h.Pool.Clone(pkt)
	if err != nil {
		h.Pool.Free(pkt)
		return err
	}
	r.TxQueue = append(r.TxQueue, clone)
	r.LastAckTime = time.Now()
	r.UnackedCount = 0
	r.SndNXT++
	c.LastUsed = time.Now()
	return h.Transmit(c.IDOut, pri, pkt)
}

// CheckTimeouts walks the tx-retry queue and the close-wait expiry for a
// single connection, called by the router's periodic scan (§4.7 step a /
// §4.8 Retransmission and Graceful close). It returns true if the
// connection's slot should now be released.
func (h *Handler) CheckTimeouts(c *conn.Connection) bool {
	r := c.RDP
	if r == nil {
		return false
	}

	if c.State == conn.CloseWait {
		if r.ClosedBy == (conn.ClosedByUser|conn.ClosedByPeer|conn.ClosedByTimeout) ||
			(r.ConnTimeout > 0 && time.Since(r.CloseTime) > r.ConnTimeout) {
			h.flush(c)
			return true
		}
		return false
	}

	if c.State != conn.Open {
		return false
	}

	if r.ConnTimeout > 0 && time.Since(c.LastUsed) > r.ConnTimeout {
		r.ClosedBy |= conn.ClosedByTimeout
		c.State = conn.CloseWait
		r.CloseTime = time.Now()
		h.sendCtrl(c, CtrlACK|CtrlRST, r.SndNXT, r.RcvCUR, nil)
		r.Post()
		return false
	}

	// A pending delayed ACK is re-evaluated on every scan, not only on
	// packet arrival — without this, an ACK due purely because the ack
	// timeout elapsed would never be sent once the peer goes quiet.
	h.checkAck(c)

	now := time.Now()
	kept := r.TxQueue[:0]
	for _, p := range r.TxQueue {
		_, _, pseq, _ := unpackCtrl(p.Payload())
		if before(pseq, r.SndUNA) {
			h.Pool.Free(p)
			continue
		}
		age := time.Duration(time.Now().UnixNano()-p.TxTimestamp) * time.Nanosecond
		if age > r.PktTimeout && r.PktTimeout > 0 {
			packCtrlAck(p, r.RcvCUR)
			p.TxTimestamp = now.UnixNano()
			metrics.RDPRetransmitCount.Inc()
			clone, err := h.Pool.Clone(p)
			if err == nil {
				h.Transmit(c.IDOut, p.Priority, clone)
			}
		}
		kept = append(kept, p)
	}
	r.TxQueue = kept
	return false
}

// packCtrlAck refreshes only the ack field of an already-packed control
// header in place, preserving its seq/flags/nonce — used when resending a
// retry-queue entry with a fresh cumulative ack (§4.8 Retransmission).
func packCtrlAck(p *buffer.Packet, ack uint16) {
	body := p.Payload()
	binary.BigEndian.PutUint16(body[3:5], ack)
}

// Close initiates a graceful close (§4.8 Graceful close). by selects which
// closed_by bit this call represents (user, peer-observed, or timeout). The
// first close moves the connection to close-wait and sends ACK|RST; the slot
// itself is released here only once all three closed_by bits are present —
// otherwise the periodic timeout scan releases it when close-wait expires.
// Close is idempotent and always reports success to its caller (§7).
func (h *Handler) Close(c *conn.Connection, by uint8) error {
	r := c.RDP
	if r == nil || c.State == conn.Closed {
		return nil
	}
	first := r.ClosedBy == 0
	r.ClosedBy |= by
	if first {
		c.State = conn.CloseWait
		r.CloseTime = time.Now()
		h.sendCtrl(c, CtrlACK|CtrlRST, r.SndNXT, r.RcvCUR, nil)
		r.Post()
	}
	if r.ClosedBy == (conn.ClosedByUser | conn.ClosedByPeer | conn.ClosedByTimeout) {
		h.flush(c)
		c.Release()
	}
	return nil
}
