// Package conn implements the per-connection state, socket, and
// port-binding registry of §4.6, grounded directly on
// original_source/src/csp_conn.c. The reliable-transport sub-record named in
// §3/§4.8 lives on Connection directly (RDPState); the behavior that
// operates on it lives in package rdp to avoid a dependency cycle (rdp
// imports conn, not the reverse).
package conn

import (
	"math/rand"
	"sync"
	"time"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/header"
	"github.com/smallsat/snp/port"
	"github.com/smallsat/snp/snperr"
)

// State is the connection lifecycle state (§3/§4.8). Named and
// String()-rendered the way tcp/state.go renders Linux TCP states — the
// naming idiom is kept even though the state set itself is SNP's own.
type State int

const (
	Closed State = iota
	SynSent
	SynRcvd
	Open
	CloseWait
)

var stateName = map[State]string{
	Closed:    "CLOSED",
	SynSent:   "SYN-SENT",
	SynRcvd:   "SYN-RCVD",
	Open:      "OPEN",
	CloseWait: "CLOSE-WAIT",
}

// String renders the state name, or "UNKNOWN" for an out-of-range value.
func (s State) String() string {
	if name, ok := stateName[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Type distinguishes a client (outbound-initiated) from a server
// (inbound-accepted) connection.
type Type int

const (
	TypeClient Type = iota
	TypeServer
)

// ClosedBy bits record who initiated a graceful close (§4.8).
const (
	ClosedByUser    uint8 = 1 << 0
	ClosedByPeer    uint8 = 1 << 1
	ClosedByTimeout uint8 = 1 << 2
)

// ID is the 4-tuple identifying one direction of a connection.
type ID struct {
	Src, Dst     uint16
	Sport, Dport uint8
	Flags        uint8
}

// RDPState is the reliable-transport sub-record (§3/§4.8). All fields are
// exported so package rdp can manipulate them directly; conn itself never
// interprets them beyond zeroing on allocate/close.
type RDPState struct {
	Window uint32

	SndISS, SndNXT, SndUNA uint16
	RcvIRS, RcvCUR, RcvLSA uint16

	ConnTimeout time.Duration
	PktTimeout  time.Duration
	AckTimeout  time.Duration

	DelayedAcks   bool
	AckDelayCount uint32
	UnackedCount  uint32
	LastAckTime   time.Time

	TxQueue []*buffer.Packet // retry queue: clones awaiting ACK
	RxQueue []*buffer.Packet // out-of-order reorder buffer

	ClosedBy      uint8
	CloseTime     time.Time
	HalfOpenTried bool

	// WaitCh is the binary semaphore the sender blocks on while the window
	// is full or a handshake is pending (§5 Suspension points). Posting is
	// done by sending (non-blocking) on the channel.
	WaitCh chan struct{}
}

func newRDPState() *RDPState {
	return &RDPState{WaitCh: make(chan struct{}, 1)}
}

// Post wakes one blocked sender, if any (idempotent — never blocks).
func (r *RDPState) Post() {
	select {
	case r.WaitCh <- struct{}{}:
	default:
	}
}

// Connection is a single fixed-array slot (§3).
type Connection struct {
	mu sync.Mutex

	inUse bool
	State State
	Type  Type

	IDIn  ID
	IDOut ID

	Opts uint32

	// RxQueues is priority-indexed (index 0 = highest priority), matching
	// the router's priority fan-in (§4.7/§5).
	RxQueues [4]chan *buffer.Packet

	Created  time.Time
	LastUsed time.Time

	// Socket is the listening socket this connection was handed from,
	// cleared once userspace has accepted it (§3/§4.6).
	Socket *port.Socket

	RDP *RDPState

	index int
	owner *Table
}

// Index returns this connection's slot index in its owning Table, used as
// the weak "connection back-pointer" a packet carries while in transport
// custody (§9).
func (c *Connection) Index() int { return c.index }

// NotifyOpen invokes the owning Table's OnOpen hook, if set, with this
// connection's current outbound identity. Package rdp calls this once the
// handshake completes and the connection reaches Open, since that
// transition happens outside conn itself (§4.8).
func (c *Connection) NotifyOpen() {
	if c.owner != nil && c.owner.OnOpen != nil {
		c.owner.OnOpen(c.IDOut, c.index)
	}
}

func (c *Connection) reset() {
	idOut := c.IDOut
	idx := c.index
	owner := c.owner

	c.inUse = false
	c.State = Closed
	c.IDIn = ID{}
	c.IDOut = ID{}
	c.Opts = 0
	for i := range c.RxQueues {
		c.RxQueues[i] = nil
	}
	c.Socket = nil
	c.RDP = nil

	if owner != nil && owner.OnClose != nil {
		owner.OnClose(idOut, idx)
	}
}

// Table is the fixed connection array (§4.6). OnOpen and OnClose, when set,
// are invoked whenever a connection reaches the open or closed state
// respectively — the hook eventsocket.Server uses to publish
// connection-lifecycle notifications (§9's "single stack object" wires
// these at composition time; conn itself stays free of any eventsocket
// import to avoid a dependency cycle).
type Table struct {
	mu            sync.Mutex
	conns         []*Connection
	lastAlloc     int
	lastEphemeral uint8
	minEphemeral  uint8
	maxEphemeral  uint8
	rxQueueDepth  int

	OnOpen  func(id ID, index int)
	OnClose func(id ID, index int)
}

// NewTable allocates a connection table of the given size. minEphemeral is
// the first ephemeral source port (typically one past the max bindable
// port); maxEphemeral is the header version's wildcard/max-port value.
func NewTable(size int, minEphemeral, maxEphemeral uint8, rxQueueDepth int) *Table {
	t := &Table{
		conns:        make([]*Connection, size),
		minEphemeral: minEphemeral,
		maxEphemeral: maxEphemeral,
		rxQueueDepth: rxQueueDepth,
	}
	for i := range t.conns {
		t.conns[i] = &Connection{index: i, owner: t}
	}
	t.lastEphemeral = minEphemeral
	return t
}

// allocateLocked finds a free slot, searching from the slot after the last
// allocated one to spread reuse (§4.6/csp_conn_allocate). Caller must hold
// t.mu.
func (t *Table) allocateLocked() *Connection {
	n := len(t.conns)
	for i := 0; i < n; i++ {
		idx := (t.lastAlloc + 1 + i) % n
		c := t.conns[idx]
		c.mu.Lock()
		free := !c.inUse
		if free {
			c.inUse = true
		}
		c.mu.Unlock()
		if free {
			t.lastAlloc = idx
			return c
		}
	}
	return nil
}

// Allocate reserves a free connection slot, or returns nil if the table is
// full (§4.6).
func (t *Table) Allocate() *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocateLocked()
}

// Find does a linear scan for a connection whose inbound 4-tuple template
// matches (src, dst, sport, dport) from a received packet (§4.6/§4.7 step e).
func (t *Table) Find(src, dst uint16, sport, dport uint8) *Connection {
	for _, c := range t.conns {
		c.mu.Lock()
		match := c.inUse && c.IDIn.Src == src && c.IDIn.Dst == dst &&
			c.IDIn.Sport == sport && c.IDIn.Dport == dport
		c.mu.Unlock()
		if match {
			return c
		}
	}
	return nil
}

// ephemeralFreeLocked reports whether port p is not used as the outbound
// source port (IDOut.Sport) of any currently-open connection — i.e. it is free to hand
// out as a new ephemeral source port. Caller must hold t.mu.
func (t *Table) ephemeralFreeLocked(p uint8) bool {
	for _, c := range t.conns {
		c.mu.Lock()
		collide := c.inUse && c.IDOut.Sport == p
		c.mu.Unlock()
		if collide {
			return false
		}
	}
	return true
}

// NextEphemeralPort selects the next free ephemeral source port by
// incrementing a shared counter through the ephemeral range and rejecting
// any port colliding with an open connection (§4.6/§9 open question b).
//
// This replicates the reference implementation's loop exactly: it starts
// one past the last value handed out, wraps at maxEphemeral back to
// minEphemeral, and terminates by equality with the *starting* value after
// at least one full increment — meaning a fully-exhausted range is detected
// only after spinning one entire cycle, not short-circuited. snperr.ErrNoMem
// is returned in that case.
func (t *Table) NextEphemeralPort() (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.lastEphemeral
	p := start
	for {
		p++
		if p > t.maxEphemeral || p < t.minEphemeral {
			p = t.minEphemeral
		}
		if t.ephemeralFreeLocked(p) {
			t.lastEphemeral = p
			return p, nil
		}
		if p == start {
			return 0, snperr.ErrNoMem
		}
	}
}

// Connect allocates a new client connection to (dst, dport) with the given
// option flags OR'd into both header templates (supplemented feature 6,
// csp_connect), and an ephemeral source port.
func (t *Table) Connect(localAddr, dst uint16, dport uint8, opts uint32, flags uint8) (*Connection, error) {
	sport, err := t.NextEphemeralPort()
	if err != nil {
		return nil, err
	}
	c := t.Allocate()
	if c == nil {
		return nil, snperr.ErrNoMem
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Type = TypeClient
	c.Opts = opts
	c.IDOut = ID{Src: localAddr, Dst: dst, Sport: sport, Dport: dport, Flags: flags}
	c.IDIn = ID{Src: dst, Dst: localAddr, Sport: dport, Dport: sport, Flags: flags}
	c.Created = time.Now()
	c.LastUsed = c.Created
	for i := range c.RxQueues {
		c.RxQueues[i] = make(chan *buffer.Packet, t.rxQueueDepth)
	}
	if flags&header.FlagRDP != 0 {
		c.RDP = newRDPState()
		c.RDP.SndISS = uint16(rand.Intn(1 << 16))
		c.RDP.SndNXT = c.RDP.SndISS + 1
		c.RDP.SndUNA = c.RDP.SndNXT
		c.State = SynSent
	} else {
		c.State = Open
		if t.OnOpen != nil {
			t.OnOpen(c.IDOut, c.index)
		}
	}
	return c, nil
}

// NewIncoming allocates a new server-side connection from a packet's
// identifying fields, mirroring csp_conn_new's idout construction in
// csp_route.c's router loop.
func (t *Table) NewIncoming(src, dst uint16, sport, dport uint8, flags, pri uint8) *Connection {
	c := t.Allocate()
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Type = TypeServer
	c.IDIn = ID{Src: src, Dst: dst, Sport: sport, Dport: dport, Flags: flags}
	c.IDOut = ID{Src: dst, Dst: src, Sport: dport, Dport: sport, Flags: flags}
	c.Created = time.Now()
	c.LastUsed = c.Created
	for i := range c.RxQueues {
		c.RxQueues[i] = make(chan *buffer.Packet, t.rxQueueDepth)
	}
	if flags&header.FlagRDP != 0 {
		c.RDP = newRDPState()
		c.State = Closed // transitions to SynRcvd once the SYN is validated
	} else {
		c.State = Open
		if t.OnOpen != nil {
			t.OnOpen(c.IDOut, c.index)
		}
	}
	return c
}

// FlushRx drains every pending packet off the connection's priority rx
// queues, handing each to free (§4.6 "close flushes the rx queues"). The
// queues themselves stay usable; reset clears them.
func (c *Connection) FlushRx(free func(*buffer.Packet)) {
	for i := range c.RxQueues {
		q := c.RxQueues[i]
		if q == nil {
			continue
		}
		for drained := false; !drained; {
			select {
			case p := <-q:
				if p != nil {
					free(p)
				}
			default:
				drained = true
			}
		}
	}
}

// Close closes the connection. For reliable connections it delegates
// entirely to rdpClose, which owns the slot's lifecycle from there (the
// graceful-close handshake may defer the final release to the router's
// timeout scan, matching csp_close's CSP_ERR_AGAIN deferral). Close on an
// already-closed connection is idempotent and succeeds (§7).
func (c *Connection) Close(rdpClose func(*Connection) error) error {
	c.mu.Lock()
	if c.State == Closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.RDP != nil && rdpClose != nil {
		return rdpClose(c)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}

// Release marks the slot reusable immediately, bypassing RDP deferral. Used
// by the router's timeout scan once close-wait has fully resolved.
func (c *Connection) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Each calls visitor for every in-use connection (used by the router's
// periodic timeout scan, §4.7 step a).
func (t *Table) Each(visitor func(*Connection)) {
	for _, c := range t.conns {
		c.mu.Lock()
		inUse := c.inUse
		c.mu.Unlock()
		if inUse {
			visitor(c)
		}
	}
}
