// Package port implements the port/socket registry of §4.5, grounded
// directly on original_source/src/csp_port.c.
package port

import (
	"sync"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/snperr"
)

// SockOpt bits, OR'd into a Socket's Opts (mirrors csp's CSP_SO_* bits).
const (
	OptConnLess uint32 = 1 << 0
	OptRDPReq   uint32 = 1 << 1
	OptHMACReq  uint32 = 1 << 2
	OptCRC32Req uint32 = 1 << 3
	OptXTEAReq  uint32 = 1 << 4
)

// Conn is the minimal connection-handle interface the port registry needs;
// the conn package's *Connection satisfies it. Kept abstract here to avoid
// an import cycle between conn and port.
type Conn interface{}

// Socket is the queue of incoming packets (connectionless mode) or newly
// established connections (connection-oriented mode), plus option flags
// (§3).
type Socket struct {
	Opts uint32

	packets chan *buffer.Packet
	conns   chan Conn
}

// NewConnLessSocket creates a connectionless socket with the given packet
// queue depth.
func NewConnLessSocket(depth int) *Socket {
	return &Socket{Opts: OptConnLess, packets: make(chan *buffer.Packet, depth)}
}

// NewListenSocket creates a connection-oriented listening socket (§4.5
// csp_listen) with the given accept-queue depth.
func NewListenSocket(depth int) *Socket {
	return &Socket{conns: make(chan Conn, depth)}
}

// EnqueuePacket delivers a packet to a connectionless socket's queue. It
// returns snperr.ErrNoMem if the queue is full (§4.7 step g).
func (s *Socket) EnqueuePacket(pkt *buffer.Packet) error {
	select {
	case s.packets <- pkt:
		return nil
	default:
		return snperr.ErrNoMem
	}
}

// Packets returns the channel a connectionless socket's reader consumes.
func (s *Socket) Packets() <-chan *buffer.Packet { return s.packets }

// EnqueueConn delivers a newly-accepted connection to a listening socket.
func (s *Socket) EnqueueConn(c Conn) error {
	select {
	case s.conns <- c:
		return nil
	default:
		return snperr.ErrNoMem
	}
}

// Accept returns the channel a listening socket's Accept() consumes.
func (s *Socket) Accept() <-chan Conn { return s.conns }

type slotState int

const (
	closed slotState = iota
	open
)

type slot struct {
	state  slotState
	socket *Socket
}

// Callback is a synchronous in-router packet handler bound to a port
// (§4.5 csp_bind_callback). It runs on the router goroutine in place of a
// socket delivery, must not block, and takes ownership of pkt — it must
// free pkt back to its pool once done, the same obligation a socket's
// queue consumer has for a dequeued packet.
type Callback func(pkt *buffer.Packet)

// Registry is the port table: size (maxBindPort + 2), the extra slot being
// the wildcard entry (§4.5). callbacks is the second, port-indexed table
// §4.5 describes for synchronous in-router delivery; a port may carry a
// socket binding, a callback binding, or neither, but not both — Bind and
// BindCallback each reject the slot if the other is already bound.
type Registry struct {
	mu        sync.RWMutex
	slots     []slot
	callbacks []Callback
	wildcard  uint8
}

// NewRegistry allocates a registry sized for header version maxPort (the
// wildcard value itself, e.g. 255 for v1 / 63 for v2, per §6).
func NewRegistry(maxPort uint8) *Registry {
	return &Registry{
		slots:     make([]slot, int(maxPort)+2),
		callbacks: make([]Callback, int(maxPort)+2),
		wildcard:  maxPort,
	}
}

// Bind binds socket to port. It fails with snperr.ErrUsed if the slot is
// already in use (§4.5).
func (r *Registry) Bind(socket *Socket, port uint8) error {
	if socket == nil {
		return snperr.ErrInvalid
	}
	if int(port) >= len(r.slots) {
		return snperr.ErrInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[port].state != closed || r.callbacks[port] != nil {
		return snperr.ErrUsed
	}
	r.slots[port] = slot{state: open, socket: socket}
	return nil
}

// Unbind closes port, making it available for a future Bind.
func (r *Registry) Unbind(port uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[port] = slot{}
}

// GetSocket returns the socket bound to port, falling back to the wildcard
// binding if no specific binding matches (§4.5). It returns nil if neither
// is bound.
func (r *Registry) GetSocket(port uint8) *Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(port) >= len(r.slots) {
		return nil
	}
	if r.slots[port].state == open {
		return r.slots[port].socket
	}
	if r.slots[r.wildcard].state == open {
		return r.slots[r.wildcard].socket
	}
	return nil
}

// Wildcard returns the wildcard port value for this registry.
func (r *Registry) Wildcard() uint8 { return r.wildcard }

// BindCallback binds fn to port (csp_bind_callback), failing with
// snperr.ErrUsed if the port already carries a socket or callback binding.
// Binding to the wildcard port listens on all ports that have no specific
// binding, the same precedence GetCallback applies on lookup (§4.5).
func (r *Registry) BindCallback(fn Callback, port uint8) error {
	if fn == nil {
		return snperr.ErrInvalid
	}
	if int(port) >= len(r.callbacks) {
		return snperr.ErrInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[port].state != closed || r.callbacks[port] != nil {
		return snperr.ErrUsed
	}
	r.callbacks[port] = fn
	return nil
}

// UnbindCallback clears the callback binding on port, making it available
// for a future Bind or BindCallback.
func (r *Registry) UnbindCallback(port uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(port) < len(r.callbacks) {
		r.callbacks[port] = nil
	}
}

// GetCallback returns the callback bound to port, falling back to the
// wildcard binding if no specific callback is bound (§4.5). It returns nil
// if neither is bound — including when port carries a socket binding
// instead, which GetSocket already matched first in the router's demux
// order (§4.7 step e).
func (r *Registry) GetCallback(port uint8) Callback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(port) >= len(r.callbacks) {
		return nil
	}
	if fn := r.callbacks[port]; fn != nil {
		return fn
	}
	return r.callbacks[r.wildcard]
}
