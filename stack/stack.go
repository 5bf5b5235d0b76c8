// Package stack is the composition root named in §9 ("wrap them behind a
// single 'stack' object passed explicitly where language idiom prefers
// that"): it owns every shared singleton (buffer pool, connection table,
// routing table, interface list, port registry) and the router loop that
// steps through them, and exposes the small surface user code actually
// calls (ping, connect, listen, send, read, close), grounded on main.go's
// wiring of collector+saver+metrics into a single running program.
package stack

import (
	"context"
	"fmt"
	"time"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/config"
	"github.com/smallsat/snp/conn"
	"github.com/smallsat/snp/eventsocket"
	"github.com/smallsat/snp/header"
	"github.com/smallsat/snp/iface"
	"github.com/smallsat/snp/port"
	"github.com/smallsat/snp/promisc"
	"github.com/smallsat/snp/qfifo"
	"github.com/smallsat/snp/rdp"
	"github.com/smallsat/snp/router"
	"github.com/smallsat/snp/rtable"
	"github.com/smallsat/snp/security"
	"github.com/smallsat/snp/service"
	"github.com/smallsat/snp/snperr"
	"github.com/smallsat/snp/sysinfo"
)

// Sizes holds the fixed capacities §1's "no dynamic allocation on the hot
// path" requires to be chosen once at startup.
type Sizes struct {
	PoolCapacity   int
	MaxConnections int
	FanInDepth     int
	RxQueueDepth   int
	PromiscDepth   int
}

// DefaultSizes returns capacities sized for the "tens of nodes" scale named
// in §1.
func DefaultSizes() Sizes {
	return Sizes{
		PoolCapacity:   256,
		MaxConnections: 32,
		FanInDepth:     64,
		RxQueueDepth:   16,
		PromiscDepth:   16,
	}
}

// Stack is the single composition root: every package-level table in this
// repository is reached only through a Stack instance, never as a bare
// global, so multiple SNP nodes can coexist in one process (as the
// loopback end-to-end tests do).
type Stack struct {
	Config config.Config

	Pool    *buffer.Pool
	FanIn   *qfifo.FanIn
	Ifaces  *iface.List
	RTable  *rtable.Table
	Ports   *port.Registry
	Conns   *conn.Table
	RDP     *rdp.Handler
	Promisc *promisc.Monitor
	Service *service.Handler
	Router  *router.Router

	// Events publishes connection-lifecycle notifications; it defaults to
	// eventsocket.NullServer() so callers that don't care about the
	// eventsocket never see a nil interface (§9).
	Events eventsocket.Server
}

// New wires every component together per §9's "single stack object": the
// buffer pool and tables are constructed first, then the router, whose
// Send method is installed as the RDP handler's Transmitter so reliable
// and unreliable traffic share one egress path (§4.8/§4.7).
func New(cfg config.Config, sz Sizes) *Stack {
	pool := buffer.NewPool(sz.PoolCapacity)
	fanin := qfifo.NewFanIn(sz.FanInDepth)
	ifaces := iface.NewList()
	rt := rtable.NewTable()
	ports := port.NewRegistry(cfg.Version.MaxPort())
	minEphemeral := uint8(8) // ports 0-7 are reserved management services (§6)
	conns := conn.NewTable(sz.MaxConnections, minEphemeral, cfg.Version.WirePortMax(), sz.RxQueueDepth)
	promiscMon := promisc.NewMonitor(pool, sz.PromiscDepth)

	s := &Stack{
		Config:  cfg,
		Pool:    pool,
		FanIn:   fanin,
		Ifaces:  ifaces,
		RTable:  rt,
		Ports:   ports,
		Conns:   conns,
		Promisc: promiscMon,
		Events:  eventsocket.NullServer(),
	}

	conns.OnOpen = func(id conn.ID, index int) {
		s.Events.ConnOpened(time.Now(), connUUID(index), id)
	}
	conns.OnClose = func(id conn.ID, index int) {
		s.Events.ConnClosed(time.Now(), connUUID(index))
	}

	s.RDP = rdp.NewHandler(pool, s.send)

	s.Router = &router.Router{
		LocalAddr: cfg.Address,
		Version:   cfg.Version,
		Netmask:   cfg.Netmask,
		Security:  security.Verifier{},
		Pool:      pool,
		FanIn:     fanin,
		RTable:    rt,
		Ifaces:    ifaces,
		Ports:     ports,
		Conns:     conns,
		RDP:       s.RDP,
		Promisc:   promiscMon,
		RxTimeout: cfg.RouterRxTimeout,
	}

	s.Service = &service.Handler{
		Config:        cfg,
		RTable:        rt,
		Ifaces:        ifaces,
		Procfs:        "/proc",
		GetClock:      func() sysinfo.Clock { return sysinfo.Now() },
		PoolRemaining: func() uint32 { return uint32(pool.Remaining()) },
	}
	s.Router.Service = s.Service
	return s
}

// send adapts Router.Send (which wants a conn.ID) to rdp.Transmitter's
// signature; the two packages would otherwise form an import cycle (router
// already imports rdp).
func (s *Stack) send(idout conn.ID, pri uint8, pkt *buffer.Packet) error {
	return s.Router.Send(idout, pri, pkt)
}

// AddInterface registers ifc and, if addDefaultRoute is set, installs it as
// the default route (prefix 0/0, §4.4).
func (s *Stack) AddInterface(ifc *iface.Interface, addDefaultRoute bool) {
	s.Ifaces.Add(ifc)
	if addDefaultRoute {
		s.RTable.Set(0, 0, ifc, 0, false)
	}
}

// Run starts the router loop and blocks until ctx is cancelled. Callers
// typically invoke this in its own goroutine.
func (s *Stack) Run(ctx context.Context) {
	s.Router.Run(ctx)
}

// Ping sends a ping request to dst and blocks until the echo arrives or
// timeout elapses (§4.11 ping, §8 scenario 1). It returns the round-trip
// time and the echoed payload, which must equal the payload sent.
func (s *Stack) Ping(dst uint16, payload []byte, timeout time.Duration) (time.Duration, []byte, error) {
	sport, err := s.Conns.NextEphemeralPort()
	if err != nil {
		return 0, nil, err
	}
	sock := port.NewConnLessSocket(1)
	if err := s.Ports.Bind(sock, sport); err != nil {
		return 0, nil, err
	}
	defer s.Ports.Unbind(sport)

	pkt, err := s.Pool.Get()
	if err != nil {
		return 0, nil, err
	}
	header.SetupRx(pkt)
	pkt.SetPayload(payload)

	start := time.Now()
	idout := conn.ID{Src: s.Config.Address, Dst: dst, Sport: sport, Dport: service.PortPing}
	if err := s.Router.Send(idout, 0, pkt); err != nil {
		return 0, nil, err
	}

	select {
	case reply := <-sock.Packets():
		rtt := time.Since(start)
		out := append([]byte(nil), reply.Payload()...)
		s.Pool.Free(reply)
		return rtt, out, nil
	case <-time.After(timeout):
		return 0, nil, snperr.ErrTimeout
	}
}

// Listen binds a socket to port p (or the wildcard if wildcard is true) and
// returns it. connLess selects a connectionless packet-queue socket versus
// a connection-oriented accept-queue socket (§4.5/§3).
func (s *Stack) Listen(p uint8, wildcard, connLess bool, depth int) (*port.Socket, error) {
	if wildcard {
		p = s.Ports.Wildcard()
	}
	var sock *port.Socket
	if connLess {
		sock = port.NewConnLessSocket(depth)
	} else {
		sock = port.NewListenSocket(depth)
	}
	if err := s.Ports.Bind(sock, p); err != nil {
		return nil, err
	}
	return sock, nil
}

// ConnectReliable establishes a reliable-transport connection to dst:dport
// and blocks until it is open (§4.8 Connection establishment, §8 scenario
// 3). opts is OR'd into both header templates per supplemented feature 6.
func (s *Stack) ConnectReliable(dst uint16, dport uint8, opts uint32, n rdp.Negotiation, timeout time.Duration) (*conn.Connection, error) {
	c, err := s.Conns.Connect(s.Config.Address, dst, dport, opts, header.FlagRDP)
	if err != nil {
		return nil, err
	}
	if err := s.RDP.Connect(c, n, timeout); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

// DefaultNegotiation returns negotiation parameters suitable for the §8
// end-to-end scenarios: a window of 4 and generous timeouts.
func DefaultNegotiation() rdp.Negotiation {
	return rdp.Negotiation{
		Window:        4,
		ConnTimeoutMs: 10000,
		PktTimeoutMs:  1000,
		DelayedAcksOn: 0,
		AckTimeoutMs:  100,
		AckDelayCount: 2,
	}
}

// Send writes payload on a reliable connection (§4.8 Data transfer),
// blocking while the window is full.
func (s *Stack) Send(c *conn.Connection, payload []byte, pri uint8, timeout time.Duration) error {
	if c.RDP == nil {
		pkt, err := s.Pool.Get()
		if err != nil {
			return err
		}
		header.SetupRx(pkt)
		pkt.SetPayload(payload)
		return s.Router.Send(c.IDOut, pri, pkt)
	}
	return s.RDP.Send(c, payload, pri, timeout)
}

// Read blocks until a payload is available on c's priority-pri receive
// queue, or timeout elapses (§5 Suspension points).
func (s *Stack) Read(c *conn.Connection, pri uint8, timeout time.Duration) ([]byte, error) {
	q := c.RxQueues[pri%4]
	select {
	case pkt, ok := <-q:
		if !ok || pkt == nil {
			return nil, snperr.ErrReset
		}
		out := append([]byte(nil), pkt.Payload()...)
		s.Pool.Free(pkt)
		return out, nil
	case <-time.After(timeout):
		return nil, snperr.ErrTimeout
	}
}

// Accept blocks until a new connection arrives on a listening socket, or
// timeout elapses (§5 Suspension points). The connection's listening-socket
// back-pointer is cleared here — the §3 "handed to user code" transition.
func (s *Stack) Accept(sock *port.Socket, timeout time.Duration) (*conn.Connection, error) {
	select {
	case c := <-sock.Accept():
		cc, ok := c.(*conn.Connection)
		if !ok {
			return nil, snperr.ErrInvalid
		}
		cc.Socket = nil
		return cc, nil
	case <-time.After(timeout):
		return nil, snperr.ErrTimeout
	}
}

// Close gracefully closes a connection user-side (§4.8 Graceful close,
// §7 "close on an already-closed connection is idempotent"). Pending unread
// packets are returned to the pool first.
func (s *Stack) Close(c *conn.Connection) error {
	c.FlushRx(s.Pool.Free)
	return c.Close(func(cc *conn.Connection) error {
		return s.RDP.Close(cc, conn.ClosedByUser)
	})
}

// EnableEvents starts serving connection-lifecycle notifications on the
// given Unix-domain socket path, replacing the default no-op Events server.
// Call before Router.Run so no open/close transition is missed.
func (s *Stack) EnableEvents(ctx context.Context, socketPath string) error {
	srv := eventsocket.New(socketPath)
	if err := srv.Listen(); err != nil {
		return err
	}
	go srv.Serve(ctx)
	s.Events = srv
	return nil
}

// connUUID derives a stable per-slot identifier for the eventsocket, since
// §3's Connection has no identity beyond its table slot.
func connUUID(index int) string {
	return fmt.Sprintf("conn-%d", index)
}
