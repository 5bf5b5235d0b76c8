package router

import (
	"sync"
	"testing"
	"time"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/config"
	"github.com/smallsat/snp/conn"
	"github.com/smallsat/snp/header"
	"github.com/smallsat/snp/iface"
	"github.com/smallsat/snp/port"
	"github.com/smallsat/snp/promisc"
	"github.com/smallsat/snp/qfifo"
	"github.com/smallsat/snp/rdp"
	"github.com/smallsat/snp/rtable"
	"github.com/smallsat/snp/security"
)

// recordingIface builds an iface.Interface whose Transmit records every
// packet handed to it, for asserting which egress the router chose.
func recordingIface(name string) (*iface.Interface, *[]*buffer.Packet) {
	var mu sync.Mutex
	var got []*buffer.Packet
	ifc := &iface.Interface{Name: name, MTU: 256}
	ifc.Transmit = func(pkt *buffer.Packet, via uint16, fromMe bool) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, pkt)
		return nil
	}
	return ifc, &got
}

func newTestRouter(t *testing.T, localAddr uint16) (*Router, *buffer.Pool) {
	t.Helper()
	pool := buffer.NewPool(64)
	r := &Router{
		LocalAddr: localAddr,
		Version:   config.V2,
		Netmask:   0xFFFF,
		Pool:      pool,
		FanIn:     qfifo.NewFanIn(8),
		RTable:    rtable.NewTable(),
		Ifaces:    iface.NewList(),
		Ports:     port.NewRegistry(config.V2.MaxPort()),
		Conns:     conn.NewTable(8, 8, config.V2.MaxPort(), 16),
		Promisc:   promisc.NewMonitor(pool, 8),
		Security:  security.Verifier{},
		RxTimeout: time.Second,
	}
	r.RDP = rdp.NewHandler(pool, r.Send)
	return r, pool
}

// inboundWirePacket builds a packet as it would arrive off a link: the
// unpacked header fields packed into the scratch area ahead of payload via
// header.Prepend, mirroring what a driver + fragmentation layer hands to
// dispatch via the qfifo (§4.2/§4.7).
func inboundWirePacket(t *testing.T, pool *buffer.Pool, v config.HeaderVersion, pri uint8, src, dst uint16, sport, dport uint8, flags uint8, payload []byte) *buffer.Packet {
	t.Helper()
	pkt, err := pool.Get()
	if err != nil {
		t.Fatalf("pool.Get() error = %v", err)
	}
	header.SetupRx(pkt)
	pkt.Priority = pri
	pkt.Src = src
	pkt.Dst = dst
	pkt.Sport = sport
	pkt.Dport = dport
	pkt.Flags = flags
	pkt.SetPayload(payload)
	if err := header.Prepend(v, pkt); err != nil {
		t.Fatalf("header.Prepend() error = %v", err)
	}
	return pkt
}

// TestDispatchForwardsLongestPrefix exercises §8 scenario 5: routes
// 0/0→ifA, 16/16→ifB, 17/31→ifC (raw masks) must steer destinations 33, 18, and 17 to
// ifA, ifB, and ifC respectively.
func TestDispatchForwardsLongestPrefix(t *testing.T) {
	r, pool := newTestRouter(t, 1)

	ifA, txA := recordingIface("ifA")
	ifB, txB := recordingIface("ifB")
	ifC, txC := recordingIface("ifC")
	ingress, _ := recordingIface("ingress")
	r.Ifaces.Add(ifA)
	r.Ifaces.Add(ifB)
	r.Ifaces.Add(ifC)
	r.Ifaces.Add(ingress)

	// The scenario's routes in the loader's own text form (raw mask values):
	// the default route, a one-fixed-bit mask 0x10 covering 16-31, and a
	// full five-bit mask 0x1f matching only 17 — which outranks the 16-31
	// route for dst=17 by netmask size.
	byName := map[string]*iface.Interface{"ifA": ifA, "ifB": ifB, "ifC": ifC}
	for _, entry := range []string{"0/0 ifA", "16/16 ifB", "17/31 ifC"} {
		prefix, mask, ifname, via, hasVia, err := rtable.Parse(entry, r.Version.HostBits())
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", entry, err)
		}
		if err := r.RTable.Set(prefix, mask, byName[ifname], via, hasVia); err != nil {
			t.Fatalf("Set(%q) error = %v", entry, err)
		}
	}

	cases := []struct {
		dst  uint16
		want *[]*buffer.Packet
		name string
	}{
		{33, txA, "ifA"},
		{18, txB, "ifB"},
		{17, txC, "ifC"},
	}
	for _, c := range cases {
		pkt := inboundWirePacket(t, pool, r.Version, 0, 2, c.dst, 5, 5, 0, []byte("x"))
		r.dispatch(qfifo.Element{Iface: ingress, Packet: pkt})
		if len(*c.want) != 1 {
			t.Errorf("dst=%d: egress %s got %d packets, want 1", c.dst, c.name, len(*c.want))
		}
	}
}

// TestDeliverLocalEnqueuesOnConnectionlessSocket exercises §4.7 steps
// (e)-(g) for a brand-new connectionless flow: no existing connection, a
// socket bound to the destination port, so the packet is enqueued directly
// on the socket's packet queue.
func TestDeliverLocalEnqueuesOnConnectionlessSocket(t *testing.T) {
	r, pool := newTestRouter(t, 1)
	sock := port.NewConnLessSocket(4)
	if err := r.Ports.Bind(sock, 20); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	pkt := inboundWirePacket(t, pool, r.Version, 0, 2, 1, 9, 20, 0, []byte("payload"))
	r.dispatch(qfifo.Element{Iface: nil, Packet: pkt})

	select {
	case got := <-sock.Packets():
		if string(got.Payload()) != "payload" {
			t.Errorf("delivered payload = %q, want %q", got.Payload(), "payload")
		}
	default:
		t.Fatal("socket queue empty after local delivery")
	}
}

// TestDeliverLocalNewConnectionOnListenSocket exercises §4.7 steps (e)-(g)
// for a connection-oriented listener: a new server-side connection is
// allocated, the packet queued on it, and the connection handed to the
// listening socket's accept queue.
func TestDeliverLocalNewConnectionOnListenSocket(t *testing.T) {
	r, _ := newTestRouter(t, 1)
	pool := r.Pool
	sock := port.NewListenSocket(4)
	if err := r.Ports.Bind(sock, 21); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	pkt := inboundWirePacket(t, pool, r.Version, 0, 2, 1, 9, 21, 0, []byte("hi"))
	r.dispatch(qfifo.Element{Iface: nil, Packet: pkt})

	select {
	case c := <-sock.Accept():
		cc, ok := c.(*conn.Connection)
		if !ok {
			t.Fatalf("Accept() yielded %T, want *conn.Connection", c)
		}
		select {
		case p := <-cc.RxQueues[0]:
			if string(p.Payload()) != "hi" {
				t.Errorf("delivered payload = %q, want %q", p.Payload(), "hi")
			}
		default:
			t.Fatal("new connection's rx queue empty")
		}
	default:
		t.Fatal("listen socket accept queue empty after new connection")
	}
}

// TestDeliverNewInvokesRegisteredCallback exercises §4.7 steps (e)/(g)'s
// callback path: when no socket is bound to the destination port but a
// callback is, the router invokes it in-line instead of dropping or
// falling through to the service handler.
func TestDeliverNewInvokesRegisteredCallback(t *testing.T) {
	r, pool := newTestRouter(t, 1)

	invoked := make(chan *buffer.Packet, 1)
	if err := r.Ports.BindCallback(func(pkt *buffer.Packet) {
		invoked <- pkt
	}, 30); err != nil {
		t.Fatalf("BindCallback() error = %v", err)
	}

	pkt := inboundWirePacket(t, pool, r.Version, 0, 2, 1, 9, 30, 0, []byte("cb"))
	r.dispatch(qfifo.Element{Iface: nil, Packet: pkt})

	select {
	case got := <-invoked:
		if string(got.Payload()) != "cb" {
			t.Errorf("callback payload = %q, want %q", got.Payload(), "cb")
		}
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}
}

// TestForwardDropsOnNoRoute exercises the no-route drop counted path of
// §4.7 step (d): a destination with no matching route (not even a default)
// is dropped, never forwarded.
func TestForwardDropsOnNoRoute(t *testing.T) {
	r, pool := newTestRouter(t, 1)
	ingress, _ := recordingIface("ingress")
	before := pool.Remaining()

	pkt := inboundWirePacket(t, pool, r.Version, 0, 2, 99, 5, 5, 0, []byte("x"))
	r.dispatch(qfifo.Element{Iface: ingress, Packet: pkt})

	if pool.Remaining() != before {
		t.Errorf("Remaining() after no-route drop = %d, want %d (packet freed)", pool.Remaining(), before)
	}
}
