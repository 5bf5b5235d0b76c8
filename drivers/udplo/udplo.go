// Package udplo implements a loopback/UDP-tunnel link driver standing in
// for the physical layer drivers §1 places out of scope (CAN, serial,
// Ethernet). It gives the router and routing table a real, in-scope
// interface to exercise end-to-end without physical hardware: each SNP node
// is a UDP endpoint, and a peer table maps SNP addresses to UDP addresses.
//
// Address management is grounded on
// other_examples' bamgate tunnel-netlink.go AddAddress/SetLinkUp pattern,
// adapted to use the teacher's actual go.mod dependency
// github.com/vishvananda/netlink instead of hand-rolled raw netlink
// sockets, since that library is already part of the stack (see DESIGN.md).
package udplo

import (
	"fmt"
	"log"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vishvananda/netlink"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/iface"
	"github.com/smallsat/snp/qfifo"
	"github.com/smallsat/snp/snperr"
)

var (
	rxErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snp_udplo_rx_error_total",
		Help: "UDP loopback driver datagrams dropped on receive (pool exhausted, or too long for a packet slot).",
	})
)

// Driver is a UDP-tunnel link driver. Every SNP node sharing this driver's
// peer table is reachable at a fixed UDP address; Transmit looks up `via`
// (an SNP address) in the peer table and sends the framed packet bytes as
// a single UDP datagram.
type Driver struct {
	Iface *iface.Interface

	pool  *buffer.Pool
	fanin *qfifo.FanIn
	conn  *net.UDPConn
	peers map[uint16]*net.UDPAddr
}

// New binds a UDP socket at listenAddr and returns a Driver feeding
// received packets into fanin. mtu bounds the datagram payload size; the
// caller installs the returned Driver's Iface into the interface list and
// routing table as it would any other link.
func New(name, listenAddr string, mtu int, pool *buffer.Pool, fanin *qfifo.FanIn) (*Driver, error) {
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("udplo: resolve %q: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udplo: listen %q: %w", listenAddr, err)
	}

	d := &Driver{
		pool:  pool,
		fanin: fanin,
		conn:  conn,
		peers: make(map[uint16]*net.UDPAddr),
	}
	d.Iface = &iface.Interface{
		Name:     name,
		MTU:      mtu,
		Transmit: d.transmit,
	}
	return d, nil
}

// AddPeer registers the UDP address reachable at SNP address addr. via in
// Transmit is resolved through this table; an unregistered peer is a
// transmit error (§4.7/§9, mirroring a physical driver's "no such neighbor").
func (d *Driver) AddPeer(addr uint16, udpAddr string) error {
	a, err := net.ResolveUDPAddr("udp", udpAddr)
	if err != nil {
		return err
	}
	d.peers[addr] = a
	return nil
}

// transmit implements iface.TxFunc: it sends pkt's already-header-prepended
// frame bytes as one UDP datagram to the peer registered for `via`, and
// always consumes (frees) pkt, mirroring the §4.1 ownership-transfer
// convention for the send path.
func (d *Driver) transmit(pkt *buffer.Packet, via uint16, fromMe bool) error {
	defer d.pool.Free(pkt)

	peer, ok := d.peers[via]
	if !ok {
		return snperr.ErrTxFailure
	}
	frame := pkt.Frame[pkt.FrameBegin : pkt.FrameBegin+pkt.FrameLength]
	if len(frame) > d.Iface.MTU {
		return snperr.ErrInvalid
	}
	if _, err := d.conn.WriteToUDP(frame, peer); err != nil {
		return fmt.Errorf("%w: %v", snperr.ErrTxFailure, err)
	}
	return nil
}

// Run reads datagrams until the socket is closed, handing each complete
// frame to the fan-in's queue 0 (the highest-priority queue) — the
// caller's router strips the real priority out of the wire header on
// dequeue, exactly as it does for any other link (§4.7 step c).
func (d *Driver) Run() {
	buf := make([]byte, d.Iface.MTU)
	for {
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		pkt, err := d.pool.Get()
		if err != nil {
			rxErrors.Inc()
			continue
		}
		buffer.SetupRx(pkt)
		if n > len(pkt.Frame)-pkt.FrameBegin {
			d.pool.Free(pkt)
			rxErrors.Inc()
			continue
		}
		pkt.FrameLength = copy(pkt.Frame[pkt.FrameBegin:], buf[:n])
		if !d.fanin.Write(0, qfifo.Element{Iface: d.Iface, Packet: pkt}) {
			d.pool.Free(pkt)
		}
	}
}

// Close releases the underlying UDP socket.
func (d *Driver) Close() error {
	return d.conn.Close()
}

// AssignAddress assigns a CIDR address to a real kernel network interface
// (e.g. a dummy/tun device sitting under the tunnel) via netlink, standing
// in for the physical driver's own address configuration (§3 Interface
// "local address and netmask"). Not used by the UDP loopback path itself,
// which carries addressing purely at the SNP layer, but kept available for
// deployments that back udplo with a real local interface (e.g. dummy0).
func AssignAddress(linkName, cidr string) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return fmt.Errorf("udplo: link %q: %w", linkName, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("udplo: parse addr %q: %w", cidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("udplo: addr add %q on %q: %w", cidr, linkName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("udplo: link up %q: %w", linkName, err)
	}
	log.Printf("udplo: assigned %s to %s", cidr, linkName)
	return nil
}
