// Package router implements the router loop of §4.7, grounded directly on
// original_source/src/csp_route.c's csp_route_work/csp_task_router, with the
// Go goroutine-plus-context shape borrowed from collector/collector.go's
// polling-loop structure and the dequeue-validate-dispatch idiom from
// collector/socket-monitor.go's request/response cycle.
package router

import (
	"context"
	"log"
	"time"

	"github.com/m-lab/go/logx"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/config"
	"github.com/smallsat/snp/conn"
	"github.com/smallsat/snp/header"
	"github.com/smallsat/snp/iface"
	"github.com/smallsat/snp/metrics"
	"github.com/smallsat/snp/port"
	"github.com/smallsat/snp/promisc"
	"github.com/smallsat/snp/qfifo"
	"github.com/smallsat/snp/rdp"
	"github.com/smallsat/snp/rtable"
	"github.com/smallsat/snp/security"
	"github.com/smallsat/snp/service"
	"github.com/smallsat/snp/snperr"
)

// dropLog rate-limits per-packet drop logging so a misbehaving peer cannot
// flood stdout.
var dropLog = logx.NewLogEvery(nil, time.Second)

// Router is the composed router loop: one instance holds references to the
// buffer pool, the priority fan-in, and every shared table the router loop
// steps through (§4.7). It owns none of them; stack.Stack creates and owns
// them and composes the Router from them.
type Router struct {
	LocalAddr uint16
	Version   config.HeaderVersion
	Netmask   uint16

	Pool     *buffer.Pool
	FanIn    *qfifo.FanIn
	RTable   *rtable.Table
	Ifaces   *iface.List
	Ports    *port.Registry
	Conns    *conn.Table
	RDP      *rdp.Handler
	Security security.Verifier
	Promisc  *promisc.Monitor
	Service  *service.Handler

	RxTimeout time.Duration
}

// Send is the shared egress path: it stamps pkt's unpacked header fields
// from idout, then either loops it directly back to local delivery (no
// physical interface required — §8 scenario 1's loopback ping) or routes it
// via the longest-prefix-match table and hands it to that interface's
// TxFunc. It is also installed as the rdp.Transmitter so the reliable
// transport's control and data packets share this exact path.
func (r *Router) Send(idout conn.ID, pri uint8, pkt *buffer.Packet) error {
	pkt.Priority = pri
	pkt.Src = idout.Src
	pkt.Dst = idout.Dst
	pkt.Sport = idout.Sport
	pkt.Dport = idout.Dport
	pkt.Flags = idout.Flags

	if idout.Dst == r.LocalAddr || header.IsBroadcast(r.Version, idout.Dst, r.LocalAddr, r.Netmask) {
		r.deliverLocal(nil, pkt)
		return nil
	}

	route := r.RTable.Lookup(idout.Dst)
	if route == nil {
		r.Pool.Free(pkt)
		return snperr.ErrNoRoute
	}
	if err := header.Prepend(r.Version, pkt); err != nil {
		r.Pool.Free(pkt)
		return err
	}
	if err := route.Iface.Transmit(pkt, nexthop(route, idout.Dst), true); err != nil {
		route.Iface.TxError++
		metrics.IfaceCounter.WithLabelValues(route.Iface.Name, "tx_error").Inc()
		return err
	}
	route.Iface.Tx++
	route.Iface.TxBytes += uint32(pkt.FrameLength)
	metrics.IfaceCounter.WithLabelValues(route.Iface.Name, "tx").Inc()
	return nil
}

// Run drives the router loop until ctx is cancelled: scan RDP timeouts,
// dequeue the next packet (bounded by RxTimeout so the scan runs
// regularly), and dispatch it (§4.7 steps a–b).
func (r *Router) Run(ctx context.Context) {
	for {
		r.scanTimeouts()
		el, ok := r.FanIn.NextTimeout(ctx, r.RxTimeout)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		r.dispatch(el)
	}
}

func (r *Router) scanTimeouts() {
	r.Conns.Each(func(c *conn.Connection) {
		if r.RDP.CheckTimeouts(c) {
			c.Release()
		}
	})
}

// dispatch implements §4.7 steps (c)–(h) for one received packet.
func (r *Router) dispatch(el qfifo.Element) {
	pkt := el.Packet
	if err := header.Strip(r.Version, pkt); err != nil {
		if el.Iface != nil {
			el.Iface.RxError++
		}
		r.Pool.Free(pkt)
		return
	}
	if el.Iface != nil {
		el.Iface.Rx++
		el.Iface.RxBytes += uint32(pkt.FrameLength)
		metrics.IfaceCounter.WithLabelValues(el.Iface.Name, "rx").Inc()
	}
	r.Promisc.Tap(pkt)

	local := pkt.Dst == r.LocalAddr || header.IsBroadcast(r.Version, pkt.Dst, r.LocalAddr, r.Netmask)
	if !local {
		r.forward(el, pkt)
		return
	}
	r.deliverLocal(el.Iface, pkt)
}

// nexthop resolves the link-layer delivery address for a routed packet: the
// route's via-address when one is set, the final destination otherwise
// (§3 Route "optional via-hop").
func nexthop(route *rtable.Route, dst uint16) uint16 {
	if route.HasVia {
		return route.Via
	}
	return dst
}

// forward implements §4.7 step (d): look up the egress interface and
// forward, dropping on split-horizon unless the interface opts out
// (supplemented feature 3).
func (r *Router) forward(el qfifo.Element, pkt *buffer.Packet) {
	route := r.RTable.Lookup(pkt.Dst)
	if route == nil {
		if el.Iface != nil {
			el.Iface.Drop++
			metrics.IfaceCounter.WithLabelValues(el.Iface.Name, "drop").Inc()
		}
		metrics.RouterDropCount.WithLabelValues("no-route").Inc()
		dropLog.Printf("router: no route to %d, dropping", pkt.Dst)
		r.Pool.Free(pkt)
		return
	}
	if route.Iface == el.Iface && !el.Iface.SplitHorizonOff {
		el.Iface.Drop++
		metrics.IfaceCounter.WithLabelValues(el.Iface.Name, "drop").Inc()
		metrics.RouterDropCount.WithLabelValues("split-horizon").Inc()
		r.Pool.Free(pkt)
		return
	}
	if err := header.Prepend(r.Version, pkt); err != nil {
		r.Pool.Free(pkt)
		return
	}
	if err := route.Iface.Transmit(pkt, nexthop(route, pkt.Dst), false); err != nil {
		route.Iface.TxError++
		metrics.IfaceCounter.WithLabelValues(route.Iface.Name, "tx_error").Inc()
		return
	}
	route.Iface.Tx++
	route.Iface.TxBytes += uint32(pkt.FrameLength)
	metrics.IfaceCounter.WithLabelValues(route.Iface.Name, "tx").Inc()
}

// deliverLocal implements §4.7 steps (e)–(h): connection/socket demux,
// security check, and dispatch to the reliable transport, the unreliable
// deliver path, or the built-in service handler. ingress is nil for
// loopback-originated traffic.
func (r *Router) deliverLocal(ingress *iface.Interface, pkt *buffer.Packet) {
	c := r.Conns.Find(pkt.Src, pkt.Dst, pkt.Sport, pkt.Dport)
	if c == nil {
		r.deliverNew(ingress, pkt)
		return
	}

	required := security.RequiredOpts(c.Opts)
	payload, ok := r.Security.Check(pkt.Flags, required, pkt.Payload())
	if !ok {
		if ingress != nil {
			ingress.AuthErr++
			metrics.IfaceCounter.WithLabelValues(ingress.Name, "autherr").Inc()
		}
		metrics.RouterDropCount.WithLabelValues("auth-failure").Inc()
		dropLog.Printf("router: security check failed for %d:%d, dropping", pkt.Src, pkt.Sport)
		r.Pool.Free(pkt)
		return
	}
	pkt.SetPayload(payload)
	c.LastUsed = time.Now()

	if pkt.Flags&header.FlagRDP != 0 {
		r.RDP.NewPacket(c, pkt)
		return
	}
	select {
	case c.RxQueues[pkt.Priority%4] <- pkt:
	default:
		r.Pool.Free(pkt)
	}
}

func (r *Router) deliverNew(ingress *iface.Interface, pkt *buffer.Packet) {
	sock := r.Ports.GetSocket(pkt.Dport)
	if sock == nil {
		if cb := r.Ports.GetCallback(pkt.Dport); cb != nil {
			// §4.7 step (f): the security check still gates callback
			// delivery, same as socket delivery, even though a callback
			// carries no Opts of its own to require anything beyond what
			// the packet itself claims.
			payload, ok := r.Security.Check(pkt.Flags, security.RequiredOpts(0), pkt.Payload())
			if !ok {
				if ingress != nil {
					ingress.AuthErr++
					metrics.IfaceCounter.WithLabelValues(ingress.Name, "autherr").Inc()
				}
				metrics.RouterDropCount.WithLabelValues("auth-failure").Inc()
				r.Pool.Free(pkt)
				return
			}
			pkt.SetPayload(payload)
			// §4.7 step (g): callbacks run in-line on the router goroutine.
			cb(pkt)
			return
		}
		if r.Service != nil && r.Service.Dispatch(pkt) {
			idout := conn.ID{Src: pkt.Dst, Dst: pkt.Src, Sport: pkt.Dport, Dport: pkt.Sport, Flags: pkt.Flags}
			if err := r.Send(idout, pkt.Priority, pkt); err != nil {
				log.Printf("router: service reply failed: %v", err)
			}
			return
		}
		metrics.RouterDropCount.WithLabelValues("no-listener").Inc()
		r.Pool.Free(pkt)
		return
	}

	required := security.RequiredOpts(sock.Opts)
	payload, ok := r.Security.Check(pkt.Flags, required, pkt.Payload())
	if !ok {
		if ingress != nil {
			ingress.AuthErr++
			metrics.IfaceCounter.WithLabelValues(ingress.Name, "autherr").Inc()
		}
		metrics.RouterDropCount.WithLabelValues("auth-failure").Inc()
		r.Pool.Free(pkt)
		return
	}
	pkt.SetPayload(payload)

	if sock.Opts&port.OptConnLess != 0 {
		if err := sock.EnqueuePacket(pkt); err != nil {
			r.Pool.Free(pkt)
		}
		return
	}

	c := r.Conns.NewIncoming(pkt.Src, pkt.Dst, pkt.Sport, pkt.Dport, pkt.Flags, pkt.Priority)
	if c == nil {
		r.Pool.Free(pkt)
		return
	}
	c.Socket = sock
	if pkt.Flags&header.FlagRDP != 0 {
		r.RDP.NewPacket(c, pkt)
	} else {
		select {
		case c.RxQueues[pkt.Priority%4] <- pkt:
		default:
			r.Pool.Free(pkt)
		}
	}
	if err := sock.EnqueueConn(c); err != nil {
		c.Release()
	}
}
