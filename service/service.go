// Package service implements the built-in CMP and service-port handler of
// §4.11, grounded directly on
// original_source/src/csp_service_handler.c and
// original_source/include/csp/csp_cmp.h. Every handler operates on the
// received packet's payload in place and reports whether a reply should be
// sent back via the same sendto path the request arrived on, preserving its
// priority and connection options (§4.11).
package service

import (
	"encoding/binary"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/config"
	"github.com/smallsat/snp/iface"
	"github.com/smallsat/snp/rtable"
	"github.com/smallsat/snp/sysinfo"
)

// Reserved ports (§6).
const (
	PortCMP        uint8 = 0
	PortPing       uint8 = 1
	PortPS         uint8 = 2
	PortMemfree    uint8 = 3
	PortReboot     uint8 = 4
	PortBufferFree uint8 = 5
	PortUptime     uint8 = 6
)

// Reboot/shutdown magic words (§4.11 / supplemented feature 5).
const (
	RebootMagic   uint32 = 0x80078007
	ShutdownMagic uint32 = 0xD1E5529A
)

// cmpType is the CMP message's type field (supplemented feature 1).
type cmpType uint8

const (
	cmpRequest cmpType = 1
	cmpReply   cmpType = 2
)

// cmpCode is the CMP message's code field, identifying which management
// operation is being requested.
type cmpCode uint8

const (
	cmpIdent cmpCode = iota + 1
	cmpRouteSetV1
	cmpRouteSetV2
	cmpIfStats
	cmpPeek
	cmpPoke
	cmpClock
)

const cmpHeaderSize = 2 // type(1) + code(1)

// Peeker/Poker expose the raw memory access peek/poke requires. §4.11 notes
// this is privileged and not shielded — the implementation trusts its
// caller completely, matching the reference's direct pointer dereference.
type Peeker func(addr uint32, length int) ([]byte, bool)
type Poker func(addr uint32, data []byte) bool

// Handler dispatches built-in service requests (§4.11).
type Handler struct {
	Config config.Config
	RTable *rtable.Table
	Ifaces *iface.List
	Procfs string

	Peek Peeker
	Poke Poker

	GetClock func() sysinfo.Clock
	SetClock func(sysinfo.Clock)

	Reboot   func()
	Shutdown func()

	// PoolRemaining reports the buffer pool's free-slot count for the
	// buffer-free service (§4.11). Wired by the composing stack object,
	// which owns the pool; the handler holds no reference to the pool
	// itself.
	PoolRemaining func() uint32
}

// Dispatch handles pkt according to its destination port, mutating its
// payload in place. It returns true if a reply should be sent back via the
// same sendto operation the request arrived on (§4.11).
func (h *Handler) Dispatch(pkt *buffer.Packet) bool {
	switch pkt.Dport {
	case PortCMP:
		return h.cmp(pkt)
	case PortPing:
		return true // payload echoed unchanged
	case PortPS:
		return h.ps(pkt)
	case PortMemfree:
		return h.counter(pkt, sysinfo.MemFree)
	case PortBufferFree:
		return h.bufferFree(pkt)
	case PortUptime:
		return h.counter(pkt, sysinfo.Uptime)
	case PortReboot:
		return h.reboot(pkt)
	}
	return false
}

func (h *Handler) counter(pkt *buffer.Packet, f func(procfs string) (uint32, error)) bool {
	v, err := f(h.Procfs)
	if err != nil {
		v = 0
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	pkt.SetPayload(b[:])
	return true
}

func (h *Handler) bufferFree(pkt *buffer.Packet) bool {
	var v uint32
	if h.PoolRemaining != nil {
		v = h.PoolRemaining()
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	pkt.SetPayload(b[:])
	return true
}

func (h *Handler) ps(pkt *buffer.Packet) bool {
	text, err := sysinfo.TaskList(h.Procfs)
	if err != nil {
		text = "\x00"
	}
	pkt.SetPayload([]byte(text))
	return true
}

func (h *Handler) reboot(pkt *buffer.Packet) bool {
	payload := pkt.Payload()
	if len(payload) < 4 {
		return false
	}
	magic := binary.BigEndian.Uint32(payload[:4])
	switch magic {
	case RebootMagic:
		if h.Reboot != nil {
			h.Reboot()
		}
	case ShutdownMagic:
		if h.Shutdown != nil {
			h.Shutdown()
		}
	default:
		return false
	}
	return false
}

func (h *Handler) cmp(pkt *buffer.Packet) bool {
	payload := pkt.Payload()
	if len(payload) < cmpHeaderSize {
		return false
	}
	typ := cmpType(payload[0])
	code := cmpCode(payload[1])
	if typ != cmpRequest {
		return false
	}
	body := payload[cmpHeaderSize:]

	var reply []byte
	ok := false
	switch code {
	case cmpIdent:
		reply, ok = h.cmpIdent(), true
	case cmpRouteSetV1:
		reply, ok = h.cmpRouteSet(body, false)
	case cmpRouteSetV2:
		reply, ok = h.cmpRouteSet(body, true)
	case cmpIfStats:
		reply, ok = h.cmpIfStats(body)
	case cmpPeek:
		reply, ok = h.cmpPeek(body)
	case cmpPoke:
		reply, ok = h.cmpPoke(body)
	case cmpClock:
		reply, ok = h.cmpClock(body)
	}
	if !ok {
		return false
	}

	out := make([]byte, cmpHeaderSize+len(reply))
	out[0] = byte(cmpReply) // the handler flips type to REPLY in place (supplemented feature 1)
	out[1] = byte(code)
	copy(out[cmpHeaderSize:], reply)
	pkt.SetPayload(out)
	return true
}

func fixedField(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func (h *Handler) cmpIdent() []byte {
	hostname, model, revision, date, tm := h.Config.Ident()
	b := make([]byte, 0, config.MaxHostnameLen+config.MaxModelLen+config.MaxRevisionLen+config.MaxDateLen+config.MaxTimeLen)
	b = append(b, fixedField(hostname, config.MaxHostnameLen)...)
	b = append(b, fixedField(model, config.MaxModelLen)...)
	b = append(b, fixedField(revision, config.MaxRevisionLen)...)
	b = append(b, fixedField(date, config.MaxDateLen)...)
	b = append(b, fixedField(tm, config.MaxTimeLen)...)
	return b
}

// cmpRouteSet applies a route-set request to the routing table. v1 shape is
// destination(2) next-hop(2) interface-name(11); v2 adds a netmask(2) field
// between next-hop and interface-name (supplemented feature 8).
func (h *Handler) cmpRouteSet(body []byte, v2 bool) ([]byte, bool) {
	const nameLenV1 = 11
	minLen := 4 + nameLenV1
	if v2 {
		minLen = 6 + nameLenV1
	}
	if len(body) < minLen {
		return nil, false
	}
	dest := binary.BigEndian.Uint16(body[0:2])
	via := binary.BigEndian.Uint16(body[2:4])
	mask := h.Config.Version.MaxNodeID()
	nameOff := 4
	if v2 {
		mask = binary.BigEndian.Uint16(body[4:6])
		nameOff = 6
	}
	name := cstring(body[nameOff:])
	ifc := h.Ifaces.ByName(name)
	if ifc == nil {
		return nil, false
	}
	hasVia := via != h.Config.Version.MaxNodeID()
	if err := h.RTable.Set(dest, mask, ifc, via, hasVia); err != nil {
		return nil, false
	}
	return nil, true
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (h *Handler) cmpIfStats(body []byte) ([]byte, bool) {
	name := cstring(body)
	ifc := h.Ifaces.ByName(name)
	if ifc == nil {
		return nil, false
	}
	out := make([]byte, 9*4)
	binary.BigEndian.PutUint32(out[0:4], ifc.Tx)
	binary.BigEndian.PutUint32(out[4:8], ifc.Rx)
	binary.BigEndian.PutUint32(out[8:12], ifc.TxError)
	binary.BigEndian.PutUint32(out[12:16], ifc.RxError)
	binary.BigEndian.PutUint32(out[16:20], ifc.Drop)
	binary.BigEndian.PutUint32(out[20:24], ifc.AuthErr)
	binary.BigEndian.PutUint32(out[24:28], ifc.Frame)
	binary.BigEndian.PutUint32(out[28:32], ifc.TxBytes)
	binary.BigEndian.PutUint32(out[32:36], ifc.RxBytes)
	return out, true
}

// maxPeekPoke is the §4.11 "length ≤ 200" bound.
const maxPeekPoke = 200

func (h *Handler) cmpPeek(body []byte) ([]byte, bool) {
	if len(body) < 5 || h.Peek == nil {
		return nil, false
	}
	addr := binary.BigEndian.Uint32(body[0:4])
	length := int(body[4])
	if length > maxPeekPoke {
		return nil, false
	}
	data, ok := h.Peek(addr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out[0:4], addr)
	copy(out[4:], data)
	return out, true
}

func (h *Handler) cmpPoke(body []byte) ([]byte, bool) {
	if len(body) < 5 || h.Poke == nil {
		return nil, false
	}
	addr := binary.BigEndian.Uint32(body[0:4])
	length := int(body[4])
	if length > maxPeekPoke || len(body) < 5+length {
		return nil, false
	}
	data := body[5 : 5+length]
	if !h.Poke(addr, data) {
		return nil, false
	}
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, addr)
	return out, true
}

func (h *Handler) cmpClock(body []byte) ([]byte, bool) {
	if len(body) >= 8 && h.SetClock != nil {
		sec := binary.BigEndian.Uint32(body[0:4])
		nsec := binary.BigEndian.Uint32(body[4:8])
		h.SetClock(sysinfo.Clock{Sec: sec, Nsec: nsec})
	}
	var now sysinfo.Clock
	if h.GetClock != nil {
		now = h.GetClock()
	} else {
		now = sysinfo.Now()
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint32(out[0:4], now.Sec)
	binary.BigEndian.PutUint32(out[4:8], now.Nsec)
	return out, true
}
