// Package efp implements segmentation over Ethernet-like links, §4.10,
// grounded directly on original_source/src/interfaces/csp_if_eth.c.
package efp

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/config"
	"github.com/smallsat/snp/header"
	"github.com/smallsat/snp/snperr"
)

// EtherType is the reserved experimental ether-type carried by every frame
// (§6).
const EtherType = 0x88B5

// SegHeaderSize is the size in bytes of the segmentation header that
// precedes each MTU-sized fragment, following the 14-byte Ethernet header
// (§4.10): packet-id(2) + source-address(2) + segment-size(2) +
// total-length(2).
const SegHeaderSize = 8

// EthHeaderSize is the size of the Ethernet header preceding the
// segmentation header: destination MAC(6) + source MAC(6) + ether-type(2)
// (§4.10).
const EthHeaderSize = 14

// MAC is a 6-byte hardware address.
type MAC [6]byte

var broadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

var (
	consistencyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snp_efp_consistency_error_total",
		Help: "Ethernet segments dropped for disagreeing about or overrunning total length.",
	})
	txErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snp_efp_tx_error_total",
		Help: "Ethernet segments that failed to transmit.",
	})
)

// segHeader is the on-wire segmentation header (§4.10).
type segHeader struct {
	PacketID uint16
	SrcAddr  uint16
	SegSize  uint16
	TotalLen uint16
}

func packSegHeader(h segHeader) []byte {
	b := make([]byte, SegHeaderSize)
	binary.BigEndian.PutUint16(b[0:2], h.PacketID)
	binary.BigEndian.PutUint16(b[2:4], h.SrcAddr)
	binary.BigEndian.PutUint16(b[4:6], h.SegSize)
	binary.BigEndian.PutUint16(b[6:8], h.TotalLen)
	return b
}

func unpackSegHeader(b []byte) segHeader {
	return segHeader{
		PacketID: binary.BigEndian.Uint16(b[0:2]),
		SrcAddr:  binary.BigEndian.Uint16(b[2:4]),
		SegSize:  binary.BigEndian.Uint16(b[4:6]),
		TotalLen: binary.BigEndian.Uint16(b[6:8]),
	}
}

type key struct {
	PacketID uint16
	Src      uint16
}

type entry struct {
	pkt      *buffer.Packet
	total    int
	received int
	lastUsed time.Time
}

// AddrCache is the address-resolution cache mapping an SNP source address
// to the MAC it was last observed arriving from (§4.10).
type AddrCache struct {
	mu      sync.RWMutex
	entries map[uint16]MAC
}

// NewAddrCache returns an empty address cache.
func NewAddrCache() *AddrCache {
	return &AddrCache{entries: make(map[uint16]MAC)}
}

// Learn records that addr was last seen behind mac.
func (c *AddrCache) Learn(addr uint16, mac MAC) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[addr] = mac
}

// Resolve returns the MAC for addr, falling back to the Ethernet broadcast
// address if unknown (§4.10).
func (c *AddrCache) Resolve(addr uint16) MAC {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if mac, ok := c.entries[addr]; ok {
		return mac
	}
	return broadcastMAC
}

// Table is the Ethernet segmentation reassembly table, keyed on
// (packet-id << 16 | source-address) per §4.10.
type Table struct {
	mu      sync.Mutex
	entries map[key]*entry
	pool    *buffer.Pool
	timeout time.Duration
	cache   *AddrCache
}

// NewTable returns an empty reassembly table backed by pool, recording
// learned source MACs into cache.
func NewTable(pool *buffer.Pool, cache *AddrCache, timeout time.Duration) *Table {
	return &Table{entries: make(map[key]*entry), pool: pool, cache: cache, timeout: timeout}
}

// RxSegment processes one received segment: srcMAC is the segment's
// Ethernet source address, seg its segmentation header, and data the
// packet-bytes that follow it. On the segment that completes the packet,
// the SNP header is stripped, srcMAC is recorded against the SNP source
// address, and the finished packet is returned (§4.10); every other call
// returns nil.
func (t *Table) RxSegment(v config.HeaderVersion, srcMAC MAC, seg segHeader, data []byte) (delivered *buffer.Packet) {
	k := key{PacketID: seg.PacketID, Src: seg.SrcAddr}

	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok {
		pkt, err := t.pool.Get()
		if err != nil {
			t.mu.Unlock()
			return nil
		}
		header.SetupRx(pkt)
		e = &entry{pkt: pkt, total: int(seg.TotalLen)}
		t.entries[k] = e
	} else if e.total != int(seg.TotalLen) {
		// Disagreement about total length: drop the whole reassembly (§4.10).
		t.pool.Free(e.pkt)
		delete(t.entries, k)
		t.mu.Unlock()
		consistencyErrors.Inc()
		return nil
	}

	if e.received+len(data) > e.total || e.received+len(data) > len(e.pkt.Frame)-e.pkt.FrameBegin {
		t.pool.Free(e.pkt)
		delete(t.entries, k)
		t.mu.Unlock()
		consistencyErrors.Inc()
		return nil
	}

	e.received += copy(e.pkt.Frame[e.pkt.FrameBegin+e.received:], data)
	e.lastUsed = time.Now()
	complete := e.received >= e.total
	if complete {
		delete(t.entries, k)
	}
	t.mu.Unlock()

	if !complete {
		return nil
	}

	e.pkt.FrameLength = e.received
	if err := header.Strip(v, e.pkt); err != nil {
		t.pool.Free(e.pkt)
		consistencyErrors.Inc()
		return nil
	}
	t.cache.Learn(e.pkt.Src, srcMAC)
	return e.pkt
}

// Sweep frees reassembly entries idle longer than the table's timeout.
func (t *Table) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for k, e := range t.entries {
		if now.Sub(e.lastUsed) > t.timeout {
			t.pool.Free(e.pkt)
			delete(t.entries, k)
		}
	}
}

// Segment is one outgoing Ethernet frame body: segmentation header,
// immediately followed by its slice of packet-bytes. Its size on the wire is
// EthHeaderSize + len(Data), Data already holding the segmentation header;
// the caller's driver typically
// prepends its own 14-byte Ethernet header from destMAC/srcMAC/EtherType.
type Segment struct {
	DestMAC MAC
	Data    []byte // SegHeaderSize bytes of header, then payload bytes
}

// Send fragments pkt into MTU-sized Ethernet segments (§4.10). mtu bounds
// each segment body: the SegHeaderSize-byte segmentation header plus its
// packet-bytes (the caller's driver is
// responsible for the 14-byte Ethernet header and any link framing beyond
// that). packetID is a caller-assigned counter distinguishing concurrent
// transmissions; srcAddr is the local SNP address. The first segment's
// payload begins with the SNP header itself, produced by prepending it into
// pkt's scratch area before fragmentation.
func Send(v config.HeaderVersion, pkt *buffer.Packet, packetID uint16, srcAddr uint16, mtu int, cache *AddrCache, send func(Segment) error) error {
	if pkt.FrameLength == 0 {
		return snperr.ErrInvalid
	}
	if err := header.Prepend(v, pkt); err != nil {
		return err
	}
	data := pkt.Frame[pkt.FrameBegin : pkt.FrameBegin+pkt.FrameLength]
	total := len(data)
	segMax := mtu - SegHeaderSize
	if segMax <= 0 {
		return snperr.ErrInvalid
	}
	destMAC := cache.Resolve(pkt.Dst)
	for offset := 0; offset < total; offset += segMax {
		end := offset + segMax
		if end > total {
			end = total
		}
		h := packSegHeader(segHeader{
			PacketID: packetID,
			SrcAddr:  srcAddr,
			SegSize:  uint16(end - offset),
			TotalLen: uint16(total),
		})
		body := append(h, data[offset:end]...)
		if err := send(Segment{DestMAC: destMAC, Data: body}); err != nil {
			txErrors.Inc()
			return snperr.ErrTxFailure
		}
	}
	return nil
}

// ParseSegment splits a received segment body into its header and payload.
func ParseSegment(body []byte) (segHeader, []byte, error) {
	if len(body) < SegHeaderSize {
		return segHeader{}, nil, snperr.ErrInvalid
	}
	return unpackSegHeader(body[:SegHeaderSize]), body[SegHeaderSize:], nil
}
