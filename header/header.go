// Package header implements the SNP wire header codec (§4.2/§6): two
// big-endian, bit-packed layouts sharing the same semantic fields. The
// codec is explicit about byte order in both directions — it never relies
// on host representation, per §9's "Endianness" note. This is a deliberate
// departure from the teacher's own wire-struct parsing (inetdiag/structs.go,
// netlink/netlink.go), which reinterprets raw bytes via unsafe.Pointer and
// therefore assumes host layout matches wire layout; see DESIGN.md for why
// that approach cannot satisfy this codec's requirements.
package header

import (
	"encoding/binary"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/config"
	"github.com/smallsat/snp/snperr"
)

// Flag bits (§6), common to both header versions.
const (
	FlagCRC32 uint8 = 1 << 0
	FlagRDP   uint8 = 1 << 1
	FlagHMAC  uint8 = 1 << 3
	FlagFrag  uint8 = 1 << 4
)

// Size in bytes of the packed wire header for each version.
const (
	SizeV1 = 4
	SizeV2 = 6
)

// WireSize returns the packed header size in bytes for v.
func WireSize(v config.HeaderVersion) int {
	if v == config.V2 {
		return SizeV2
	}
	return SizeV1
}

// Prepend packs pkt's unpacked header fields into the scratch area
// immediately before the payload, in big-endian wire order, and advances
// FrameBegin/FrameLength to describe the resulting on-wire frame (§4.2).
func Prepend(v config.HeaderVersion, pkt *buffer.Packet) error {
	size := WireSize(v)
	if pkt.FrameBegin < size {
		return snperr.ErrInvalid
	}
	start := pkt.FrameBegin - size
	switch v {
	case config.V2:
		packed := packV2(pkt.Priority, pkt.Dst, pkt.Src, pkt.Dport, pkt.Sport, pkt.Flags)
		putV2(pkt.Frame[start:start+size], packed)
	default:
		packed := packV1(pkt.Priority, pkt.Src, pkt.Dst, pkt.Dport, pkt.Sport, pkt.Flags)
		binary.BigEndian.PutUint32(pkt.Frame[start:start+size], packed)
	}
	pkt.FrameLength += size
	pkt.FrameBegin = start
	return nil
}

// Strip reverses Prepend: it unpacks the wire header at FrameBegin into
// pkt's fields, then advances FrameBegin past it and shrinks FrameLength. It
// fails if FrameLength is shorter than the header size (§4.2).
func Strip(v config.HeaderVersion, pkt *buffer.Packet) error {
	size := WireSize(v)
	if pkt.FrameLength < size {
		return snperr.ErrInvalid
	}
	raw := pkt.Frame[pkt.FrameBegin : pkt.FrameBegin+size]
	switch v {
	case config.V2:
		packed := getV2(raw)
		pkt.Priority, pkt.Dst, pkt.Src, pkt.Dport, pkt.Sport, pkt.Flags = unpackV2(packed)
	default:
		packed := binary.BigEndian.Uint32(raw)
		pkt.Priority, pkt.Src, pkt.Dst, pkt.Dport, pkt.Sport, pkt.Flags = unpackV1(packed)
	}
	pkt.FrameBegin += size
	pkt.FrameLength -= size
	return nil
}

// SetupRx positions pkt's FrameBegin to leave room for the widest configured
// header, delegating to buffer.SetupRx (§4.2 setup-rx).
func SetupRx(pkt *buffer.Packet) {
	buffer.SetupRx(pkt)
}

// IsBroadcast reports whether addr is a broadcast address as seen by a node
// at localAddr — either the version's max node id (the historical
// CSP_BROADCAST_ADDR special case), or the all-ones host-bits address
// within localAddr's own subnet per netmask. An all-ones host part in a
// foreign subnet is unicast traffic to be routed, not broadcast.
func IsBroadcast(v config.HeaderVersion, addr, localAddr, netmask uint16) bool {
	if addr == v.MaxNodeID() {
		return true
	}
	hostMask := uint16(1<<v.HostBits()-1) &^ netmask
	return hostMask != 0 && addr&hostMask == hostMask && addr&netmask == localAddr&netmask
}

// --- v1: [pri:2][src:5][dst:5][dport:6][sport:6][flags:8], 32 bits total ---

func packV1(pri uint8, src, dst uint16, dport, sport, flags uint8) uint32 {
	return uint32(pri&0x3)<<30 |
		uint32(src&0x1f)<<25 |
		uint32(dst&0x1f)<<20 |
		uint32(dport&0x3f)<<14 |
		uint32(sport&0x3f)<<8 |
		uint32(flags)
}

func unpackV1(id uint32) (pri uint8, src, dst uint16, dport, sport, flags uint8) {
	pri = uint8(id>>30) & 0x3
	src = uint16(id>>25) & 0x1f
	dst = uint16(id>>20) & 0x1f
	dport = uint8(id>>14) & 0x3f
	sport = uint8(id>>8) & 0x3f
	flags = uint8(id)
	return
}

// --- v2: [pri:2][dst:14][src:14][dport:6][sport:6][flags:6], 48 bits total ---

func packV2(pri uint8, dst, src uint16, dport, sport, flags uint8) uint64 {
	return uint64(pri&0x3)<<46 |
		uint64(dst&0x3fff)<<32 |
		uint64(src&0x3fff)<<18 |
		uint64(dport&0x3f)<<12 |
		uint64(sport&0x3f)<<6 |
		uint64(flags&0x3f)
}

func unpackV2(id uint64) (pri uint8, dst, src uint16, dport, sport, flags uint8) {
	pri = uint8(id>>46) & 0x3
	dst = uint16(id>>32) & 0x3fff
	src = uint16(id>>18) & 0x3fff
	dport = uint8(id>>12) & 0x3f
	sport = uint8(id>>6) & 0x3f
	flags = uint8(id) & 0x3f
	return
}

// putV2 writes the 48-bit packed value into a 6-byte big-endian slice. The
// value is shifted left by 16 and rendered as a full 8-byte big-endian word
// first, then the top 6 bytes are copied out — replicating the original
// implementation's "shift into a 64-bit word, htobe64, take the high bytes"
// trick exactly (csp_id.c csp_id2_prepend), rather than a naive 6-byte loop,
// so byte order matches bit-for-bit.
func putV2(dst []byte, packed uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], packed<<16)
	copy(dst, tmp[:6])
}

// getV2 reverses putV2: the 6 wire bytes are placed into the top of an
// 8-byte buffer, read back as a big-endian uint64, then shifted right by 16
// to recover the 48-bit value in the low bits (csp_id.c csp_id2_strip).
func getV2(src []byte) uint64 {
	var tmp [8]byte
	copy(tmp[:6], src)
	return binary.BigEndian.Uint64(tmp[:]) >> 16
}
