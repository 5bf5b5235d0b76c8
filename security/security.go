// Package security implements the incoming-packet security check ordering
// of supplemented feature 2, grounded on csp_route_security_check in
// original_source/src/csp_route.c. The cryptographic primitives themselves
// (XTEA, HMAC, CRC32) are named but not implemented, per §1's "contracts are
// named, internals are not" framing for out-of-scope crypto — callers inject
// a Verifier satisfying whatever algorithm they choose.
package security

import "github.com/smallsat/snp/header"

// Verifier performs the three optional per-packet security transforms.
// A nil method pointer for an algorithm the caller never wired is treated
// as "always fails" when that algorithm is required and the packet claims
// to use it.
type Verifier struct {
	XTEADecrypt func(data []byte) ([]byte, error)
	CRC32Verify func(data []byte) bool
	HMACVerify  func(data []byte) bool
}

// RequiredOpts mirrors the destination socket/connection's required option
// bits (port.OptHMACReq / OptCRC32Req / OptXTEAReq), kept as a plain uint32
// here to avoid importing package port.
type RequiredOpts uint32

const (
	RequireHMAC  RequiredOpts = 1 << 2
	RequireCRC32 RequiredOpts = 1 << 3
	RequireXTEA  RequiredOpts = 1 << 4
)

// Check runs XTEA decrypt, then CRC32 verify, then HMAC verify, in that
// order, each independently gated by the packet's own flags and the
// destination's required bits: a packet may lack a feature the destination
// doesn't require, and is rejected when it carries a feature that fails
// verification or when the destination requires XTEA or HMAC and the
// packet lacks it. CRC32 is lenient the other way — a packet without the
// CRC32 flag is accepted even when the destination asks for it (§4.7 step
// c / supplemented feature 2). The returned payload is the (possibly
// XTEA-decrypted) bytes to deliver onward.
func (v Verifier) Check(flags uint8, required RequiredOpts, payload []byte) ([]byte, bool) {
	out := payload

	// §6 defines no dedicated wire flag for XTEA, so it is gated solely by
	// the destination's required bit (§4.7 step c / supplemented feature 2).
	if required&RequireXTEA != 0 {
		if v.XTEADecrypt == nil {
			return nil, false
		}
		dec, err := v.XTEADecrypt(out)
		if err != nil {
			return nil, false
		}
		out = dec
	}

	// A packet without the CRC32 flag is accepted even when the destination
	// requires CRC32; only XTEA and HMAC reject on required-but-missing.
	if flags&header.FlagCRC32 != 0 {
		if v.CRC32Verify == nil || !v.CRC32Verify(out) {
			return nil, false
		}
	}

	if flags&header.FlagHMAC != 0 {
		if v.HMACVerify == nil || !v.HMACVerify(out) {
			return nil, false
		}
	} else if required&RequireHMAC != 0 {
		return nil, false
	}

	return out, true
}
