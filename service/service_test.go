package service_test

import (
	"encoding/binary"
	"testing"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/config"
	"github.com/smallsat/snp/iface"
	"github.com/smallsat/snp/rtable"
	"github.com/smallsat/snp/service"
	"github.com/smallsat/snp/sysinfo"
)

func newPacket(t *testing.T, dport uint8, payload []byte) *buffer.Packet {
	t.Helper()
	pkt := &buffer.Packet{Dport: dport}
	buffer.SetupRx(pkt)
	pkt.SetPayload(payload)
	return pkt
}

func TestDispatchPing(t *testing.T) {
	h := &service.Handler{}
	pkt := newPacket(t, service.PortPing, []byte("echo me"))
	if ok := h.Dispatch(pkt); !ok {
		t.Fatal("Dispatch(ping) = false, want true")
	}
	if string(pkt.Payload()) != "echo me" {
		t.Errorf("Dispatch(ping) payload = %q, want unchanged %q", pkt.Payload(), "echo me")
	}
}

func TestDispatchBufferFree(t *testing.T) {
	h := &service.Handler{PoolRemaining: func() uint32 { return 42 }}
	pkt := newPacket(t, service.PortBufferFree, nil)
	if ok := h.Dispatch(pkt); !ok {
		t.Fatal("Dispatch(bufferfree) = false, want true")
	}
	got := binary.BigEndian.Uint32(pkt.Payload())
	if got != 42 {
		t.Errorf("Dispatch(bufferfree) value = %d, want 42", got)
	}
}

func TestDispatchMemfree(t *testing.T) {
	h := &service.Handler{Procfs: t.TempDir()}
	pkt := newPacket(t, service.PortMemfree, nil)
	if ok := h.Dispatch(pkt); !ok {
		t.Fatal("Dispatch(memfree) = false, want true")
	}
	if got := binary.BigEndian.Uint32(pkt.Payload()); got != 0 {
		t.Errorf("Dispatch(memfree) on missing /proc value = %d, want 0", got)
	}
}

func TestDispatchUnknownPort(t *testing.T) {
	h := &service.Handler{}
	pkt := newPacket(t, 99, nil)
	if ok := h.Dispatch(pkt); ok {
		t.Fatal("Dispatch(unknown port) = true, want false")
	}
}

func TestDispatchRebootMagic(t *testing.T) {
	var rebooted, shutdown bool
	h := &service.Handler{
		Reboot:   func() { rebooted = true },
		Shutdown: func() { shutdown = true },
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], service.RebootMagic)
	pkt := newPacket(t, service.PortReboot, buf[:])
	if ok := h.Dispatch(pkt); ok {
		t.Error("Dispatch(reboot) = true, want false (no reply expected)")
	}
	if !rebooted || shutdown {
		t.Errorf("rebooted=%v shutdown=%v, want rebooted=true shutdown=false", rebooted, shutdown)
	}
}

func TestDispatchRebootWrongMagicIsIgnored(t *testing.T) {
	var rebooted bool
	h := &service.Handler{Reboot: func() { rebooted = true }}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], 0xdeadbeef)
	pkt := newPacket(t, service.PortReboot, buf[:])
	h.Dispatch(pkt)
	if rebooted {
		t.Error("Reboot() called on wrong magic word")
	}
}

func cmpRequest(code byte, body []byte) []byte {
	out := append([]byte{1, code}, body...)
	return out
}

func TestCMPIdentRoundTrip(t *testing.T) {
	cfg := config.Config{Hostname: "node1", Model: "snpd", Revision: "r1"}
	h := &service.Handler{Config: cfg}
	pkt := newPacket(t, service.PortCMP, cmpRequest(1, nil)) // cmpIdent == 1
	if ok := h.Dispatch(pkt); !ok {
		t.Fatal("Dispatch(cmp ident) = false, want true")
	}
	reply := pkt.Payload()
	if reply[0] != 2 { // cmpReply
		t.Errorf("reply type = %d, want 2 (reply)", reply[0])
	}
	if reply[1] != 1 {
		t.Errorf("reply code = %d, want 1 (ident)", reply[1])
	}
}

func TestCMPRejectsNonRequestType(t *testing.T) {
	h := &service.Handler{}
	body := []byte{2, 1} // type=reply, code=ident: must be rejected
	pkt := newPacket(t, service.PortCMP, body)
	if ok := h.Dispatch(pkt); ok {
		t.Fatal("Dispatch(cmp non-request) = true, want false")
	}
}

func TestCMPRouteSetV1(t *testing.T) {
	rt := rtable.NewTable()
	ifaces := iface.NewList()
	eth0 := &iface.Interface{Name: "eth0"}
	ifaces.Add(eth0)
	h := &service.Handler{Config: config.Config{Version: config.V1}, RTable: rt, Ifaces: ifaces}

	body := make([]byte, 4+11)
	binary.BigEndian.PutUint16(body[0:2], 8)                     // dest
	binary.BigEndian.PutUint16(body[2:4], config.V1.MaxNodeID()) // via == max => no gateway
	copy(body[4:], "eth0")

	pkt := newPacket(t, service.PortCMP, cmpRequest(2, body)) // cmpRouteSetV1 == 2
	if ok := h.Dispatch(pkt); !ok {
		t.Fatal("Dispatch(cmp route-set v1) = false, want true")
	}
	r := rt.Lookup(8)
	if r == nil || r.Iface != eth0 {
		t.Fatalf("route after cmp route-set = %+v, want route via eth0", r)
	}
	if r.HasVia {
		t.Errorf("route.HasVia = true, want false (via == max node id sentinel)")
	}
}

func TestCMPRouteSetUnknownInterfaceFails(t *testing.T) {
	rt := rtable.NewTable()
	ifaces := iface.NewList()
	h := &service.Handler{Config: config.Config{Version: config.V1}, RTable: rt, Ifaces: ifaces}

	body := make([]byte, 4+11)
	copy(body[4:], "ghost")
	pkt := newPacket(t, service.PortCMP, cmpRequest(2, body))
	if ok := h.Dispatch(pkt); ok {
		t.Fatal("Dispatch(cmp route-set, unknown iface) = true, want false")
	}
}

func TestCMPIfStats(t *testing.T) {
	ifaces := iface.NewList()
	eth0 := &iface.Interface{Name: "eth0", Tx: 5, Rx: 7}
	ifaces.Add(eth0)
	h := &service.Handler{Ifaces: ifaces}

	body := make([]byte, 11)
	copy(body, "eth0")
	pkt := newPacket(t, service.PortCMP, cmpRequest(4, body)) // cmpIfStats == 4
	if ok := h.Dispatch(pkt); !ok {
		t.Fatal("Dispatch(cmp ifstats) = false, want true")
	}
	reply := pkt.Payload()[2:]
	if got := binary.BigEndian.Uint32(reply[0:4]); got != 5 {
		t.Errorf("Tx in reply = %d, want 5", got)
	}
	if got := binary.BigEndian.Uint32(reply[4:8]); got != 7 {
		t.Errorf("Rx in reply = %d, want 7", got)
	}
}

func TestCMPPeekRequiresHook(t *testing.T) {
	h := &service.Handler{}
	body := make([]byte, 5)
	pkt := newPacket(t, service.PortCMP, cmpRequest(5, body)) // cmpPeek == 5
	if ok := h.Dispatch(pkt); ok {
		t.Fatal("Dispatch(cmp peek) with no Peek hook = true, want false")
	}
}

func TestCMPPeekRejectsOverlongLength(t *testing.T) {
	h := &service.Handler{Peek: func(addr uint32, n int) ([]byte, bool) { return make([]byte, n), true }}
	body := make([]byte, 5)
	body[4] = 201 // over the 200-byte cap
	pkt := newPacket(t, service.PortCMP, cmpRequest(5, body))
	if ok := h.Dispatch(pkt); ok {
		t.Fatal("Dispatch(cmp peek) over length cap = true, want false")
	}
}

func TestCMPPeekRoundTrip(t *testing.T) {
	h := &service.Handler{Peek: func(addr uint32, n int) ([]byte, bool) {
		out := make([]byte, n)
		for i := range out {
			out[i] = byte(addr) + byte(i)
		}
		return out, true
	}}
	body := make([]byte, 5)
	binary.BigEndian.PutUint32(body[0:4], 0x1000)
	body[4] = 3
	pkt := newPacket(t, service.PortCMP, cmpRequest(5, body))
	if ok := h.Dispatch(pkt); !ok {
		t.Fatal("Dispatch(cmp peek) = false, want true")
	}
	reply := pkt.Payload()[2:]
	if got := binary.BigEndian.Uint32(reply[0:4]); got != 0x1000 {
		t.Errorf("echoed addr = %#x, want %#x", got, 0x1000)
	}
	if len(reply[4:]) != 3 {
		t.Fatalf("peeked data length = %d, want 3", len(reply[4:]))
	}
}

func TestCMPPokeRoundTrip(t *testing.T) {
	var got []byte
	h := &service.Handler{Poke: func(addr uint32, data []byte) bool { got = append([]byte(nil), data...); return true }}
	payload := []byte("xyz")
	body := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(body[0:4], 0x2000)
	body[4] = byte(len(payload))
	copy(body[5:], payload)

	pkt := newPacket(t, service.PortCMP, cmpRequest(6, body)) // cmpPoke == 6
	if ok := h.Dispatch(pkt); !ok {
		t.Fatal("Dispatch(cmp poke) = false, want true")
	}
	if string(got) != "xyz" {
		t.Errorf("Poke() received %q, want %q", got, "xyz")
	}
}

func TestCMPClockGetOnly(t *testing.T) {
	want := sysinfo.Clock{Sec: 100, Nsec: 200}
	h := &service.Handler{GetClock: func() sysinfo.Clock { return want }}
	pkt := newPacket(t, service.PortCMP, cmpRequest(7, nil)) // cmpClock == 7
	if ok := h.Dispatch(pkt); !ok {
		t.Fatal("Dispatch(cmp clock) = false, want true")
	}
	reply := pkt.Payload()[2:]
	if got := binary.BigEndian.Uint32(reply[0:4]); got != want.Sec {
		t.Errorf("clock sec = %d, want %d", got, want.Sec)
	}
}

func TestCMPClockSet(t *testing.T) {
	var set sysinfo.Clock
	h := &service.Handler{
		SetClock: func(c sysinfo.Clock) { set = c },
		GetClock: func() sysinfo.Clock { return sysinfo.Clock{} },
	}
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], 555)
	binary.BigEndian.PutUint32(body[4:8], 666)
	pkt := newPacket(t, service.PortCMP, cmpRequest(7, body))
	h.Dispatch(pkt)
	if set.Sec != 555 || set.Nsec != 666 {
		t.Errorf("SetClock() received %+v, want {555 666}", set)
	}
}
