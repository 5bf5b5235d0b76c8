package efp_test

import (
	"errors"
	"testing"
	"time"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/config"
	"github.com/smallsat/snp/efp"
	"github.com/smallsat/snp/header"
)

func TestSendRxSegmentRoundTrip(t *testing.T) {
	v := config.V1
	pool := buffer.NewPool(4)
	cache := efp.NewAddrCache()
	destMAC := efp.MAC{1, 2, 3, 4, 5, 6}
	cache.Learn(9, destMAC)

	pkt, err := pool.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	header.SetupRx(pkt)
	pkt.Src = 3
	pkt.Dst = 9
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	pkt.SetPayload(payload)

	var segments []efp.Segment
	if err := efp.Send(v, pkt, 7, 3, 40, cache, func(s efp.Segment) error {
		segments = append(segments, s)
		return nil
	}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(segments) < 2 {
		t.Fatalf("Send() produced %d segments, want more than one", len(segments))
	}
	for _, s := range segments {
		if s.DestMAC != destMAC {
			t.Errorf("segment DestMAC = %v, want %v", s.DestMAC, destMAC)
		}
	}

	tab := efp.NewTable(pool, cache, time.Minute)
	var delivered *buffer.Packet
	for _, s := range segments {
		seg, data, err := efp.ParseSegment(s.Data)
		if err != nil {
			t.Fatalf("ParseSegment() error = %v", err)
		}
		if p := tab.RxSegment(v, efp.MAC{9, 9, 9, 9, 9, 9}, seg, data); p != nil {
			delivered = p
		}
	}
	if delivered == nil {
		t.Fatal("RxSegment() never delivered a reassembled packet")
	}
	if string(delivered.Payload()) != string(payload) {
		t.Errorf("reassembled payload mismatch (len got=%d want=%d)", len(delivered.Payload()), len(payload))
	}
	if got := cache.Resolve(delivered.Src); got != (efp.MAC{9, 9, 9, 9, 9, 9}) {
		t.Errorf("AddrCache after RxSegment = %v, want learned source MAC", got)
	}
}

func TestAddrCacheResolveFallsBackToBroadcast(t *testing.T) {
	cache := efp.NewAddrCache()
	got := cache.Resolve(42)
	want := efp.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if got != want {
		t.Errorf("Resolve(unlearned) = %v, want broadcast %v", got, want)
	}
}

func TestSendRejectsEmptyPayload(t *testing.T) {
	pool := buffer.NewPool(1)
	pkt, err := pool.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	header.SetupRx(pkt)
	cache := efp.NewAddrCache()
	err = efp.Send(config.V1, pkt, 0, 0, 40, cache, func(efp.Segment) error { return nil })
	if err == nil {
		t.Fatal("Send() with empty payload: error = nil, want non-nil")
	}
}

func TestSendRejectsUnusableMTU(t *testing.T) {
	pool := buffer.NewPool(1)
	pkt, err := pool.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	header.SetupRx(pkt)
	pkt.SetPayload([]byte("x"))
	cache := efp.NewAddrCache()
	if err := efp.Send(config.V1, pkt, 0, 0, efp.SegHeaderSize, cache, func(efp.Segment) error { return nil }); err == nil {
		t.Fatal("Send() with MTU <= SegHeaderSize: error = nil, want non-nil")
	}
}

func TestSendPropagatesSendError(t *testing.T) {
	pool := buffer.NewPool(1)
	pkt, err := pool.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	header.SetupRx(pkt)
	pkt.SetPayload([]byte("x"))
	cache := efp.NewAddrCache()
	boom := errors.New("boom")
	if err := efp.Send(config.V1, pkt, 0, 0, 40, cache, func(efp.Segment) error { return boom }); err == nil {
		t.Fatal("Send() with failing send func: error = nil, want non-nil")
	}
}

func TestRxSegmentDisagreeingTotalLengthIsDropped(t *testing.T) {
	pool := buffer.NewPool(4)
	cache := efp.NewAddrCache()
	tab := efp.NewTable(pool, cache, time.Minute)

	seg1, data1, err := efp.ParseSegment(append(
		packSegHeaderForTest(1, 2, 5, 20), []byte("12345")...))
	if err != nil {
		t.Fatalf("ParseSegment() error = %v", err)
	}
	if p := tab.RxSegment(config.V1, efp.MAC{}, seg1, data1); p != nil {
		t.Fatal("RxSegment() on first partial segment delivered a packet")
	}

	seg2, data2, err := efp.ParseSegment(append(
		packSegHeaderForTest(1, 2, 5, 99), []byte("67890")...)) // disagreeing TotalLen
	if err != nil {
		t.Fatalf("ParseSegment() error = %v", err)
	}
	before := pool.Remaining()
	if p := tab.RxSegment(config.V1, efp.MAC{}, seg2, data2); p != nil {
		t.Fatal("RxSegment() with disagreeing total length delivered a packet")
	}
	if pool.Remaining() != before+1 {
		t.Errorf("Remaining() after disagreeing total length = %d, want %d (entry's packet freed)", pool.Remaining(), before+1)
	}
}

// packSegHeaderForTest builds a raw segmentation header via the public
// ParseSegment/Send path's wire layout (packet-id, src-addr, seg-size,
// total-len, each big-endian uint16).
func packSegHeaderForTest(packetID, srcAddr, segSize, totalLen uint16) []byte {
	b := make([]byte, efp.SegHeaderSize)
	b[0], b[1] = byte(packetID>>8), byte(packetID)
	b[2], b[3] = byte(srcAddr>>8), byte(srcAddr)
	b[4], b[5] = byte(segSize>>8), byte(segSize)
	b[6], b[7] = byte(totalLen>>8), byte(totalLen)
	return b
}
