package promisc_test

import (
	"testing"

	"github.com/smallsat/snp/buffer"
	"github.com/smallsat/snp/promisc"
)

func TestMonitorTapOnlyWhenEnabled(t *testing.T) {
	pool := buffer.NewPool(4)
	m := promisc.NewMonitor(pool, 2)
	pkt, err := pool.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	m.Tap(pkt)
	select {
	case <-m.Read():
		t.Fatal("Read() yielded a clone while disabled")
	default:
	}

	m.Enable()
	if !m.Enabled() {
		t.Fatal("Enabled() = false after Enable()")
	}
	m.Tap(pkt)
	select {
	case clone := <-m.Read():
		if clone == pkt {
			t.Error("Tap() delivered the original packet, want a clone")
		}
	default:
		t.Fatal("Read() empty after Tap() while enabled")
	}
}

func TestMonitorDisableDrainsQueue(t *testing.T) {
	pool := buffer.NewPool(4)
	m := promisc.NewMonitor(pool, 2)
	pkt, err := pool.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	m.Enable()
	m.Tap(pkt)

	before := pool.Remaining()
	m.Disable()
	if m.Enabled() {
		t.Fatal("Enabled() = true after Disable()")
	}
	if pool.Remaining() != before+1 {
		t.Errorf("Remaining() after Disable() = %d, want %d (queued clone freed)", pool.Remaining(), before+1)
	}
	select {
	case <-m.Read():
		t.Fatal("Read() yielded an element after Disable() drained the queue")
	default:
	}
}

func TestMonitorTapDropsWhenQueueFull(t *testing.T) {
	pool := buffer.NewPool(8)
	m := promisc.NewMonitor(pool, 1)
	m.Enable()
	pkt, err := pool.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	m.Tap(pkt)
	m.Tap(pkt) // queue depth 1: second clone must be dropped, not block or panic

	count := 0
	for {
		select {
		case <-m.Read():
			count++
			continue
		default:
		}
		break
	}
	if count != 1 {
		t.Errorf("queued clones = %d, want 1", count)
	}
}
