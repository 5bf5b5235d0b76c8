package qfifo_test

import (
	"context"
	"testing"
	"time"

	"github.com/smallsat/snp/iface"
	"github.com/smallsat/snp/qfifo"
)

func TestFanInWriteAndNextPriorityOrder(t *testing.T) {
	f := qfifo.NewFanIn(4)
	ifc := &iface.Interface{Name: "eth0"}

	low := qfifo.Element{Iface: ifc}
	high := qfifo.Element{Iface: ifc}

	if !f.Write(3, low) {
		t.Fatal("Write(pri=3) = false, want true")
	}
	if !f.Write(0, high) {
		t.Fatal("Write(pri=0) = false, want true")
	}

	ctx := context.Background()
	el, ok := f.Next(ctx)
	if !ok {
		t.Fatal("Next() ok = false, want true")
	}
	if el != high {
		t.Errorf("Next() returned %v first, want the priority-0 element", el)
	}

	el, ok = f.Next(ctx)
	if !ok || el != low {
		t.Errorf("Next() second call = (%v, %v), want the priority-3 element", el, ok)
	}
}

func TestFanInWriteDropsWhenFull(t *testing.T) {
	f := qfifo.NewFanIn(1)
	ifc := &iface.Interface{Name: "eth0"}

	if !f.Write(1, qfifo.Element{Iface: ifc}) {
		t.Fatal("Write() #1 = false, want true")
	}
	if f.Write(1, qfifo.Element{Iface: ifc}) {
		t.Fatal("Write() #2 on full queue = true, want false")
	}
	if ifc.Drop != 1 {
		t.Errorf("Iface.Drop = %d, want 1", ifc.Drop)
	}
}

func TestFanInNextBlocksUntilCancelled(t *testing.T) {
	f := qfifo.NewFanIn(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := f.Next(ctx)
	if ok {
		t.Fatal("Next() on empty fifo with cancelled context ok = true, want false")
	}
}
