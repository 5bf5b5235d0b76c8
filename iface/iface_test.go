package iface_test

import (
	"testing"

	"github.com/smallsat/snp/iface"
)

func TestListAddAndByName(t *testing.T) {
	l := iface.NewList()
	eth0 := &iface.Interface{Name: "eth0"}
	eth1 := &iface.Interface{Name: "eth1"}
	l.Add(eth0)
	l.Add(eth1)

	if got := l.ByName("ETH0"); got != eth0 {
		t.Errorf("ByName(ETH0) = %v, want eth0 (case-insensitive match)", got)
	}
	if got := l.ByName("eth1"); got != eth1 {
		t.Errorf("ByName(eth1) = %v, want eth1", got)
	}
	if got := l.ByName("eth2"); got != nil {
		t.Errorf("ByName(eth2) = %v, want nil", got)
	}
}

func TestListAddIsIdempotent(t *testing.T) {
	l := iface.NewList()
	eth0 := &iface.Interface{Name: "eth0"}
	l.Add(eth0)
	l.Add(eth0)

	var names []string
	l.Each(func(i *iface.Interface) { names = append(names, i.Name) })
	if len(names) != 1 {
		t.Fatalf("Each() visited %d interfaces, want 1 (re-Add must not duplicate)", len(names))
	}
}

func TestListEachPreservesOrder(t *testing.T) {
	l := iface.NewList()
	eth0 := &iface.Interface{Name: "eth0"}
	eth1 := &iface.Interface{Name: "eth1"}
	eth2 := &iface.Interface{Name: "eth2"}
	l.Add(eth0)
	l.Add(eth1)
	l.Add(eth2)

	var names []string
	l.Each(func(i *iface.Interface) { names = append(names, i.Name) })
	want := []string{"eth0", "eth1", "eth2"}
	if len(names) != len(want) {
		t.Fatalf("Each() visited %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Each() order[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
