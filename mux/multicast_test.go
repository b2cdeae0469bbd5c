package mux

import (
	"net"
	"testing"
)

// These tests exercise join/leave transitions that never reach a 0→1 or
// 1→0 boundary, so the real IGMP call (m.conn.JoinGroup/LeaveGroup) is
// never invoked and a nil conn is safe to use.

func TestMembershipRefcounting(t *testing.T) {
	m := &membership{count: make(map[membershipKey]int)}
	group := net.ParseIP("239.0.1.1")
	k := membershipKey{group: group.String(), iface: ""}

	m.count[k] = 1 // pretend a prior join already happened

	if err := m.join(group, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := m.refcount(group, nil); got != 2 {
		t.Fatalf("refcount after second join = %d, want 2", got)
	}

	if err := m.leave(group, nil); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := m.refcount(group, nil); got != 1 {
		t.Fatalf("refcount after leave = %d, want 1", got)
	}
	_ = k
}

func TestLeaveAtZeroIsNoop(t *testing.T) {
	m := &membership{count: make(map[membershipKey]int)}
	group := net.ParseIP("239.0.1.2")

	if err := m.leave(group, nil); err != nil {
		t.Fatalf("leave on an unjoined group returned an error: %v", err)
	}
	if got := m.refcount(group, nil); got != 0 {
		t.Fatalf("refcount = %d, want 0", got)
	}
}

func TestKeyDistinguishesInterfaces(t *testing.T) {
	k1 := membershipKey{group: "239.0.1.1", iface: "eth0"}
	k2 := membershipKey{group: "239.0.1.1", iface: "eth1"}
	if k1 == k2 {
		t.Fatal("same group on different interfaces must be distinct keys")
	}
}
