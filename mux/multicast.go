package mux

import (
	"net"
	"sync"

	"golang.org/x/net/ipv4"
)

// membershipKey identifies one multicast group on one interface.
type membershipKey struct {
	group string // group.String()
	iface string // iface.Name, "" for the default interface
}

// membership tracks IGMP join/leave refcounting: reaching zero triggers an
// IP_DROP_MEMBERSHIP, reaching one from zero triggers IP_ADD_MEMBERSHIP.
type membership struct {
	mu    sync.Mutex
	conn  *ipv4.PacketConn
	count map[membershipKey]int
}

func newMembership(conn *ipv4.PacketConn) *membership {
	return &membership{conn: conn, count: make(map[membershipKey]int)}
}

func key(group net.IP, ifi *net.Interface) membershipKey {
	name := ""
	if ifi != nil {
		name = ifi.Name
	}
	return membershipKey{group: group.String(), iface: name}
}

// join increments the refcount for (group, iface); on the zero→one
// transition it issues the actual IGMP join.
func (m *membership) join(group net.IP, ifi *net.Interface) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(group, ifi)
	if m.count[k] == 0 {
		if err := m.conn.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
			return err
		}
	}
	m.count[k]++
	return nil
}

// leave decrements the refcount; on reaching zero it issues the actual IGMP
// leave. Calling leave on a key already at zero is a no-op — unsubscribe
// must invoke this exactly once per subscription that joined, never more.
func (m *membership) leave(group net.IP, ifi *net.Interface) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(group, ifi)
	if m.count[k] == 0 {
		return nil
	}
	m.count[k]--
	if m.count[k] == 0 {
		delete(m.count, k)
		return m.conn.LeaveGroup(ifi, &net.UDPAddr{IP: group})
	}
	return nil
}

// refcount returns the current membership count for (group, iface).
func (m *membership) refcount(group net.IP, ifi *net.Interface) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count[key(group, ifi)]
}

// liveGroups returns the number of distinct (group, iface) pairs with a
// nonzero refcount.
func (m *membership) liveGroups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.count)
}
