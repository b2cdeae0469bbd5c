// Package mux owns every PD and MD socket for one session: the PD UDP
// socket (unicast + joined multicast, demultiplexed via IP_PKTINFO), the MD
// UDP socket, the MD TCP listener plus a peer-keyed outbound connection
// pool, and the multicast membership refcount map. It projects inbound
// traffic as a single Event stream and a Wait(deadline) call the scheduler
// blocks on — the idiomatic Go analogue of the C core's select()-based
// poll-set.
package mux

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"trdp/wire"
)

// Stats receives diagnostic counters for data silently dropped on the wire
// (bad CRC, truncated frames, ...). A nil Stats is a no-op.
type Stats interface {
	IncDropped(reason string)
}

type noopStats struct{}

func (noopStats) IncDropped(string) {}

// Config configures a Mux at construction time.
type Config struct {
	PDPort         int
	MDUDPPort      int
	MDTCPPort      int
	ConnectTimeout time.Duration
	MulticastTTL   int
	EventQueueSize int
	Logger         *zap.Logger
	Stats          Stats
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MulticastTTL == 0 {
		c.MulticastTTL = 64
	}
	if c.EventQueueSize == 0 {
		c.EventQueueSize = 256
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Stats == nil {
		c.Stats = noopStats{}
	}
}

// Mux is a session's socket multiplexer.
type Mux struct {
	cfg Config

	pdConn    *ipv4.PacketConn
	pdRaw     syscall.RawConn // nil if the underlying conn doesn't expose one
	mdUDPConn *ipv4.PacketConn
	mdTCPLn   net.Listener

	pdMembership *membership
	pool         *tcpPool

	events  chan Event
	closeCh chan struct{}
	wg      sync.WaitGroup

	tcpIdleCheckInterval time.Duration
}

// New constructs a Mux without binding any socket; call BindPD/BindMDUDP/
// BindMDTCP to actually open sockets, a distinct operation from session
// construction.
func New(cfg Config) *Mux {
	cfg.setDefaults()
	return &Mux{
		cfg:                  cfg,
		pool:                 newTCPPool(cfg.ConnectTimeout),
		events:               make(chan Event, cfg.EventQueueSize),
		closeCh:              make(chan struct{}),
		tcpIdleCheckInterval: 5 * time.Second,
	}
}

// BindPD opens the PD UDP socket with SO_REUSEADDR/REUSEPORT and enables
// destination-address recovery (IP_PKTINFO), so the mux can tell unicast
// from multicast PD traffic on a single bound socket. It also applies
// cfg.MulticastTTL to outgoing multicast PD traffic and disables multicast
// loopback, and keeps the socket's raw fd around so SendPD can stamp each
// publication's DSCP class via IP_TOS before writing it.
func (m *Mux) BindPD(port int) error {
	conn, err := m.listenUDPReuse(port)
	if err != nil {
		return err
	}
	if sc, ok := conn.(syscall.Conn); ok {
		if raw, rawErr := sc.SyscallConn(); rawErr == nil {
			m.pdRaw = raw
		} else {
			m.cfg.Logger.Warn("mux: PD socket raw fd unavailable, DSCP/TTL setsockopt disabled", zap.Error(rawErr))
		}
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		m.cfg.Logger.Warn("mux: enable PKTINFO control messages failed", zap.Error(err))
	}
	if m.pdRaw != nil {
		if err := setMulticastTTL(m.pdRaw, m.cfg.MulticastTTL); err != nil {
			m.cfg.Logger.Warn("mux: set multicast TTL failed", zap.Error(err))
		}
		if err := setMulticastLoop(m.pdRaw, false); err != nil {
			m.cfg.Logger.Warn("mux: disable multicast loopback failed", zap.Error(err))
		}
	}
	m.pdConn = pc
	m.pdMembership = newMembership(pc)

	m.wg.Add(1)
	go m.readUDPLoop(pc, PlanePD)
	return nil
}

// BindMDUDP opens the MD UDP socket.
func (m *Mux) BindMDUDP(port int) error {
	conn, err := m.listenUDPReuse(port)
	if err != nil {
		return err
	}
	pc := ipv4.NewPacketConn(conn)
	m.mdUDPConn = pc

	m.wg.Add(1)
	go m.readUDPLoop(pc, PlaneMD)
	return nil
}

// BindMDTCP opens the MD TCP listener and starts accepting connections;
// each accepted connection is folded into the TCP pool (keyed by its
// remote address) so a responder's reply reuses the same socket the
// request arrived on.
func (m *Mux) BindMDTCP(port int) error {
	ln, err := net.Listen("tcp", udpAddrString(port))
	if err != nil {
		return err
	}
	m.mdTCPLn = ln

	m.wg.Add(1)
	go m.acceptLoop(ln)
	return nil
}

func (m *Mux) listenUDPReuse(port int) (net.PacketConn, error) {
	var sockoptErr error
	lc := net.ListenConfig{Control: reuseAddrPortControl(&sockoptErr)}
	conn, err := lc.ListenPacket(context.Background(), "udp4", udpAddrString(port))
	if err != nil {
		return nil, err
	}
	if sockoptErr != nil {
		m.cfg.Logger.Warn("mux: SO_REUSEADDR/REUSEPORT setsockopt failed", zap.Error(sockoptErr))
	}
	return conn, nil
}

func udpAddrString(port int) string {
	return (&net.UDPAddr{Port: port}).String()
}

// PDLocalAddr returns the bound PD socket's local address, useful when the
// caller bound to an ephemeral port (0).
func (m *Mux) PDLocalAddr() net.Addr {
	if m.pdConn == nil {
		return nil
	}
	return m.pdConn.LocalAddr()
}

// MDUDPLocalAddr returns the bound MD UDP socket's local address.
func (m *Mux) MDUDPLocalAddr() net.Addr {
	if m.mdUDPConn == nil {
		return nil
	}
	return m.mdUDPConn.LocalAddr()
}

// MDTCPLocalAddr returns the bound MD TCP listener's local address.
func (m *Mux) MDTCPLocalAddr() net.Addr {
	if m.mdTCPLn == nil {
		return nil
	}
	return m.mdTCPLn.Addr()
}

// JoinGroup joins the PD multicast group on ifi, refcounted so repeated
// subscriptions to the same group reuse one IGMP membership.
func (m *Mux) JoinGroup(group net.IP, ifi *net.Interface) error {
	if m.pdMembership == nil {
		return errors.New("mux: PD socket not bound")
	}
	return m.pdMembership.join(group, ifi)
}

// LeaveGroup decrements the refcount for the PD multicast group on ifi,
// leaving it on the last decrement. Unsubscribe must call this exactly once
// per subscription that previously joined.
func (m *Mux) LeaveGroup(group net.IP, ifi *net.Interface) error {
	if m.pdMembership == nil {
		return errors.New("mux: PD socket not bound")
	}
	return m.pdMembership.leave(group, ifi)
}

// GroupRefcount reports the current membership count for (group, ifi).
func (m *Mux) GroupRefcount(group net.IP, ifi *net.Interface) int {
	if m.pdMembership == nil {
		return 0
	}
	return m.pdMembership.refcount(group, ifi)
}

func (m *Mux) readUDPLoop(pc *ipv4.PacketConn, plane Plane) {
	defer m.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, cm, src, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-m.closeCh:
				return
			default:
			}
			if isTransient(err) {
				continue
			}
			// ICMP port-unreachable surfaces here as a transient read
			// error on some platforms; treat as no-data, never fatal.
			continue
		}

		pkt, err := wire.Decode(bytes.NewReader(buf[:n]))
		if err != nil {
			m.cfg.Stats.IncDropped(err.Error())
			continue
		}

		ev := Event{Plane: plane, Packet: pkt, SrcAddr: src.(*net.UDPAddr)}
		if cm != nil {
			ev.DstAddr = cm.Dst
			ev.Multicast = cm.Dst != nil && cm.Dst.IsMulticast()
		}
		m.emit(ev)
	}
}

func (m *Mux) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.closeCh:
				return
			default:
			}
			continue
		}
		peer := conn.RemoteAddr().String()
		tc := &tcpConn{peer: peer, conn: conn}
		tc.touch(time.Now())

		m.pool.mu.Lock()
		m.pool.conns[peer] = tc
		m.pool.mu.Unlock()

		m.wg.Add(1)
		go m.readTCPLoop(tc)
	}
}

func (m *Mux) readTCPLoop(tc *tcpConn) {
	defer m.wg.Done()
	for {
		pkt, err := wire.Decode(tc.conn)
		if err != nil {
			m.pool.invalidate(tc)
			return
		}
		tc.touch(time.Now())
		m.emit(Event{Plane: PlaneMD, Packet: pkt, TCPPeer: tc.peer})
	}
}

func (m *Mux) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.closeCh:
	default:
		// Event queue saturated: drop rather than block the reader loop.
		// PD is "latest value" so a dropped sample is never retried; a
		// dropped MD event relies on the initiator's retry budget.
		m.cfg.Stats.IncDropped("event_queue_full")
	}
}

// Wait blocks until either an Event arrives or deadline elapses, whichever
// is sooner, also capping the wait at the TCP idle-check tick so ReapIdle
// gets called regularly even with no PD/MD traffic.
func (m *Mux) Wait(deadline time.Time) (Event, bool) {
	effective := deadline
	if tick := time.Now().Add(m.tcpIdleCheckInterval); tick.Before(effective) {
		effective = tick
	}
	d := time.Until(effective)
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case ev := <-m.events:
		return ev, true
	case <-timer.C:
		return Event{}, false
	case <-m.closeCh:
		return Event{}, false
	}
}

// OpenTCPConnection returns a pooled TCP connection to peer, dialing one if
// absent.
func (m *Mux) OpenTCPConnection(peer string) (*tcpConn, error) {
	return m.pool.open(peer)
}

// TCPRef is a held reference to a pooled TCP connection; Release drops it.
// An MD session bound to TCP holds one for its lifetime so ReapIdle never
// closes the connection out from under a pending reply or confirm. Dead
// reports whether this specific connection instance has since been
// invalidated — a session must check it before each send/retry rather than
// let the pool transparently hand it a fresh connection for the same peer.
type TCPRef interface {
	Release()
	Dead() bool
}

// AcquireTCP returns peer's pooled connection, dialing one if absent, with
// its refcount incremented. The caller must call Release exactly once.
func (m *Mux) AcquireTCP(peer string) (TCPRef, error) {
	tc, err := m.pool.open(peer)
	if err != nil {
		return nil, err
	}
	tc.Acquire()
	return tc, nil
}

// ReapIdle closes pooled TCP connections idle beyond threshold with no
// active MD session referencing them.
func (m *Mux) ReapIdle(now time.Time, threshold time.Duration) int {
	return m.pool.reapIdle(now, threshold)
}

// TCPPoolSize reports the number of pooled outbound MD TCP connections
// currently held, for diagnostics.
func (m *Mux) TCPPoolSize() int {
	return m.pool.size()
}

// SendPD encodes and writes pkt to dst over the PD socket, stamping class as
// the IP_TOS byte first (best-effort; a setsockopt failure is logged, never
// fatal — the packet still goes out at whatever TOS the socket already
// carries). A write that would block surfaces as ErrBlock — PD never queues
// or retries.
func (m *Mux) SendPD(dst *net.UDPAddr, h *wire.Header, payload []byte, class DSCPClass) error {
	if m.pdRaw != nil {
		if err := setTOS(m.pdRaw, class); err != nil {
			m.cfg.Logger.Warn("mux: set DSCP/TOS failed", zap.Error(err))
		}
	}
	return sendUDP(m.pdConn, dst, h, payload)
}

// SendMDUDP encodes and writes an MD packet over the MD UDP socket.
func (m *Mux) SendMDUDP(dst *net.UDPAddr, h *wire.Header, payload []byte) error {
	return sendUDP(m.mdUDPConn, dst, h, payload)
}

func sendUDP(pc *ipv4.PacketConn, dst *net.UDPAddr, h *wire.Header, payload []byte) error {
	if pc == nil {
		return ErrSocket
	}
	var buf bytes.Buffer
	if err := wire.Encode(&buf, h, payload); err != nil {
		return err
	}
	_, err := pc.WriteTo(buf.Bytes(), nil, dst)
	if err != nil {
		if isWouldBlock(err) {
			return ErrBlock
		}
		return err
	}
	return nil
}

// SendMDTCP encodes and writes an MD packet to the pooled connection for
// peer, opening one if absent. Connection-refused/host-unreachable
// surfaces as ErrNoConn and invalidates the pooled entry.
func (m *Mux) SendMDTCP(peer string, h *wire.Header, payload []byte) error {
	tc, err := m.pool.open(peer)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := wire.Encode(&buf, h, payload); err != nil {
		return err
	}
	if _, err := tc.conn.Write(buf.Bytes()); err != nil {
		m.pool.invalidate(tc)
		if isWouldBlock(err) {
			return ErrBlock
		}
		return ErrNoConn
	}
	tc.touch(time.Now())
	return nil
}

// Close tears down every socket and pooled connection, aggregating any
// close errors with multierr — the same "collect, don't stop on first
// failure" discipline.
func (m *Mux) Close() error {
	close(m.closeCh)

	var errs error
	if m.pdConn != nil {
		errs = multierr.Append(errs, m.pdConn.Close())
	}
	if m.mdUDPConn != nil {
		errs = multierr.Append(errs, m.mdUDPConn.Close())
	}
	if m.mdTCPLn != nil {
		errs = multierr.Append(errs, m.mdTCPLn.Close())
	}
	for _, err := range m.pool.closeAll() {
		errs = multierr.Append(errs, err)
	}
	m.wg.Wait()
	return errs
}

func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}
