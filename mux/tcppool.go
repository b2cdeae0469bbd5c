package mux

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// tcpConn is one pooled TCP connection to a peer, reused by subsequent MD
// requests to that peer within the idle window. refcount is the number of
// MD sessions currently referencing it; reapIdle skips any connection with
// a nonzero refcount regardless of how long it has been idle.
type tcpConn struct {
	peer         string
	conn         net.Conn
	lastActivity atomic.Int64 // UnixNano
	refcount     atomic.Int32
	dead         atomic.Bool
}

func (c *tcpConn) touch(now time.Time) { c.lastActivity.Store(now.UnixNano()) }

func (c *tcpConn) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

// Acquire increments the refcount; pair with Release. Lets N concurrent MD
// sessions reference the same peer connection without racing its reaper.
func (c *tcpConn) Acquire() { c.refcount.Add(1) }

// Release decrements the refcount.
func (c *tcpConn) Release() { c.refcount.Add(-1) }

// Dead reports whether this specific connection instance has been
// invalidated (write failure, peer EOF, or idle-reaped). A session holding
// this reference must not retry through a freshly dialed replacement — it
// has to fail and let the caller decide whether to start a new transaction.
func (c *tcpConn) Dead() bool { return c.dead.Load() }

// tcpPool is a peer-address-keyed pool of tcpConn: at most one live
// connection per peer address, created lazily and reused until idle-reaped.
type tcpPool struct {
	mu            sync.Mutex
	conns         map[string]*tcpConn
	connectTimeout time.Duration
}

func newTCPPool(connectTimeout time.Duration) *tcpPool {
	return &tcpPool{
		conns:          make(map[string]*tcpConn),
		connectTimeout: connectTimeout,
	}
}

// open returns the pooled connection to peer, dialing one if absent or if
// the existing one has been marked dead.
func (p *tcpPool) open(peer string) (*tcpConn, error) {
	p.mu.Lock()
	if c, ok := p.conns[peer]; ok && !c.dead.Load() {
		p.mu.Unlock()
		c.touch(time.Now())
		return c, nil
	}
	p.mu.Unlock()

	netConn, err := net.DialTimeout("tcp", peer, p.connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("mux: dial %s: %w", peer, err)
	}

	c := &tcpConn{peer: peer, conn: netConn}
	c.touch(time.Now())

	p.mu.Lock()
	if old, ok := p.conns[peer]; ok && !old.dead.Load() {
		// Lost the race with a concurrent opener; keep the winner, close ours.
		p.mu.Unlock()
		netConn.Close()
		old.touch(time.Now())
		return old, nil
	}
	p.conns[peer] = c
	p.mu.Unlock()
	return c, nil
}

// invalidate removes c from the pool and closes its socket — called when a
// send returns connection-refused/host-unreachable (surfaced to the caller
// as ErrNoConn) or when the peer's read loop observes EOF.
func (p *tcpPool) invalidate(c *tcpConn) {
	if c.dead.Swap(true) {
		return
	}
	p.mu.Lock()
	if p.conns[c.peer] == c {
		delete(p.conns, c.peer)
	}
	p.mu.Unlock()
	c.conn.Close()
}

// reapIdle closes every pooled connection idle beyond threshold that owns
// no active MD session (refcount == 0). Returns the number of connections
// closed.
func (p *tcpPool) reapIdle(now time.Time, threshold time.Duration) int {
	p.mu.Lock()
	var victims []*tcpConn
	for _, c := range p.conns {
		if c.refcount.Load() == 0 && c.idleSince(now) >= threshold {
			victims = append(victims, c)
		}
	}
	for _, c := range victims {
		delete(p.conns, c.peer)
	}
	p.mu.Unlock()

	for _, c := range victims {
		c.dead.Store(true)
		c.conn.Close()
	}
	return len(victims)
}

// closeAll tears down every pooled connection regardless of refcount; used
// by Mux.Close during session shutdown.
func (p *tcpPool) closeAll() []error {
	p.mu.Lock()
	conns := make([]*tcpConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*tcpConn)
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		c.dead.Store(true)
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// size returns the number of currently pooled connections, for tests.
func (p *tcpPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
