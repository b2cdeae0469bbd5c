// Package scheduler implements the single cooperative loop (and an
// alternate split tx/rx mode) that drives one session: it waits on the
// socket mux for the next inbound event or the next internal deadline,
// dispatches inbound PD/MD traffic to the matching index, and on every
// wakeup advances the PD publisher wheel and sweeps PD/MD timeouts.
package scheduler

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"go.uber.org/zap"

	"trdp/fingerprint"
	"trdp/mux"
	"trdp/wire"
)

// Publisher is the pdpub.Index subset the scheduler drives.
type Publisher interface {
	Advance(now time.Time)
	HandlePullRequest(comID uint32, replyDest *net.UDPAddr) error
}

// Subscriber is the pdsub.Index subset the scheduler drives.
type Subscriber interface {
	Deliver(in fingerprint.Fingerprint, pkt *wire.Packet, src net.IP, now time.Time) int
	Sweep(now time.Time)
	ForwardPullRequest(comID uint32, replyDest *net.UDPAddr) error
}

// MDTable is the mdsession.Index subset the scheduler drives.
type MDTable interface {
	HandleInbound(now time.Time, pkt *wire.Packet, src *net.UDPAddr, tcpPeer string) error
	Sweep(now time.Time)
	NextDeadline() (time.Time, bool)
	Abort(now time.Time)
}

// Waiter is the *mux.Mux subset the scheduler blocks on.
type Waiter interface {
	Wait(deadline time.Time) (mux.Event, bool)
	ReapIdle(now time.Time, threshold time.Duration) int
}

// Mode selects between the single cooperative loop and the split
// transmit/receive dual-goroutine arrangement.
type Mode int

const (
	// ModeCooperative runs one goroutine that waits, dispatches, and
	// advances in sequence — the default, and the only mode that gives
	// the documented re-entrancy guarantee (Reply/ReplyQuery/Confirm/Put
	// called from a dispatch callback never race the next wait).
	ModeCooperative Mode = iota
	// ModeSplit runs inbound dispatch on one goroutine and PD-emission/
	// timeout sweeping on another, for sessions where publisher cyclic
	// timing must not be delayed by a burst of inbound traffic.
	ModeSplit
)

// Config configures a Scheduler at construction time.
type Config struct {
	Mode Mode
	// TickInterval bounds how long Wait ever blocks, so Advance/Sweep run
	// at least this often even with no inbound traffic. Zero defaults to
	// 1ms (matching pdpub's default CycleTime).
	TickInterval time.Duration
	// TCPIdleThreshold is passed to Waiter.ReapIdle on every tick.
	TCPIdleThreshold time.Duration
	Logger           *zap.Logger
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Millisecond
	}
	if c.TCPIdleThreshold <= 0 {
		c.TCPIdleThreshold = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Scheduler owns one session's run loop.
type Scheduler struct {
	cfg Config
	mux Waiter
	pub Publisher
	sub Subscriber
	md  MDTable
}

// New constructs a Scheduler driving mux/pub/sub/md.
func New(mux Waiter, pub Publisher, sub Subscriber, md MDTable, cfg Config) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{cfg: cfg, mux: mux, pub: pub, sub: sub, md: md}
}

// Run drives the loop until ctx is cancelled, at which point it aborts every
// in-flight MD session (no network traffic) and returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Mode == ModeSplit {
		return s.runSplit(ctx)
	}
	return s.runCooperative(ctx)
}

func (s *Scheduler) runCooperative(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.md.Abort(time.Now())
			return ctx.Err()
		default:
		}

		now := time.Now()
		deadline := s.nextDeadline(now)
		ev, ok := s.mux.Wait(deadline)
		now = time.Now()
		if ok {
			s.dispatch(now, ev)
		}
		s.tick(now)
	}
}

// runSplit dispatches inbound events on this goroutine while a second
// goroutine drives PD emission and timeout sweeping on its own ticker, so a
// burst of inbound MD/PD traffic never delays a cyclic publication.
func (s *Scheduler) runSplit(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.tick(now)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			s.md.Abort(time.Now())
			return ctx.Err()
		default:
		}
		ev, ok := s.mux.Wait(time.Now().Add(s.cfg.TickInterval))
		if ok {
			s.dispatch(time.Now(), ev)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.pub.Advance(now)
	s.sub.Sweep(now)
	s.md.Sweep(now)
	s.mux.ReapIdle(now, s.cfg.TCPIdleThreshold)
}

// nextDeadline bounds the wait to the tick interval or the MD table's
// earliest pending reply/confirm deadline, whichever is sooner.
func (s *Scheduler) nextDeadline(now time.Time) time.Time {
	deadline := now.Add(s.cfg.TickInterval)
	if md, ok := s.md.NextDeadline(); ok && md.Before(deadline) {
		deadline = md
	}
	return deadline
}

func (s *Scheduler) dispatch(now time.Time, ev mux.Event) {
	if ev.Packet == nil {
		return
	}
	switch ev.Plane {
	case mux.PlanePD:
		s.dispatchPD(now, ev)
	case mux.PlaneMD:
		if err := s.md.HandleInbound(now, ev.Packet, ev.SrcAddr, ev.TCPPeer); err != nil {
			s.cfg.Logger.Debug("md dispatch error", zap.Error(err))
		}
	}
}

func (s *Scheduler) dispatchPD(now time.Time, ev mux.Event) {
	h := ev.Packet.Header
	switch h.MsgType {
	case wire.MsgPDData, wire.MsgPDReply:
		in := fingerprintFromHeader(h, ev)
		s.sub.Deliver(in, ev.Packet, ev.SrcAddr.IP, now)
	case wire.MsgPDRequest:
		replyDest := ev.SrcAddr
		if h.ReplyIPAddress != 0 {
			replyDest = &net.UDPAddr{IP: uint32ToIP(h.ReplyIPAddress), Port: ev.SrcAddr.Port}
		}
		if err := s.sub.ForwardPullRequest(h.ComID, replyDest); err != nil {
			s.cfg.Logger.Debug("pd pull forward error", zap.Error(err))
		}
	}
}

// fingerprintFromHeader builds the inbound (concrete, no-wildcard) side of a
// match: SrcAddr/DstAddr come from the event's network-level addresses, not
// the wire header, since PD data/reply packets carry no address fields of
// their own — address-filtered subscriptions match against where the packet
// actually came from and, when recovered, where it was actually addressed.
func fingerprintFromHeader(h wire.Header, ev mux.Event) fingerprint.Fingerprint {
	fp := fingerprint.Fingerprint{
		ComID:     h.ComID,
		TopoCount: h.EtbTopoCnt,
		OpTrnTopo: h.OpTrnTopoCnt,
	}
	if ev.SrcAddr != nil {
		fp.SrcAddr = ipToUint32(ev.SrcAddr.IP)
	}
	if ev.DstAddr != nil {
		fp.DstAddr = ipToUint32(ev.DstAddr)
	}
	return fp
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func uint32ToIP(v uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
