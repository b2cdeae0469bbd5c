// Package pdpub implements the PD publisher index: a hierarchical timing
// wheel that schedules the cyclic emission of every active publication with
// bounded per-tick work, plus a pull path for interval-zero publications
// answered on demand.
package pdpub

import (
	"container/list"
	"errors"
	"net"
	"sync"
	"time"

	"trdp/fingerprint"
	"trdp/internal/slab"
	"trdp/mux"
	"trdp/wire"
)

// Sender is the subset of *mux.Mux the publisher index needs. *mux.Mux
// satisfies this implicitly.
type Sender interface {
	SendPD(dst *net.UDPAddr, h *wire.Header, payload []byte, class mux.DSCPClass) error
}

// Stats receives diagnostic counters; a nil Stats is a no-op.
type Stats interface {
	IncDropped(reason string)
}

type noopStats struct{}

func (noopStats) IncDropped(string) {}

// Publication is the caller-facing configuration of one published telegram.
type Publication struct {
	Fingerprint     fingerprint.Fingerprint
	Interval        time.Duration // 0 ⇒ pull-only, never occupies a wheel slot
	RedundancyGroup uint32
	QoS             mux.DSCPClass // stamped as IP_TOS on every emitted packet
	Dest            *net.UDPAddr  // unicast or multicast destination
	Payload         []byte
	// OnSend, if set, is invoked immediately before each emission with the
	// current payload buffer so the caller can update the snapshot in
	// place (same backing array — no copy is made for this call).
	OnSend func(payload []byte)
}

var ErrUnknownHandle = errors.New("pdpub: unknown publication handle")

const (
	numClasses    = 4
	classFast     = 0 // interval <= 100ms
	classMedium   = 1 // interval <= 1s
	classSlow     = 2 // interval <= 10s
	classVerySlow = 3 // interval > 10s
)

var classBoundary = [numClasses]time.Duration{
	100 * time.Millisecond,
	time.Second,
	10 * time.Second,
	0, // unbounded — catch-all
}

// entry is the index's private bookkeeping for one publication, stored by
// an internal/slab.Handle so handles stay stable across wheel rotation.
type entry struct {
	pub      Publication
	sequence uint32

	// Wheel placement. Unset (class == -1) for pull-only publications.
	class         int
	slotIdx       int
	slotElem      *list.Element
	intervalTicks int64 // interval expressed in the owning class's resolution
}

type wheelClass struct {
	resolution time.Duration
	slots      []list.List
	cursor     int
}

func newWheelClass(resolution time.Duration, span time.Duration) *wheelClass {
	n := int(span / resolution)
	if n < 1 {
		n = 1
	}
	c := &wheelClass{resolution: resolution, slots: make([]list.List, n)}
	for i := range c.slots {
		c.slots[i].Init()
	}
	return c
}

// Config configures an Index at construction time.
type Config struct {
	// CycleTime is the base tick granularity (the fast wheel's resolution).
	// Zero defaults to 1ms.
	CycleTime time.Duration
	Stats     Stats
}

func (c *Config) setDefaults() {
	if c.CycleTime <= 0 {
		c.CycleTime = time.Millisecond
	}
	if c.Stats == nil {
		c.Stats = noopStats{}
	}
}

// Index schedules and emits every active publication for one session. mu is
// a plain, non-reentrant mutex; emit releases it for the duration of the
// OnSend callback so OnSend can call Put/Publish/Unpublish/Len back into
// this same Index without deadlocking.
type Index struct {
	mu       sync.Mutex
	cfg      Config
	sender   Sender
	pool     *slab.Pool[*entry]
	classes  [numClasses]*wheelClass
	pullPubs map[uint32][]slab.Handle // comID -> pull-only publications
	lastTick time.Time
	tickCount int64
	started  bool
}

// New constructs an Index that sends emitted samples via sender.
func New(sender Sender, cfg Config) *Index {
	cfg.setDefaults()
	idx := &Index{
		cfg:      cfg,
		sender:   sender,
		pool:     slab.NewPool[*entry](),
		pullPubs: make(map[uint32][]slab.Handle),
	}
	idx.classes[classFast] = newWheelClass(cfg.CycleTime, classBoundary[classFast])
	idx.classes[classMedium] = newWheelClass(cfg.CycleTime*10, classBoundary[classMedium])
	idx.classes[classSlow] = newWheelClass(cfg.CycleTime*100, classBoundary[classSlow])
	idx.classes[classVerySlow] = newWheelClass(cfg.CycleTime*1000, time.Hour)
	return idx
}

func classFor(interval time.Duration) int {
	for i := 0; i < numClasses-1; i++ {
		if interval <= classBoundary[i] {
			return i
		}
	}
	return classVerySlow
}

// Publish registers pub and, for interval>0, places it on the wheel at its
// first due slot. Returns the handle used by Put/Unpublish.
func (idx *Index) Publish(pub Publication) (slab.Handle, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e := &entry{pub: pub, class: -1}
	h := idx.pool.Insert(e)

	if pub.Interval <= 0 {
		idx.pullPubs[pub.Fingerprint.ComID] = append(idx.pullPubs[pub.Fingerprint.ComID], h)
		return h, nil
	}

	e.class = classFor(pub.Interval)
	wc := idx.classes[e.class]
	ticks := int64(pub.Interval / wc.resolution)
	if ticks < 1 {
		ticks = 1
	}
	e.intervalTicks = ticks
	// wc.cursor is the slot the class's next rotation processes, so the slot
	// ticks-1 past it comes due exactly ticks rotations from now.
	e.slotIdx = (wc.cursor + int(ticks) - 1) % len(wc.slots)
	e.slotElem = wc.slots[e.slotIdx].PushBack(h)
	return h, nil
}

// Unpublish removes h from the wheel (or the pull table) and destroys it.
func (idx *Index) Unpublish(h slab.Handle) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.pool.Get(h)
	if !ok {
		return ErrUnknownHandle
	}
	if e.class >= 0 && e.slotElem != nil {
		idx.removeFromWheel(e)
	} else {
		idx.removeFromPullTable(e.pub.Fingerprint.ComID, h)
	}
	idx.pool.Remove(h)
	return nil
}

func (idx *Index) removeFromWheel(e *entry) {
	idx.classes[e.class].slots[e.slotIdx].Remove(e.slotElem)
}

func (idx *Index) removeFromPullTable(comID uint32, h slab.Handle) {
	handles := idx.pullPubs[comID]
	for i, cur := range handles {
		if cur == h {
			idx.pullPubs[comID] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
}

// Put overwrites h's current payload buffer, the snapshot the next
// emission (cyclic or pull) sends, and returns the buffer it replaced (on
// the first call, the Payload the publication was registered with) so a
// caller pooling buffers can recycle it.
func (idx *Index) Put(h slab.Handle, payload []byte) ([]byte, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.pool.Get(h)
	if !ok {
		return nil, ErrUnknownHandle
	}
	old := e.pub.Payload
	e.pub.Payload = payload
	return old, nil
}

// Advance drives the wheel forward to now, emitting every publication due
// in each tick crossed. If the scheduler runs late, every intervening tick
// is still processed (catch-up), never skipped — but capped at one wheel
// revolution of the slowest class so a very long pause (e.g. a suspended
// process resuming) cannot stall the scheduler replaying hours of ticks.
func (idx *Index) Advance(now time.Time) {
	idx.mu.Lock()
	if !idx.started {
		idx.lastTick = now
		idx.started = true
		idx.mu.Unlock()
		return
	}
	slowest := idx.classes[classVerySlow]
	maxCatchup := len(slowest.slots) * int(slowest.resolution/idx.cfg.CycleTime)
	ticks := 0
	for idx.lastTick.Add(idx.cfg.CycleTime).Before(now) || idx.lastTick.Add(idx.cfg.CycleTime).Equal(now) {
		idx.lastTick = idx.lastTick.Add(idx.cfg.CycleTime)
		idx.tickCount++
		ticks++
		if ticks > maxCatchup {
			idx.lastTick = now
			break
		}
		idx.tickLocked(idx.lastTick)
	}
	idx.mu.Unlock()
}

// tickLocked rotates every class whose resolution divides the current base
// tick count and emits every publication in the slot it rotates into.
func (idx *Index) tickLocked(now time.Time) {
	for ci, wc := range idx.classes {
		divisor := int64(wc.resolution / idx.cfg.CycleTime)
		if divisor < 1 {
			divisor = 1
		}
		if idx.tickCount%divisor != 0 {
			continue
		}
		idx.rotateClass(ci, wc, now)
	}
}

func (idx *Index) rotateClass(ci int, wc *wheelClass, now time.Time) {
	slot := &wc.slots[wc.cursor]
	var next *list.Element
	for elem := slot.Front(); elem != nil; elem = next {
		next = elem.Next()
		h := elem.Value.(slab.Handle)
		e, ok := idx.pool.Get(h)
		if !ok {
			slot.Remove(elem)
			continue
		}
		slot.Remove(elem)
		idx.emit(e, e.pub.Dest, now)
		// Reinsert at the slot exactly intervalTicks ahead — the wheel
		// advances by interval, never by wall-clock jump.
		e.slotIdx = (wc.cursor + int(e.intervalTicks)) % len(wc.slots)
		e.slotElem = wc.slots[e.slotIdx].PushBack(h)
	}
	wc.cursor = (wc.cursor + 1) % len(wc.slots)
}

// emit performs one publication's per-tick send: on-send callback, sequence
// and send. A blocked send is skipped, never retried — PD is "latest value
// only". Must be called with idx.mu held; it releases mu only around the
// OnSend callback so a reentrant Put/Publish/Unpublish/Len from OnSend
// cannot deadlock against this same goroutine, then re-acquires mu before
// returning.
func (idx *Index) emit(e *entry, dest *net.UDPAddr, now time.Time) {
	if onSend := e.pub.OnSend; onSend != nil {
		payload := e.pub.Payload
		idx.mu.Unlock()
		onSend(payload)
		idx.mu.Lock()
	}
	e.sequence++

	h := &wire.Header{
		MsgType:      wire.MsgPDData,
		ComID:        e.pub.Fingerprint.ComID,
		EtbTopoCnt:   e.pub.Fingerprint.TopoCount,
		OpTrnTopoCnt: e.pub.Fingerprint.OpTrnTopo,
		SequenceCounter: e.sequence,
	}
	if err := idx.sender.SendPD(dest, h, e.pub.Payload, e.pub.QoS); err != nil {
		if errors.Is(err, mux.ErrBlock) {
			idx.cfg.Stats.IncDropped("pd_emit_block")
			return
		}
		idx.cfg.Stats.IncDropped("pd_emit_error")
	}
}

// HandlePullRequest answers an inbound PD pull request (Pr) for comID by
// emitting every registered pull-only (interval=0) publication matching it
// to replyDest, exactly once.
func (idx *Index) HandlePullRequest(comID uint32, replyDest *net.UDPAddr) error {
	idx.mu.Lock()
	handles := append([]slab.Handle(nil), idx.pullPubs[comID]...)
	idx.mu.Unlock()

	if len(handles) == 0 {
		return ErrUnknownHandle
	}
	for _, h := range handles {
		e, ok := idx.pool.Get(h)
		if !ok {
			continue
		}
		idx.mu.Lock()
		idx.emit(e, replyDest, time.Now())
		idx.mu.Unlock()
	}
	return nil
}

// Len reports the number of currently registered publications (cyclic and
// pull-only combined).
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.pool.Len()
}
