package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/coordinator/internal/event"
)

// maxSkippedTracked bounds how many skipped numbers are remembered for late
// arrival reports.
const maxSkippedTracked = 1024

// Delivery is an operation released in sequence order. Late is set, once,
// for an operation that arrived after its number was skipped: it was not
// delivered to anyone and its submitter should resubmit.
type Delivery struct {
	RoomID  string
	UserID  string
	ConnID  string
	Seq     uint64
	Payload []byte
	Late    bool
}

// orderer is the per-room reorder buffer on the receiving side. The bus may
// deliver sequenced events late, twice or out of order; the orderer releases
// them exactly once in strictly increasing order. A missing number holds
// later ones back for at most gap before it is skipped.
type orderer struct {
	log     *zap.Logger
	deliver func(Delivery)
	pending map[uint64]event.Event
	skipped map[uint64]struct{}
	skipLog []uint64
	timer   *time.Timer
	roomID  string
	gap     time.Duration
	next    uint64
	gen     uint64
	mu      sync.Mutex
	ready   bool
	closed  bool
}

func newOrderer(roomID string, gap time.Duration, deliver func(Delivery), log *zap.Logger) *orderer {
	return &orderer{
		log:     log,
		deliver: deliver,
		pending: make(map[uint64]event.Event),
		skipped: make(map[uint64]struct{}),
		roomID:  roomID,
		gap:     gap,
	}
}

// start sets the first expected number. Events buffered before start that
// are older are dropped.
func (o *orderer) start(base uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.ready {
		return
	}
	o.ready = true
	o.next = base + 1
	for seq := range o.pending {
		if seq < o.next {
			delete(o.pending, seq)
		}
	}
	o.drain()
}

// offer accepts an operation or skip event.
func (o *orderer) offer(ev event.Event) {
	if ev.Seq == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if o.ready && ev.Seq < o.next {
		o.reportLate(ev)
		return
	}
	if _, dup := o.pending[ev.Seq]; dup {
		return
	}
	o.pending[ev.Seq] = ev
	if o.ready {
		o.drain()
	}
}

// drain releases every contiguous event and arms the gap timer while
// something is still waiting. Called with mu held.
func (o *orderer) drain() {
	progressed := false
	for {
		ev, ok := o.pending[o.next]
		if !ok {
			break
		}
		delete(o.pending, o.next)
		o.next++
		progressed = true
		if ev.Kind == event.KindOperation {
			o.deliver(Delivery{
				RoomID:  o.roomID,
				UserID:  ev.UserID,
				ConnID:  ev.ConnID,
				Seq:     ev.Seq,
				Payload: ev.Payload,
			})
		}
	}

	if len(o.pending) == 0 {
		o.stopTimer()
		return
	}
	if progressed || o.timer == nil {
		o.stopTimer()
		o.gen++
		gen := o.gen
		o.timer = time.AfterFunc(o.gap, func() { o.skipGap(gen) })
	}
}

// skipGap jumps to the lowest buffered number. A timer that was replaced
// after it fired carries a stale generation and does nothing.
func (o *orderer) skipGap(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || gen != o.gen {
		return
	}
	o.timer = nil
	if len(o.pending) == 0 {
		return
	}
	lowest := uint64(0)
	for seq := range o.pending {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	o.log.Warn("skipping missing operations",
		zap.String("room", o.roomID),
		zap.Uint64("from", o.next),
		zap.Uint64("to", lowest-1),
	)
	for seq := o.next; seq < lowest; seq++ {
		o.markSkipped(seq)
	}
	o.next = lowest
	o.drain()
}

func (o *orderer) markSkipped(seq uint64) {
	o.skipped[seq] = struct{}{}
	o.skipLog = append(o.skipLog, seq)
	if len(o.skipLog) > maxSkippedTracked {
		delete(o.skipped, o.skipLog[0])
		o.skipLog = o.skipLog[1:]
	}
}

// reportLate hands an operation whose number was skipped to deliver, marked
// late. Duplicates and numbers that were delivered are dropped.
func (o *orderer) reportLate(ev event.Event) {
	if ev.Kind != event.KindOperation {
		return
	}
	if _, ok := o.skipped[ev.Seq]; !ok {
		return
	}
	delete(o.skipped, ev.Seq)
	o.log.Warn("operation arrived after it was skipped",
		zap.String("room", o.roomID),
		zap.Uint64("seq", ev.Seq),
		zap.String("conn", ev.ConnID),
	)
	o.deliver(Delivery{
		RoomID:  o.roomID,
		UserID:  ev.UserID,
		ConnID:  ev.ConnID,
		Seq:     ev.Seq,
		Payload: ev.Payload,
		Late:    true,
	})
}

func (o *orderer) stopTimer() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *orderer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.stopTimer()
	o.pending = nil
	o.skipped = nil
	o.skipLog = nil
}

// position returns the next expected number.
func (o *orderer) position() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.next
}
