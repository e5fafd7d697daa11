package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/coordinator/internal/bus"
	"collabtext/coordinator/internal/event"
)

// ErrNotTracked is returned by Ready for a room without a Track call.
var ErrNotTracked = errors.New("relay: room not tracked")

// Config wires an Operations relay.
type Config struct {
	Bus        bus.Bus
	Sequencer  Sequencer
	Members    Membership
	Merger     Merger
	Store      Store
	Origin     string
	GapTimeout time.Duration
	Log        *zap.Logger
}

// Operations assigns sequence numbers on the submitting side and reorders
// sequenced events on the receiving side.
type Operations struct {
	bus      bus.Bus
	seq      Sequencer
	members  Membership
	merger   Merger
	store    Store
	log      *zap.Logger
	locks    map[string]*roomLock
	orderers map[string]*orderer
	origin   string
	gap      time.Duration
	locksMu  sync.Mutex
	ordMu    sync.RWMutex
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// NewOperations returns a relay. Merger and Store are optional.
func NewOperations(cfg Config) *Operations {
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = 2 * time.Second
	}
	return &Operations{
		bus:      cfg.Bus,
		seq:      cfg.Sequencer,
		members:  cfg.Members,
		merger:   cfg.Merger,
		store:    cfg.Store,
		log:      cfg.Log.Named("relay"),
		locks:    make(map[string]*roomLock),
		orderers: make(map[string]*orderer),
		origin:   cfg.Origin,
		gap:      cfg.GapTimeout,
	}
}

// lock serializes submissions to one room on this process. Entries are
// reference counted so idle rooms do not accumulate.
func (o *Operations) lock(roomID string) func() {
	o.locksMu.Lock()
	l := o.locks[roomID]
	if l == nil {
		l = &roomLock{}
		o.locks[roomID] = l
	}
	l.refs++
	o.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, roomID)
		}
		o.locksMu.Unlock()
	}
}

// Submit sequences op, hands it to the merge and persistence collaborators and
// publishes it on the room channel. Every subscribed process, this one
// included, delivers it through its orderer.
func (o *Operations) Submit(ctx context.Context, roomID, userID, connID string, op json.RawMessage) (uint64, error) {
	if !o.members.IsMember(roomID, connID) {
		return 0, &NotAMemberError{RoomID: roomID, UserID: userID}
	}

	unlock := o.lock(roomID)
	defer unlock()

	seq, err := o.seq.Next(ctx, roomID)
	if err != nil {
		return 0, &bus.UnavailableError{Channel: bus.RoomChannel(roomID), Attempts: 1, Err: err}
	}

	merged, err := o.apply(ctx, roomID, seq, op)
	if err != nil {
		o.log.Warn("operation rejected",
			zap.String("room", roomID),
			zap.String("user", userID),
			zap.Uint64("seq", seq),
			zap.Error(err),
		)
		skip := event.New(event.KindSkip, o.origin)
		skip.RoomID = roomID
		skip.Seq = seq
		if perr := o.publish(ctx, skip); perr != nil {
			o.log.Warn("publish skip failed", zap.String("room", roomID), zap.Uint64("seq", seq), zap.Error(perr))
		}
		return seq, &RejectedError{RoomID: roomID, Seq: seq, Err: err}
	}

	ev := event.New(event.KindOperation, o.origin)
	ev.RoomID = roomID
	ev.UserID = userID
	ev.ConnID = connID
	ev.Seq = seq
	ev.Timestamp = time.Now().UnixMilli()
	ev.Payload = merged
	if err := o.publish(ctx, ev); err != nil {
		return seq, err
	}
	return seq, nil
}

func (o *Operations) apply(ctx context.Context, roomID string, seq uint64, op json.RawMessage) (json.RawMessage, error) {
	if o.merger != nil {
		merged, err := o.merger.Merge(ctx, roomID, seq, op)
		if err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
		op = merged
	}
	if o.store != nil {
		if err := o.store.Append(ctx, roomID, seq, op); err != nil {
			return nil, fmt.Errorf("persist: %w", err)
		}
	}
	return op, nil
}

func (o *Operations) publish(ctx context.Context, ev event.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, bus.RoomChannel(ev.RoomID), data)
}

// Track starts buffering sequenced events of roomID for deliver, which runs
// under the orderer lock and must not block. deliver also receives late
// operations, marked Late, which must not be shown to room members. Call Ready once the room
// channel is subscribed.
func (o *Operations) Track(roomID string, deliver func(Delivery)) {
	o.ordMu.Lock()
	defer o.ordMu.Unlock()
	if _, ok := o.orderers[roomID]; ok {
		return
	}
	o.orderers[roomID] = newOrderer(roomID, o.gap, deliver, o.log)
}

// Ready reads the room's current sequence number and starts releasing events
// numbered after it. It returns that base.
func (o *Operations) Ready(ctx context.Context, roomID string) (uint64, error) {
	o.ordMu.RLock()
	ord := o.orderers[roomID]
	o.ordMu.RUnlock()
	if ord == nil {
		return 0, ErrNotTracked
	}

	base, err := o.seq.Current(ctx, roomID)
	if err != nil {
		return 0, err
	}
	ord.start(base)
	o.log.Debug("tracking room", zap.String("room", roomID), zap.Uint64("base", base))
	return base, nil
}

// Untrack stops delivery for roomID and discards buffered events.
func (o *Operations) Untrack(roomID string) {
	o.ordMu.Lock()
	ord := o.orderers[roomID]
	delete(o.orderers, roomID)
	o.ordMu.Unlock()
	if ord != nil {
		ord.close()
	}
}

// Receive feeds an operation or skip event from the bus into its room's
// orderer. Events of untracked rooms are ignored.
func (o *Operations) Receive(ev event.Event) {
	if ev.Kind != event.KindOperation && ev.Kind != event.KindSkip {
		return
	}
	o.ordMu.RLock()
	ord := o.orderers[ev.RoomID]
	o.ordMu.RUnlock()
	if ord != nil {
		ord.offer(ev)
	}
}

// Position returns the next sequence number roomID expects, 0 if untracked.
func (o *Operations) Position(roomID string) uint64 {
	o.ordMu.RLock()
	ord := o.orderers[roomID]
	o.ordMu.RUnlock()
	if ord == nil {
		return 0
	}
	return ord.position()
}
